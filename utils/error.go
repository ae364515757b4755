package utils

import (
	"errors"
	"fmt"
)

var ErrorRecordNotFound = errors.New("record not found")

// Registry layer.
var (
	ErrDuplicateVendor = errors.New("vendor id already registered")
	ErrUnknownAgent    = errors.New("agent is not registered")
	ErrAgentOffline    = errors.New("agent is offline")
	ErrAuthMismatch    = errors.New("auth token mismatch")
)

// Job layer.
var (
	ErrValidationFailure = errors.New("payload failed validation")
	ErrRetryExhausted    = errors.New("retry attempts exhausted")
)

// Resolver layer.
var (
	ErrComparisonTimeout        = errors.New("checksum comparison timed out")
	ErrPartialResolutionFailure = errors.New("resolution batch partially failed")
)

// TransientError wraps failures that are safe to retry (network/timeout talking
// to an agent, transient store contention). Anything not wrapped is treated as
// structural and dead-letters immediately.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	// Timeouts during a comparison walk and partial batch rollbacks are
	// retried; the next attempt starts from a clean state.
	return errors.Is(err, ErrComparisonTimeout) || errors.Is(err, ErrPartialResolutionFailure)
}
