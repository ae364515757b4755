package erpsync

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
)

// A limiter that never ticks: the call must still return once the caller's
// context is done instead of blocking on the rate limit.
func TestAgentClientCancelledDuringRateLimitWait(t *testing.T) {
	c := &agentClient{
		baseURL:   "http://agent.invalid",
		apiKeyHdr: "X-Agent-Token",
		http:      &http.Client{},
		limiter:   make(chan time.Time),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() {
		_, err := c.FetchChecksum(ctx, KeyRange{Low: "sku-0"})
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("cancelled fetch returned no error")
		}
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v, want context.Canceled", err)
		}
		if !utils.IsTransient(err) {
			t.Fatalf("cancellation should be transient, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not return after cancellation")
	}
}

func TestAgentClientDeadlineDuringRateLimitWait(t *testing.T) {
	c := &agentClient{
		baseURL:   "http://agent.invalid",
		apiKeyHdr: "X-Agent-Token",
		http:      &http.Client{},
		limiter:   make(chan time.Time),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := c.FetchChecksum(ctx, KeyRange{Low: "sku-0"})
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, utils.ErrComparisonTimeout) {
			t.Fatalf("got %v, want ErrComparisonTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not return after deadline")
	}
}
