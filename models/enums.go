package models

// HealthStatus is derived from now - last_heartbeat_at. The column on Agent is
// a write-through cache for dashboard queries; reads recompute it.
type HealthStatus string

const (
	HealthStatusOnline   HealthStatus = "online"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusOffline  HealthStatus = "offline"
)

// ErpKind is the closed set of vendor ERP backends an agent can mirror.
type ErpKind string

const (
	ErpKindSapB1       ErpKind = "sap_b1"
	ErpKindDynamicsNav ErpKind = "dynamics_nav"
	ErpKindOdoo        ErpKind = "odoo"
	ErpKindSage50      ErpKind = "sage_50"
)

func (k ErpKind) Valid() bool {
	switch k {
	case ErpKindSapB1, ErpKindDynamicsNav, ErpKindOdoo, ErpKindSage50:
		return true
	}
	return false
}

type SyncJobKind string

const (
	SyncJobKindIncrementalSync SyncJobKind = "incremental_sync"
	SyncJobKindFullChecksum    SyncJobKind = "full_checksum"
	SyncJobKindResolutionBatch SyncJobKind = "resolution_batch"
)

func (k SyncJobKind) Valid() bool {
	switch k {
	case SyncJobKindIncrementalSync, SyncJobKindFullChecksum, SyncJobKindResolutionBatch:
		return true
	}
	return false
}

// IsRecovery reports whether the kind is admitted even when the agent is
// offline: a full checksum run is how an agent gets back in sync.
func (k SyncJobKind) IsRecovery() bool {
	return k == SyncJobKindFullChecksum
}

type SyncJobState string

const (
	SyncJobStatePending      SyncJobState = "pending"
	SyncJobStateInProgress   SyncJobState = "in_progress"
	SyncJobStateSucceeded    SyncJobState = "succeeded"
	SyncJobStateFailed       SyncJobState = "failed"
	SyncJobStateDeadLettered SyncJobState = "dead_lettered"
)

type ReconciliationEventType string

const (
	EventTypeIncrementalSync ReconciliationEventType = "incremental_sync"
	EventTypeFullChecksum    ReconciliationEventType = "full_checksum"
	EventTypeDriftDetected   ReconciliationEventType = "drift_detected"
	EventTypeDriftResolved   ReconciliationEventType = "drift_resolved"
)

func (t ReconciliationEventType) Valid() bool {
	switch t {
	case EventTypeIncrementalSync, EventTypeFullChecksum, EventTypeDriftDetected, EventTypeDriftResolved:
		return true
	}
	return false
}

// DriftClass classifies a single leaf-level mismatch.
type DriftClass string

const (
	DriftMissingInCentral DriftClass = "missing_in_central"
	DriftMissingInAgent   DriftClass = "missing_in_agent"
	DriftValueMismatch    DriftClass = "value_mismatch"
)
