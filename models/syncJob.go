package models

import "time"

type SyncJob struct {
	ID            uint         `gorm:"primary_key" json:"id"`
	VendorId      string       `gorm:"index;size:64;not null" json:"vendor_id"`
	Kind          SyncJobKind  `gorm:"size:32;not null" json:"kind"`
	PayloadJSON   []byte       `gorm:"type:json" json:"payload"`
	Attempts      int          `gorm:"default:0" json:"attempts"`
	State         SyncJobState `gorm:"index;size:20;not null;default:'pending'" json:"state"`
	LockedAt      *time.Time   `json:"locked_at"`
	LockedBy      *string      `gorm:"size:64" json:"locked_by"`
	NextAttemptAt *time.Time   `gorm:"index" json:"next_attempt_at"`
	LastError     *string      `gorm:"type:text" json:"last_error"`
	LastAttemptAt *time.Time   `json:"last_attempt_at"`

	// Every failed attempt is appended here so the dead letter can carry the
	// full history.
	AttemptHistoryJSON []byte `gorm:"type:json" json:"attempt_history"`

	// Optional link to the central-store entity the job affects.
	ReferenceType string `gorm:"size:32" json:"reference_type"`
	ReferenceId   uint   `json:"reference_id"`

	CorrelationId string    `gorm:"size:64" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (j *SyncJob) Terminal() bool {
	return j.State == SyncJobStateSucceeded || j.State == SyncJobStateDeadLettered
}

// DeadLetterEntry is created exactly once per job that exhausts its retries.
// It is never mutated afterwards except by operator replay, which re-enqueues
// a fresh job and marks the entry resolved.
type DeadLetterEntry struct {
	ID                 uint       `gorm:"primary_key" json:"id"`
	JobId              uint       `gorm:"uniqueIndex;not null" json:"job_id"`
	VendorId           string     `gorm:"index;size:64;not null" json:"vendor_id"`
	FinalReason        string     `gorm:"type:text" json:"final_reason"`
	AttemptHistoryJSON []byte     `gorm:"type:json" json:"attempt_history"`
	Resolved           bool       `gorm:"default:false" json:"resolved"`
	ResolvedAt         *time.Time `json:"resolved_at"`
	ReplayJobId        *uint      `json:"replay_job_id"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// AttemptRecord is one element of a dead letter's attempt history.
type AttemptRecord struct {
	Attempt    int       `json:"attempt"`
	FailedAt   time.Time `json:"failed_at"`
	Reason     string    `json:"reason"`
	Structural bool      `json:"structural"`
}
