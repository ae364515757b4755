package erpsync

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/marketplace_backend/models"
	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
)

func testQueue() *Queue {
	return &Queue{
		MaxAttempts: 5,
		BaseBackoff: 5 * time.Second,
		MaxBackoff:  10 * time.Minute,
		LockTimeout: 2 * time.Minute,
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	q := testQueue()

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 80 * time.Second},
		{8, 10 * time.Minute},
		{20, 10 * time.Minute},
	}
	for _, tc := range cases {
		if got := q.Backoff(tc.attempt); got != tc.want {
			t.Errorf("Backoff(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoffZeroAttempt(t *testing.T) {
	q := testQueue()
	if got := q.Backoff(0); got != q.BaseBackoff {
		t.Fatalf("Backoff(0) = %s, want base %s", got, q.BaseBackoff)
	}
}

func TestFailTransitionRetriesThenDeadLetters(t *testing.T) {
	q := testQueue()

	cases := []struct {
		prevAttempts int
		dead         bool
		delay        time.Duration
	}{
		{0, false, 5 * time.Second},
		{1, false, 10 * time.Second},
		{2, false, 20 * time.Second},
		{3, false, 40 * time.Second},
		{4, true, 0},
	}
	for _, tc := range cases {
		out := q.failTransition(tc.prevAttempts, false, "agent unreachable")
		if out.Attempts != tc.prevAttempts+1 {
			t.Errorf("failTransition(%d): attempts = %d, want %d", tc.prevAttempts, out.Attempts, tc.prevAttempts+1)
		}
		if out.Dead != tc.dead {
			t.Errorf("failTransition(%d): dead = %v, want %v", tc.prevAttempts, out.Dead, tc.dead)
		}
		if out.Delay != tc.delay {
			t.Errorf("failTransition(%d): delay = %s, want %s", tc.prevAttempts, out.Delay, tc.delay)
		}
	}
}

func TestFailTransitionAttemptsNeverExceedCeiling(t *testing.T) {
	q := testQueue()

	// Once the ceiling is reached the job is dead, whatever the prior count.
	for prev := q.MaxAttempts - 1; prev <= q.MaxAttempts+3; prev++ {
		out := q.failTransition(prev, false, "agent unreachable")
		if !out.Dead {
			t.Errorf("failTransition(%d) not dead at attempt %d, ceiling %d", prev, out.Attempts, q.MaxAttempts)
		}
	}
}

func TestFailTransitionStructuralDeadLettersImmediately(t *testing.T) {
	q := testQueue()

	out := q.failTransition(0, true, "payload failed validation")
	if !out.Dead {
		t.Fatal("structural failure did not dead-letter on first attempt")
	}
	if out.FinalReason != "payload failed validation" {
		t.Fatalf("structural final reason = %q, want the raw reason", out.FinalReason)
	}
}

func TestFailTransitionExhaustionReason(t *testing.T) {
	q := testQueue()

	out := q.failTransition(q.MaxAttempts-1, false, "agent unreachable")
	if !out.Dead {
		t.Fatal("exhausted job did not dead-letter")
	}
	want := utils.ErrRetryExhausted.Error() + ": agent unreachable"
	if out.FinalReason != want {
		t.Fatalf("exhausted final reason = %q, want %q", out.FinalReason, want)
	}
}

func TestAdmitJobDeactivatedVendor(t *testing.T) {
	now := time.Now().UTC()
	deactivated := now.Add(-time.Hour)
	heartbeat := now.Add(-10 * time.Second)
	agent := &models.Agent{
		VendorId:        "vendor-1",
		LastHeartbeatAt: &heartbeat,
		DeactivatedAt:   &deactivated,
	}

	// Deactivation bars every kind, recovery kinds included.
	for _, kind := range []models.SyncJobKind{
		models.SyncJobKindIncrementalSync,
		models.SyncJobKindFullChecksum,
		models.SyncJobKindResolutionBatch,
	} {
		if err := AdmitJob(agent, kind, now); !errors.Is(err, utils.ErrUnknownAgent) {
			t.Errorf("AdmitJob(deactivated, %s) = %v, want ErrUnknownAgent", kind, err)
		}
	}
}

func TestAdmitJobOfflineVendor(t *testing.T) {
	now := time.Now().UTC()
	stale := now.Add(-time.Hour)
	agent := &models.Agent{VendorId: "vendor-1", LastHeartbeatAt: &stale}

	if err := AdmitJob(agent, models.SyncJobKindIncrementalSync, now); !errors.Is(err, utils.ErrAgentOffline) {
		t.Fatalf("offline incremental_sync: got %v, want ErrAgentOffline", err)
	}
	if err := AdmitJob(agent, models.SyncJobKindFullChecksum, now); err != nil {
		t.Fatalf("offline full_checksum is a recovery kind, got %v", err)
	}
}

func TestAdmitJobOnlineVendor(t *testing.T) {
	now := time.Now().UTC()
	fresh := now.Add(-10 * time.Second)
	agent := &models.Agent{VendorId: "vendor-1", LastHeartbeatAt: &fresh}

	if err := AdmitJob(agent, models.SyncJobKindIncrementalSync, now); err != nil {
		t.Fatalf("online vendor rejected: %v", err)
	}
}

func TestValidateJobPayloadIncrementalSync(t *testing.T) {
	payload, _ := json.Marshal(ChangeSet{
		Upserts: []AgentEntity{{Key: "sku-1", ContentHash: "abc"}},
	})
	if err := ValidateJobPayload(models.SyncJobKindIncrementalSync, payload); err != nil {
		t.Fatalf("valid changeset rejected: %v", err)
	}

	empty, _ := json.Marshal(ChangeSet{})
	if err := ValidateJobPayload(models.SyncJobKindIncrementalSync, empty); !errors.Is(err, utils.ErrValidationFailure) {
		t.Fatalf("empty changeset: got %v, want validation failure", err)
	}

	if err := ValidateJobPayload(models.SyncJobKindIncrementalSync, []byte("{not json")); !errors.Is(err, utils.ErrValidationFailure) {
		t.Fatalf("malformed json: got %v, want validation failure", err)
	}

	missingHash, _ := json.Marshal(ChangeSet{
		Upserts: []AgentEntity{{Key: "sku-1"}},
	})
	if err := ValidateJobPayload(models.SyncJobKindIncrementalSync, missingHash); !errors.Is(err, utils.ErrValidationFailure) {
		t.Fatalf("upsert without content hash: got %v, want validation failure", err)
	}
}

func TestValidateJobPayloadResolutionBatch(t *testing.T) {
	payload, _ := json.Marshal(ResolutionBatch{
		Corrections: []Correction{{Class: models.DriftMissingInAgent, Key: "sku-9"}},
	})
	if err := ValidateJobPayload(models.SyncJobKindResolutionBatch, payload); err != nil {
		t.Fatalf("valid batch rejected: %v", err)
	}

	empty, _ := json.Marshal(ResolutionBatch{})
	if err := ValidateJobPayload(models.SyncJobKindResolutionBatch, empty); !errors.Is(err, utils.ErrValidationFailure) {
		t.Fatalf("empty batch: got %v, want validation failure", err)
	}
}

func TestValidateJobPayloadFullChecksum(t *testing.T) {
	if err := ValidateJobPayload(models.SyncJobKindFullChecksum, nil); err != nil {
		t.Fatalf("full_checksum takes no payload, got %v", err)
	}
}

func TestValidateJobPayloadUnknownKind(t *testing.T) {
	if err := ValidateJobPayload(models.SyncJobKind("vacuum"), nil); !errors.Is(err, utils.ErrValidationFailure) {
		t.Fatalf("unknown kind: got %v, want validation failure", err)
	}
}

func TestAppendAttemptHistory(t *testing.T) {
	first := appendAttempt(nil, models.AttemptRecord{Attempt: 1, Reason: "timeout"})
	second := appendAttempt(first, models.AttemptRecord{Attempt: 2, Reason: "timeout", Structural: false})

	var records []models.AttemptRecord
	if err := json.Unmarshal(second, &records); err != nil {
		t.Fatalf("history is not valid json: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("history has %d records, want 2", len(records))
	}
	if records[0].Attempt != 1 || records[1].Attempt != 2 {
		t.Fatalf("history out of order: %+v", records)
	}
}

func TestAppendAttemptSurvivesCorruptHistory(t *testing.T) {
	out := appendAttempt([]byte("{corrupt"), models.AttemptRecord{Attempt: 1})
	var records []models.AttemptRecord
	if err := json.Unmarshal(out, &records); err != nil {
		t.Fatalf("result is not valid json: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
}
