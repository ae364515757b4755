package erpsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/marketplace_backend/config"
	"bitbucket.org/mmdatafocus/marketplace_backend/models"
	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Queue is the durable sync job queue. All state lives in the sync_jobs table;
// mutual exclusion per job is enforced by a transactional claim with
// SKIP LOCKED plus a stale-lock reclaim window for crashed workers.
type Queue struct {
	DB     *gorm.DB
	Logger *logrus.Logger

	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	LockTimeout time.Duration
}

func NewQueue(db *gorm.DB, logger *logrus.Logger) *Queue {
	return &Queue{
		DB:          db,
		Logger:      logger,
		MaxAttempts: utils.IntFromEnv("SYNC_JOB_MAX_ATTEMPTS", 5),
		BaseBackoff: time.Duration(utils.IntFromEnv("SYNC_JOB_BASE_BACKOFF_SECONDS", 5)) * time.Second,
		MaxBackoff:  time.Duration(utils.IntFromEnv("SYNC_JOB_MAX_BACKOFF_SECONDS", 600)) * time.Second,
		LockTimeout: time.Duration(utils.IntFromEnv("SYNC_JOB_LOCK_TIMEOUT_SECONDS", 120)) * time.Second,
	}
}

// db resolves the handle lazily: the API server builds its queue before the
// database connection is up, behind a readiness gate.
func (q *Queue) db() *gorm.DB {
	if q.DB != nil {
		return q.DB
	}
	return config.GetDB()
}

// Backoff computes the delay before a failed attempt becomes leasable again:
// base * 2^(attempt-1), capped.
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return q.BaseBackoff
	}
	delay := q.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.MaxBackoff {
			return q.MaxBackoff
		}
	}
	return delay
}

// ValidateJobPayload checks a payload against its kind's schema. Violations
// are structural: retrying cannot make a malformed payload valid.
func ValidateJobPayload(kind models.SyncJobKind, payload []byte) error {
	switch kind {
	case models.SyncJobKindIncrementalSync:
		var cs ChangeSet
		if err := json.Unmarshal(payload, &cs); err != nil {
			return utils.ErrValidationFailure
		}
		if cs.Empty() {
			return utils.ErrValidationFailure
		}
		if err := validate.Struct(cs); err != nil {
			return utils.ErrValidationFailure
		}
	case models.SyncJobKindResolutionBatch:
		var rb ResolutionBatch
		if err := json.Unmarshal(payload, &rb); err != nil {
			return utils.ErrValidationFailure
		}
		if err := validate.Struct(rb); err != nil {
			return utils.ErrValidationFailure
		}
	case models.SyncJobKindFullChecksum:
		// No payload.
	default:
		return utils.ErrValidationFailure
	}
	return nil
}

// AdmitJob decides whether a job of this kind may be enqueued for the agent.
// A deactivated vendor takes no work at all; an offline vendor only takes
// recovery kinds.
func AdmitJob(agent *models.Agent, kind models.SyncJobKind, now time.Time) error {
	if agent.DeactivatedAt != nil {
		return utils.ErrUnknownAgent
	}
	if !kind.IsRecovery() && agent.CurrentStatus(now) == models.HealthStatusOffline {
		return utils.ErrAgentOffline
	}
	return nil
}

// Enqueue admits a new pending job. Jobs for offline agents are rejected with
// ErrAgentOffline unless the kind is itself a recovery kind; deactivated
// vendors are rejected outright.
func (q *Queue) Enqueue(ctx context.Context, vendorId string, kind models.SyncJobKind, payload []byte) (uint, error) {
	if !kind.Valid() {
		return 0, utils.ErrValidationFailure
	}
	if err := ValidateJobPayload(kind, payload); err != nil {
		return 0, err
	}

	agent, err := models.GetAgentByVendorId(ctx, vendorId)
	if err != nil {
		return 0, err
	}
	if err := AdmitJob(agent, kind, time.Now().UTC()); err != nil {
		return 0, err
	}

	correlationId, ok := utils.GetCorrelationIdFromContext(ctx)
	if !ok || correlationId == "" {
		correlationId = uuid.NewString()
	}

	job := models.SyncJob{
		VendorId:      vendorId,
		Kind:          kind,
		PayloadJSON:   payload,
		State:         models.SyncJobStatePending,
		CorrelationId: correlationId,
	}
	if err := q.db().WithContext(ctx).Create(&job).Error; err != nil {
		return 0, err
	}

	if q.Logger != nil {
		q.Logger.WithFields(logrus.Fields{
			"field":          "SyncJobQueue",
			"vendor_id":      vendorId,
			"job_id":         job.ID,
			"kind":           kind,
			"correlation_id": correlationId,
		}).Info("sync job enqueued")
	}
	return job.ID, nil
}

// Lease atomically claims one leasable job for a worker, or returns nil when
// no work is available. Eligible jobs are served in creation order, ties
// broken by lowest attempt count so repeatedly-failing work cannot starve
// fresh work. A job stuck in_progress past LockTimeout (worker crash) is
// reclaimable.
func (q *Queue) Lease(ctx context.Context, workerId string) (*models.SyncJob, error) {
	now := time.Now().UTC()
	staleBefore := now.Add(-q.LockTimeout)

	var job *models.SyncJob
	err := q.db().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []models.SyncJob
		err := tx.
			Where(`
				(
					state = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					state = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, models.SyncJobStatePending, now, models.SyncJobStateInProgress, staleBefore).
			Order("created_at ASC, attempts ASC, id ASC").
			Limit(1).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Find(&candidates).Error
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		claimed := candidates[0]
		claimed.State = models.SyncJobStateInProgress
		claimed.LockedAt = &now
		claimed.LockedBy = &workerId
		claimed.LastAttemptAt = &now
		if err := tx.Model(&models.SyncJob{}).Where("id = ?", claimed.ID).Updates(map[string]interface{}{
			"state":           models.SyncJobStateInProgress,
			"locked_at":       &now,
			"locked_by":       &workerId,
			"last_attempt_at": &now,
			"next_attempt_at": nil,
		}).Error; err != nil {
			return err
		}
		job = &claimed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Complete transitions in_progress -> succeeded. Side effects (such as writing
// the reconciliation event for the run) commit in the same transaction as the
// state transition.
func (q *Queue) Complete(ctx context.Context, jobId uint, sideEffects ...func(tx *gorm.DB) error) error {
	now := time.Now().UTC()
	return q.db().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.SyncJob{}).
			Where("id = ? AND state = ?", jobId, models.SyncJobStateInProgress).
			Updates(map[string]interface{}{
				"state":           models.SyncJobStateSucceeded,
				"locked_at":       nil,
				"locked_by":       nil,
				"next_attempt_at": nil,
				"last_error":      nil,
				"last_attempt_at": &now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("job %d is not in progress", jobId)
		}
		for _, fn := range sideEffects {
			if err := fn(tx); err != nil {
				return err
			}
		}
		return nil
	})
}

// failOutcome is the decision Fail commits for one failed attempt: either a
// retry after Delay, or promotion to the dead letter table with FinalReason.
type failOutcome struct {
	Attempts    int
	Dead        bool
	Delay       time.Duration
	FinalReason string
}

// failTransition decides what happens to a job after a failed attempt.
// Structural failures dead-letter immediately; transient failures retry with
// backoff until the attempt ceiling, then dead-letter with the exhaustion
// reason prefixed.
func (q *Queue) failTransition(prevAttempts int, structural bool, reason string) failOutcome {
	out := failOutcome{Attempts: prevAttempts + 1}
	if structural || out.Attempts >= q.MaxAttempts {
		out.Dead = true
		out.FinalReason = reason
		if !structural {
			out.FinalReason = utils.ErrRetryExhausted.Error() + ": " + reason
		}
		return out
	}
	out.Delay = q.Backoff(out.Attempts)
	return out
}

// Fail records a failed attempt. Structural failures dead-letter immediately;
// transient failures retry with backoff until the ceiling, then dead-letter.
// Exactly one DeadLetterEntry exists per dead-lettered job (unique job_id).
func (q *Queue) Fail(ctx context.Context, jobId uint, reason string, structural bool) error {
	now := time.Now().UTC()

	return q.db().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.SyncJob
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", jobId).
			Take(&job).Error; err != nil {
			return err
		}
		if job.Terminal() {
			return nil
		}

		outcome := q.failTransition(job.Attempts, structural, reason)
		history := appendAttempt(job.AttemptHistoryJSON, models.AttemptRecord{
			Attempt:    outcome.Attempts,
			FailedAt:   now,
			Reason:     reason,
			Structural: structural,
		})

		updates := map[string]interface{}{
			"attempts":             outcome.Attempts,
			"last_error":           &reason,
			"last_attempt_at":      &now,
			"attempt_history_json": history,
			"locked_at":            nil,
			"locked_by":            nil,
		}
		if outcome.Dead {
			updates["state"] = models.SyncJobStateDeadLettered
			updates["next_attempt_at"] = nil
		} else {
			next := now.Add(outcome.Delay)
			updates["state"] = models.SyncJobStatePending
			updates["next_attempt_at"] = &next
		}

		if err := tx.Model(&models.SyncJob{}).Where("id = ?", jobId).Updates(updates).Error; err != nil {
			return err
		}

		if outcome.Dead {
			entry := models.DeadLetterEntry{
				JobId:              job.ID,
				VendorId:           job.VendorId,
				FinalReason:        outcome.FinalReason,
				AttemptHistoryJSON: history,
			}
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
		}

		if q.Logger != nil {
			q.Logger.WithFields(logrus.Fields{
				"field":      "SyncJobQueue",
				"vendor_id":  job.VendorId,
				"job_id":     job.ID,
				"kind":       job.Kind,
				"attempts":   outcome.Attempts,
				"structural": structural,
				"dead":       outcome.Dead,
			}).Error("sync job failed: " + reason)
		}
		return nil
	})
}

// Replay re-enqueues the payload of a dead-lettered job as a fresh job with a
// zero attempt count and marks the entry resolved. The original job row is
// never mutated.
func (q *Queue) Replay(ctx context.Context, entryId uint) (uint, error) {
	var replayId uint
	err := q.db().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry models.DeadLetterEntry
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", entryId).
			Take(&entry).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}
		if entry.Resolved {
			return fmt.Errorf("dead letter %d already resolved", entryId)
		}

		var original models.SyncJob
		if err := tx.Where("id = ?", entry.JobId).Take(&original).Error; err != nil {
			return err
		}

		replay := models.SyncJob{
			VendorId:      original.VendorId,
			Kind:          original.Kind,
			PayloadJSON:   original.PayloadJSON,
			State:         models.SyncJobStatePending,
			ReferenceType: original.ReferenceType,
			ReferenceId:   original.ReferenceId,
			CorrelationId: uuid.NewString(),
		}
		if err := tx.Create(&replay).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		if err := tx.Model(&models.DeadLetterEntry{}).
			Where("id = ?", entry.ID).
			Updates(map[string]interface{}{
				"resolved":      true,
				"resolved_at":   &now,
				"replay_job_id": replay.ID,
			}).Error; err != nil {
			return err
		}
		replayId = replay.ID
		return nil
	})
	if err != nil {
		return 0, err
	}

	if q.Logger != nil {
		q.Logger.WithFields(logrus.Fields{
			"field":         "SyncJobQueue",
			"dead_letter":   entryId,
			"replay_job_id": replayId,
		}).Info("dead letter replayed")
	}
	return replayId, nil
}

// ListDeadLetters returns dead letter entries, optionally scoped to a vendor.
func (q *Queue) ListDeadLetters(ctx context.Context, vendorId string) ([]models.DeadLetterEntry, error) {
	db := q.db().WithContext(ctx).Order("created_at DESC")
	if vendorId != "" {
		db = db.Where("vendor_id = ?", vendorId)
	}
	var entries []models.DeadLetterEntry
	err := db.Find(&entries).Error
	return entries, err
}

func appendAttempt(history []byte, rec models.AttemptRecord) []byte {
	var records []models.AttemptRecord
	if len(history) > 0 {
		_ = json.Unmarshal(history, &records)
	}
	records = append(records, rec)
	out, _ := json.Marshal(records)
	return out
}
