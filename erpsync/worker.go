package erpsync

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"bitbucket.org/mmdatafocus/marketplace_backend/config"
	"bitbucket.org/mmdatafocus/marketplace_backend/models"
	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// gormCatalogStore backs the resolver with the catalog_items table.
type gormCatalogStore struct {
	DB *gorm.DB
}

func NewCatalogStore(db *gorm.DB) CatalogStore {
	return &gormCatalogStore{DB: db}
}

// Snapshot reads the vendor's (key, hash) pairs in key order. The checksum
// tree depends on this ordering.
func (s *gormCatalogStore) Snapshot(ctx context.Context, vendorId string) ([]EntryDigest, error) {
	var entries []EntryDigest
	err := s.DB.WithContext(ctx).
		Model(&models.CatalogItem{}).
		Select("item_key AS `key`, content_hash").
		Where("vendor_id = ?", vendorId).
		Order("item_key ASC").
		Scan(&entries).Error
	return entries, err
}

// ApplyCorrections applies a correction set in one transaction. Upserts key on
// (vendor_id, item_key), so replaying a batch converges instead of erroring.
func (s *gormCatalogStore) ApplyCorrections(ctx context.Context, vendorId string, corrections []Correction) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		var deletes []string
		for _, c := range corrections {
			switch c.Class {
			case models.DriftMissingInAgent:
				deletes = append(deletes, c.Key)
			case models.DriftMissingInCentral, models.DriftValueMismatch:
				if c.Entity == nil {
					return fmt.Errorf("correction for key %s has no entity", c.Key)
				}
				item := catalogItemFromEntity(vendorId, *c.Entity, now)
				err := tx.Clauses(clause.OnConflict{
					Columns: []clause.Column{{Name: "vendor_id"}, {Name: "item_key"}},
					DoUpdates: clause.AssignmentColumns([]string{
						"content_hash", "name", "price", "payload_json", "synced_at",
					}),
				}).Create(&item).Error
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown drift class %s", c.Class)
			}
		}
		if len(deletes) > 0 {
			err := tx.Where("vendor_id = ? AND item_key IN ?", vendorId, deletes).
				Delete(&models.CatalogItem{}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func catalogItemFromEntity(vendorId string, e AgentEntity, syncedAt time.Time) models.CatalogItem {
	return models.CatalogItem{
		VendorId:    vendorId,
		ItemKey:     e.Key,
		ContentHash: e.ContentHash,
		Name:        e.Name,
		Price:       e.Price,
		PayloadJSON: e.Payload,
		SyncedAt:    &syncedAt,
	}
}

// dbEventSink writes events outside any job transaction, so a comparison's
// audit trail survives even when the job itself later fails.
type dbEventSink struct{}

func (dbEventSink) Record(ctx context.Context, vendorId string, eventType models.ReconciliationEventType, summary models.EventSummary, detail string, durationMs int64) error {
	return RecordEvent(ctx, nil, vendorId, eventType, summary, detail, durationMs)
}

// Worker leases sync jobs and dispatches them by kind. Multiple workers can
// run against the same database; the queue's locking keeps them from treading
// on each other.
type Worker struct {
	Queue    *Queue
	Resolver *Resolver
	Store    CatalogStore
	Logger   *logrus.Logger
	WorkerId string

	PollInterval  time.Duration
	SweepInterval time.Duration
}

func NewWorker(db *gorm.DB, logger *logrus.Logger) *Worker {
	store := NewCatalogStore(db)
	return &Worker{
		Queue:         NewQueue(db, logger),
		Resolver:      NewResolver(store, dbEventSink{}, logger),
		Store:         store,
		Logger:        logger,
		WorkerId:      uuid.New().String(),
		PollInterval:  time.Duration(utils.IntFromEnv("WORKER_POLL_INTERVAL_SECONDS", 10)) * time.Second,
		SweepInterval: time.Duration(utils.IntFromEnv("AGENT_SWEEP_INTERVAL_SECONDS", 60)) * time.Second,
	}
}

// Run polls until the context is cancelled. Each tick drains every currently
// leasable job; the status sweep runs on its own interval when enabled.
func (w *Worker) Run(ctx context.Context) {
	w.Logger.WithFields(logrus.Fields{
		"field":         "Worker",
		"worker_id":     w.WorkerId,
		"poll_interval": w.PollInterval.String(),
	}).Info("worker started")

	poll := time.NewTicker(w.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(w.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Logger.WithFields(logrus.Fields{
				"field":     "Worker",
				"worker_id": w.WorkerId,
			}).Info("worker stopped")
			return
		case <-poll.C:
			w.Drain(ctx)
		case <-sweep.C:
			if config.AgentStatusSweepEnabled() {
				if err := SweepAgentStatuses(ctx); err != nil {
					config.LogError(w.Logger, "erpsync", "SweepAgentStatuses", "status sweep", nil, err)
				}
			}
		}
	}
}

// Drain dispatches jobs until the queue has none left to lease.
func (w *Worker) Drain(ctx context.Context) {
	for {
		dispatched, err := w.DispatchOne(ctx)
		if err != nil {
			config.LogError(w.Logger, "erpsync", "DispatchOne", "job dispatch", nil, err)
		}
		if !dispatched || ctx.Err() != nil {
			return
		}
	}
}

// DispatchOne leases and processes a single job. The bool reports whether a
// job was leased at all; the error is the dispatch failure already recorded
// against the job via Fail.
func (w *Worker) DispatchOne(ctx context.Context) (bool, error) {
	job, err := w.Queue.Lease(ctx, w.WorkerId)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	jobCtx := utils.SetWorkerIdInContext(ctx, w.WorkerId)
	if job.CorrelationId != "" {
		jobCtx = utils.SetCorrelationIdInContext(jobCtx, job.CorrelationId)
	}

	w.Logger.WithFields(logrus.Fields{
		"field":     "Worker",
		"worker_id": w.WorkerId,
		"job_id":    job.ID,
		"vendor_id": job.VendorId,
		"kind":      job.Kind,
		"attempts":  job.Attempts,
	}).Info("job leased")

	err = w.process(jobCtx, job)
	if err != nil {
		structural := !utils.IsTransient(err)
		if failErr := w.Queue.Fail(jobCtx, job.ID, err.Error(), structural); failErr != nil {
			config.LogError(w.Logger, "erpsync", "Fail", "recording job failure", map[string]interface{}{
				"job_id": job.ID,
			}, failErr)
		}
		return true, err
	}
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *models.SyncJob) error {
	switch job.Kind {
	case models.SyncJobKindIncrementalSync:
		return w.processIncrementalSync(ctx, job)
	case models.SyncJobKindFullChecksum:
		return w.processFullChecksum(ctx, job)
	case models.SyncJobKindResolutionBatch:
		return w.processResolutionBatch(ctx, job)
	default:
		return fmt.Errorf("unknown job kind %s", job.Kind)
	}
}

// processIncrementalSync applies an agent-pushed change set to the mirror. The
// row writes, the audit event, and the job's succeeded transition commit in
// one transaction.
func (w *Worker) processIncrementalSync(ctx context.Context, job *models.SyncJob) error {
	var changeSet ChangeSet
	if err := json.Unmarshal(job.PayloadJSON, &changeSet); err != nil {
		return fmt.Errorf("%w: %v", utils.ErrValidationFailure, err)
	}
	if err := validate.Struct(&changeSet); err != nil {
		return fmt.Errorf("%w: %v", utils.ErrValidationFailure, err)
	}

	start := time.Now()
	return w.Queue.Complete(ctx, job.ID, func(tx *gorm.DB) error {
		now := time.Now()
		for _, e := range changeSet.Upserts {
			item := catalogItemFromEntity(job.VendorId, e, now)
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "vendor_id"}, {Name: "item_key"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"content_hash", "name", "price", "payload_json", "synced_at",
				}),
			}).Create(&item).Error
			if err != nil {
				return err
			}
		}
		if len(changeSet.Deletes) > 0 {
			err := tx.Where("vendor_id = ? AND item_key IN ?", job.VendorId, changeSet.Deletes).
				Delete(&models.CatalogItem{}).Error
			if err != nil {
				return err
			}
		}
		return RecordEvent(ctx, tx, job.VendorId, models.EventTypeIncrementalSync,
			models.EventSummary{ItemsResolved: len(changeSet.Upserts) + len(changeSet.Deletes)},
			"", time.Since(start).Milliseconds())
	})
}

// resolutionFollowUp builds the resolution_batch job that carries an
// unresolved correction set forward when auto-resolve is off. Nil when the run
// left nothing to resolve.
func resolutionFollowUp(ctx context.Context, job *models.SyncJob, result *RunResult) (*models.SyncJob, error) {
	if result.State != RunStateDriftFound || len(result.Corrections) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(ResolutionBatch{Corrections: result.Corrections})
	if err != nil {
		return nil, err
	}
	correlationId, ok := utils.GetCorrelationIdFromContext(ctx)
	if !ok || correlationId == "" {
		correlationId = uuid.NewString()
	}
	return &models.SyncJob{
		VendorId:      job.VendorId,
		Kind:          models.SyncJobKindResolutionBatch,
		PayloadJSON:   payload,
		State:         models.SyncJobStatePending,
		CorrelationId: correlationId,
	}, nil
}

// processFullChecksum runs a complete reconciliation against the vendor's
// agent. The resolver records the comparison events itself; only the job
// transition is left for Complete. When drift was found but auto-resolve is
// off, the correction set is enqueued as a resolution_batch job in the same
// transaction as the succeeded transition.
func (w *Worker) processFullChecksum(ctx context.Context, job *models.SyncJob) error {
	agent, err := models.GetAgentByVendorId(ctx, job.VendorId)
	if err != nil {
		return err
	}
	if agent.DeactivatedAt != nil {
		return utils.ErrUnknownAgent
	}

	transport, err := NewAgentClient(agent.AgentUrl, os.Getenv("AGENT_OUTBOUND_API_KEY"))
	if err != nil {
		return err
	}

	result, err := w.Resolver.Run(ctx, job.VendorId, transport)
	if err != nil {
		return err
	}

	w.Logger.WithFields(logrus.Fields{
		"field":          "Worker",
		"worker_id":      w.WorkerId,
		"job_id":         job.ID,
		"vendor_id":      job.VendorId,
		"state":          result.State,
		"items_compared": result.ItemsCompared,
		"drifts_found":   result.DriftsFound,
		"items_resolved": result.ItemsResolved,
		"duration_ms":    result.Duration.Milliseconds(),
	}).Info("reconciliation run finished")

	followUp, err := resolutionFollowUp(ctx, job, result)
	if err != nil {
		return err
	}
	if followUp == nil {
		return w.Queue.Complete(ctx, job.ID)
	}
	err = w.Queue.Complete(ctx, job.ID, func(tx *gorm.DB) error {
		return tx.Create(followUp).Error
	})
	if err != nil {
		return err
	}
	w.Logger.WithFields(logrus.Fields{
		"field":          "Worker",
		"worker_id":      w.WorkerId,
		"job_id":         job.ID,
		"vendor_id":      job.VendorId,
		"follow_up_id":   followUp.ID,
		"follow_up_kind": followUp.Kind,
	}).Info("resolution batch enqueued")
	return nil
}

// processResolutionBatch applies a previously computed correction set. Used
// when auto-resolve is off or a partial failure left corrections to replay.
func (w *Worker) processResolutionBatch(ctx context.Context, job *models.SyncJob) error {
	var batch ResolutionBatch
	if err := json.Unmarshal(job.PayloadJSON, &batch); err != nil {
		return fmt.Errorf("%w: %v", utils.ErrValidationFailure, err)
	}
	if err := validate.Struct(&batch); err != nil {
		return fmt.Errorf("%w: %v", utils.ErrValidationFailure, err)
	}

	if _, err := w.Resolver.Resolve(ctx, job.VendorId, batch.Corrections); err != nil {
		return err
	}
	return w.Queue.Complete(ctx, job.ID)
}
