package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/marketplace_backend/config"
	"bitbucket.org/mmdatafocus/marketplace_backend/models"
	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
	"github.com/sirupsen/logrus"
)

const archiveBatchSize = 1000

// event-retention archives reconciliation events older than the retention
// window to GCS as JSONL, then deletes them. Run it on a schedule; the batch
// is idempotent because each object name is keyed by the id range it holds.
//
// EVENT_RETENTION_DAYS  retention window, default 30
// EVENT_ARCHIVE_SKIP    true to delete without archiving (non-production use)
func main() {
	logger := config.GetLogger()
	ctx := context.Background()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	retentionDays := utils.IntFromEnv("EVENT_RETENTION_DAYS", 30)
	skipArchive := utils.BoolFromEnv("EVENT_ARCHIVE_SKIP", false)
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	logger.WithFields(logrus.Fields{
		"field":          "EventRetention",
		"retention_days": retentionDays,
		"cutoff":         cutoff.Format(time.RFC3339),
		"skip_archive":   skipArchive,
	}).Info("retention sweep started")

	totalArchived := 0
	for {
		var events []models.ReconciliationEvent
		err := db.WithContext(ctx).
			Where("created_at < ?", cutoff).
			Order("id ASC").
			Limit(archiveBatchSize).
			Find(&events).Error
		if err != nil {
			config.LogError(logger, "event-retention", "main", "loading expired events", nil, err)
			return
		}
		if len(events) == 0 {
			break
		}

		firstId := events[0].ID
		lastId := events[len(events)-1].ID

		if !skipArchive {
			objectName := fmt.Sprintf("reconciliation-events/%s/events-%d-%d.jsonl",
				cutoff.Format("2006-01-02"), firstId, lastId)

			var buf bytes.Buffer
			enc := json.NewEncoder(&buf)
			for _, event := range events {
				if err := enc.Encode(event); err != nil {
					config.LogError(logger, "event-retention", "main", "encoding archive batch", nil, err)
					return
				}
			}
			if err := utils.UploadBytesToGCS(ctx, objectName, buf.Bytes(), "application/x-ndjson"); err != nil {
				config.LogError(logger, "event-retention", "main", "uploading archive batch", map[string]interface{}{
					"object": objectName,
				}, err)
				return
			}
			logger.WithFields(logrus.Fields{
				"field":  "EventRetention",
				"object": objectName,
				"count":  len(events),
			}).Info("batch archived")
		}

		// Delete only after the archive object is durably written.
		err = db.WithContext(ctx).
			Where("id >= ? AND id <= ? AND created_at < ?", firstId, lastId, cutoff).
			Delete(&models.ReconciliationEvent{}).Error
		if err != nil {
			config.LogError(logger, "event-retention", "main", "deleting archived events", nil, err)
			return
		}
		totalArchived += len(events)
	}

	logger.WithFields(logrus.Fields{
		"field": "EventRetention",
		"total": totalArchived,
	}).Info("retention sweep finished")
}
