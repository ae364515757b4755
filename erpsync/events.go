package erpsync

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/marketplace_backend/config"
	"bitbucket.org/mmdatafocus/marketplace_backend/models"
	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
	"gorm.io/gorm"
)

// RecordEvent appends one reconciliation event. When tx is non-nil the write
// joins the caller's transaction so the event commits together with the state
// transition that caused it.
func RecordEvent(ctx context.Context, tx *gorm.DB, vendorId string, eventType models.ReconciliationEventType, summary models.EventSummary, detail string, durationMs int64) error {
	db := tx
	if db == nil {
		db = config.GetDB().WithContext(ctx)
	}

	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	event := models.ReconciliationEvent{
		VendorId:      vendorId,
		EventType:     eventType,
		ItemsCompared: summary.ItemsCompared,
		DriftsFound:   summary.DriftsFound,
		ItemsResolved: summary.ItemsResolved,
		Detail:        detail,
		DurationMs:    durationMs,
		CorrelationId: correlationId,
	}
	return db.Create(&event).Error
}

// EventFilter narrows ListEvents. Zero values mean "no filter".
type EventFilter struct {
	VendorId  string
	EventType models.ReconciliationEventType
	From      *time.Time
	To        *time.Time
	Page      int
	Limit     int
}

// ListEvents is the query surface exposed to the API layer. The log itself is
// append-only; nothing here mutates it.
func ListEvents(ctx context.Context, filter EventFilter) ([]models.ReconciliationEvent, int64, error) {
	db := config.GetDB().WithContext(ctx).Model(&models.ReconciliationEvent{})

	if filter.VendorId != "" {
		db = db.Where("vendor_id = ?", filter.VendorId)
	}
	if filter.EventType != "" {
		db = db.Where("event_type = ?", filter.EventType)
	}
	if filter.From != nil {
		db = db.Where("created_at >= ?", filter.From)
	}
	if filter.To != nil {
		db = db.Where("created_at < ?", filter.To)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var events []models.ReconciliationEvent
	err := db.Order("created_at DESC, id DESC").
		Scopes(models.Paginate(filter.Page, filter.Limit)).
		Find(&events).Error
	return events, total, err
}
