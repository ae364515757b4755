package models

import "time"

// ReconciliationEvent is the append-only audit trail. Normal operation never
// updates or deletes a row; only the retention sweep (cmd/event-retention)
// purges old entries.
type ReconciliationEvent struct {
	ID            uint                    `gorm:"primary_key" json:"id"`
	VendorId      string                  `gorm:"index;size:64;not null" json:"vendor_id"`
	EventType     ReconciliationEventType `gorm:"index;size:32;not null" json:"event_type"`
	ItemsCompared int                     `json:"items_compared"`
	DriftsFound   int                     `json:"drifts_found"`
	ItemsResolved int                     `json:"items_resolved"`
	Detail        string                  `gorm:"type:text" json:"detail"`
	DurationMs    int64                   `json:"duration_ms"`
	CorrelationId string                  `gorm:"size:64" json:"correlation_id"`
	CreatedAt     time.Time               `gorm:"index;autoCreateTime" json:"created_at"`
}

// EventSummary carries the structured counts an event records.
type EventSummary struct {
	ItemsCompared int
	DriftsFound   int
	ItemsResolved int
}
