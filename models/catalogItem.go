package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CatalogItem is the central mirror of one vendor catalog entity. The agent's
// ERP is authoritative: drift resolution corrects these rows, never the agent.
type CatalogItem struct {
	ID          uint            `gorm:"primary_key" json:"id"`
	VendorId    string          `gorm:"uniqueIndex:idx_catalog_vendor_key,priority:1;size:64;not null" json:"vendor_id"`
	ItemKey     string          `gorm:"uniqueIndex:idx_catalog_vendor_key,priority:2;size:128;not null" json:"item_key"`
	ContentHash string          `gorm:"size:64;not null" json:"content_hash"`
	Name        string          `gorm:"size:255" json:"name"`
	Price       decimal.Decimal `gorm:"type:decimal(20,6)" json:"price"`
	PayloadJSON []byte          `gorm:"type:json" json:"payload"`
	SyncedAt    *time.Time      `json:"synced_at"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
