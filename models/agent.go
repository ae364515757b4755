package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/marketplace_backend/config"
	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
	"gorm.io/gorm"
)

// Health thresholds. Status is a pure function of now - last_heartbeat_at;
// nothing ever writes it except as a cache refresh.
const (
	HeartbeatOnlineWindow   = 60 * time.Second
	HeartbeatDegradedWindow = 300 * time.Second
)

type Agent struct {
	ID              uint         `gorm:"primary_key" json:"id"`
	VendorId        string       `gorm:"uniqueIndex;size:64;not null" json:"vendor_id"`
	AgentUrl        string       `gorm:"size:255;not null" json:"agent_url"`
	ErpKind         ErpKind      `gorm:"size:32;not null" json:"erp_kind"`
	Status          HealthStatus `gorm:"size:16;not null;default:'offline'" json:"status"`
	LastHeartbeatAt *time.Time   `json:"last_heartbeat_at"`
	ReportedVersion string       `gorm:"size:32" json:"reported_version"`
	AuthTokenDigest string       `gorm:"size:128;not null" json:"-"`
	ContactPhone    string       `gorm:"size:32" json:"contact_phone"`
	DeactivatedAt   *time.Time   `gorm:"index" json:"deactivated_at"`
	CreatedAt       time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// HealthStatusAt derives the status for a heartbeat timestamp at a given
// instant. A nil heartbeat is offline.
func HealthStatusAt(lastHeartbeatAt *time.Time, now time.Time) HealthStatus {
	if lastHeartbeatAt == nil {
		return HealthStatusOffline
	}
	elapsed := now.Sub(*lastHeartbeatAt)
	switch {
	case elapsed <= HeartbeatOnlineWindow:
		return HealthStatusOnline
	case elapsed <= HeartbeatDegradedWindow:
		return HealthStatusDegraded
	default:
		return HealthStatusOffline
	}
}

// CurrentStatus recomputes the agent's status without touching the heartbeat.
func (a *Agent) CurrentStatus(now time.Time) HealthStatus {
	if a.DeactivatedAt != nil {
		return HealthStatusOffline
	}
	return HealthStatusAt(a.LastHeartbeatAt, now)
}

func GetAgentByVendorId(ctx context.Context, vendorId string) (*Agent, error) {
	db := config.GetDB()
	var agent Agent
	err := db.WithContext(ctx).Where("vendor_id = ?", vendorId).Take(&agent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrUnknownAgent
		}
		return nil, err
	}
	return &agent, nil
}

func ListActiveAgents(ctx context.Context) ([]Agent, error) {
	db := config.GetDB()
	var agents []Agent
	err := db.WithContext(ctx).
		Where("deactivated_at IS NULL").
		Order("vendor_id ASC").
		Find(&agents).Error
	return agents, err
}
