package erpsync

import (
	"context"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/marketplace_backend/config"
	"bitbucket.org/mmdatafocus/marketplace_backend/models"
	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RegisterAgent creates the agent record for a vendor on self-registration.
// Only a one-way digest of the auth token is stored.
func RegisterAgent(ctx context.Context, req RegisterAgentRequest) (*models.Agent, error) {
	if err := validate.Struct(req); err != nil {
		return nil, utils.ErrValidationFailure
	}

	erpKind := models.ErpKind(strings.TrimSpace(req.ErpKind))
	if !erpKind.Valid() {
		return nil, utils.ErrValidationFailure
	}

	phone := strings.TrimSpace(req.ContactPhone)
	if phone != "" {
		region := strings.TrimSpace(req.PhoneRegion)
		if region == "" {
			region = "MM"
		}
		if err := utils.ValidatePhoneNumber(phone, region); err != nil {
			return nil, utils.ErrValidationFailure
		}
	}

	digest, err := utils.HashAuthToken(req.AuthToken)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	agent := models.Agent{
		VendorId:        strings.TrimSpace(req.VendorId),
		AgentUrl:        strings.TrimRight(strings.TrimSpace(req.AgentUrl), "/"),
		ErpKind:         erpKind,
		Status:          models.HealthStatusOffline,
		AuthTokenDigest: string(digest),
		ContactPhone:    phone,
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Agent{}).
			Where("vendor_id = ?", agent.VendorId).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return utils.ErrDuplicateVendor
		}
		return tx.Create(&agent).Error
	})
	if err != nil {
		return nil, err
	}

	config.GetLogger().WithFields(logrus.Fields{
		"field":     "AgentRegistry",
		"vendor_id": agent.VendorId,
		"erp_kind":  agent.ErpKind,
	}).Info("agent registered")

	return &agent, nil
}

// Heartbeat stamps the agent's last heartbeat, refreshes the cached status
// column and returns the recomputed status.
func Heartbeat(ctx context.Context, vendorId string, reportedVersion string) (models.HealthStatus, error) {
	db := config.GetDB()

	agent, err := models.GetAgentByVendorId(ctx, vendorId)
	if err != nil {
		return "", err
	}
	if agent.DeactivatedAt != nil {
		return "", utils.ErrUnknownAgent
	}

	now := time.Now().UTC()
	status := models.HealthStatusAt(&now, now)
	updates := map[string]interface{}{
		"last_heartbeat_at": &now,
		"status":            status,
	}
	if v := strings.TrimSpace(reportedVersion); v != "" {
		updates["reported_version"] = v
	}

	if err := db.WithContext(ctx).
		Model(&models.Agent{}).
		Where("id = ?", agent.ID).
		Updates(updates).Error; err != nil {
		return "", err
	}

	return status, nil
}

// CurrentStatus is a pure read: it derives the status from the elapsed time
// since the last heartbeat without mutating anything.
func CurrentStatus(ctx context.Context, vendorId string) (models.HealthStatus, error) {
	agent, err := models.GetAgentByVendorId(ctx, vendorId)
	if err != nil {
		return "", err
	}
	return agent.CurrentStatus(time.Now().UTC()), nil
}

// VerifyAgent compares a presented token against the stored digest. The bcrypt
// comparison is constant-time; the transport boundary calls this before
// accepting any request from an agent.
func VerifyAgent(ctx context.Context, vendorId string, authToken string) (bool, error) {
	agent, err := models.GetAgentByVendorId(ctx, vendorId)
	if err != nil {
		return false, err
	}
	if agent.DeactivatedAt != nil {
		return false, utils.ErrUnknownAgent
	}
	if err := utils.CompareAuthToken(agent.AuthTokenDigest, authToken); err != nil {
		return false, nil
	}
	return true, nil
}

// DeactivateAgent soft-deletes. Agents are never hard-deleted; history and
// dead letters stay attributable.
func DeactivateAgent(ctx context.Context, vendorId string) error {
	agent, err := models.GetAgentByVendorId(ctx, vendorId)
	if err != nil {
		return err
	}
	if agent.DeactivatedAt != nil {
		return nil
	}
	now := time.Now().UTC()
	return config.GetDB().WithContext(ctx).
		Model(&models.Agent{}).
		Where("id = ?", agent.ID).
		Update("deactivated_at", &now).Error
}

// SweepAgentStatuses refreshes the cached status column for dashboard queries.
// Purely cosmetic: reads always recompute from last_heartbeat_at, so this
// sweep is never a source of truth.
func SweepAgentStatuses(ctx context.Context) error {
	db := config.GetDB()
	agents, err := models.ListActiveAgents(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for i := range agents {
		derived := agents[i].CurrentStatus(now)
		if derived == agents[i].Status {
			continue
		}
		if err := db.WithContext(ctx).
			Model(&models.Agent{}).
			Where("id = ?", agents[i].ID).
			Update("status", derived).Error; err != nil {
			return err
		}
	}
	return nil
}
