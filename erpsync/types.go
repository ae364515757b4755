package erpsync

import (
	"encoding/json"

	"bitbucket.org/mmdatafocus/marketplace_backend/models"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

// KeyRange is a half-open interval [Low, High) over the catalog keyspace.
// An empty High means unbounded; the zero value covers the full keyspace.
type KeyRange struct {
	Low  string `json:"low"`
	High string `json:"high"`
}

func (r KeyRange) Contains(key string) bool {
	if key < r.Low {
		return false
	}
	return r.High == "" || key < r.High
}

// AgentEntity is one catalog entity as the agent reports it. The content hash
// is the agent's digest of the entity value; the central side never recomputes
// it, it only mirrors it.
type AgentEntity struct {
	Key         string          `json:"key" validate:"required"`
	ContentHash string          `json:"content_hash" validate:"required"`
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	Payload     json.RawMessage `json:"payload"`
}

// ChangeSet is the payload of an incremental_sync job.
type ChangeSet struct {
	Upserts []AgentEntity `json:"upserts" validate:"dive"`
	Deletes []string      `json:"deletes"`
}

func (c ChangeSet) Empty() bool {
	return len(c.Upserts) == 0 && len(c.Deletes) == 0
}

// Correction is one resolution step. ERP is authoritative, so corrections only
// ever mutate the central mirror: insert or update from the agent-reported
// entity, or delete a key the agent no longer has.
type Correction struct {
	Class  models.DriftClass `json:"class" validate:"required"`
	Key    string            `json:"key" validate:"required"`
	Entity *AgentEntity      `json:"entity,omitempty"`
}

// ResolutionBatch is the payload of a resolution_batch job: the correction
// subset left over after a partial resolution failure.
type ResolutionBatch struct {
	Corrections []Correction `json:"corrections" validate:"min=1,dive"`
}

// EntryDigest is the (key, content hash) pair the checksum tree digests. The
// central snapshot is a key-ordered slice of these.
type EntryDigest struct {
	Key         string `json:"key"`
	ContentHash string `json:"content_hash"`
}

// --- API request/response types ---

type RegisterAgentRequest struct {
	VendorId     string `json:"vendorId" validate:"required,max=64"`
	AgentUrl     string `json:"agentUrl" validate:"required,url"`
	ErpKind      string `json:"erpKind" validate:"required"`
	AuthToken    string `json:"authToken" validate:"required,min=16"`
	ContactPhone string `json:"contactPhone"`
	PhoneRegion  string `json:"phoneRegion"`
}

type HeartbeatRequest struct {
	Version string `json:"version" validate:"required,max=32"`
}

type HeartbeatResponse struct {
	Status models.HealthStatus `json:"status"`
}

type TriggerReconciliationRequest struct {
	VendorId string `json:"vendorId"`
}

type TriggerReconciliationResponse struct {
	JobIds []uint `json:"jobIds"`
}

type PushChangeSetRequest struct {
	ChangeSet
}

type EventListResponse struct {
	Items []models.ReconciliationEvent `json:"items"`
	Total int64                        `json:"total"`
	Page  int                          `json:"page"`
	Limit int                          `json:"limit"`
}

type DeadLetterListResponse struct {
	Items []models.DeadLetterEntry `json:"items"`
}

// JobNudge is the Pub/Sub payload published after enqueue so a worker runs a
// dispatch pass without waiting for the next poll tick.
type JobNudge struct {
	JobId    uint   `json:"job_id"`
	VendorId string `json:"vendor_id"`
}

// PubSubPushEnvelope is the Pub/Sub push delivery wrapper.
type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}
