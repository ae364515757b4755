package erpsync

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/marketplace_backend/config"
	"bitbucket.org/mmdatafocus/marketplace_backend/models"
	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Handlers is the HTTP surface of the reconciliation service.
type Handlers struct {
	Queue  *Queue
	Logger *logrus.Logger
}

func NewHandlers(queue *Queue, logger *logrus.Logger) *Handlers {
	return &Handlers{Queue: queue, Logger: logger}
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, utils.ErrDuplicateVendor):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrUnknownAgent):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrAgentOffline):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrAuthMismatch):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrValidationFailure):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// authenticateAgent checks the per-agent token header against the stored
// digest. Failures are reported uniformly so the endpoint does not leak
// whether the vendor exists.
func (h *Handlers) authenticateAgent(c *gin.Context, vendorId string) bool {
	token := c.GetHeader("X-Agent-Token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing agent token"})
		return false
	}
	ok, err := VerifyAgent(c.Request.Context(), vendorId, token)
	if err != nil || !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid agent credentials"})
		return false
	}
	return true
}

// RegisterAgentHandler handles POST /v1/agents. Operator only.
func (h *Handlers) RegisterAgentHandler(c *gin.Context) {
	var req RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	agent, err := RegisterAgent(c.Request.Context(), req)
	if err != nil {
		if fieldErrors := utils.ProcessValidationErrors(err); len(fieldErrors) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"errors": fieldErrors})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

// HeartbeatHandler handles POST /v1/agents/:vendorId/heartbeat. Agent
// authenticated; responds with the status the heartbeat produced.
func (h *Handlers) HeartbeatHandler(c *gin.Context) {
	vendorId := c.Param("vendorId")
	if !h.authenticateAgent(c, vendorId) {
		return
	}

	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validate.Struct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
		return
	}

	status, err := Heartbeat(c.Request.Context(), vendorId, req.Version)
	if err != nil {
		respondError(c, err)
		return
	}
	_ = config.RemoveRedisKey(statusCacheKey(vendorId))
	c.JSON(http.StatusOK, HeartbeatResponse{Status: status})
}

// statusCacheTTL bounds how stale a memoized status read can be. Well under
// the 60s online window, so the cache cannot flip a health transition.
const statusCacheTTL = 5 * time.Second

func statusCacheKey(vendorId string) string {
	return "agent-status:" + vendorId
}

// AgentStatusHandler handles GET /v1/agents/:vendorId/status. Dashboards poll
// this aggressively, so the derived status is memoized for a few seconds;
// heartbeats invalidate the memo.
func (h *Handlers) AgentStatusHandler(c *gin.Context) {
	vendorId := c.Param("vendorId")

	var cached models.HealthStatus
	if ok, _ := config.GetRedisObject(statusCacheKey(vendorId), &cached); ok {
		c.JSON(http.StatusOK, gin.H{"vendorId": vendorId, "status": cached})
		return
	}

	status, err := CurrentStatus(c.Request.Context(), vendorId)
	if err != nil {
		respondError(c, err)
		return
	}
	_ = config.SetRedisObject(statusCacheKey(vendorId), status, statusCacheTTL)
	c.JSON(http.StatusOK, gin.H{"vendorId": vendorId, "status": status})
}

// ListAgentsHandler handles GET /v1/agents. Operator only.
func (h *Handlers) ListAgentsHandler(c *gin.Context) {
	agents, err := models.ListActiveAgents(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	now := time.Now()
	for i := range agents {
		agents[i].Status = agents[i].CurrentStatus(now)
	}
	c.JSON(http.StatusOK, gin.H{"items": agents})
}

// DeactivateAgentHandler handles DELETE /v1/agents/:vendorId. Operator only.
func (h *Handlers) DeactivateAgentHandler(c *gin.Context) {
	vendorId := c.Param("vendorId")
	if err := DeactivateAgent(c.Request.Context(), vendorId); err != nil {
		respondError(c, err)
		return
	}
	_ = config.RemoveRedisKey(statusCacheKey(vendorId))
	c.Status(http.StatusNoContent)
}

// PushChangeSetHandler handles POST /v1/agents/:vendorId/changesets. The agent
// pushes its local changes; they are queued as an incremental_sync job rather
// than applied inline, so the push survives a mirror outage.
func (h *Handlers) PushChangeSetHandler(c *gin.Context) {
	vendorId := c.Param("vendorId")
	if !h.authenticateAgent(c, vendorId) {
		return
	}

	var req PushChangeSetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	payload, err := json.Marshal(req.ChangeSet)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobId, err := h.Queue.Enqueue(c.Request.Context(), vendorId, models.SyncJobKindIncrementalSync, payload)
	if err != nil {
		respondError(c, err)
		return
	}
	PublishJobNudge(c, h.Logger, jobId, vendorId)
	c.JSON(http.StatusAccepted, gin.H{"jobId": jobId})
}

// TriggerReconciliationHandler handles POST /v1/reconciliations. Operator
// only. With a vendorId it queues one full_checksum job; without, one per
// online agent.
func (h *Handlers) TriggerReconciliationHandler(c *gin.Context) {
	// An empty body means "every online vendor".
	var req TriggerReconciliationRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var vendorIds []string
	if req.VendorId != "" {
		vendorIds = []string{req.VendorId}
	} else {
		agents, err := models.ListActiveAgents(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		now := time.Now()
		for _, agent := range agents {
			if agent.CurrentStatus(now) == models.HealthStatusOnline {
				vendorIds = append(vendorIds, agent.VendorId)
			}
		}
	}

	resp := TriggerReconciliationResponse{JobIds: []uint{}}
	for _, vendorId := range vendorIds {
		jobId, err := h.Queue.Enqueue(c.Request.Context(), vendorId, models.SyncJobKindFullChecksum, nil)
		if err != nil {
			respondError(c, err)
			return
		}
		PublishJobNudge(c, h.Logger, jobId, vendorId)
		resp.JobIds = append(resp.JobIds, jobId)
	}
	c.JSON(http.StatusAccepted, resp)
}

// ListEventsHandler handles GET /v1/events with vendorId, eventType, from, to,
// page and limit query filters.
func (h *Handlers) ListEventsHandler(c *gin.Context) {
	filter := EventFilter{
		VendorId:  c.Query("vendorId"),
		EventType: models.ReconciliationEventType(c.Query("eventType")),
	}
	if filter.EventType != "" && !filter.EventType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown event type"})
		return
	}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
		filter.From = &t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
		filter.To = &t
	}
	filter.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "0"))

	items, total, err := ListEvents(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	if filter.Limit <= 0 {
		filter.Limit = models.DefaultPageLimit
	}
	c.JSON(http.StatusOK, EventListResponse{Items: items, Total: total, Page: filter.Page, Limit: filter.Limit})
}

// ListDeadLettersHandler handles GET /v1/dead-letters. Operator only.
func (h *Handlers) ListDeadLettersHandler(c *gin.Context) {
	items, err := h.Queue.ListDeadLetters(c.Request.Context(), c.Query("vendorId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, DeadLetterListResponse{Items: items})
}

// ReplayDeadLetterHandler handles POST /v1/dead-letters/:id/replay. Operator
// only. Re-enqueues the payload as a fresh job and marks the entry resolved.
func (h *Handlers) ReplayDeadLetterHandler(c *gin.Context) {
	entryId, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entry id"})
		return
	}

	jobId, err := h.Queue.Replay(c.Request.Context(), uint(entryId))
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "dead letter not found"})
			return
		}
		config.LogError(h.Logger, "erpsync", "Replay", "replaying dead letter", map[string]interface{}{
			"entry_id": entryId,
		}, err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": jobId})
}
