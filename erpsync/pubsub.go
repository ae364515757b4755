package erpsync

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/marketplace_backend/config"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func jobTopicName() string {
	topic := strings.TrimSpace(os.Getenv("SYNC_JOB_TOPIC"))
	if topic == "" {
		topic = "sync-job-ready"
	}
	return topic
}

// PublishJobNudge tells workers a job is ready without waiting for the next
// poll tick. Delivery is best effort: the poll loop picks the job up anyway,
// so a publish failure is logged and swallowed.
func PublishJobNudge(ctx *gin.Context, logger *logrus.Logger, jobId uint, vendorId string) {
	if !config.PubSubConfigured() {
		return
	}
	msgId, err := config.PublishJSON(ctx.Request.Context(), jobTopicName(), JobNudge{
		JobId:    jobId,
		VendorId: vendorId,
	})
	if err != nil {
		config.LogError(logger, "erpsync", "PublishJobNudge", "publishing job nudge", map[string]interface{}{
			"job_id": jobId,
		}, err)
		return
	}
	logger.WithFields(logrus.Fields{
		"field":      "PubSub",
		"job_id":     jobId,
		"vendor_id":  vendorId,
		"message_id": msgId,
	}).Info("job nudge published")
}

// PubSubPushHandler is the push-subscription endpoint on the worker service.
// Each delivery triggers one drain pass. It always answers 204: a processing
// failure must not make Pub/Sub redeliver, since the durable queue already
// owns retries.
func PubSubPushHandler(worker *Worker) gin.HandlerFunc {
	return func(c *gin.Context) {
		var envelope PubSubPushEnvelope
		if err := c.ShouldBindJSON(&envelope); err != nil {
			worker.Logger.WithFields(logrus.Fields{
				"field": "PubSub",
				"error": err.Error(),
			}).Warn("undecodable push delivery")
			c.Status(http.StatusNoContent)
			return
		}

		var nudge JobNudge
		if err := json.Unmarshal(envelope.Message.Data, &nudge); err != nil {
			worker.Logger.WithFields(logrus.Fields{
				"field":      "PubSub",
				"message_id": envelope.Message.ID,
				"error":      err.Error(),
			}).Warn("undecodable job nudge")
			c.Status(http.StatusNoContent)
			return
		}

		worker.Logger.WithFields(logrus.Fields{
			"field":      "PubSub",
			"message_id": envelope.Message.ID,
			"job_id":     nudge.JobId,
			"vendor_id":  nudge.VendorId,
		}).Info("job nudge received")

		worker.Drain(c.Request.Context())
		c.Status(http.StatusNoContent)
	}
}
