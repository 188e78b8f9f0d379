package handler

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-points-api/internal/service"
)

type classSubscriber interface {
	Subscribe(classID string) *service.Subscription
}

// StreamHandler serves live aggregate-change streams to dashboards over SSE.
type StreamHandler struct {
	notifier  classSubscriber
	heartbeat time.Duration
}

// NewStreamHandler constructs the handler.
func NewStreamHandler(notifier classSubscriber) *StreamHandler {
	return &StreamHandler{notifier: notifier, heartbeat: 30 * time.Second}
}

// Stream godoc
// @Summary Subscribe to aggregate changes for a class (SSE)
// @Tags Points
// @Produce text/event-stream
// @Param classId path string true "Class ID"
// @Success 200 {string} string "event stream"
// @Router /points/stream/{classId} [get]
func (h *StreamHandler) Stream(c *gin.Context) {
	sub := h.notifier.Subscribe(c.Param("classId"))
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case event, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent("aggregate_change", event)
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", time.Now().UTC().Format(time.RFC3339))
			return true
		}
	})
}
