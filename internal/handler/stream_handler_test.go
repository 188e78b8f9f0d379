package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-points-api/internal/models"
	"github.com/noah-isme/sma-points-api/internal/service"
)

// closeNotifyRecorder adds the http.CloseNotifier method gin's
// Context.Stream requires, which httptest.ResponseRecorder lacks.
type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func newCloseNotifyRecorder() *closeNotifyRecorder {
	return &closeNotifyRecorder{httptest.NewRecorder(), make(chan bool, 1)}
}

func (r *closeNotifyRecorder) CloseNotify() <-chan bool {
	return r.closed
}

func TestStreamHandlerDeliversEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := service.NewNotifierService(8, nil, nil)
	defer hub.Close()
	handler := NewStreamHandler(hub)

	ctx, cancel := context.WithCancel(context.Background())
	rec := newCloseNotifyRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/points/stream/class-1", nil).WithContext(ctx)
	c.Params = gin.Params{{Key: "classId", Value: "class-1"}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		handler.Stream(c)
	}()

	// Wait for the subscription to attach before publishing.
	require.Eventually(t, func() bool {
		return hub.SubscriberCount("class-1") == 1
	}, time.Second, 5*time.Millisecond)

	hub.Publish(models.AggregateChangeEvent{
		StudentID:   "stu-1",
		ClassID:     "class-1",
		TotalPoints: 5,
		Version:     1,
		OccurredAt:  time.Now().UTC(),
	})

	// Give the stream loop a moment to flush the event before disconnecting.
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not stop on client disconnect")
	}

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "event:aggregate_change")
	assert.Contains(t, body, `"total_points":5`)
	assert.Contains(t, body, `"version":1`)
}

func TestStreamHandlerStopsWhenHubCloses(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := service.NewNotifierService(8, nil, nil)
	handler := NewStreamHandler(hub)

	rec := newCloseNotifyRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/points/stream/class-1", nil)
	c.Params = gin.Params{{Key: "classId", Value: "class-1"}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		handler.Stream(c)
	}()

	require.Eventually(t, func() bool {
		return hub.SubscriberCount("class-1") == 1
	}, time.Second, 5*time.Millisecond)

	hub.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not stop when hub closed")
	}
}
