package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-points-api/internal/middleware"
	"github.com/noah-isme/sma-points-api/internal/models"
	"github.com/noah-isme/sma-points-api/internal/service"
	"github.com/noah-isme/sma-points-api/pkg/config"
	appErrors "github.com/noah-isme/sma-points-api/pkg/errors"
	"github.com/noah-isme/sma-points-api/pkg/export"
)

// engineStub backs real services with deterministic in-memory state.
type engineStub struct {
	agg        models.StudentPointsAggregate
	entries    []models.BehaviorHistoryEntry
	behaviors  map[string]models.Behavior
	authorized bool
	enrolled   bool
}

func newEngineStub() *engineStub {
	return &engineStub{
		agg: *models.ZeroAggregate("stu-1", "class-1"),
		behaviors: map[string]models.Behavior{
			"beh-1": {ID: "beh-1", ClassID: "class-1", Label: "Helped a classmate", PointValue: 5},
		},
		authorized: true,
		enrolled:   true,
	}
}

func (s *engineStub) Get(ctx context.Context, studentID, classID string) (*models.StudentPointsAggregate, error) {
	copied := s.agg
	return &copied, nil
}

func (s *engineStub) Commit(ctx context.Context, agg *models.StudentPointsAggregate, expectedVersion int64, entry *models.BehaviorHistoryEntry) error {
	agg.Version = expectedVersion + 1
	agg.LastUpdatedAt = time.Now().UTC()
	entry.ID = "ent-1"
	entry.OccurredAt = agg.LastUpdatedAt
	s.agg = *agg
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *engineStub) CompareAndSet(ctx context.Context, agg *models.StudentPointsAggregate, expectedVersion int64) error {
	agg.Version = expectedVersion + 1
	s.agg = *agg
	return nil
}

func (s *engineStub) ListKeys(ctx context.Context, offset, limit int) ([]models.AggregateKey, error) {
	return nil, nil
}

func (s *engineStub) FindByIdempotencyKey(ctx context.Context, studentID, classID, key string) (*models.BehaviorHistoryEntry, error) {
	for _, e := range s.entries {
		if e.IdempotencyKey == key {
			copied := e
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *engineStub) List(ctx context.Context, filter models.HistoryFilter) ([]models.BehaviorHistoryEntry, int, error) {
	return s.entries, len(s.entries), nil
}

func (s *engineStub) Replay(ctx context.Context, studentID, classID string, cursor models.ReplayCursor, limit int) ([]models.BehaviorHistoryEntry, error) {
	if cursor.AfterID != "" {
		return nil, nil
	}
	return s.entries, nil
}

func (s *engineStub) Summary(ctx context.Context, studentID, classID string) (*models.ReplaySummary, error) {
	summary := &models.ReplaySummary{}
	for _, e := range s.entries {
		summary.TotalPoints += e.PointDelta
		if e.PointDelta > 0 {
			summary.PositiveEventCount++
		} else if e.PointDelta < 0 {
			summary.NegativeEventCount++
		}
		summary.EntryCount++
	}
	return summary, nil
}

func (s *engineStub) FindByID(ctx context.Context, id string) (*models.Behavior, error) {
	if b, ok := s.behaviors[id]; ok {
		return &b, nil
	}
	return nil, appErrors.Clone(appErrors.ErrNotFound, "behavior not found")
}

func (s *engineStub) ListByClass(ctx context.Context, classID string) ([]models.Behavior, error) {
	var out []models.Behavior
	for _, b := range s.behaviors {
		if b.ClassID == classID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *engineStub) IsStudentEnrolled(ctx context.Context, studentID, classID string) (bool, error) {
	return s.enrolled, nil
}

func (s *engineStub) IsTeacherAuthorized(ctx context.Context, teacherID, classID string) (bool, error) {
	return s.authorized, nil
}

func newPointsHandlerForTest(stub *engineStub) *PointsHandler {
	cfg := config.PointsConfig{MaxRetries: 3, RetryBaseDelay: time.Millisecond, RetryMaxDelay: time.Millisecond}
	points := service.NewPointsService(service.PointsServiceDeps{
		Store:   stub,
		History: stub,
		Catalog: stub,
		Roster:  stub,
	}, cfg, config.CacheConfig{}, nil, nil)
	reconcile := service.NewReconcileService(stub, stub, nil, config.ReconcilerConfig{}, nil)
	exports := service.NewExportService(stub, export.NewCSVExporter(), export.NewPDFExporter(), nil)
	return NewPointsHandler(points, reconcile, exports)
}

type pointsEnvelope struct {
	Data  map[string]interface{} `json:"data"`
	Error map[string]interface{} `json:"error"`
}

func applyBody(t *testing.T) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(map[string]string{
		"student_id":      "stu-1",
		"class_id":        "class-1",
		"behavior_id":     "beh-1",
		"idempotency_key": "key-1",
	})
	require.NoError(t, err)
	return bytes.NewReader(body)
}

func TestPointsHandlerApply(t *testing.T) {
	gin.SetMode(gin.TestMode)
	stub := newEngineStub()
	handler := newPointsHandlerForTest(stub)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/points/apply", applyBody(t))
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "tch-1", Role: models.RoleTeacher})

	handler.Apply(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	var envelope pointsEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, float64(5), envelope.Data["total_points"])
	assert.Equal(t, float64(1), envelope.Data["version"])
	require.Len(t, stub.entries, 1)
	assert.Equal(t, "tch-1", stub.entries[0].TeacherID)
}

func TestPointsHandlerApplyWithoutClaims(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := newPointsHandlerForTest(newEngineStub())

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/points/apply", applyBody(t))

	handler.Apply(c)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPointsHandlerApplyInvalidBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := newPointsHandlerForTest(newEngineStub())

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/points/apply", bytes.NewReader([]byte("{")))
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "tch-1", Role: models.RoleTeacher})

	handler.Apply(c)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPointsHandlerApplyForbidden(t *testing.T) {
	gin.SetMode(gin.TestMode)
	stub := newEngineStub()
	stub.authorized = false
	handler := newPointsHandlerForTest(stub)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/points/apply", applyBody(t))
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "tch-1", Role: models.RoleTeacher})

	handler.Apply(c)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	var envelope pointsEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "FORBIDDEN", envelope.Error["code"])
}

func TestPointsHandlerGet(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := newPointsHandlerForTest(newEngineStub())

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/points/stu-1/class-1", nil)
	c.Params = gin.Params{{Key: "studentId", Value: "stu-1"}, {Key: "classId", Value: "class-1"}}

	handler.Get(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	var envelope pointsEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, float64(0), envelope.Data["total_points"])
	assert.Equal(t, "stu-1", envelope.Data["student_id"])
}

func TestPointsHandlerHistory(t *testing.T) {
	gin.SetMode(gin.TestMode)
	stub := newEngineStub()
	stub.entries = []models.BehaviorHistoryEntry{
		{ID: "ent-1", StudentID: "stu-1", ClassID: "class-1", PointDelta: 5, NewTotal: 5, OccurredAt: time.Now().UTC(), IdempotencyKey: "key-1"},
	}
	handler := newPointsHandlerForTest(stub)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/points/stu-1/class-1/history?page=1&pageSize=10", nil)
	c.Params = gin.Params{{Key: "studentId", Value: "stu-1"}, {Key: "classId", Value: "class-1"}}

	handler.History(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	var envelope struct {
		Data       []map[string]interface{} `json:"data"`
		Pagination map[string]interface{}   `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Len(t, envelope.Data, 1)
	assert.Equal(t, "ent-1", envelope.Data[0]["id"])
	assert.Equal(t, float64(1), envelope.Pagination["total_count"])
}

func TestPointsHandlerExportHistoryCSV(t *testing.T) {
	gin.SetMode(gin.TestMode)
	stub := newEngineStub()
	stub.entries = []models.BehaviorHistoryEntry{
		{ID: "ent-1", StudentID: "stu-1", ClassID: "class-1", PointDelta: 5, NewTotal: 5, OccurredAt: time.Now().UTC(), IdempotencyKey: "key-1"},
	}
	handler := newPointsHandlerForTest(stub)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/points/stu-1/class-1/history/export?format=csv", nil)
	c.Params = gin.Params{{Key: "studentId", Value: "stu-1"}, {Key: "classId", Value: "class-1"}}

	handler.ExportHistory(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "behavior-history-stu-1-class-1.csv")
	assert.Contains(t, rec.Body.String(), "ent-1")
}

func TestPointsHandlerReconcile(t *testing.T) {
	gin.SetMode(gin.TestMode)
	stub := newEngineStub()
	// Log says 5, aggregate says 0: the endpoint must repair it.
	stub.entries = []models.BehaviorHistoryEntry{
		{ID: "ent-1", StudentID: "stu-1", ClassID: "class-1", PointDelta: 5, NewTotal: 5, OccurredAt: time.Now().UTC(), IdempotencyKey: "key-1"},
	}
	handler := newPointsHandlerForTest(stub)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/points/stu-1/class-1/reconcile", nil)
	c.Params = gin.Params{{Key: "studentId", Value: "stu-1"}, {Key: "classId", Value: "class-1"}}

	handler.Reconcile(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	var envelope pointsEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, true, envelope.Data["drifted"])
	assert.Equal(t, 5, stub.agg.TotalPoints)
}

func TestPointsHandlerBehaviors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := newPointsHandlerForTest(newEngineStub())

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/behaviors?classId=class-1", nil)

	handler.Behaviors(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	var envelope struct {
		Data []map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Len(t, envelope.Data, 1)
	assert.Equal(t, "beh-1", envelope.Data[0]["id"])
}

func TestPointsHandlerBehaviorsRequiresClass(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := newPointsHandlerForTest(newEngineStub())

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/behaviors", nil)

	handler.Behaviors(c)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
