package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-points-api/internal/models"
	"github.com/noah-isme/sma-points-api/internal/service"
	appErrors "github.com/noah-isme/sma-points-api/pkg/errors"
	"github.com/noah-isme/sma-points-api/pkg/response"
)

// PointsHandler exposes the behavior-points engine endpoints.
type PointsHandler struct {
	points    *service.PointsService
	reconcile *service.ReconcileService
	exports   *service.ExportService
}

// NewPointsHandler constructs handler.
func NewPointsHandler(points *service.PointsService, reconcile *service.ReconcileService, exports *service.ExportService) *PointsHandler {
	return &PointsHandler{points: points, reconcile: reconcile, exports: exports}
}

// Apply godoc
// @Summary Apply a point change for a student
// @Tags Points
// @Accept json
// @Produce json
// @Param payload body service.ApplyPointChangeRequest true "Point change payload"
// @Success 200 {object} response.Envelope
// @Router /points/apply [post]
func (h *PointsHandler) Apply(c *gin.Context) {
	var req service.ApplyPointChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	req.TeacherID = claims.UserID

	aggregate, err := h.points.ApplyPointChange(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, aggregate, nil)
}

// Get godoc
// @Summary Current points aggregate for a student in a class
// @Tags Points
// @Produce json
// @Param studentId path string true "Student ID"
// @Param classId path string true "Class ID"
// @Success 200 {object} response.Envelope
// @Router /points/{studentId}/{classId} [get]
func (h *PointsHandler) Get(c *gin.Context) {
	aggregate, err := h.points.Get(c.Request.Context(), c.Param("studentId"), c.Param("classId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, aggregate, nil)
}

// History godoc
// @Summary Audit history for a student in a class
// @Tags Points
// @Produce json
// @Param studentId path string true "Student ID"
// @Param classId path string true "Class ID"
// @Param page query int false "Page"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /points/{studentId}/{classId}/history [get]
func (h *PointsHandler) History(c *gin.Context) {
	filter := models.HistoryFilter{
		StudentID: c.Param("studentId"),
		ClassID:   c.Param("classId"),
		TeacherID: c.Query("teacherId"),
	}
	filter.Page = queryInt(c, "page", 1)
	filter.PageSize = queryInt(c, "pageSize", 50)
	if from, ok := queryTime(c, "dateFrom"); ok {
		filter.DateFrom = &from
	}
	if to, ok := queryTime(c, "dateTo"); ok {
		filter.DateTo = &to
	}

	entries, pagination, err := h.points.History(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, pagination)
}

// ExportHistory godoc
// @Summary Export the full audit history as CSV or PDF
// @Tags Points
// @Produce text/csv
// @Param studentId path string true "Student ID"
// @Param classId path string true "Class ID"
// @Param format query string false "csv or pdf"
// @Success 200 {file} file
// @Router /points/{studentId}/{classId}/history/export [get]
func (h *PointsHandler) ExportHistory(c *gin.Context) {
	studentID := c.Param("studentId")
	classID := c.Param("classId")
	data, contentType, err := h.exports.ExportHistory(c.Request.Context(), studentID, classID, c.Query("format"))
	if err != nil {
		response.Error(c, err)
		return
	}
	ext := "csv"
	if contentType == "application/pdf" {
		ext = "pdf"
	}
	filename := fmt.Sprintf("behavior-history-%s-%s.%s", studentID, classID, ext)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, contentType, data)
}

// Reconcile godoc
// @Summary Replay the audit log and repair the aggregate if drifted
// @Tags Points
// @Produce json
// @Param studentId path string true "Student ID"
// @Param classId path string true "Class ID"
// @Success 200 {object} response.Envelope
// @Router /points/{studentId}/{classId}/reconcile [post]
func (h *PointsHandler) Reconcile(c *gin.Context) {
	drifted, aggregate, err := h.reconcile.Reconcile(c.Request.Context(), c.Param("studentId"), c.Param("classId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"drifted": drifted, "aggregate": aggregate}, nil)
}

// Behaviors godoc
// @Summary List the behavior catalog for a class
// @Tags Behaviors
// @Produce json
// @Param classId query string true "Class ID"
// @Success 200 {object} response.Envelope
// @Router /behaviors [get]
func (h *PointsHandler) Behaviors(c *gin.Context) {
	behaviors, err := h.points.ListBehaviors(c.Request.Context(), c.Query("classId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, behaviors, nil)
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	var value int
	if _, err := fmt.Sscanf(raw, "%d", &value); err != nil {
		return fallback
	}
	return value
}

func queryTime(c *gin.Context, key string) (time.Time, bool) {
	raw := c.Query(key)
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
