package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-points-api/internal/models"
	appErrors "github.com/noah-isme/sma-points-api/pkg/errors"
	"github.com/noah-isme/sma-points-api/pkg/export"
)

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

type historyExportSource interface {
	Replay(ctx context.Context, studentID, classID string, cursor models.ReplayCursor, limit int) ([]models.BehaviorHistoryEntry, error)
}

// Export formats accepted by the history export endpoint.
const (
	ExportFormatCSV = "csv"
	ExportFormatPDF = "pdf"
)

const exportPageSize = 500

// ExportService renders a pair's full audit history into compliance
// documents. The underlying replay is ordered and restartable, so the export
// walks the log in pages without loading it whole.
type ExportService struct {
	history historyExportSource
	csv     csvRenderer
	pdf     pdfRenderer
	logger  *zap.Logger
}

// NewExportService constructs the service.
func NewExportService(history historyExportSource, csv csvRenderer, pdf pdfRenderer, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{history: history, csv: csv, pdf: pdf, logger: logger}
}

// ExportHistory renders the complete audit log for a (student, class) pair.
// Returns the document bytes and a content type.
func (s *ExportService) ExportHistory(ctx context.Context, studentID, classID, format string) ([]byte, string, error) {
	if studentID == "" || classID == "" {
		return nil, "", appErrors.Clone(appErrors.ErrValidation, "student and class are required")
	}
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = ExportFormatCSV
	}
	if format != ExportFormatCSV && format != ExportFormatPDF {
		return nil, "", appErrors.Clone(appErrors.ErrValidation, "unsupported export format")
	}

	dataset := export.Dataset{
		Headers: []string{"occurred_at", "entry_id", "teacher_id", "behavior_id", "point_delta", "previous_total", "new_total", "idempotency_key"},
	}

	cursor := models.ReplayCursor{}
	for {
		entries, err := s.history.Replay(ctx, studentID, classID, cursor, exportPageSize)
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "history replay failed")
		}
		for _, entry := range entries {
			dataset.Rows = append(dataset.Rows, map[string]string{
				"occurred_at":     entry.OccurredAt.UTC().Format(time.RFC3339Nano),
				"entry_id":        entry.ID,
				"teacher_id":      entry.TeacherID,
				"behavior_id":     entry.BehaviorID,
				"point_delta":     strconv.Itoa(entry.PointDelta),
				"previous_total":  strconv.Itoa(entry.PreviousTotal),
				"new_total":       strconv.Itoa(entry.NewTotal),
				"idempotency_key": entry.IdempotencyKey,
			})
		}
		if len(entries) < exportPageSize {
			break
		}
		last := entries[len(entries)-1]
		cursor = models.ReplayCursor{After: last.OccurredAt, AfterID: last.ID}
	}

	s.logger.Debug("history export",
		zap.String("student_id", studentID),
		zap.String("class_id", classID),
		zap.String("format", format),
		zap.Int("entries", len(dataset.Rows)))

	switch format {
	case ExportFormatPDF:
		title := fmt.Sprintf("Behavior history %s / %s", studentID, classID)
		data, err := s.pdf.Render(dataset, title)
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "pdf render failed")
		}
		return data, "application/pdf", nil
	default:
		data, err := s.csv.Render(dataset)
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "csv render failed")
		}
		return data, "text/csv", nil
	}
}
