package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-points-api/internal/models"
	"github.com/noah-isme/sma-points-api/internal/repository"
	"github.com/noah-isme/sma-points-api/pkg/config"
	appErrors "github.com/noah-isme/sma-points-api/pkg/errors"
	"github.com/noah-isme/sma-points-api/pkg/jobs"
)

// casAttempts bounds how often one Reconcile call races live writers before
// giving up; the next sweep picks the pair up again.
const casAttempts = 3

type reconcileStore interface {
	Get(ctx context.Context, studentID, classID string) (*models.StudentPointsAggregate, error)
	CompareAndSet(ctx context.Context, agg *models.StudentPointsAggregate, expectedVersion int64) error
	ListKeys(ctx context.Context, offset, limit int) ([]models.AggregateKey, error)
}

type replaySource interface {
	Summary(ctx context.Context, studentID, classID string) (*models.ReplaySummary, error)
}

type driftObserver interface {
	RecordDrift()
	RecordReconcileRun()
}

// ReconcileService replays the audit log for a pair and repairs the cached
// aggregate when it has drifted. The log is the source of truth; the
// aggregate is only a materialized view of it.
type ReconcileService struct {
	store   reconcileStore
	replay  replaySource
	metrics driftObserver
	cfg     config.ReconcilerConfig
	logger  *zap.Logger

	queue      *jobs.Queue
	tickerDone chan struct{}
}

// NewReconcileService constructs the service.
func NewReconcileService(store reconcileStore, replay replaySource, metrics driftObserver, cfg config.ReconcilerConfig, logger *zap.Logger) *ReconcileService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &ReconcileService{store: store, replay: replay, metrics: metrics, cfg: cfg, logger: logger}
}

// Reconcile recomputes the totals for one pair from the audit log and
// corrects the stored aggregate when it disagrees. Safe to run concurrently
// with live writers: the correction is a compare-and-set against a fresh
// read, so a racing commit simply makes this call re-read and re-check.
func (s *ReconcileService) Reconcile(ctx context.Context, studentID, classID string) (bool, *models.StudentPointsAggregate, error) {
	if studentID == "" || classID == "" {
		return false, nil, appErrors.Clone(appErrors.ErrValidation, "student and class are required")
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		summary, err := s.replay.Summary(ctx, studentID, classID)
		if err != nil {
			return false, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "history replay failed")
		}
		agg, err := s.store.Get(ctx, studentID, classID)
		if err != nil {
			return false, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "aggregate read failed")
		}

		if agg.TotalPoints == summary.TotalPoints &&
			agg.PositiveEventCount == summary.PositiveEventCount &&
			agg.NegativeEventCount == summary.NegativeEventCount {
			return false, agg, nil
		}
		if summary.EntryCount == 0 && agg.Version == 0 {
			// Nothing recorded anywhere; zero state is already correct.
			return false, agg, nil
		}

		corrected := *agg
		corrected.TotalPoints = summary.TotalPoints
		corrected.PositiveEventCount = summary.PositiveEventCount
		corrected.NegativeEventCount = summary.NegativeEventCount

		err = s.store.CompareAndSet(ctx, &corrected, agg.Version)
		if err == nil {
			s.logger.Warn("aggregate drift repaired",
				zap.String("student_id", studentID),
				zap.String("class_id", classID),
				zap.Int("stored_total", agg.TotalPoints),
				zap.Int("replayed_total", summary.TotalPoints),
				zap.Int64("version", corrected.Version))
			if s.metrics != nil {
				s.metrics.RecordDrift()
			}
			return true, &corrected, nil
		}
		if appErrors.Is(err, appErrors.ErrConflict) {
			// A live writer advanced the aggregate; re-read and re-check.
			continue
		}
		return false, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "drift correction failed")
	}

	return false, nil, appErrors.Wrap(repository.ErrVersionConflict, appErrors.ErrTransient.Code, appErrors.ErrTransient.Status, "pair too contended to reconcile now")
}

// Start launches the periodic sweep when enabled. The sweep walks every known
// aggregate key in pages and reconciles each pair. Stop with StopSweep.
func (s *ReconcileService) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	s.queue = jobs.NewQueue("reconcile-sweep", s.handleSweep, jobs.QueueConfig{
		Workers:    1,
		BufferSize: 1,
		MaxRetries: 1,
		Logger:     s.logger,
	})
	s.queue.Start(ctx)
	s.tickerDone = make(chan struct{})
	go s.tick(ctx)
	s.logger.Sugar().Infow("reconciler sweep started", "interval", s.cfg.Interval, "batch_size", s.cfg.BatchSize)
}

// StopSweep halts the periodic sweep and waits for in-flight work.
func (s *ReconcileService) StopSweep() {
	if s.queue == nil {
		return
	}
	<-s.tickerDone
	s.queue.Stop()
}

func (s *ReconcileService) tick(ctx context.Context) {
	defer close(s.tickerDone)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n++
			job := jobs.Job{ID: fmt.Sprintf("sweep-%d", n), Type: "reconcile_sweep"}
			if err := s.queue.Enqueue(job); err != nil {
				return
			}
		}
	}
}

func (s *ReconcileService) handleSweep(ctx context.Context, _ jobs.Job) error {
	if s.metrics != nil {
		s.metrics.RecordReconcileRun()
	}
	offset := 0
	for {
		keys, err := s.store.ListKeys(ctx, offset, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("sweep list keys: %w", err)
		}
		for _, key := range keys {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if _, _, err := s.Reconcile(ctx, key.StudentID, key.ClassID); err != nil {
				s.logger.Warn("sweep reconcile failed",
					zap.String("student_id", key.StudentID),
					zap.String("class_id", key.ClassID),
					zap.Error(err))
			}
		}
		if len(keys) < s.cfg.BatchSize {
			return nil
		}
		offset += s.cfg.BatchSize
	}
}
