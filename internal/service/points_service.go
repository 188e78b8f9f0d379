package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-points-api/internal/models"
	"github.com/noah-isme/sma-points-api/internal/repository"
	"github.com/noah-isme/sma-points-api/pkg/config"
	appErrors "github.com/noah-isme/sma-points-api/pkg/errors"
)

type pointsStore interface {
	Get(ctx context.Context, studentID, classID string) (*models.StudentPointsAggregate, error)
	Commit(ctx context.Context, agg *models.StudentPointsAggregate, expectedVersion int64, entry *models.BehaviorHistoryEntry) error
}

type historyReader interface {
	FindByIdempotencyKey(ctx context.Context, studentID, classID, key string) (*models.BehaviorHistoryEntry, error)
	List(ctx context.Context, filter models.HistoryFilter) ([]models.BehaviorHistoryEntry, int, error)
}

type behaviorCatalog interface {
	FindByID(ctx context.Context, id string) (*models.Behavior, error)
	ListByClass(ctx context.Context, classID string) ([]models.Behavior, error)
}

type rosterReader interface {
	IsStudentEnrolled(ctx context.Context, studentID, classID string) (bool, error)
	IsTeacherAuthorized(ctx context.Context, teacherID, classID string) (bool, error)
}

type changePublisher interface {
	Publish(event models.AggregateChangeEvent)
}

type aggregateCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

type applyObserver interface {
	ObserveApply(result string, duration time.Duration)
	RecordConflictRetry()
	RecordCacheHit(hit bool)
}

// PointsService is the point transaction processor: the sole write path for
// behavior points. It coordinates the versioned aggregate store and the
// append-only audit log as one logical transaction and absorbs
// optimistic-concurrency conflicts with bounded retries.
type PointsService struct {
	store     pointsStore
	history   historyReader
	catalog   behaviorCatalog
	roster    rosterReader
	notifier  changePublisher
	cache     aggregateCache
	metrics   applyObserver
	cfg       config.PointsConfig
	cacheTTL  time.Duration
	useCache  bool
	validator *validator.Validate
	logger    *zap.Logger
}

// PointsServiceDeps bundles collaborators for NewPointsService.
type PointsServiceDeps struct {
	Store    pointsStore
	History  historyReader
	Catalog  behaviorCatalog
	Roster   rosterReader
	Notifier changePublisher
	Cache    aggregateCache
	Metrics  applyObserver
}

// NewPointsService constructs the service.
func NewPointsService(deps PointsServiceDeps, pointsCfg config.PointsConfig, cacheCfg config.CacheConfig, validate *validator.Validate, logger *zap.Logger) *PointsService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if pointsCfg.MaxRetries <= 0 {
		pointsCfg.MaxRetries = 5
	}
	if pointsCfg.RetryBaseDelay <= 0 {
		pointsCfg.RetryBaseDelay = 25 * time.Millisecond
	}
	if pointsCfg.RetryMaxDelay < pointsCfg.RetryBaseDelay {
		pointsCfg.RetryMaxDelay = pointsCfg.RetryBaseDelay
	}
	return &PointsService{
		store:     deps.Store,
		history:   deps.History,
		catalog:   deps.Catalog,
		roster:    deps.Roster,
		notifier:  deps.Notifier,
		cache:     deps.Cache,
		metrics:   deps.Metrics,
		cfg:       pointsCfg,
		cacheTTL:  cacheCfg.TTL,
		useCache:  cacheCfg.Enabled && deps.Cache != nil,
		validator: validate,
		logger:    logger,
	}
}

// ApplyPointChangeRequest describes one requested point change. TeacherID is
// filled from the caller's token, never from the payload.
type ApplyPointChangeRequest struct {
	StudentID      string `json:"student_id" validate:"required"`
	ClassID        string `json:"class_id" validate:"required"`
	TeacherID      string `json:"-"`
	BehaviorID     string `json:"behavior_id" validate:"required"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,max=128"`
}

// ApplyPointChange validates the request, applies the behavior's point value
// atomically against the aggregate and the audit log, and fans the change out
// to subscribers. Callers see either the updated aggregate, a fast
// validation/authorization rejection, or a transient failure with no partial
// effect. Retrying with the same idempotency key never double-applies.
func (s *PointsService) ApplyPointChange(ctx context.Context, req ApplyPointChangeRequest) (*models.StudentPointsAggregate, error) {
	start := time.Now()
	agg, err := s.applyPointChange(ctx, req)
	if s.metrics != nil {
		s.metrics.ObserveApply(applyResult(err), time.Since(start))
	}
	return agg, err
}

func (s *PointsService) applyPointChange(ctx context.Context, req ApplyPointChangeRequest) (*models.StudentPointsAggregate, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid point change payload")
	}
	if req.TeacherID == "" {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "missing teacher identity")
	}

	behavior, err := s.catalog.FindByID(ctx, req.BehaviorID)
	if err != nil {
		if appErrors.Is(err, appErrors.ErrNotFound) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "unknown behavior")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrTransient.Code, appErrors.ErrTransient.Status, "behavior lookup failed")
	}
	if behavior.ClassID != req.ClassID {
		return nil, appErrors.Clone(appErrors.ErrValidation, "behavior does not belong to class")
	}

	authorized, err := s.roster.IsTeacherAuthorized(ctx, req.TeacherID, req.ClassID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrTransient.Code, appErrors.ErrTransient.Status, "authorization lookup failed")
	}
	if !authorized {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "teacher not assigned to class")
	}

	enrolled, err := s.roster.IsStudentEnrolled(ctx, req.StudentID, req.ClassID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrTransient.Code, appErrors.ErrTransient.Status, "enrollment lookup failed")
	}
	if !enrolled {
		return nil, appErrors.Clone(appErrors.ErrValidation, "student not enrolled in class")
	}

	// Fast idempotency path: a caller-side retry after a timeout must not
	// double-apply. The unique key on the log guards the race window too.
	existing, err := s.history.FindByIdempotencyKey(ctx, req.StudentID, req.ClassID, req.IdempotencyKey)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrTransient.Code, appErrors.ErrTransient.Status, "idempotency lookup failed")
	}
	if existing != nil {
		return s.currentAggregate(ctx, req.StudentID, req.ClassID)
	}

	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if s.metrics != nil {
				s.metrics.RecordConflictRetry()
			}
			if err := sleepWithJitter(ctx, s.backoff(attempt)); err != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrTransient.Code, appErrors.ErrTransient.Status, "point change cancelled")
			}
		}

		current, err := s.store.Get(ctx, req.StudentID, req.ClassID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrTransient.Code, appErrors.ErrTransient.Status, "aggregate read failed")
		}

		newTotal := current.TotalPoints + behavior.PointValue
		if newTotal < 0 {
			switch s.cfg.NegativeTotals {
			case config.NegativeTotalsReject:
				return nil, appErrors.Clone(appErrors.ErrValidation, "point change would drop total below zero")
			case config.NegativeTotalsClamp:
				newTotal = 0
			}
		}
		// The recorded delta is the effective change so that the total always
		// equals the sum of committed deltas, clamping included.
		delta := newTotal - current.TotalPoints

		// Counts key on the effective delta, the same sign the log replay
		// sees, so a fully clamped deduction moves neither counter.
		next := *current
		next.TotalPoints = newTotal
		if delta > 0 {
			next.PositiveEventCount++
		} else if delta < 0 {
			next.NegativeEventCount++
		}

		entry := &models.BehaviorHistoryEntry{
			StudentID:      req.StudentID,
			ClassID:        req.ClassID,
			TeacherID:      req.TeacherID,
			BehaviorID:     behavior.ID,
			PointDelta:     delta,
			PreviousTotal:  current.TotalPoints,
			NewTotal:       newTotal,
			IdempotencyKey: req.IdempotencyKey,
		}

		err = s.store.Commit(ctx, &next, current.Version, entry)
		if err == nil {
			s.afterCommit(ctx, &next, entry)
			return &next, nil
		}
		if errors.Is(err, repository.ErrDuplicateEntry) {
			// Lost the race to our own retry or a concurrent duplicate; the
			// change is already in the log.
			return s.currentAggregate(ctx, req.StudentID, req.ClassID)
		}
		if appErrors.Is(err, appErrors.ErrConflict) {
			continue
		}
		return nil, appErrors.Wrap(err, appErrors.ErrTransient.Code, appErrors.ErrTransient.Status, "point change commit failed")
	}

	s.logger.Warn("point change retries exhausted",
		zap.String("student_id", req.StudentID),
		zap.String("class_id", req.ClassID),
		zap.Int("attempts", s.cfg.MaxRetries))
	return nil, appErrors.Wrap(repository.ErrVersionConflict, appErrors.ErrTransient.Code, appErrors.ErrTransient.Status, "too much contention, retry later")
}

// Get returns the current aggregate for a pair, zero-state when no points have
// been recorded yet. Reads go through the Redis cache when enabled.
func (s *PointsService) Get(ctx context.Context, studentID, classID string) (*models.StudentPointsAggregate, error) {
	if studentID == "" || classID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "student and class are required")
	}
	if s.useCache {
		var cached models.StudentPointsAggregate
		if err := s.cache.Get(ctx, aggregateCacheKey(studentID, classID), &cached); err == nil {
			s.observeCache(true)
			return &cached, nil
		}
		s.observeCache(false)
	}
	agg, err := s.store.Get(ctx, studentID, classID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read aggregate")
	}
	s.cacheAggregate(ctx, agg)
	return agg, nil
}

// History lists audit entries for dashboards, newest first.
func (s *PointsService) History(ctx context.Context, filter models.HistoryFilter) ([]models.BehaviorHistoryEntry, *models.Pagination, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 50
	}
	entries, total, err := s.history.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list history")
	}
	pagination := &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}
	return entries, pagination, nil
}

// ListBehaviors exposes the read-only behavior catalog for a class.
func (s *PointsService) ListBehaviors(ctx context.Context, classID string) ([]models.Behavior, error) {
	if classID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "class is required")
	}
	behaviors, err := s.catalog.ListByClass(ctx, classID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list behaviors")
	}
	return behaviors, nil
}

func (s *PointsService) afterCommit(ctx context.Context, agg *models.StudentPointsAggregate, entry *models.BehaviorHistoryEntry) {
	s.cacheAggregate(ctx, agg)
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(models.AggregateChangeEvent{
		EntryID:            entry.ID,
		StudentID:          agg.StudentID,
		ClassID:            agg.ClassID,
		TeacherID:          entry.TeacherID,
		BehaviorID:         entry.BehaviorID,
		PointDelta:         entry.PointDelta,
		TotalPoints:        agg.TotalPoints,
		PositiveEventCount: agg.PositiveEventCount,
		NegativeEventCount: agg.NegativeEventCount,
		Version:            agg.Version,
		OccurredAt:         entry.OccurredAt,
	})
}

func (s *PointsService) currentAggregate(ctx context.Context, studentID, classID string) (*models.StudentPointsAggregate, error) {
	agg, err := s.store.Get(ctx, studentID, classID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrTransient.Code, appErrors.ErrTransient.Status, "aggregate read failed")
	}
	return agg, nil
}

func (s *PointsService) cacheAggregate(ctx context.Context, agg *models.StudentPointsAggregate) {
	if !s.useCache || agg == nil {
		return
	}
	if err := s.cache.Set(ctx, aggregateCacheKey(agg.StudentID, agg.ClassID), agg, s.cacheTTL); err != nil {
		s.logger.Debug("aggregate cache write failed", zap.Error(err))
	}
}

func (s *PointsService) observeCache(hit bool) {
	if s.metrics != nil {
		s.metrics.RecordCacheHit(hit)
	}
}

func (s *PointsService) backoff(attempt int) time.Duration {
	delay := s.cfg.RetryBaseDelay << (attempt - 1)
	if delay > s.cfg.RetryMaxDelay || delay <= 0 {
		delay = s.cfg.RetryMaxDelay
	}
	return delay
}

func aggregateCacheKey(studentID, classID string) string {
	return fmt.Sprintf("points:aggregate:%s:%s", studentID, classID)
}

func applyResult(err error) string {
	if err == nil {
		return "success"
	}
	switch appErrors.FromError(err).Code {
	case appErrors.ErrValidation.Code:
		return "validation_error"
	case appErrors.ErrForbidden.Code, appErrors.ErrUnauthorized.Code:
		return "authorization_error"
	case appErrors.ErrTransient.Code:
		return "transient_error"
	default:
		return "error"
	}
}

// sleepWithJitter waits for half the delay plus a random share of the rest,
// or until the context is cancelled.
func sleepWithJitter(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	jittered := delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
	timer := time.NewTimer(jittered)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
