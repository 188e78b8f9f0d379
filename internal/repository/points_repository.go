package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-points-api/internal/models"
	appErrors "github.com/noah-isme/sma-points-api/pkg/errors"
)

// Sentinel errors surfaced by the versioned aggregate store.
var (
	// ErrVersionConflict signals that another writer advanced the aggregate
	// version between read and write. Retryable; carries the CONFLICT code.
	ErrVersionConflict error = appErrors.Clone(appErrors.ErrConflict, "aggregate version conflict")
	// ErrDuplicateEntry signals that the idempotency key was already recorded
	// for this (student, class) pair. Benign: the change is already applied.
	ErrDuplicateEntry = errors.New("duplicate idempotency key")
)

const aggregateColumns = `student_id, class_id, total_points, positive_event_count, negative_event_count, version, last_updated_at`

// PointsRepository persists the per-(student, class) running totals with
// optimistic concurrency, and commits total + history entry atomically.
type PointsRepository struct {
	db *sqlx.DB
}

// NewPointsRepository constructs a new repository.
func NewPointsRepository(db *sqlx.DB) *PointsRepository {
	return &PointsRepository{db: db}
}

// Get returns the stored aggregate, or the zero state (version 0) when no row
// exists. It never creates a record.
func (r *PointsRepository) Get(ctx context.Context, studentID, classID string) (*models.StudentPointsAggregate, error) {
	query := fmt.Sprintf(`SELECT %s FROM student_points_aggregates WHERE student_id = $1 AND class_id = $2`, aggregateColumns)
	var agg models.StudentPointsAggregate
	if err := r.db.GetContext(ctx, &agg, query, studentID, classID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ZeroAggregate(studentID, classID), nil
		}
		return nil, fmt.Errorf("get aggregate: %w", err)
	}
	return &agg, nil
}

// CompareAndSet writes agg conditioned on the stored version matching
// expectedVersion. Expected version 0 means "no row yet" and performs a
// conditional insert. On success agg.Version reflects the stored value.
func (r *PointsRepository) CompareAndSet(ctx context.Context, agg *models.StudentPointsAggregate, expectedVersion int64) error {
	return casExec(ctx, r.db, agg, expectedVersion)
}

// Commit applies a point change atomically: the conditional aggregate write
// and the history append succeed or fail together. Returns
// ErrVersionConflict when the aggregate moved, ErrDuplicateEntry when the
// idempotency key is already recorded; either way nothing is persisted.
func (r *PointsRepository) Commit(ctx context.Context, agg *models.StudentPointsAggregate, expectedVersion int64, entry *models.BehaviorHistoryEntry) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	if err := casExec(ctx, tx, agg, expectedVersion); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	if err := appendHistory(ctx, tx, entry); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit point change: %w", err)
	}
	return nil
}

// ListKeys pages through all known (student, class) keys in a stable order.
// Used by the reconciliation sweep.
func (r *PointsRepository) ListKeys(ctx context.Context, offset, limit int) ([]models.AggregateKey, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	const query = `SELECT student_id, class_id FROM student_points_aggregates ORDER BY student_id, class_id LIMIT $1 OFFSET $2`
	var keys []models.AggregateKey
	if err := r.db.SelectContext(ctx, &keys, query, limit, offset); err != nil {
		return nil, fmt.Errorf("list aggregate keys: %w", err)
	}
	return keys, nil
}

func casExec(ctx context.Context, ex sqlx.ExtContext, agg *models.StudentPointsAggregate, expectedVersion int64) error {
	now := time.Now().UTC()
	if expectedVersion == 0 {
		const query = `INSERT INTO student_points_aggregates (student_id, class_id, total_points, positive_event_count, negative_event_count, version, last_updated_at)
VALUES ($1, $2, $3, $4, $5, 1, $6)
ON CONFLICT (student_id, class_id) DO NOTHING`
		res, err := ex.ExecContext(ctx, query, agg.StudentID, agg.ClassID, agg.TotalPoints, agg.PositiveEventCount, agg.NegativeEventCount, now)
		if err != nil {
			return fmt.Errorf("insert aggregate: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert aggregate rows: %w", err)
		}
		if affected == 0 {
			return ErrVersionConflict
		}
		agg.Version = 1
		agg.LastUpdatedAt = now
		return nil
	}

	const query = `UPDATE student_points_aggregates
SET total_points = $3, positive_event_count = $4, negative_event_count = $5, version = version + 1, last_updated_at = $6
WHERE student_id = $1 AND class_id = $2 AND version = $7`
	res, err := ex.ExecContext(ctx, query, agg.StudentID, agg.ClassID, agg.TotalPoints, agg.PositiveEventCount, agg.NegativeEventCount, now, expectedVersion)
	if err != nil {
		return fmt.Errorf("update aggregate: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update aggregate rows: %w", err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	agg.Version = expectedVersion + 1
	agg.LastUpdatedAt = now
	return nil
}
