package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-points-api/internal/models"
)

const historyColumns = `id, student_id, class_id, teacher_id, behavior_id, point_delta, previous_total, new_total, occurred_at, idempotency_key`

// HistoryRepository manages the append-only behavior audit log. The table has
// no UPDATE or DELETE path; entries are immutable once written.
type HistoryRepository struct {
	db *sqlx.DB
}

// NewHistoryRepository constructs a new repository.
func NewHistoryRepository(db *sqlx.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Append writes a single audit entry. Duplicate idempotency keys for the same
// (student, class) pair yield ErrDuplicateEntry and leave the log untouched.
func (r *HistoryRepository) Append(ctx context.Context, entry *models.BehaviorHistoryEntry) error {
	return appendHistory(ctx, r.db, entry)
}

// FindByIdempotencyKey returns the entry previously recorded for the key, or
// nil when the key has never been applied to this pair.
func (r *HistoryRepository) FindByIdempotencyKey(ctx context.Context, studentID, classID, key string) (*models.BehaviorHistoryEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM behavior_history WHERE student_id = $1 AND class_id = $2 AND idempotency_key = $3`, historyColumns)
	var entry models.BehaviorHistoryEntry
	if err := r.db.GetContext(ctx, &entry, query, studentID, classID, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find history entry: %w", err)
	}
	return &entry, nil
}

// Replay streams the ordered audit log for a pair in pages. The cursor makes
// the traversal restartable: passing the last returned entry's position
// continues exactly after it. Ordering is (occurred_at, id) so the result is
// deterministic even under clock skew.
func (r *HistoryRepository) Replay(ctx context.Context, studentID, classID string, cursor models.ReplayCursor, limit int) ([]models.BehaviorHistoryEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	query := fmt.Sprintf(`SELECT %s FROM behavior_history
WHERE student_id = $1 AND class_id = $2 AND (occurred_at, id) > ($3, $4)
ORDER BY occurred_at, id
LIMIT $5`, historyColumns)
	var entries []models.BehaviorHistoryEntry
	if err := r.db.SelectContext(ctx, &entries, query, studentID, classID, cursor.After, cursor.AfterID, limit); err != nil {
		return nil, fmt.Errorf("replay history: %w", err)
	}
	return entries, nil
}

// Summary recomputes the totals for a pair from the full audit log.
func (r *HistoryRepository) Summary(ctx context.Context, studentID, classID string) (*models.ReplaySummary, error) {
	const query = `SELECT COALESCE(SUM(point_delta),0) AS total_points,
        COALESCE(SUM(CASE WHEN point_delta > 0 THEN 1 ELSE 0 END),0) AS positive_event_count,
        COALESCE(SUM(CASE WHEN point_delta < 0 THEN 1 ELSE 0 END),0) AS negative_event_count,
        COUNT(*) AS entry_count
FROM behavior_history
WHERE student_id = $1 AND class_id = $2`
	var summary models.ReplaySummary
	if err := r.db.GetContext(ctx, &summary, query, studentID, classID); err != nil {
		return nil, fmt.Errorf("history summary: %w", err)
	}
	return &summary, nil
}

// List returns audit entries per provided filter, newest first.
func (r *HistoryRepository) List(ctx context.Context, filter models.HistoryFilter) ([]models.BehaviorHistoryEntry, int, error) {
	base := "FROM behavior_history"
	where := []string{"1=1"}
	args := []interface{}{}
	if filter.StudentID != "" {
		where = append(where, fmt.Sprintf("student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.ClassID != "" {
		where = append(where, fmt.Sprintf("class_id = $%d", len(args)+1))
		args = append(args, filter.ClassID)
	}
	if filter.TeacherID != "" {
		where = append(where, fmt.Sprintf("teacher_id = $%d", len(args)+1))
		args = append(args, filter.TeacherID)
	}
	if filter.DateFrom != nil {
		where = append(where, fmt.Sprintf("occurred_at >= $%d", len(args)+1))
		args = append(args, *filter.DateFrom)
	}
	if filter.DateTo != nil {
		where = append(where, fmt.Sprintf("occurred_at <= $%d", len(args)+1))
		args = append(args, *filter.DateTo)
	}
	whereClause := strings.Join(where, " AND ")
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 200 {
		size = 50
	}
	offset := (page - 1) * size
	query := fmt.Sprintf(`SELECT %s %s WHERE %s ORDER BY occurred_at DESC, id DESC LIMIT %d OFFSET %d`, historyColumns, base, whereClause, size, offset)
	var entries []models.BehaviorHistoryEntry
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list history: %w", err)
	}
	countQuery := fmt.Sprintf("SELECT COUNT(*) %s WHERE %s", base, whereClause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count history: %w", err)
	}
	return entries, total, nil
}

func appendHistory(ctx context.Context, ex sqlx.ExtContext, entry *models.BehaviorHistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	const query = `INSERT INTO behavior_history (id, student_id, class_id, teacher_id, behavior_id, point_delta, previous_total, new_total, occurred_at, idempotency_key)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (student_id, class_id, idempotency_key) DO NOTHING`
	res, err := ex.ExecContext(ctx, query,
		entry.ID, entry.StudentID, entry.ClassID, entry.TeacherID, entry.BehaviorID,
		entry.PointDelta, entry.PreviousTotal, entry.NewTotal, entry.OccurredAt, entry.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append history rows: %w", err)
	}
	if affected == 0 {
		return ErrDuplicateEntry
	}
	return nil
}
