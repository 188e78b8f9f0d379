package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-points-api/internal/models"
)

func newHistoryRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func historyRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "student_id", "class_id", "teacher_id", "behavior_id", "point_delta", "previous_total", "new_total", "occurred_at", "idempotency_key"})
}

func TestHistoryRepositoryAppend(t *testing.T) {
	db, mock, cleanup := newHistoryRepoMock(t)
	defer cleanup()
	repo := NewHistoryRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO behavior_history")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	entry := &models.BehaviorHistoryEntry{
		StudentID:      "stu-1",
		ClassID:        "class-1",
		TeacherID:      "tch-1",
		BehaviorID:     "beh-1",
		PointDelta:     3,
		NewTotal:       3,
		IdempotencyKey: "key-1",
	}
	err := repo.Append(context.Background(), entry)
	require.NoError(t, err)
	require.NotEmpty(t, entry.ID)
	require.False(t, entry.OccurredAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryRepositoryAppendDuplicateKey(t *testing.T) {
	db, mock, cleanup := newHistoryRepoMock(t)
	defer cleanup()
	repo := NewHistoryRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO behavior_history")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	entry := &models.BehaviorHistoryEntry{StudentID: "stu-1", ClassID: "class-1", IdempotencyKey: "key-1"}
	err := repo.Append(context.Background(), entry)
	require.ErrorIs(t, err, ErrDuplicateEntry)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryRepositoryFindByIdempotencyKey(t *testing.T) {
	db, mock, cleanup := newHistoryRepoMock(t)
	defer cleanup()
	repo := NewHistoryRepository(db)

	rows := historyRows().
		AddRow("ent-1", "stu-1", "class-1", "tch-1", "beh-1", -2, 10, 8, time.Now(), "key-1")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, student_id, class_id, teacher_id, behavior_id, point_delta, previous_total, new_total, occurred_at, idempotency_key FROM behavior_history WHERE student_id = $1 AND class_id = $2 AND idempotency_key = $3")).
		WithArgs("stu-1", "class-1", "key-1").
		WillReturnRows(rows)

	entry, err := repo.FindByIdempotencyKey(context.Background(), "stu-1", "class-1", "key-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, -2, entry.PointDelta)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryRepositoryFindByIdempotencyKeyMiss(t *testing.T) {
	db, mock, cleanup := newHistoryRepoMock(t)
	defer cleanup()
	repo := NewHistoryRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, student_id, class_id, teacher_id, behavior_id, point_delta, previous_total, new_total, occurred_at, idempotency_key FROM behavior_history WHERE student_id = $1 AND class_id = $2 AND idempotency_key = $3")).
		WithArgs("stu-1", "class-1", "missing").
		WillReturnError(sql.ErrNoRows)

	entry, err := repo.FindByIdempotencyKey(context.Background(), "stu-1", "class-1", "missing")
	require.NoError(t, err)
	require.Nil(t, entry)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryRepositoryReplay(t *testing.T) {
	db, mock, cleanup := newHistoryRepoMock(t)
	defer cleanup()
	repo := NewHistoryRepository(db)

	after := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	rows := historyRows().
		AddRow("ent-2", "stu-1", "class-1", "tch-1", "beh-1", 5, 0, 5, after.Add(time.Minute), "key-2").
		AddRow("ent-3", "stu-1", "class-1", "tch-1", "beh-2", -1, 5, 4, after.Add(2*time.Minute), "key-3")
	mock.ExpectQuery(regexp.QuoteMeta("WHERE student_id = $1 AND class_id = $2 AND (occurred_at, id) > ($3, $4)")).
		WithArgs("stu-1", "class-1", after, "ent-1", 500).
		WillReturnRows(rows)

	entries, err := repo.Replay(context.Background(), "stu-1", "class-1", models.ReplayCursor{After: after, AfterID: "ent-1"}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "ent-2", entries[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryRepositorySummary(t *testing.T) {
	db, mock, cleanup := newHistoryRepoMock(t)
	defer cleanup()
	repo := NewHistoryRepository(db)

	rows := sqlmock.NewRows([]string{"total_points", "positive_event_count", "negative_event_count", "entry_count"}).
		AddRow(7, 4, 2, 6)
	mock.ExpectQuery(regexp.QuoteMeta("COALESCE(SUM(point_delta),0) AS total_points")).
		WithArgs("stu-1", "class-1").
		WillReturnRows(rows)

	summary, err := repo.Summary(context.Background(), "stu-1", "class-1")
	require.NoError(t, err)
	require.Equal(t, 7, summary.TotalPoints)
	require.Equal(t, 4, summary.PositiveEventCount)
	require.Equal(t, 2, summary.NegativeEventCount)
	require.Equal(t, 6, summary.EntryCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryRepositoryList(t *testing.T) {
	db, mock, cleanup := newHistoryRepoMock(t)
	defer cleanup()
	repo := NewHistoryRepository(db)

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := historyRows().
		AddRow("ent-1", "stu-1", "class-1", "tch-1", "beh-1", 3, 0, 3, from.Add(time.Hour), "key-1")
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY occurred_at DESC, id DESC")).
		WithArgs("stu-1", "class-1", from).
		WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM behavior_history")).
		WithArgs("stu-1", "class-1", from).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	entries, total, err := repo.List(context.Background(), models.HistoryFilter{
		StudentID: "stu-1",
		ClassID:   "class-1",
		DateFrom:  &from,
		Page:      1,
		PageSize:  50,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 1, total)
	require.NoError(t, mock.ExpectationsWereMet())
}
