package repository

import (
	"context"
	"regexp"
	"sort"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/sma-points-api/pkg/errors"
)

func TestBehaviorRepositoryFindByID(t *testing.T) {
	db, mock, cleanup := newPointsRepoMock(t)
	defer cleanup()
	repo := NewBehaviorRepository(db)

	rows := sqlmock.NewRows([]string{"id", "class_id", "label", "point_value", "created_by", "created_at"}).
		AddRow("beh-1", "class-1", "Helped a classmate", 5, "tch-1", time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, class_id, label, point_value, created_by, created_at FROM behaviors WHERE id = $1")).
		WithArgs("beh-1").
		WillReturnRows(rows)

	behavior, err := repo.FindByID(context.Background(), "beh-1")
	require.NoError(t, err)
	require.Equal(t, 5, behavior.PointValue)
	require.Equal(t, "class-1", behavior.ClassID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBehaviorRepositoryFindByIDNotFound(t *testing.T) {
	db, mock, cleanup := newPointsRepoMock(t)
	defer cleanup()
	repo := NewBehaviorRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, class_id, label, point_value, created_by, created_at FROM behaviors WHERE id = $1")).
		WithArgs("beh-missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	behavior, err := repo.FindByID(context.Background(), "beh-missing")
	require.Nil(t, behavior)
	require.True(t, appErrors.Is(err, appErrors.ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBehaviorRepositoryListByClass(t *testing.T) {
	db, mock, cleanup := newPointsRepoMock(t)
	defer cleanup()
	repo := NewBehaviorRepository(db)

	rows := sqlmock.NewRows([]string{"id", "class_id", "label", "point_value", "created_by", "created_at"}).
		AddRow("beh-1", "class-1", "Helped a classmate", 5, "tch-1", time.Now()).
		AddRow("beh-2", "class-1", "Late for class", -3, "tch-1", time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, class_id, label, point_value, created_by, created_at FROM behaviors WHERE class_id = $1 ORDER BY label")).
		WithArgs("class-1").
		WillReturnRows(rows)

	behaviors, err := repo.ListByClass(context.Background(), "class-1")
	require.NoError(t, err)
	require.Len(t, behaviors, 2)
	require.True(t, sort.SliceIsSorted(behaviors, func(i, j int) bool {
		return behaviors[i].Label < behaviors[j].Label
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}
