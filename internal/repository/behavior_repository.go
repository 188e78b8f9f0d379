package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-points-api/internal/models"
	appErrors "github.com/noah-isme/sma-points-api/pkg/errors"
)

// BehaviorRepository reads the behavior catalog. The catalog is managed
// elsewhere; this service only resolves definitions.
type BehaviorRepository struct {
	db *sqlx.DB
}

// NewBehaviorRepository constructs a new repository.
func NewBehaviorRepository(db *sqlx.DB) *BehaviorRepository {
	return &BehaviorRepository{db: db}
}

// FindByID resolves one behavior definition. An unknown id yields a
// NOT_FOUND typed error.
func (r *BehaviorRepository) FindByID(ctx context.Context, id string) (*models.Behavior, error) {
	const query = `SELECT id, class_id, label, point_value, created_by, created_at FROM behaviors WHERE id = $1`
	var behavior models.Behavior
	if err := r.db.GetContext(ctx, &behavior, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "behavior not found")
		}
		return nil, fmt.Errorf("find behavior: %w", err)
	}
	return &behavior, nil
}

// ListByClass returns the behavior definitions available for a class.
func (r *BehaviorRepository) ListByClass(ctx context.Context, classID string) ([]models.Behavior, error) {
	const query = `SELECT id, class_id, label, point_value, created_by, created_at FROM behaviors WHERE class_id = $1 ORDER BY label`
	var behaviors []models.Behavior
	if err := r.db.SelectContext(ctx, &behaviors, query, classID); err != nil {
		return nil, fmt.Errorf("list behaviors: %w", err)
	}
	return behaviors, nil
}
