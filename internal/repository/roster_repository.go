package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// RosterRepository answers enrollment and authorization lookups against the
// shared school database. Roster management itself is another service's job.
type RosterRepository struct {
	db *sqlx.DB
}

// NewRosterRepository constructs a new repository.
func NewRosterRepository(db *sqlx.DB) *RosterRepository {
	return &RosterRepository{db: db}
}

// IsStudentEnrolled reports whether the student has an active enrollment in
// the class.
func (r *RosterRepository) IsStudentEnrolled(ctx context.Context, studentID, classID string) (bool, error) {
	const query = `SELECT 1 FROM enrollments WHERE student_id = $1 AND class_id = $2 AND status = 'ACTIVE' LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, studentID, classID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check enrollment: %w", err)
	}
	return true, nil
}

// IsTeacherAuthorized reports whether the teacher is assigned to the class.
func (r *RosterRepository) IsTeacherAuthorized(ctx context.Context, teacherID, classID string) (bool, error) {
	const query = `SELECT 1 FROM teacher_assignments WHERE teacher_id = $1 AND class_id = $2 LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, teacherID, classID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check teacher assignment: %w", err)
	}
	return true, nil
}
