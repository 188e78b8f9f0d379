package models

import "time"

// StudentPointsAggregate is the cached running total for one (student, class)
// pair. It is a derived view over the behavior history; the history is the
// source of truth. Version is the optimistic-concurrency token: every committed
// point change increments it by exactly one.
type StudentPointsAggregate struct {
	StudentID          string    `db:"student_id" json:"student_id"`
	ClassID            string    `db:"class_id" json:"class_id"`
	TotalPoints        int       `db:"total_points" json:"total_points"`
	PositiveEventCount int       `db:"positive_event_count" json:"positive_event_count"`
	NegativeEventCount int       `db:"negative_event_count" json:"negative_event_count"`
	Version            int64     `db:"version" json:"version"`
	LastUpdatedAt      time.Time `db:"last_updated_at" json:"last_updated_at"`
}

// ZeroAggregate returns the lazily-created zero state for a pair that has no
// stored row yet. Version 0 signals "no record" to CompareAndSet.
func ZeroAggregate(studentID, classID string) *StudentPointsAggregate {
	return &StudentPointsAggregate{StudentID: studentID, ClassID: classID}
}

// AggregateKey identifies one aggregate for listing and sweep purposes.
type AggregateKey struct {
	StudentID string `db:"student_id" json:"student_id"`
	ClassID   string `db:"class_id" json:"class_id"`
}

// AggregateChangeEvent is fanned out to subscribed dashboards after a commit.
// Delivery is at-least-once; consumers deduplicate on Version.
type AggregateChangeEvent struct {
	EntryID            string    `json:"entry_id"`
	StudentID          string    `json:"student_id"`
	ClassID            string    `json:"class_id"`
	TeacherID          string    `json:"teacher_id"`
	BehaviorID         string    `json:"behavior_id"`
	PointDelta         int       `json:"point_delta"`
	TotalPoints        int       `json:"total_points"`
	PositiveEventCount int       `json:"positive_event_count"`
	NegativeEventCount int       `json:"negative_event_count"`
	Version            int64     `json:"version"`
	OccurredAt         time.Time `json:"occurred_at"`
}
