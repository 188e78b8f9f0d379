package models

import "time"

// BehaviorHistoryEntry is the immutable audit record of exactly one point
// change. Entries are never updated or deleted; per (student, class) pair they
// are totally ordered by (occurred_at, id).
type BehaviorHistoryEntry struct {
	ID             string    `db:"id" json:"id"`
	StudentID      string    `db:"student_id" json:"student_id"`
	ClassID        string    `db:"class_id" json:"class_id"`
	TeacherID      string    `db:"teacher_id" json:"teacher_id"`
	BehaviorID     string    `db:"behavior_id" json:"behavior_id"`
	PointDelta     int       `db:"point_delta" json:"point_delta"`
	PreviousTotal  int       `db:"previous_total" json:"previous_total"`
	NewTotal       int       `db:"new_total" json:"new_total"`
	OccurredAt     time.Time `db:"occurred_at" json:"occurred_at"`
	IdempotencyKey string    `db:"idempotency_key" json:"idempotency_key"`
}

// HistoryFilter narrows audit-log listings.
type HistoryFilter struct {
	StudentID string
	ClassID   string
	TeacherID string
	DateFrom  *time.Time
	DateTo    *time.Time
	Page      int
	PageSize  int
}

// ReplayCursor restarts a replay after the given position in the
// (occurred_at, id) order. The zero value replays from the beginning.
type ReplayCursor struct {
	After   time.Time
	AfterID string
}

// ReplaySummary carries the totals recomputed from the audit log.
type ReplaySummary struct {
	TotalPoints        int `db:"total_points"`
	PositiveEventCount int `db:"positive_event_count"`
	NegativeEventCount int `db:"negative_event_count"`
	EntryCount         int `db:"entry_count"`
}
