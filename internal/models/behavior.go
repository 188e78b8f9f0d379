package models

import "time"

// Behavior is a read-only catalog definition referenced by point changes.
// Definitions are immutable once referenced by history; catalog management
// lives outside this service.
type Behavior struct {
	ID         string    `db:"id" json:"id"`
	ClassID    string    `db:"class_id" json:"class_id"`
	Label      string    `db:"label" json:"label"`
	PointValue int       `db:"point_value" json:"point_value"`
	CreatedBy  string    `db:"created_by" json:"created_by"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
