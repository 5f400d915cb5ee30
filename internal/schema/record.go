// Package schema provides the task record shape shared by the local store,
// the local cache and the remote backend.
package schema

import (
	"fmt"
	"time"
)

// Presentation statuses derived from TaskRecord.Done.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// TaskRecord is the unit of sync. Field names match the remote table columns.
// The structure is flat so that a whole record can be compared and replaced
// with last-writer-wins semantics using UpdatedAt as the clock.
type TaskRecord struct {
	// ===== Identity =====
	ID     string `json:"id" yaml:"id" toml:"id"`
	UserID string `json:"user_id" yaml:"user_id" toml:"user_id"`

	// ===== Content =====
	Text string `json:"text" yaml:"text" toml:"text"`
	Done bool   `json:"done" yaml:"done" toml:"done"`

	// ===== Timestamps (conflict resolution clock) =====
	CreatedAt time.Time `json:"created_at" yaml:"created_at" toml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at" toml:"updated_at"`

	// ===== Sync bookkeeping =====
	Deleted bool  `json:"deleted" yaml:"deleted" toml:"deleted"`
	Counter int64 `json:"counter" yaml:"counter" toml:"counter"`
}

// Validate checks if the TaskRecord has valid field values.
func (r *TaskRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if r.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	if r.UpdatedAt.Before(r.CreatedAt) {
		return fmt.Errorf("updated_at %s is before created_at %s",
			r.UpdatedAt.Format(time.RFC3339Nano), r.CreatedAt.Format(time.RFC3339Nano))
	}
	if r.Counter < 0 {
		return fmt.Errorf("counter must not be negative (got %d)", r.Counter)
	}
	return nil
}

// Status returns the presentation status for the record.
func (r *TaskRecord) Status() string {
	if r.Done {
		return StatusCompleted
	}
	return StatusPending
}

// Visible reports whether the record shows up in listings.
func (r *TaskRecord) Visible() bool {
	return !r.Deleted
}

// Equal reports whether two records carry the same values.
// Timestamps are compared as instants, ignoring location.
func (r TaskRecord) Equal(o TaskRecord) bool {
	return r.ID == o.ID &&
		r.UserID == o.UserID &&
		r.Text == o.Text &&
		r.Done == o.Done &&
		r.Deleted == o.Deleted &&
		r.Counter == o.Counter &&
		r.CreatedAt.Equal(o.CreatedAt) &&
		r.UpdatedAt.Equal(o.UpdatedAt)
}

// Normalize converts both timestamps with Timestamp.
func (r *TaskRecord) Normalize() {
	r.CreatedAt = Timestamp(r.CreatedAt)
	r.UpdatedAt = Timestamp(r.UpdatedAt)
}

// Timestamp converts t to the precision stored by the remote backend:
// UTC, truncated to microseconds, without a monotonic clock reading.
func Timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Microsecond)
}

// PendingChange is an unacknowledged push as persisted in the local cache.
type PendingChange struct {
	Record        TaskRecord `json:"record"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
}
