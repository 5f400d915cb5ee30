// Package remote defines the backend the sync engine reconciles with and
// provides its implementations: Postgres (PgRemote), in-process (Memory) and
// a permanently unreachable one (Offline).
//
// All network access of the system goes through the Remote interface.
package remote

import (
	"context"
	"errors"
	"time"

	"github.com/steveyegge/tasksync/internal/schema"
)

var (
	// ErrUnauthorized marks failures that retrying cannot fix: the backend
	// rejected the caller's identity or permissions.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnavailable marks a backend that cannot be reached.
	ErrUnavailable = errors.New("remote unavailable")

	// ErrStale reports an upsert that was skipped because the stored row has
	// a newer updated_at. The row is left unchanged.
	ErrStale = errors.New("remote row is newer")
)

// Remote is the relational backend holding every user's task rows.
type Remote interface {
	// Upsert inserts or replaces the full row for rec.ID, scoped to rec.UserID.
	// A stored row with a newer updated_at is kept and ErrStale is returned,
	// so the row's updated_at never decreases.
	Upsert(ctx context.Context, rec schema.TaskRecord) error

	// FetchAll returns the user's rows that are not deleted,
	// ordered by updated_at descending.
	FetchAll(ctx context.Context, userID string) ([]schema.TaskRecord, error)

	// FetchChanges returns the user's rows, tombstones included, with
	// updated_at strictly after since, ordered by updated_at ascending.
	FetchChanges(ctx context.Context, userID string, since time.Time) ([]schema.TaskRecord, error)

	// Subscribe delivers insert and update events for the user's rows to fn
	// as they happen. It blocks until ctx is done (returning ctx.Err()) or the
	// subscription fails.
	Subscribe(ctx context.Context, userID string, fn func(schema.TaskRecord)) error
}

// IsUnauthorized reports whether err is a terminal authorization failure.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsStale reports whether err is a skipped upsert of an older payload.
func IsStale(err error) bool {
	return errors.Is(err, ErrStale)
}

// Offline is a Remote that is never reachable. Mutations made against it
// stay queued until the session is reopened with a real backend.
type Offline struct{}

// Upsert implements Remote.
func (Offline) Upsert(context.Context, schema.TaskRecord) error { return ErrUnavailable }

// FetchAll implements Remote.
func (Offline) FetchAll(context.Context, string) ([]schema.TaskRecord, error) {
	return nil, ErrUnavailable
}

// FetchChanges implements Remote.
func (Offline) FetchChanges(context.Context, string, time.Time) ([]schema.TaskRecord, error) {
	return nil, ErrUnavailable
}

// Subscribe implements Remote.
func (Offline) Subscribe(context.Context, string, func(schema.TaskRecord)) error {
	return ErrUnavailable
}
