// Package store provides the Local Store: the authoritative client-side view
// of a user's task records, keyed by id.
//
// Every mutation goes through Update (Set is the local-origin shorthand),
// which is the single serialization point of the sync engine. Subscribers are
// notified synchronously, in subscription order, after each commit.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/tasksync/internal/schema"
)

var (
	// ErrClosed is returned for mutations after Close.
	ErrClosed = errors.New("store closed")

	// ErrStaleWrite is returned when a patch would move updated_at backwards.
	ErrStaleWrite = errors.New("stale write")

	// ErrInvalidRecord wraps validation failures of the committed record.
	ErrInvalidRecord = errors.New("invalid record")
)

// Origin tells subscribers where a commit came from.
type Origin int

const (
	// OriginLocal is a mutation made through the public API.
	OriginLocal Origin = iota
	// OriginRemote is a record merged from a pull or a realtime event.
	OriginRemote
	// OriginRestore is a record loaded from the local cache at session start.
	OriginRestore
)

// String returns a human-readable representation of the origin.
func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	case OriginRestore:
		return "restore"
	default:
		return "unknown"
	}
}

// Change describes one committed mutation.
type Change struct {
	ID     string
	Before *schema.TaskRecord // nil when the record was created
	After  schema.TaskRecord
	Origin Origin
}

// Created reports whether the change created the record.
func (c Change) Created() bool {
	return c.Before == nil
}

// Handler receives committed changes. Handlers run while the store is
// locked and must not call back into the store.
type Handler func(Change)

// UpdateFunc inspects the current record (exists is false when absent) and
// returns the patch to commit. Returning ok=false commits nothing.
type UpdateFunc func(current schema.TaskRecord, exists bool) (patch schema.Patch, ok bool)

type subscriber struct {
	id uint64
	fn Handler
}

// Store is an in-memory, keyed, reactive record container.
type Store struct {
	mu      sync.Mutex
	records map[string]schema.TaskRecord
	subs    []subscriber
	nextSub uint64
	closed  bool
	clock   func() time.Time
}

// New creates an empty store. If clock is nil, time.Now is used.
func New(clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		records: make(map[string]schema.TaskRecord),
		clock:   clock,
	}
}

// Get returns the record for id, including tombstoned records.
// The boolean is false when no record exists.
func (s *Store) Get(id string) (schema.TaskRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	return rec, ok
}

// Set merges patch onto the record for id (creating it if absent) as a
// local-origin commit and returns the committed record.
func (s *Store) Set(id string, patch schema.Patch) (schema.TaskRecord, error) {
	return s.Update(id, OriginLocal, func(schema.TaskRecord, bool) (schema.Patch, bool) {
		return patch, true
	})
}

// Update atomically reads the record for id, asks fn for a patch and
// commits it.
//
// updated_at always advances: an explicit UpdatedAt in the patch must not be
// earlier than the current value; otherwise the store clock is used, bumped
// by one microsecond when it has not moved past the current value. Local
// commits without an explicit Counter increment the counter.
//
// Returns the committed record, or the current record (and a nil error) when
// fn declines.
func (s *Store) Update(id string, origin Origin, fn UpdateFunc) (schema.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return schema.TaskRecord{}, ErrClosed
	}
	if id == "" {
		return schema.TaskRecord{}, fmt.Errorf("%w: id is required", ErrInvalidRecord)
	}

	current, exists := s.records[id]
	patch, ok := fn(current, exists)
	if !ok {
		return current, nil
	}

	next := current
	next.ID = id
	next = next.Apply(patch)

	if patch.UpdatedAt != nil {
		if exists && next.UpdatedAt.Before(current.UpdatedAt) {
			return current, fmt.Errorf("%w: %s updated_at %s is before %s", ErrStaleWrite, id,
				next.UpdatedAt.Format(time.RFC3339Nano), current.UpdatedAt.Format(time.RFC3339Nano))
		}
	} else {
		now := schema.Timestamp(s.clock())
		if exists && !now.After(current.UpdatedAt) {
			now = current.UpdatedAt.Add(time.Microsecond)
		}
		next.UpdatedAt = now
	}
	if !exists && next.CreatedAt.IsZero() {
		next.CreatedAt = next.UpdatedAt
	}
	if origin == OriginLocal && patch.Counter == nil {
		next.Counter = current.Counter + 1
	}

	if err := next.Validate(); err != nil {
		return current, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	s.records[id] = next

	change := Change{ID: id, After: next, Origin: origin}
	if exists {
		before := current
		change.Before = &before
	}
	for _, sub := range s.subs {
		sub.fn(change)
	}

	return next, nil
}

// List returns the visible records: tombstones are excluded, records not
// done come first, then newest created first. The slice is freshly built on
// every call and never nil.
func (s *Store) List() []schema.TaskRecord {
	s.mu.Lock()
	out := make([]schema.TaskRecord, 0, len(s.records))
	for _, rec := range s.records {
		if rec.Visible() {
			out = append(out, rec)
		}
	}
	s.mu.Unlock()

	SortForDisplay(out)
	return out
}

// SortForDisplay orders records the way List does.
func SortForDisplay(recs []schema.TaskRecord) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.Done != b.Done {
			return !a.Done
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Snapshot returns a copy of every record, tombstones included.
func (s *Store) Snapshot() map[string]schema.TaskRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]schema.TaskRecord, len(s.records))
	for id, rec := range s.records {
		out[id] = rec
	}
	return out
}

// Len returns the number of records, tombstones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Subscribe registers fn for every committed change and returns a cancel
// function. Cancelling twice, or after Close, is a no-op.
func (s *Store) Subscribe(fn Handler) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return func() {}
	}

	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Close disposes the store. Subscribers are dropped and later mutations
// fail with ErrClosed. Reads keep returning the last contents.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.subs = nil
}

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
