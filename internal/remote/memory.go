package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/tasksync/internal/schema"
)

// Memory is an in-process Remote. It keeps rows in a map, fans out realtime
// events to subscribers and records every successful upsert.
//
// Error injection hooks let tests and the load test simulate outages: when a
// hook returns a non-nil error the call fails with it and nothing changes.
type Memory struct {
	mu   sync.RWMutex
	rows map[string]schema.TaskRecord
	log  []schema.TaskRecord
	subs map[*subscriber]struct{}

	// Error injection for testing
	UpsertErr    func(rec schema.TaskRecord) error
	FetchErr     func(userID string) error
	SubscribeErr func(userID string) error
}

// subscriberBuffer is how many events a subscriber may fall behind before its
// subscription is ended.
const subscriberBuffer = 64

// ErrLagged ends a subscription whose consumer fell too far behind. Events
// were lost; the subscriber must reconnect and backfill.
var ErrLagged = errors.New("subscriber fell behind")

type subscriber struct {
	userID string
	ch     chan schema.TaskRecord
	lagged chan struct{}
}

// NewMemory creates an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{
		rows: make(map[string]schema.TaskRecord),
		subs: make(map[*subscriber]struct{}),
	}
}

// Upsert implements Remote.
func (m *Memory) Upsert(ctx context.Context, rec schema.TaskRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	hook := m.UpsertErr
	m.mu.Unlock()
	if hook != nil {
		if err := hook(rec); err != nil {
			return err
		}
	}
	return m.store(rec)
}

// store writes rec and fans it out to the owner's subscribers. A stored row
// with a newer updated_at is kept.
func (m *Memory) store(rec schema.TaskRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid row %s: %w", rec.ID, err)
	}
	rec.Normalize()

	m.mu.Lock()
	if existing, ok := m.rows[rec.ID]; ok {
		if existing.UserID != rec.UserID {
			m.mu.Unlock()
			return fmt.Errorf("row %s belongs to another user: %w", rec.ID, ErrUnauthorized)
		}
		if existing.UpdatedAt.After(rec.UpdatedAt) {
			m.mu.Unlock()
			return fmt.Errorf("row %s updated at %s: %w", rec.ID, existing.UpdatedAt.Format(time.RFC3339Nano), ErrStale)
		}
	}
	m.rows[rec.ID] = rec
	m.log = append(m.log, rec)
	for sub := range m.subs {
		if sub.userID != rec.UserID {
			continue
		}
		select {
		case sub.ch <- rec:
		default:
			delete(m.subs, sub)
			close(sub.lagged)
		}
	}
	m.mu.Unlock()
	return nil
}

// FetchAll implements Remote.
func (m *Memory) FetchAll(ctx context.Context, userID string) ([]schema.TaskRecord, error) {
	if err := m.fetchErr(ctx, userID); err != nil {
		return nil, err
	}

	m.mu.RLock()
	var out []schema.TaskRecord
	for _, rec := range m.rows {
		if rec.UserID == userID && !rec.Deleted {
			out = append(out, rec)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// FetchChanges implements Remote.
func (m *Memory) FetchChanges(ctx context.Context, userID string, since time.Time) ([]schema.TaskRecord, error) {
	if err := m.fetchErr(ctx, userID); err != nil {
		return nil, err
	}

	m.mu.RLock()
	var out []schema.TaskRecord
	for _, rec := range m.rows {
		if rec.UserID == userID && rec.UpdatedAt.After(since) {
			out = append(out, rec)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *Memory) fetchErr(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	hook := m.FetchErr
	m.mu.RUnlock()
	if hook != nil {
		return hook(userID)
	}
	return nil
}

// Subscribe implements Remote.
func (m *Memory) Subscribe(ctx context.Context, userID string, fn func(schema.TaskRecord)) error {
	m.mu.Lock()
	hook := m.SubscribeErr
	m.mu.Unlock()
	if hook != nil {
		if err := hook(userID); err != nil {
			return err
		}
	}

	sub := &subscriber{
		userID: userID,
		ch:     make(chan schema.TaskRecord, subscriberBuffer),
		lagged: make(chan struct{}),
	}
	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.subs, sub)
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.lagged:
			return fmt.Errorf("subscription for %s: %w", userID, ErrLagged)
		case rec := <-sub.ch:
			fn(rec)
		}
	}
}

// SetUpsertErr replaces the upsert error hook. Safe for concurrent use.
func (m *Memory) SetUpsertErr(hook func(rec schema.TaskRecord) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpsertErr = hook
}

// SetFetchErr replaces the fetch error hook. Safe for concurrent use.
func (m *Memory) SetFetchErr(hook func(userID string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FetchErr = hook
}

// SetSubscribeErr replaces the subscribe error hook. Safe for concurrent use.
func (m *Memory) SetSubscribeErr(hook func(userID string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SubscribeErr = hook
}

// Row returns the stored row for id.
func (m *Memory) Row(id string) (schema.TaskRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.rows[id]
	return rec, ok
}

// Rows returns every stored row of the user.
func (m *Memory) Rows(userID string) []schema.TaskRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []schema.TaskRecord
	for _, rec := range m.rows {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpsertLog returns every successful upsert in the order it was applied.
func (m *Memory) UpsertLog() []schema.TaskRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]schema.TaskRecord, len(m.log))
	copy(out, m.log)
	return out
}

// SubscriberCount returns the number of active realtime subscriptions.
func (m *Memory) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Put stores rec as if another device had written it, notifying
// subscribers. Error injection hooks are bypassed.
func (m *Memory) Put(rec schema.TaskRecord) error {
	return m.store(rec)
}
