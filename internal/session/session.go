// Package session is the public task API of one signed-in user.
//
// A Session owns the user's Local Store, the sync Engine and the cache
// Persister. Every operation commits to the store immediately and returns;
// pushing, pulling and persistence happen in the background. The Manager
// opens and closes sessions as users sign in, switch and sign out.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/tasksync/internal/auth"
	"github.com/steveyegge/tasksync/internal/cache"
	"github.com/steveyegge/tasksync/internal/remote"
	"github.com/steveyegge/tasksync/internal/schema"
	"github.com/steveyegge/tasksync/internal/store"
	tsync "github.com/steveyegge/tasksync/internal/sync"
)

var (
	// ErrEmptyText is returned by AddTask for empty or whitespace-only text.
	ErrEmptyText = errors.New("task text is empty")

	// ErrNoSession is returned by Manager.Current when nobody is signed in.
	ErrNoSession = errors.New("no active session")
)

// Options configures sessions.
type Options struct {
	// Auth supplies the signed-in identity. Required.
	Auth auth.Provider

	// Cache persists snapshots. Nil keeps everything in memory.
	Cache *cache.Cache

	// Remote is the backend to sync with. Nil means remote.Offline.
	Remote remote.Remote

	// Sync configures the engine. Nil means tsync.DefaultConfig.
	Sync *tsync.Config

	// Persist configures the snapshot writer. Nil means cache.DefaultPersisterConfig.
	Persist *cache.PersisterConfig

	// Logger for session lifecycle events
	Logger *log.Logger

	// Clock is the store clock. Nil means time.Now.
	Clock func() time.Time

	// NewID generates task ids. Nil means random UUIDs.
	NewID func() string
}

// Status extends the engine status with task counts.
type Status struct {
	tsync.Status
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Completed  int `json:"completed"`
	Tombstones int `json:"tombstones"`
}

// Session is the task API of one user.
type Session struct {
	userID    string
	auth      auth.Provider
	store     *store.Store
	engine    *tsync.Engine
	persister *cache.Persister
	logger    *log.Logger
	newID     func() string

	closeOnce sync.Once
	closeErr  error
}

// Open restores userID's snapshot from the cache and starts syncing.
// A snapshot that cannot be loaded is logged and replaced by an empty one.
func Open(ctx context.Context, userID string, opts Options) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID cannot be empty")
	}
	if opts.Auth == nil {
		return nil, fmt.Errorf("auth provider cannot be nil")
	}
	if opts.Remote == nil {
		opts.Remote = remote.Offline{}
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	syncConfig := tsync.DefaultConfig()
	if opts.Sync != nil {
		c := *opts.Sync
		syncConfig = &c
	}

	s := &Session{
		userID: userID,
		auth:   opts.Auth,
		store:  store.New(opts.Clock),
		logger: opts.Logger,
		newID:  opts.NewID,
	}

	snap := cache.Snapshot{Tasks: map[string]schema.TaskRecord{}}
	if opts.Cache != nil {
		loaded, err := opts.Cache.LoadSnapshot(ctx, userID)
		if err != nil {
			s.logger.Printf("Warning: failed to load snapshot for %s, starting empty: %v", userID, err)
		} else {
			snap = loaded
		}
	}
	restored := s.restore(snap.Tasks)

	engine, err := tsync.New(s.store, opts.Remote, userID, syncConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync engine: %w", err)
	}
	engine.Restore(snap.Pending, snap.LastSync)
	s.engine = engine

	if opts.Cache != nil {
		s.persister = cache.NewPersister(opts.Cache, userID, s.snapshot, opts.Persist)
		s.store.Subscribe(func(store.Change) { s.persister.Schedule() })
		engine.OnChange(s.persister.Schedule)
	}

	engine.Start()
	s.logger.Printf("Session opened for %s (%d tasks restored, %d pending)", userID, restored, len(snap.Pending))
	return s, nil
}

// restore loads cached records into the store without queueing pushes.
func (s *Session) restore(tasks map[string]schema.TaskRecord) int {
	n := 0
	for id, rec := range tasks {
		if rec.UserID != s.userID || rec.ID != id {
			continue
		}
		_, err := s.store.Update(id, store.OriginRestore, func(schema.TaskRecord, bool) (schema.Patch, bool) {
			return schema.Replace(rec), true
		})
		if err != nil {
			s.logger.Printf("Warning: skipping cached task %s: %v", id, err)
			continue
		}
		n++
	}
	return n
}

// snapshot is the persister source.
func (s *Session) snapshot() cache.Snapshot {
	return cache.Snapshot{
		Tasks:    s.store.Snapshot(),
		Pending:  s.engine.Pending(),
		LastSync: s.engine.LastSync(),
	}
}

// UserID returns the session owner.
func (s *Session) UserID() string {
	return s.userID
}

// AddTask creates a task for the signed-in user and returns it.
// It fails with auth.ErrUnauthenticated when the session owner is not signed
// in, and with ErrEmptyText when text is blank.
func (s *Session) AddTask(ctx context.Context, text string) (schema.TaskRecord, error) {
	id, err := s.auth.Identity(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			return schema.TaskRecord{}, err
		}
		return schema.TaskRecord{}, fmt.Errorf("%w: %v", auth.ErrUnauthenticated, err)
	}
	if id.UserID != s.userID {
		return schema.TaskRecord{}, fmt.Errorf("%w: signed in as %s, session belongs to %s",
			auth.ErrUnauthenticated, id.UserID, s.userID)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return schema.TaskRecord{}, ErrEmptyText
	}

	rec, err := s.store.Set(s.newID(), schema.Patch{
		UserID:  schema.Ptr(s.userID),
		Text:    schema.Ptr(text),
		Done:    schema.Ptr(false),
		Deleted: schema.Ptr(false),
	})
	if err != nil {
		return schema.TaskRecord{}, fmt.Errorf("failed to add task: %w", err)
	}
	return rec, nil
}

// ToggleTaskStatus flips done. An unknown or deleted id is a no-op.
func (s *Session) ToggleTaskStatus(id string) error {
	_, err := s.store.Update(id, store.OriginLocal, func(cur schema.TaskRecord, exists bool) (schema.Patch, bool) {
		if !exists || cur.Deleted {
			return schema.Patch{}, false
		}
		return schema.Patch{Done: schema.Ptr(!cur.Done)}, true
	})
	if err != nil {
		return fmt.Errorf("failed to toggle task %s: %w", id, err)
	}
	return nil
}

// DeleteTask marks the task deleted. The record is kept as a tombstone so
// the deletion syncs. An unknown or already deleted id is a no-op.
func (s *Session) DeleteTask(id string) error {
	_, err := s.store.Update(id, store.OriginLocal, func(cur schema.TaskRecord, exists bool) (schema.Patch, bool) {
		if !exists || cur.Deleted {
			return schema.Patch{}, false
		}
		return schema.Patch{Deleted: schema.Ptr(true)}, true
	})
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return nil
}

// ListTasks returns the visible tasks: not done first, newest first.
func (s *Session) ListTasks() []schema.TaskRecord {
	return s.store.List()
}

// AllTasks returns every record including tombstones, in display order.
func (s *Session) AllTasks() []schema.TaskRecord {
	snap := s.store.Snapshot()
	recs := make([]schema.TaskRecord, 0, len(snap))
	for _, rec := range snap {
		recs = append(recs, rec)
	}
	store.SortForDisplay(recs)
	return recs
}

// ClearCompletedTasks deletes every done task and returns how many it deleted.
func (s *Session) ClearCompletedTasks() (int, error) {
	n := 0
	for _, rec := range s.store.List() {
		if !rec.Done {
			continue
		}
		if err := s.DeleteTask(rec.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// CompletedCount returns the number of visible done tasks.
func (s *Session) CompletedCount() int {
	n := 0
	for _, rec := range s.store.List() {
		if rec.Done {
			n++
		}
	}
	return n
}

// GetTask looks up a task by id, tombstones included.
func (s *Session) GetTask(id string) (schema.TaskRecord, bool) {
	return s.store.Get(id)
}

// ImportTask merges an externally supplied record as a local change: it
// replaces the current record when its updated_at is not older, and is then
// pushed like any other local commit. Returns true when the store changed.
func (s *Session) ImportTask(rec schema.TaskRecord) (bool, error) {
	if rec.UserID != s.userID {
		return false, fmt.Errorf("task %s belongs to %s, not %s", rec.ID, rec.UserID, s.userID)
	}
	rec.Normalize()
	if err := rec.Validate(); err != nil {
		return false, fmt.Errorf("invalid task %s: %w", rec.ID, err)
	}

	changed := false
	_, err := s.store.Update(rec.ID, store.OriginLocal, func(cur schema.TaskRecord, exists bool) (schema.Patch, bool) {
		if !exists {
			changed = true
			return schema.Replace(rec), true
		}
		winner, imported := tsync.Resolve(cur, rec)
		if !imported || winner.Equal(cur) {
			return schema.Patch{}, false
		}
		changed = true
		return schema.Replace(winner), true
	})
	if err != nil {
		return false, fmt.Errorf("failed to import task %s: %w", rec.ID, err)
	}
	return changed, nil
}

// Subscribe registers fn for every committed change.
func (s *Session) Subscribe(fn store.Handler) (cancel func()) {
	return s.store.Subscribe(fn)
}

// Ready is closed once the initial pull finished or timed out.
func (s *Session) Ready() <-chan struct{} {
	return s.engine.Ready()
}

// WaitReady blocks until Ready or ctx is done.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.engine.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Errors delivers changes the engine gave up on.
func (s *Session) Errors() <-chan tsync.TerminalError {
	return s.engine.Errors()
}

// Status returns the sync state and task counts.
func (s *Session) Status() Status {
	st := Status{Status: s.engine.Status()}
	for _, rec := range s.store.Snapshot() {
		st.Total++
		switch {
		case rec.Deleted:
			st.Tombstones++
		case rec.Done:
			st.Completed++
		default:
			st.Pending++
		}
	}
	return st
}

// ForceSync retries every queued change now.
func (s *Session) ForceSync() {
	s.engine.ForceSync()
}

// Drain waits until every queued change is pushed or ctx is done.
func (s *Session) Drain(ctx context.Context) error {
	return s.engine.Drain(ctx)
}

// FullSync pulls every remote row and pushes every queued change.
func (s *Session) FullSync(ctx context.Context) error {
	return s.engine.FullSync(ctx)
}

// Flush writes the snapshot to the cache now.
func (s *Session) Flush(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	return s.persister.Flush(ctx)
}

// Close stops syncing, disposes the store and writes a final snapshot.
// Queued changes stay in the cache for the next session of the same user.
// Later calls wait for the first one and return its result.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.engine.Stop()
		s.store.Close()

		if s.persister != nil {
			if err := s.persister.Close(ctx); err != nil {
				s.logger.Printf("Warning: %v", err)
				s.closeErr = err
				return
			}
		}
		s.logger.Printf("Session closed for %s", s.userID)
	})
	return s.closeErr
}
