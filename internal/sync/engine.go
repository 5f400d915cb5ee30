package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/steveyegge/tasksync/internal/remote"
	"github.com/steveyegge/tasksync/internal/schema"
	"github.com/steveyegge/tasksync/internal/store"
)

// Config holds configuration for the sync engine.
type Config struct {
	// BackoffBase is the delay before the first retry of a failed push or pull
	BackoffBase time.Duration

	// BackoffMax caps the retry delay
	BackoffMax time.Duration

	// PushTimeout bounds every remote call
	PushTimeout time.Duration

	// PullInterval is how often to fetch remote changes. Zero disables
	// periodic pulls; realtime reconnects still trigger one.
	PullInterval time.Duration

	// InitTimeout is how long Ready waits for the first successful pull
	InitTimeout time.Duration

	// Logger for engine activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BackoffBase:  time.Second,
		BackoffMax:   60 * time.Second,
		PushTimeout:  10 * time.Second,
		PullInterval: 30 * time.Second,
		InitTimeout:  10 * time.Second,
		Logger:       log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// TerminalError reports a change the engine gave up on because the remote
// rejected the caller's authorization. ID is empty for pull failures.
type TerminalError struct {
	ID  string
	Err error
}

func (e TerminalError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("sync rejected: %v", e.Err)
	}
	return fmt.Sprintf("push of %s rejected: %v", e.ID, e.Err)
}

func (e TerminalError) Unwrap() error {
	return e.Err
}

// Status is a point-in-time view of the engine.
type Status struct {
	UserID    string    `json:"user_id"`
	Ready     bool      `json:"ready"`
	Realtime  bool      `json:"realtime"`
	Queued    int       `json:"queued"`
	InFlight  int       `json:"in_flight"`
	Attempts  int       `json:"attempts"`
	Pushed    int       `json:"pushed"`
	Conflicts int       `json:"conflicts"`
	LastPush  time.Time `json:"last_push"`
	LastPull  time.Time `json:"last_pull"`
	LastSync  time.Time `json:"last_sync"`
	LastError string    `json:"last_error,omitempty"`
}

// Engine reconciles one user's Local Store with a Remote.
//
// Local commits are pushed through a per-id coalescing queue with capped
// exponential backoff. Remote changes arrive from pulls and from the realtime
// subscription and are merged through Resolve.
type Engine struct {
	store   *store.Store
	remote  remote.Remote
	userID  string
	config  *Config
	backoff Backoff
	q       *queue

	onChange func()
	errs     chan TerminalError
	kick     chan struct{}
	pullKick chan struct{}

	ready     chan struct{}
	readyOnce sync.Once

	pullMu sync.Mutex

	mu        sync.Mutex // guards the fields below
	qchanged  chan struct{}
	lastPush  time.Time
	lastPull  time.Time
	lastSync  time.Time
	lastErr   error
	pushed    int
	conflicts int
	realtime  bool

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
	startOnce   sync.Once
	stopOnce    sync.Once
}

// New creates an engine for userID. Use Start to begin syncing.
func New(st *store.Store, r remote.Remote, userID string, config *Config) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if r == nil {
		return nil, fmt.Errorf("remote cannot be nil")
	}
	if userID == "" {
		return nil, fmt.Errorf("userID cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		store:    st,
		remote:   r,
		userID:   userID,
		config:   config,
		backoff:  Backoff{Base: config.BackoffBase, Max: config.BackoffMax},
		q:        newQueue(),
		errs:     make(chan TerminalError, 16),
		kick:     make(chan struct{}, 1),
		pullKick: make(chan struct{}, 1),
		ready:    make(chan struct{}),
		qchanged: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// OnChange registers fn to run whenever the persisted part of the engine
// state (pending queue, last sync time) changes. Must be called before Start.
func (e *Engine) OnChange(fn func()) {
	e.onChange = fn
}

// Restore loads pending changes and the last sync time from the local cache.
// Must be called before Start. Entries of other users are ignored.
func (e *Engine) Restore(pending []schema.PendingChange, lastSync time.Time) {
	var mine []schema.PendingChange
	for _, p := range pending {
		if p.Record.UserID == e.userID {
			mine = append(mine, p)
		}
	}
	e.q.Restore(mine, time.Now())

	e.mu.Lock()
	e.lastSync = schema.Timestamp(lastSync)
	e.mu.Unlock()
}

// Start subscribes to the store and launches the push, pull and realtime
// goroutines. It returns immediately; calling it again has no effect.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.config.Logger.Printf("Starting sync for user %s (%d pending)", e.userID, e.q.Len())

		e.unsubscribe = e.store.Subscribe(e.handleChange)

		e.wg.Add(4)
		go e.pushLoop()
		go e.pullLoop()
		go e.realtimeLoop()
		go e.readyTimeout()
	})
}

// Stop cancels every goroutine and waits for them to finish. In-flight pushes
// are abandoned and stay queued.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.cancel()
		if e.unsubscribe != nil {
			e.unsubscribe()
		}
		e.wg.Wait()
		e.config.Logger.Printf("Sync stopped for user %s", e.userID)
	})
}

// Ready is closed after the first successful pull or after InitTimeout,
// whichever comes first.
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

// Errors delivers terminal push failures. Unread errors beyond the buffer
// are dropped; the latest one is still visible in Status.
func (e *Engine) Errors() <-chan TerminalError {
	return e.errs
}

// Pending returns the persistable form of the queue.
func (e *Engine) Pending() []schema.PendingChange {
	return e.q.Snapshot()
}

// LastSync returns the newest remote updated_at seen by a pull.
func (e *Engine) LastSync() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	inFlight, attempts := e.q.Counts()
	st := Status{
		UserID:   e.userID,
		Queued:   e.q.Len(),
		InFlight: inFlight,
		Attempts: attempts,
	}
	select {
	case <-e.ready:
		st.Ready = true
	default:
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	st.Realtime = e.realtime
	st.Pushed = e.pushed
	st.Conflicts = e.conflicts
	st.LastPush = e.lastPush
	st.LastPull = e.lastPull
	st.LastSync = e.lastSync
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st
}

// ForceSync clears the backoff of every queued change and pushes them now.
func (e *Engine) ForceSync() {
	e.q.Reset(time.Now())
	e.wake()
}

// Drain forces a push of every queued change and waits until the queue is
// empty or ctx is done.
func (e *Engine) Drain(ctx context.Context) error {
	e.ForceSync()
	for {
		e.mu.Lock()
		changed := e.qchanged
		e.mu.Unlock()

		n := e.q.Len()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain: %d changes still pending: %w", n, ctx.Err())
		case <-changed:
		}
	}
}

// FullSync fetches every remote row, tombstones included, merges them and
// then drains the push queue. It blocks until done or ctx ends.
func (e *Engine) FullSync(ctx context.Context) error {
	if err := e.pull(ctx, pullFull); err != nil {
		return fmt.Errorf("full sync: %w", err)
	}
	e.markReady()
	if err := e.Drain(ctx); err != nil {
		return fmt.Errorf("full sync: %w", err)
	}
	return nil
}

// Merge applies a remote record to the store through Resolve. Records of
// other users are ignored. Returns true when the store changed.
func (e *Engine) Merge(rec schema.TaskRecord) (bool, error) {
	if rec.UserID != e.userID {
		return false, nil
	}
	rec.Normalize()
	if err := rec.Validate(); err != nil {
		return false, fmt.Errorf("invalid remote record %s: %w", rec.ID, err)
	}

	committed := false
	_, err := e.store.Update(rec.ID, store.OriginRemote, func(current schema.TaskRecord, exists bool) (schema.Patch, bool) {
		if !exists {
			committed = true
			return schema.Replace(rec), true
		}
		winner, remoteWon := Resolve(current, rec)
		if !remoteWon || winner.Equal(current) {
			return schema.Patch{}, false
		}
		committed = true
		return schema.Replace(winner), true
	})
	if err != nil {
		return false, fmt.Errorf("failed to merge %s: %w", rec.ID, err)
	}
	return committed, nil
}

// handleChange runs under the store lock for every commit.
func (e *Engine) handleChange(c store.Change) {
	switch c.Origin {
	case store.OriginLocal:
		if c.After.UserID != e.userID {
			return
		}
		e.q.Enqueue(c.After, time.Now())
		e.queueChanged()
		e.wake()
	case store.OriginRemote:
		if e.q.Supersede(c.After) {
			e.mu.Lock()
			e.conflicts++
			e.mu.Unlock()
			e.config.Logger.Printf("Conflict on %s: remote version from %s wins",
				c.ID, c.After.UpdatedAt.Format(time.RFC3339Nano))
			e.queueChanged()
		}
	}
}

// wake nudges the push loop without blocking.
func (e *Engine) wake() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// requestPull nudges the pull loop without blocking.
func (e *Engine) requestPull() {
	select {
	case e.pullKick <- struct{}{}:
	default:
	}
}

// queueChanged wakes Drain waiters and schedules persistence.
func (e *Engine) queueChanged() {
	e.mu.Lock()
	close(e.qchanged)
	e.qchanged = make(chan struct{})
	e.mu.Unlock()

	if e.onChange != nil {
		e.onChange()
	}
}

func (e *Engine) markReady() {
	e.readyOnce.Do(func() { close(e.ready) })
}

// readyTimeout opens Ready after InitTimeout even if no pull succeeded.
func (e *Engine) readyTimeout() {
	defer e.wg.Done()

	timer := time.NewTimer(e.config.InitTimeout)
	defer timer.Stop()

	select {
	case <-e.ctx.Done():
	case <-e.ready:
	case <-timer.C:
		e.config.Logger.Printf("Initial sync not finished after %s; continuing with local data", e.config.InitTimeout)
		e.markReady()
	}
}

// pushLoop dispatches due queue entries and sleeps until the next one is due.
func (e *Engine) pushLoop() {
	defer e.wg.Done()

	for {
		for _, rec := range e.q.Ready(time.Now()) {
			e.wg.Add(1)
			go e.push(rec)
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if next, ok := e.q.NextWake(); ok {
			timer = time.NewTimer(time.Until(next))
			timerC = timer.C
		}

		select {
		case <-e.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-e.kick:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// push sends one payload and settles its queue entry.
func (e *Engine) push(rec schema.TaskRecord) {
	defer e.wg.Done()

	ctx, cancel := context.WithTimeout(e.ctx, e.config.PushTimeout)
	err := e.remote.Upsert(ctx, rec)
	cancel()

	switch {
	case err == nil:
		e.mu.Lock()
		e.pushed++
		e.lastPush = time.Now()
		e.mu.Unlock()
		e.q.Ack(rec, time.Now())

	case remote.IsStale(err):
		// The remote kept a newer version. Settle the entry and merge that
		// version instead; retrying would fail the same way.
		e.q.Ack(rec, time.Now())
		e.mu.Lock()
		e.conflicts++
		e.mu.Unlock()
		e.config.Logger.Printf("Conflict on %s: remote row is newer than %s",
			rec.ID, rec.UpdatedAt.Format(time.RFC3339Nano))
		if err := e.catchUp(rec.UpdatedAt); err != nil {
			e.config.Logger.Printf("Warning: fetching newer version of %s failed: %v", rec.ID, err)
			e.requestPull()
		}

	case remote.IsUnauthorized(err):
		e.q.Drop(rec.ID)
		e.terminal(rec.ID, err)

	default:
		delay := e.q.Fail(rec.ID, time.Now(), e.backoff)
		if e.ctx.Err() == nil {
			e.config.Logger.Printf("Push of %s failed, retrying in %s: %v", rec.ID, delay, err)
			e.setLastErr(err)
		}
	}

	e.queueChanged()
	e.wake()
}

// terminal records an authorization failure and reports it on Errors.
func (e *Engine) terminal(id string, err error) {
	e.config.Logger.Printf("Giving up on %s: %v", id, err)
	e.setLastErr(err)

	select {
	case e.errs <- TerminalError{ID: id, Err: err}:
	default:
		e.config.Logger.Printf("Warning: error channel full, dropping terminal error for %s", id)
	}
}

func (e *Engine) setLastErr(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
}

type pullMode int

const (
	pullInitial pullMode = iota
	pullIncremental
	pullFull
)

// pullLoop runs the initial pull, retrying with backoff until it succeeds,
// and then incremental pulls every PullInterval or on request.
func (e *Engine) pullLoop() {
	defer e.wg.Done()

	mode := pullInitial
	attempt := 0
	for {
		var wait time.Duration
		err := e.pull(e.ctx, mode)
		switch {
		case err == nil:
			attempt = 0
			mode = pullIncremental
			e.markReady()
			wait = e.config.PullInterval
		case e.ctx.Err() != nil:
			return
		case remote.IsUnauthorized(err):
			e.terminal("", err)
			wait = 0 // only an explicit request retries
		default:
			attempt++
			wait = e.backoff.Delay(attempt)
			e.config.Logger.Printf("Pull failed, retrying in %s: %v", wait, err)
			e.setLastErr(err)
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-e.ctx.Done():
		case <-e.pullKick:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
		if e.ctx.Err() != nil {
			return
		}
	}
}

// pull fetches remote rows and merges them. Concurrent pulls are serialized.
func (e *Engine) pull(ctx context.Context, mode pullMode) error {
	e.pullMu.Lock()
	defer e.pullMu.Unlock()

	since := e.LastSync()
	if mode == pullIncremental && since.IsZero() {
		mode = pullInitial
	}

	callCtx, cancel := context.WithTimeout(ctx, e.config.PushTimeout)
	defer cancel()

	var recs []schema.TaskRecord
	switch mode {
	case pullInitial:
		all, err := e.remote.FetchAll(callCtx, e.userID)
		if err != nil {
			return fmt.Errorf("fetch all: %w", err)
		}
		recs = all
		if !since.IsZero() {
			changes, err := e.remote.FetchChanges(callCtx, e.userID, since)
			if err != nil {
				return fmt.Errorf("fetch changes since %s: %w", since.Format(time.RFC3339Nano), err)
			}
			recs = append(recs, changes...)
		}
	case pullIncremental:
		changes, err := e.remote.FetchChanges(callCtx, e.userID, since)
		if err != nil {
			return fmt.Errorf("fetch changes since %s: %w", since.Format(time.RFC3339Nano), err)
		}
		recs = changes
	case pullFull:
		changes, err := e.remote.FetchChanges(callCtx, e.userID, time.Time{})
		if err != nil {
			return fmt.Errorf("fetch all changes: %w", err)
		}
		recs = changes
	}

	merged, newest, err := e.mergeAll(recs, since)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.lastPull = time.Now()
	advanced := newest.After(e.lastSync)
	if advanced {
		e.lastSync = newest
	}
	e.mu.Unlock()

	if merged > 0 {
		e.config.Logger.Printf("Pulled %d records, merged %d", len(recs), merged)
	}
	if advanced && e.onChange != nil {
		e.onChange()
	}
	return nil
}

// catchUp merges every remote row updated after since. It leaves the last
// sync time alone: rows older than since may still be unseen.
func (e *Engine) catchUp(since time.Time) error {
	e.pullMu.Lock()
	defer e.pullMu.Unlock()

	ctx, cancel := context.WithTimeout(e.ctx, e.config.PushTimeout)
	defer cancel()

	recs, err := e.remote.FetchChanges(ctx, e.userID, since)
	if err != nil {
		return fmt.Errorf("fetch changes since %s: %w", since.Format(time.RFC3339Nano), err)
	}
	_, _, err = e.mergeAll(recs, since)
	return err
}

// mergeAll merges recs and returns how many changed the store along with the
// newest updated_at seen, starting from newest. Invalid records are skipped.
func (e *Engine) mergeAll(recs []schema.TaskRecord, newest time.Time) (int, time.Time, error) {
	merged := 0
	for _, rec := range recs {
		changed, err := e.Merge(rec)
		if err != nil {
			if errors.Is(err, store.ErrClosed) {
				return merged, newest, err
			}
			e.config.Logger.Printf("Warning: skipping remote record: %v", err)
			continue
		}
		if changed {
			merged++
		}
		if rec.UpdatedAt.After(newest) {
			newest = schema.Timestamp(rec.UpdatedAt)
		}
	}
	return merged, newest, nil
}

// realtimeLoop keeps the remote subscription open, reconnecting with backoff.
// Every reconnect requests a pull to backfill events missed while down.
func (e *Engine) realtimeLoop() {
	defer e.wg.Done()

	attempt := 0
	for first := true; ; first = false {
		if !first {
			e.requestPull()
		}

		e.setRealtime(true)
		err := e.remote.Subscribe(e.ctx, e.userID, func(rec schema.TaskRecord) {
			attempt = 0
			if _, err := e.Merge(rec); err != nil {
				e.config.Logger.Printf("Warning: dropping realtime event: %v", err)
			}
		})
		e.setRealtime(false)

		if e.ctx.Err() != nil {
			return
		}
		if remote.IsUnauthorized(err) {
			e.terminal("", err)
			return
		}

		attempt++
		wait := e.backoff.Delay(attempt)
		e.config.Logger.Printf("Realtime subscription lost, reconnecting in %s: %v", wait, err)

		timer := time.NewTimer(wait)
		select {
		case <-e.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (e *Engine) setRealtime(on bool) {
	e.mu.Lock()
	e.realtime = on
	e.mu.Unlock()
}
