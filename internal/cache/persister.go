package cache

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Saver stores a user's snapshot. *Cache implements it.
type Saver interface {
	SaveSnapshot(ctx context.Context, userID string, snap Snapshot) error
}

// PersisterConfig holds configuration for a Persister.
type PersisterConfig struct {
	// Debounce is how long to wait after the first change before writing.
	// All changes within the window are written together.
	Debounce time.Duration

	// WriteTimeout bounds a single background write
	WriteTimeout time.Duration

	// Logger for persistence failures
	Logger *log.Logger
}

// DefaultPersisterConfig returns sensible defaults.
func DefaultPersisterConfig() *PersisterConfig {
	return &PersisterConfig{
		Debounce:     500 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
		Logger:       log.New(os.Stderr, "[cache] ", log.LstdFlags),
	}
}

// Persister writes snapshots of one user in the background. Schedule is
// cheap and safe to call from store subscribers; bursts of calls collapse
// into one write per debounce window. Failed writes are logged and retried
// with the next window.
type Persister struct {
	saver  Saver
	userID string
	source func() Snapshot
	config *PersisterConfig

	mu     sync.Mutex // guards timer, dirty, closed
	timer  *time.Timer
	dirty  bool
	closed bool

	writeMu sync.Mutex // serializes writes
	writes  int
	fails   int
}

// NewPersister creates a persister that writes source() for userID to saver.
func NewPersister(saver Saver, userID string, source func() Snapshot, config *PersisterConfig) *Persister {
	if config == nil {
		config = DefaultPersisterConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}
	return &Persister{
		saver:  saver,
		userID: userID,
		source: source,
		config: config,
	}
}

// Schedule marks the snapshot dirty and arms the debounce timer if it is not
// already running. It never blocks on I/O.
func (p *Persister) Schedule() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.dirty = true
	if p.timer == nil {
		p.timer = time.AfterFunc(p.config.Debounce, p.fire)
	}
}

// fire runs when the debounce window ends.
func (p *Persister) fire() {
	p.mu.Lock()
	p.timer = nil
	if p.closed || !p.dirty {
		p.mu.Unlock()
		return
	}
	p.dirty = false
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.config.WriteTimeout)
	defer cancel()

	if err := p.write(ctx); err != nil {
		p.config.Logger.Printf("Warning: failed to save snapshot for %s, will retry: %v", p.userID, err)
		p.Schedule()
	}
}

// write saves the current snapshot.
func (p *Persister) write(ctx context.Context) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	err := p.saver.SaveSnapshot(ctx, p.userID, p.source())
	if err != nil {
		p.fails++
		return err
	}
	p.writes++
	return nil
}

// Flush writes the current snapshot immediately, cancelling a pending
// debounced write.
func (p *Persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.dirty = false
	p.mu.Unlock()

	if err := p.write(ctx); err != nil {
		p.mu.Lock()
		p.dirty = true
		p.mu.Unlock()
		return fmt.Errorf("failed to flush snapshot for %s: %w", p.userID, err)
	}
	return nil
}

// Close stops scheduling and writes a final snapshot. Later Schedule calls
// are ignored.
func (p *Persister) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	if err := p.write(ctx); err != nil {
		return fmt.Errorf("failed to write final snapshot for %s: %w", p.userID, err)
	}
	return nil
}

// Writes returns the number of successful and failed writes so far.
func (p *Persister) Writes() (ok, failed int) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.writes, p.fails
}
