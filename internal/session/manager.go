package session

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/steveyegge/tasksync/internal/auth"
)

// Manager keeps at most one open session and swaps it when the signed-in
// user changes.
type Manager struct {
	opts Options

	mu      sync.Mutex
	current *Session
}

// NewManager creates a manager that opens sessions with opts.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}
	return &Manager{opts: opts}
}

// InitializeSession makes userID's session current. If another user's
// session is open it is closed first: its engine is stopped, its store
// disposed and its snapshot flushed. Initializing the current user again
// returns the open session.
func (m *Manager) InitializeSession(ctx context.Context, userID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		if m.current.UserID() == userID {
			return m.current, nil
		}
		if err := m.current.Close(ctx); err != nil {
			m.opts.Logger.Printf("Warning: closing session for %s: %v", m.current.UserID(), err)
		}
		m.current = nil
	}

	s, err := Open(ctx, userID, m.opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open session for %s: %w", userID, err)
	}
	m.current = s
	return s, nil
}

// TeardownSession closes the current session, if any.
func (m *Manager) TeardownSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil
	}
	err := m.current.Close(ctx)
	m.current = nil
	return err
}

// Current returns the open session or ErrNoSession.
func (m *Manager) Current() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil, ErrNoSession
	}
	return m.current, nil
}

// Follow opens and closes sessions as identities arrive on changes: a valid
// identity initializes its user's session, a zero identity tears down.
// It returns when changes is closed (after tearing down) or ctx is done.
func (m *Manager) Follow(ctx context.Context, changes <-chan auth.Identity) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case id, ok := <-changes:
			if !ok {
				return m.TeardownSession(context.WithoutCancel(ctx))
			}
			if !id.Valid() {
				if err := m.TeardownSession(ctx); err != nil {
					m.opts.Logger.Printf("Warning: sign-out teardown: %v", err)
				}
				continue
			}
			if _, err := m.InitializeSession(ctx, id.UserID); err != nil {
				m.opts.Logger.Printf("Warning: %v", err)
			}
		}
	}
}
