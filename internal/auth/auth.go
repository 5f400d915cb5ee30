// Package auth supplies the signed-in identity to the task session.
//
// Authentication itself happens elsewhere; this package only answers "who is
// signed in right now" and reports sign-in, sign-out and user switches.
package auth

import (
	"context"
	"errors"
	"sync"
)

// ErrUnauthenticated is returned when no user is signed in.
var ErrUnauthenticated = errors.New("not signed in")

// Identity is the signed-in user as supplied by the auth collaborator.
type Identity struct {
	UserID string `json:"user_id"`
	Token  string `json:"token,omitempty"`
}

// Valid reports whether the identity names a user.
func (i Identity) Valid() bool {
	return i.UserID != ""
}

// Provider returns the current identity, or ErrUnauthenticated.
type Provider interface {
	Identity(ctx context.Context) (Identity, error)
}

// Static is an in-process Provider whose identity is set by hand.
// Every change is published on Changes.
type Static struct {
	mu      sync.Mutex
	id      Identity
	changes chan Identity
}

// NewStatic creates a provider signed in as id (a zero id means signed out).
func NewStatic(id Identity) *Static {
	return &Static{id: id, changes: make(chan Identity, 16)}
}

// Identity implements Provider.
func (s *Static) Identity(ctx context.Context) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.id.Valid() {
		return Identity{}, ErrUnauthenticated
	}
	return s.id, nil
}

// Set replaces the identity and publishes it unless it is unchanged.
// A zero identity signs out.
func (s *Static) Set(id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == s.id {
		return
	}
	s.id = id
	select {
	case s.changes <- id:
	default:
	}
}

// Changes returns the channel of identity transitions.
func (s *Static) Changes() <-chan Identity {
	return s.changes
}
