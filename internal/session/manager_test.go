package session

import (
	"context"
	"errors"
	"testing"

	"github.com/steveyegge/tasksync/internal/auth"
	"github.com/steveyegge/tasksync/internal/remote"
)

func currentUser(m *Manager) string {
	s, err := m.Current()
	if err != nil {
		return ""
	}
	return s.UserID()
}

// TestManager_UserSwitch tests sign-in, switch, sign-out and sign-in again
func TestManager_UserSwitch(t *testing.T) {
	mem := remote.NewMemory()
	provider := auth.NewStatic(auth.Identity{})
	m := NewManager(testOptions(t, provider, mem))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Follow(ctx, provider.Changes()) }()
	defer func() {
		cancel()
		<-done
		_ = m.TeardownSession(context.Background())
	}()

	if _, err := m.Current(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Current() before sign-in = %v, want ErrNoSession", err)
	}

	provider.Set(auth.Identity{UserID: "u1"})
	eventually(t, "u1 session", func() bool { return currentUser(m) == "u1" })
	s1, _ := m.Current()
	rec, err := s1.AddTask(context.Background(), "u1 task")
	if err != nil {
		t.Fatalf("AddTask() failed: %v", err)
	}
	drain(t, s1)

	provider.Set(auth.Identity{UserID: "u2"})
	eventually(t, "u2 session", func() bool { return currentUser(m) == "u2" })
	s2, _ := m.Current()
	if tasks := s2.ListTasks(); len(tasks) != 0 {
		t.Errorf("u2 sees %d tasks of u1", len(tasks))
	}
	if _, err := s1.AddTask(context.Background(), "late"); err == nil {
		t.Error("the closed u1 session should reject writes")
	}

	provider.Set(auth.Identity{})
	eventually(t, "teardown", func() bool { return currentUser(m) == "" })

	provider.Set(auth.Identity{UserID: "u1"})
	eventually(t, "u1 session again", func() bool { return currentUser(m) == "u1" })
	s3, _ := m.Current()
	if got, ok := s3.GetTask(rec.ID); !ok || got.Text != "u1 task" {
		t.Errorf("u1 task not restored: %+v, %v", got, ok)
	}
}

func TestManager_InitializeSameUser(t *testing.T) {
	m := NewManager(testOptions(t, auth.NewStatic(auth.Identity{UserID: "u1"}), remote.NewMemory()))
	ctx := context.Background()
	defer m.TeardownSession(ctx)

	a, err := m.InitializeSession(ctx, "u1")
	if err != nil {
		t.Fatalf("InitializeSession() failed: %v", err)
	}
	b, err := m.InitializeSession(ctx, "u1")
	if err != nil {
		t.Fatalf("second InitializeSession() failed: %v", err)
	}
	if a != b {
		t.Error("re-initializing the same user should keep the session")
	}

	if _, err := m.InitializeSession(ctx, ""); err == nil {
		t.Error("expected error for empty user")
	}
	if _, err := m.Current(); !errors.Is(err, ErrNoSession) {
		t.Errorf("failed initialize should leave no session, got %v", err)
	}
	if err := m.TeardownSession(ctx); err != nil {
		t.Errorf("TeardownSession() with no session failed: %v", err)
	}
}

func TestManager_FollowStopsWhenClosed(t *testing.T) {
	m := NewManager(testOptions(t, auth.NewStatic(auth.Identity{}), remote.NewMemory()))
	changes := make(chan auth.Identity, 1)
	changes <- auth.Identity{UserID: "u1"}
	close(changes)

	if err := m.Follow(context.Background(), changes); err != nil {
		t.Fatalf("Follow() = %v", err)
	}
	if _, err := m.Current(); !errors.Is(err, ErrNoSession) {
		t.Errorf("Follow should tear down when the identity source closes, got %v", err)
	}
}
