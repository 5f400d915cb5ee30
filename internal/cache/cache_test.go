package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/steveyegge/tasksync/internal/schema"
)

// testCache opens a cache in a temporary directory.
func testCache(t *testing.T) *Cache {
	t.Helper()

	c, err := Open(filepath.Join(t.TempDir(), "nested", "cache.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

var base = time.Date(2025, 6, 1, 12, 0, 0, 123456000, time.UTC)

func record(id, userID string) schema.TaskRecord {
	return schema.TaskRecord{
		ID:        id,
		UserID:    userID,
		Text:      "task " + id,
		CreatedAt: base,
		UpdatedAt: base.Add(time.Minute),
		Counter:   2,
	}
}

// TestOpen_CreatesSchema tests that Open initializes every table
func TestOpen_CreatesSchema(t *testing.T) {
	c := testCache(t)

	for _, table := range []string{"tasks", "pending", "sync_meta"} {
		var count int
		err := c.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}

	if err := c.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

// TestLoadSnapshot_Empty tests loading a user that was never saved
func TestLoadSnapshot_Empty(t *testing.T) {
	c := testCache(t)

	snap, err := c.LoadSnapshot(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("LoadSnapshot() failed: %v", err)
	}
	if !snap.IsEmpty() {
		t.Errorf("expected empty snapshot, got %+v", snap)
	}
	if snap.Tasks == nil {
		t.Error("Tasks map should be non-nil")
	}
}

// TestSnapshot_RoundTrip tests that a saved snapshot loads back unchanged
func TestSnapshot_RoundTrip(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	done := record("b", "u1")
	done.Done = true
	tomb := record("c", "u1")
	tomb.Deleted = true

	snap := Snapshot{
		Tasks: map[string]schema.TaskRecord{
			"a": record("a", "u1"),
			"b": done,
			"c": tomb,
		},
		Pending: []schema.PendingChange{{
			Record:        done,
			Attempts:      3,
			NextAttemptAt: base.Add(time.Hour),
			EnqueuedAt:    base,
		}},
		LastSync: base.Add(2 * time.Minute),
	}

	if err := c.SaveSnapshot(ctx, "u1", snap); err != nil {
		t.Fatalf("SaveSnapshot() failed: %v", err)
	}

	got, err := c.LoadSnapshot(ctx, "u1")
	if err != nil {
		t.Fatalf("LoadSnapshot() failed: %v", err)
	}

	if len(got.Tasks) != 3 {
		t.Fatalf("loaded %d tasks, want 3", len(got.Tasks))
	}
	for id, want := range snap.Tasks {
		if !got.Tasks[id].Equal(want) {
			t.Errorf("task %s = %+v, want %+v", id, got.Tasks[id], want)
		}
	}
	if len(got.Pending) != 1 {
		t.Fatalf("loaded %d pending changes, want 1", len(got.Pending))
	}
	p := got.Pending[0]
	if !p.Record.Equal(done) || p.Attempts != 3 || !p.NextAttemptAt.Equal(base.Add(time.Hour)) || !p.EnqueuedAt.Equal(base) {
		t.Errorf("pending = %+v", p)
	}
	if !got.LastSync.Equal(snap.LastSync) {
		t.Errorf("LastSync = %v, want %v", got.LastSync, snap.LastSync)
	}
}

// TestSaveSnapshot_ReplacesRegion tests that a save overwrites only its user
func TestSaveSnapshot_ReplacesRegion(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	first := Snapshot{Tasks: map[string]schema.TaskRecord{"a": record("a", "u1"), "b": record("b", "u1")}}
	other := Snapshot{Tasks: map[string]schema.TaskRecord{"x": record("x", "u2")}}
	if err := c.SaveSnapshot(ctx, "u1", first); err != nil {
		t.Fatalf("SaveSnapshot(u1) failed: %v", err)
	}
	if err := c.SaveSnapshot(ctx, "u2", other); err != nil {
		t.Fatalf("SaveSnapshot(u2) failed: %v", err)
	}

	second := Snapshot{Tasks: map[string]schema.TaskRecord{"b": record("b", "u1")}}
	if err := c.SaveSnapshot(ctx, "u1", second); err != nil {
		t.Fatalf("second SaveSnapshot(u1) failed: %v", err)
	}

	got, _ := c.LoadSnapshot(ctx, "u1")
	if _, ok := got.Tasks["a"]; ok || len(got.Tasks) != 1 {
		t.Errorf("u1 tasks = %v, want only b", got.Tasks)
	}
	got2, _ := c.LoadSnapshot(ctx, "u2")
	if len(got2.Tasks) != 1 {
		t.Errorf("u2 region was touched: %v", got2.Tasks)
	}

	users, err := c.Users(ctx)
	if err != nil {
		t.Fatalf("Users() failed: %v", err)
	}
	if len(users) != 2 || users[0] != "u1" || users[1] != "u2" {
		t.Errorf("Users() = %v, want [u1 u2]", users)
	}
}

// TestSaveSnapshot_RejectsForeignRecord tests the per-user namespace check
func TestSaveSnapshot_RejectsForeignRecord(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	if err := c.SaveSnapshot(ctx, "u1", Snapshot{Tasks: map[string]schema.TaskRecord{"a": record("a", "u1")}}); err != nil {
		t.Fatalf("SaveSnapshot() failed: %v", err)
	}
	bad := Snapshot{Tasks: map[string]schema.TaskRecord{"x": record("x", "u2")}}
	if err := c.SaveSnapshot(ctx, "u1", bad); err == nil {
		t.Fatal("expected error for record of another user")
	}

	got, _ := c.LoadSnapshot(ctx, "u1")
	if len(got.Tasks) != 1 {
		t.Errorf("failed save must roll back, got %v", got.Tasks)
	}
}

// TestLoadSnapshot_Corrupt tests that undecodable rows fail the load
func TestLoadSnapshot_Corrupt(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	_, err := c.conn.Exec(`INSERT INTO tasks (user_id, id, text, created_at, updated_at) VALUES ('u1', 'a', 'x', 'garbage', 'garbage')`)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if _, err := c.LoadSnapshot(ctx, "u1"); err == nil {
		t.Error("expected error for corrupt timestamps")
	}
}

// TestGetStats tests the summary counts
func TestGetStats(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	done := record("b", "u1")
	done.Done = true
	tomb := record("c", "u1")
	tomb.Deleted = true
	snap := Snapshot{
		Tasks:   map[string]schema.TaskRecord{"a": record("a", "u1"), "b": done, "c": tomb},
		Pending: []schema.PendingChange{{Record: done, EnqueuedAt: base, NextAttemptAt: base}},
	}
	if err := c.SaveSnapshot(ctx, "u1", snap); err != nil {
		t.Fatalf("SaveSnapshot() failed: %v", err)
	}
	if err := c.SaveSnapshot(ctx, "u2", Snapshot{Tasks: map[string]schema.TaskRecord{"x": record("x", "u2")}}); err != nil {
		t.Fatalf("SaveSnapshot() failed: %v", err)
	}

	tests := []struct {
		userID string
		want   Stats
	}{
		{"u1", Stats{Users: 1, Tasks: 3, Completed: 1, Tombstones: 1, Pending: 1}},
		{"", Stats{Users: 2, Tasks: 4, Completed: 1, Tombstones: 1, Pending: 1}},
		{"nobody", Stats{}},
	}
	for _, tt := range tests {
		got, err := c.GetStats(tt.userID)
		if err != nil {
			t.Fatalf("GetStats(%q) failed: %v", tt.userID, err)
		}
		if got != tt.want {
			t.Errorf("GetStats(%q) = %+v, want %+v", tt.userID, got, tt.want)
		}
	}
}

// TestClose_Idempotent tests closing twice
func TestClose_Idempotent(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}
