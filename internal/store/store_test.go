package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/tasksync/internal/schema"
)

// fakeClock returns a fixed instant that tests move by hand.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTask(t *testing.T, s *Store, id, text string) schema.TaskRecord {
	t.Helper()

	rec, err := s.Set(id, schema.Patch{
		UserID: schema.Ptr("u1"),
		Text:   schema.Ptr(text),
		Done:   schema.Ptr(false),
	})
	if err != nil {
		t.Fatalf("Set(%s) failed: %v", id, err)
	}
	return rec
}

func TestSetCreatesRecord(t *testing.T) {
	clock := newFakeClock()
	s := New(clock.Now)

	rec := newTask(t, s, "a", "Buy milk")

	if !rec.CreatedAt.Equal(clock.Now()) || !rec.UpdatedAt.Equal(clock.Now()) {
		t.Errorf("expected created_at = updated_at = now, got %v / %v", rec.CreatedAt, rec.UpdatedAt)
	}
	if rec.Counter != 1 {
		t.Errorf("expected counter 1, got %d", rec.Counter)
	}

	got, ok := s.Get("a")
	if !ok {
		t.Fatal("Get returned absent for created record")
	}
	if !got.Equal(rec) {
		t.Errorf("Get = %+v, want %+v", got, rec)
	}

	if _, ok := s.Get("missing"); ok {
		t.Error("Get of unknown id should be absent")
	}
}

func TestSetRejectsInvalidRecord(t *testing.T) {
	s := New(nil)

	_, err := s.Set("a", schema.Patch{Text: schema.Ptr("no owner")})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("invalid record must not be committed, store has %d", s.Len())
	}
}

func TestUpdatedAtStrictlyIncreases(t *testing.T) {
	clock := newFakeClock()
	s := New(clock.Now)
	newTask(t, s, "a", "x")

	// Clock does not move: the store must still advance updated_at.
	prev, _ := s.Get("a")
	for i := 0; i < 3; i++ {
		rec, err := s.Set("a", schema.Patch{Done: schema.Ptr(!prev.Done)})
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if !rec.UpdatedAt.After(prev.UpdatedAt) {
			t.Fatalf("updated_at did not advance: %v -> %v", prev.UpdatedAt, rec.UpdatedAt)
		}
		if rec.Counter != prev.Counter+1 {
			t.Errorf("counter = %d, want %d", rec.Counter, prev.Counter+1)
		}
		prev = rec
	}
}

func TestStaleWriteRejected(t *testing.T) {
	clock := newFakeClock()
	s := New(clock.Now)
	rec := newTask(t, s, "a", "x")

	older := rec.UpdatedAt.Add(-time.Second)
	_, err := s.Update("a", OriginRemote, func(schema.TaskRecord, bool) (schema.Patch, bool) {
		return schema.Patch{Text: schema.Ptr("old"), UpdatedAt: &older}, true
	})
	if !errors.Is(err, ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}

	got, _ := s.Get("a")
	if got.Text != "x" {
		t.Errorf("stale write was applied: %q", got.Text)
	}
}

func TestUpdateDecline(t *testing.T) {
	s := New(nil)
	newTask(t, s, "a", "x")

	calls := 0
	cancel := s.Subscribe(func(Change) { calls++ })
	defer cancel()

	rec, err := s.Update("a", OriginRemote, func(cur schema.TaskRecord, exists bool) (schema.Patch, bool) {
		if !exists {
			t.Error("expected record to exist")
		}
		return schema.Patch{}, false
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if rec.Text != "x" {
		t.Errorf("declined update should return current record, got %+v", rec)
	}
	if calls != 0 {
		t.Errorf("declined update notified %d times", calls)
	}
}

func TestListOrdering(t *testing.T) {
	clock := newFakeClock()
	s := New(clock.Now)

	if got := s.List(); got == nil || len(got) != 0 {
		t.Fatalf("empty store List() = %#v, want empty non-nil slice", got)
	}

	newTask(t, s, "old", "t1")
	clock.Advance(time.Minute)
	newTask(t, s, "new", "t2")
	clock.Advance(time.Minute)
	newTask(t, s, "newest-done", "t3")
	clock.Advance(time.Minute)
	newTask(t, s, "gone", "t4")

	if _, err := s.Set("newest-done", schema.Patch{Done: schema.Ptr(true)}); err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	if _, err := s.Set("gone", schema.Patch{Deleted: schema.Ptr(true)}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	got := s.List()
	want := []string{"new", "old", "newest-done"}
	if len(got) != len(want) {
		t.Fatalf("List() returned %d records, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("List()[%d] = %s, want %s", i, got[i].ID, id)
		}
	}

	if rec, ok := s.Get("gone"); !ok || !rec.Deleted {
		t.Errorf("tombstone should stay retrievable, got %+v ok=%v", rec, ok)
	}
}

func TestSubscribeNotifiesEveryCommit(t *testing.T) {
	s := New(nil)

	var changes []Change
	cancel := s.Subscribe(func(c Change) { changes = append(changes, c) })

	newTask(t, s, "a", "x")
	if _, err := s.Set("a", schema.Patch{Done: schema.Ptr(true)}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	newTask(t, s, "b", "y")

	if len(changes) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(changes))
	}
	if !changes[0].Created() || changes[0].Origin != OriginLocal {
		t.Errorf("first change should be a local create, got %+v", changes[0])
	}
	if changes[1].Created() || changes[1].Before.Done || !changes[1].After.Done {
		t.Errorf("second change should carry before/after, got %+v", changes[1])
	}

	cancel()
	cancel()
	newTask(t, s, "c", "z")
	if len(changes) != 3 {
		t.Errorf("cancelled handler still notified (%d changes)", len(changes))
	}
}

func TestSubscribeOrder(t *testing.T) {
	s := New(nil)

	var order []string
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("h%d", i)
		s.Subscribe(func(Change) { order = append(order, name) })
	}
	newTask(t, s, "a", "x")

	if fmt.Sprint(order) != "[h0 h1 h2]" {
		t.Errorf("handlers ran in order %v", order)
	}
}

func TestCloseDisposesStore(t *testing.T) {
	s := New(nil)
	newTask(t, s, "a", "x")

	calls := 0
	cancel := s.Subscribe(func(Change) { calls++ })

	s.Close()
	cancel() // no-op after close

	if _, err := s.Set("a", schema.Patch{Done: schema.Ptr(true)}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if calls != 0 {
		t.Errorf("closed store notified %d times", calls)
	}
	if _, ok := s.Get("a"); !ok {
		t.Error("reads should still work after close")
	}

	late := s.Subscribe(func(Change) { calls++ })
	late()
}

func TestConcurrentSetsAreSerialized(t *testing.T) {
	s := New(nil)
	newTask(t, s, "a", "x")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Set("a", schema.Patch{Text: schema.Ptr("y")}); err != nil {
				t.Errorf("Set failed: %v", err)
			}
		}()
	}
	wg.Wait()

	rec, _ := s.Get("a")
	if rec.Counter != 51 {
		t.Errorf("expected counter 51 after 50 concurrent sets, got %d", rec.Counter)
	}
}
