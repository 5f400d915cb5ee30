package sync

import (
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/tasksync/internal/schema"
)

// entry is the pending push state of one record id.
type entry struct {
	payload     schema.TaskRecord // latest local commit, sent next
	attempts    int
	nextAttempt time.Time
	enqueuedAt  time.Time
	inFlight    bool
}

// queue holds at most one entry per record id. A newer payload replaces the
// queued one; while a push is in flight the replacement waits for it to
// finish, so pushes of one id never overlap and go out in commit order.
type queue struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func newQueue() *queue {
	return &queue{entries: make(map[string]*entry)}
}

// Enqueue records rec as the latest payload for its id.
func (q *queue) Enqueue(rec schema.TaskRecord, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.entries[rec.ID]; ok {
		e.payload = rec
		return
	}
	q.entries[rec.ID] = &entry{
		payload:     rec,
		nextAttempt: now,
		enqueuedAt:  now,
	}
}

// Ready marks every due entry as in flight and returns the payloads to send,
// oldest first.
func (q *queue) Ready(now time.Time) []schema.TaskRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*entry
	for _, e := range q.entries {
		if !e.inFlight && !e.nextAttempt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].enqueuedAt.Equal(due[j].enqueuedAt) {
			return due[i].enqueuedAt.Before(due[j].enqueuedAt)
		}
		return due[i].payload.ID < due[j].payload.ID
	})

	out := make([]schema.TaskRecord, len(due))
	for i, e := range due {
		e.inFlight = true
		out[i] = e.payload
	}
	return out
}

// Ack completes a successful push of sent. The entry is removed unless a
// newer payload arrived meanwhile, which is then due immediately.
// Returns true when the entry was removed.
func (q *queue) Ack(sent schema.TaskRecord, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[sent.ID]
	if !ok {
		return true
	}
	e.inFlight = false
	if e.payload.Equal(sent) {
		delete(q.entries, sent.ID)
		return true
	}
	e.attempts = 0
	e.nextAttempt = now
	return false
}

// Fail reschedules the entry of id after a retryable failure and returns the
// delay before the next attempt.
func (q *queue) Fail(id string, now time.Time, b Backoff) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return 0
	}
	e.inFlight = false
	e.attempts++
	delay := b.Delay(e.attempts)
	e.nextAttempt = now.Add(delay)
	return delay
}

// Drop removes the entry of id regardless of its state.
func (q *queue) Drop(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, id)
}

// Supersede reacts to a remote record winning a merge. A queued payload that
// is not newer than winner is discarded. When a push is in flight, the
// winner becomes the next payload so the remote ends up with it after the
// in-flight push lands. Returns true when a pending payload lost.
func (q *queue) Supersede(winner schema.TaskRecord) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[winner.ID]
	if !ok || e.payload.UpdatedAt.After(winner.UpdatedAt) {
		return false
	}
	if e.inFlight {
		e.payload = winner
		return true
	}
	delete(q.entries, winner.ID)
	return true
}

// Reset makes every idle entry due at now and clears its attempt count.
func (q *queue) Reset(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if !e.inFlight {
			e.attempts = 0
			e.nextAttempt = now
		}
	}
}

// NextWake returns the earliest attempt time among idle entries.
func (q *queue) NextWake() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next time.Time
	found := false
	for _, e := range q.entries {
		if e.inFlight {
			continue
		}
		if !found || e.nextAttempt.Before(next) {
			next = e.nextAttempt
			found = true
		}
	}
	return next, found
}

// Len returns the number of ids with an unacknowledged payload.
func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Counts returns the number of in-flight entries and the failed attempts
// summed over all entries.
func (q *queue) Counts() (inFlight, attempts int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.inFlight {
			inFlight++
		}
		attempts += e.attempts
	}
	return inFlight, attempts
}

// Snapshot returns the persistable form of every entry, oldest first.
func (q *queue) Snapshot() []schema.PendingChange {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]schema.PendingChange, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, schema.PendingChange{
			Record:        e.payload,
			Attempts:      e.attempts,
			NextAttemptAt: e.nextAttempt,
			EnqueuedAt:    e.enqueuedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return out[i].Record.ID < out[j].Record.ID
	})
	return out
}

// Restore loads persisted entries. They are due at now; attempt counts carry
// over. A restored entry never replaces a payload already queued.
func (q *queue) Restore(pending []schema.PendingChange, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range pending {
		if _, ok := q.entries[p.Record.ID]; ok {
			continue
		}
		enqueued := p.EnqueuedAt
		if enqueued.IsZero() {
			enqueued = now
		}
		q.entries[p.Record.ID] = &entry{
			payload:     p.Record,
			attempts:    p.Attempts,
			nextAttempt: now,
			enqueuedAt:  enqueued,
		}
	}
}
