// Package sync reconciles a user's Local Store with the remote backend.
//
// Overview
//
// The Engine is the bridge between the in-memory store and a remote.Remote.
// It pushes local mutations, merges remote changes and retries failures:
//
//	Local Store ──commit(local)──▶ queue ──Upsert──▶ Remote
//	     ▲                                              │
//	     └──commit(remote)── Resolve ◀── pull / realtime┘
//
// Push
//
// Every local-origin commit enqueues the full record. The queue holds at most
// one entry per id and at most one push per id is in flight; a commit made
// while a push is in flight becomes the next payload. Failed pushes are
// retried with capped exponential backoff (Backoff), forever. Authorization
// failures (remote.ErrUnauthorized) are not retried: the entry is dropped and
// a TerminalError is delivered on Errors.
//
// Pull
//
// At start the engine fetches all of the user's rows, plus the changes since
// the last sync time restored from the cache so remote tombstones propagate.
// Afterwards it fetches changes every PullInterval and on every realtime
// reconnect. Ready is closed after the first successful pull or InitTimeout.
//
// Conflict resolution
//
// Resolve implements whole-record last-writer-wins on updated_at, ties going
// to the remote. A remote winner discards a queued local payload that is not
// newer. Concurrent edits of one record on two devices can therefore lose
// one of the edits.
//
// Usage
//
//	st := store.New(nil)
//	engine, err := sync.New(st, remote.NewMemory(), "user-1", nil)
//	if err != nil {
//	    return err
//	}
//	engine.Start()
//	defer engine.Stop()
//
//	<-engine.Ready()
//	st.Set(id, schema.Patch{UserID: schema.Ptr("user-1"), Text: schema.Ptr("Buy milk")})
//
//	// Block until everything is pushed
//	if err := engine.Drain(ctx); err != nil {
//	    return err
//	}
//
// Concurrency
//
// Store subscribers run under the store lock, so the engine takes locks in the
// order store, then queue, then its own state. It never holds the queue lock
// while calling into the store.
package sync
