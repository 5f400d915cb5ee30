// Package cache provides the durable local snapshot of each user's tasks.
//
// The cache is an embedded SQLite database (ncruces/go-sqlite3, WASM build)
// in WAL mode. Every user owns one region of it: their task records
// (tombstones included), the pending push queue and the last sync time.
// A region is always replaced wholesale in one transaction, so a crash never
// leaves half a snapshot behind.
//
// Layout:
//   - Database file: ~/.tasksync/cache.db
//   - tasks:     one row per (user_id, id)
//   - pending:   one row per (user_id, id) with the JSON payload to push
//   - sync_meta: one row per user_id with the last sync time
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/steveyegge/tasksync/internal/schema"
)

// Snapshot is the persisted state of one user.
type Snapshot struct {
	Tasks    map[string]schema.TaskRecord
	Pending  []schema.PendingChange
	LastSync time.Time
}

// IsEmpty reports whether the snapshot holds nothing.
func (s Snapshot) IsEmpty() bool {
	return len(s.Tasks) == 0 && len(s.Pending) == 0 && s.LastSync.IsZero()
}

// Cache wraps the SQLite connection.
type Cache struct {
	conn *sql.DB
	path string
}

// Open creates or opens the cache database at path and initializes the
// schema. The caller MUST call Close() when done.
//
// Example:
//
//	c, err := cache.Open(filepath.Join(home, ".tasksync", "cache.db"))
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
func Open(path string) (*Cache, error) {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping cache: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	c := &Cache{conn: conn, path: path}

	// Enable WAL mode for concurrent reads
	if _, err := c.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout to 5 seconds
	if _, err := c.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := c.InitSchema(); err != nil {
		_ = c.Close()
		return nil, err
	}

	return c, nil
}

// Path returns the database file path.
func (c *Cache) Path() string {
	return c.path
}

// Close checkpoints the WAL and closes the connection.
func (c *Cache) Close() error {
	if c.conn == nil {
		return nil
	}

	// Checkpoint WAL before closing
	if _, err := c.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("failed to close cache: %w", err)
	}

	c.conn = nil
	return nil
}

// InitSchema creates the cache tables if they don't exist. Idempotent.
func (c *Cache) InitSchema() error {
	return c.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the cache tables with context support.
func (c *Cache) InitSchemaContext(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS tasks (
		user_id TEXT NOT NULL,
		id TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		done INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		counter INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, id)
	);

	CREATE TABLE IF NOT EXISTS pending (
		user_id TEXT NOT NULL,
		id TEXT NOT NULL,
		payload TEXT NOT NULL,  -- JSON TaskRecord
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TEXT NOT NULL,
		enqueued_at TEXT NOT NULL,
		PRIMARY KEY (user_id, id)
	);

	CREATE TABLE IF NOT EXISTS sync_meta (
		user_id TEXT PRIMARY KEY,
		last_sync TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_user_updated ON tasks(user_id, updated_at);
	`

	if _, err := c.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// LoadSnapshot reads the region of userID. A user that was never saved
// yields an empty snapshot. A row that cannot be decoded fails the whole
// load.
func (c *Cache) LoadSnapshot(ctx context.Context, userID string) (Snapshot, error) {
	snap := Snapshot{Tasks: make(map[string]schema.TaskRecord)}

	rows, err := c.conn.QueryContext(ctx, `
		SELECT id, user_id, text, done, created_at, updated_at, deleted, counter
		FROM tasks WHERE user_id = ?`, userID)
	if err != nil {
		return snap, fmt.Errorf("failed to query tasks: %w", err)
	}
	tasks, err := scanTasks(rows)
	rows.Close()
	if err != nil {
		return snap, err
	}
	for _, rec := range tasks {
		snap.Tasks[rec.ID] = rec
	}

	pending, err := c.loadPending(ctx, userID)
	if err != nil {
		return snap, err
	}
	snap.Pending = pending

	var lastSync sql.NullString
	err = c.conn.QueryRowContext(ctx, `SELECT last_sync FROM sync_meta WHERE user_id = ?`, userID).Scan(&lastSync)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return snap, fmt.Errorf("failed to read sync meta: %w", err)
	case lastSync.Valid && lastSync.String != "":
		t, err := parseTime(lastSync.String)
		if err != nil {
			return snap, fmt.Errorf("corrupt last_sync for %s: %w", userID, err)
		}
		snap.LastSync = t
	}

	return snap, nil
}

func (c *Cache) loadPending(ctx context.Context, userID string) ([]schema.PendingChange, error) {
	rows, err := c.conn.QueryContext(ctx, `
		SELECT id, payload, attempts, next_attempt_at, enqueued_at
		FROM pending WHERE user_id = ?
		ORDER BY enqueued_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending: %w", err)
	}
	defer rows.Close()

	var out []schema.PendingChange
	for rows.Next() {
		var id, payload, nextAt, enqueuedAt string
		var p schema.PendingChange
		if err := rows.Scan(&id, &payload, &p.Attempts, &nextAt, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending change: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &p.Record); err != nil {
			return nil, fmt.Errorf("corrupt pending payload for %s: %w", id, err)
		}
		if err := p.Record.Validate(); err != nil {
			return nil, fmt.Errorf("invalid pending payload for %s: %w", id, err)
		}
		p.Record.Normalize()
		if p.NextAttemptAt, err = parseTime(nextAt); err != nil {
			return nil, fmt.Errorf("corrupt next_attempt_at for %s: %w", id, err)
		}
		if p.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
			return nil, fmt.Errorf("corrupt enqueued_at for %s: %w", id, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending changes: %w", err)
	}
	return out, nil
}

// SaveSnapshot replaces the region of userID with snap in one transaction.
func (c *Cache) SaveSnapshot(ctx context.Context, userID string, snap Snapshot) error {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"tasks", "pending", "sync_meta"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE user_id = ?", userID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	taskStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tasks (user_id, id, text, done, created_at, updated_at, deleted, counter)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, id) DO UPDATE SET
			text = excluded.text,
			done = excluded.done,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			deleted = excluded.deleted,
			counter = excluded.counter`)
	if err != nil {
		return fmt.Errorf("failed to prepare task insert: %w", err)
	}
	defer taskStmt.Close()

	for id, rec := range snap.Tasks {
		if rec.UserID != userID {
			return fmt.Errorf("task %s belongs to %s, not %s", id, rec.UserID, userID)
		}
		_, err := taskStmt.ExecContext(ctx,
			userID, rec.ID, rec.Text, rec.Done,
			formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
			rec.Deleted, rec.Counter)
		if err != nil {
			return fmt.Errorf("failed to save task %s: %w", id, err)
		}
	}

	for _, p := range snap.Pending {
		payload, err := json.Marshal(p.Record)
		if err != nil {
			return fmt.Errorf("failed to marshal pending change %s: %w", p.Record.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO pending (user_id, id, payload, attempts, next_attempt_at, enqueued_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, id) DO UPDATE SET
				payload = excluded.payload,
				attempts = excluded.attempts,
				next_attempt_at = excluded.next_attempt_at,
				enqueued_at = excluded.enqueued_at`,
			userID, p.Record.ID, string(payload), p.Attempts,
			formatTime(p.NextAttemptAt), formatTime(p.EnqueuedAt))
		if err != nil {
			return fmt.Errorf("failed to save pending change %s: %w", p.Record.ID, err)
		}
	}

	if !snap.LastSync.IsZero() {
		_, err := tx.ExecContext(ctx, `INSERT INTO sync_meta (user_id, last_sync) VALUES (?, ?)`,
			userID, formatTime(snap.LastSync))
		if err != nil {
			return fmt.Errorf("failed to save sync meta: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// Stats summarizes the cache contents.
type Stats struct {
	Users      int `json:"users"`
	Tasks      int `json:"tasks"`
	Completed  int `json:"completed"`
	Tombstones int `json:"tombstones"`
	Pending    int `json:"pending"`
}

// GetStats returns counts for userID, or for every user when userID is empty.
func (c *Cache) GetStats(userID string) (Stats, error) {
	return c.GetStatsContext(context.Background(), userID)
}

// GetStatsContext returns counts with context support.
func (c *Cache) GetStatsContext(ctx context.Context, userID string) (Stats, error) {
	var st Stats

	where, args := "", []any{}
	if userID != "" {
		where, args = " WHERE user_id = ?", []any{userID}
	}

	err := c.conn.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT user_id),
		       COUNT(*),
		       COALESCE(SUM(CASE WHEN done = 1 AND deleted = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN deleted = 1 THEN 1 ELSE 0 END), 0)
		FROM tasks`+where, args...).Scan(&st.Users, &st.Tasks, &st.Completed, &st.Tombstones)
	if err != nil {
		return st, fmt.Errorf("failed to count tasks: %w", err)
	}

	if err := c.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending`+where, args...).Scan(&st.Pending); err != nil {
		return st, fmt.Errorf("failed to count pending changes: %w", err)
	}
	return st, nil
}

// Users returns the ids of every user with a stored region, sorted.
func (c *Cache) Users(ctx context.Context) ([]string, error) {
	rows, err := c.conn.QueryContext(ctx, `
		SELECT user_id FROM tasks
		UNION SELECT user_id FROM pending
		UNION SELECT user_id FROM sync_meta
		ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return users, nil
}

// scanTasks is a helper function to scan task rows.
func scanTasks(rows *sql.Rows) ([]schema.TaskRecord, error) {
	var out []schema.TaskRecord

	for rows.Next() {
		var rec schema.TaskRecord
		var createdAt, updatedAt string

		err := rows.Scan(
			&rec.ID,
			&rec.UserID,
			&rec.Text,
			&rec.Done,
			&createdAt,
			&updatedAt,
			&rec.Deleted,
			&rec.Counter,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		if rec.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("corrupt created_at for %s: %w", rec.ID, err)
		}
		if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("corrupt updated_at for %s: %w", rec.ID, err)
		}
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("invalid task %s: %w", rec.ID, err)
		}

		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return schema.Timestamp(t).Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return schema.Timestamp(t), nil
}
