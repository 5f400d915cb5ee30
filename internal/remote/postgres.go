package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/steveyegge/tasksync/internal/schema"
)

// NotifyChannel is the LISTEN/NOTIFY channel carrying row changes.
const NotifyChannel = "todos_changes"

const todoColumns = `id, user_id, text, done, created_at, updated_at, deleted, counter`

// PgRemote is a PostgreSQL-backed Remote. Realtime events are delivered
// through LISTEN/NOTIFY fed by a row trigger on the todos table.
type PgRemote struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

// Connect opens a connection pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", classify(err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", classify(err))
	}
	return pool, nil
}

// NewPgRemote creates a PgRemote over pool.
// If logger is nil, a default logger writing to stderr is used.
func NewPgRemote(pool *pgxpool.Pool, logger *log.Logger) *PgRemote {
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &PgRemote{pool: pool, logger: logger}
}

// EnsureTable creates the todos table, its index and the notify trigger if
// they don't exist.
func (s *PgRemote) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS todos (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			text       TEXT NOT NULL DEFAULT '',
			done       BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			deleted    BOOLEAN NOT NULL DEFAULT FALSE,
			counter    BIGINT NOT NULL DEFAULT 0
		)`)
	if err != nil {
		return fmt.Errorf("create todos table: %w", classify(err))
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_todos_user_updated ON todos(user_id, updated_at)`)
	if err != nil {
		return fmt.Errorf("create todos index: %w", classify(err))
	}
	_, err = s.pool.Exec(ctx, `
		CREATE OR REPLACE FUNCTION todos_notify() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify('`+NotifyChannel+`', row_to_json(NEW)::text);
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`)
	if err != nil {
		return fmt.Errorf("create notify function: %w", classify(err))
	}
	_, err = s.pool.Exec(ctx, `
		DO $$
		BEGIN
			IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'todos_notify_trigger') THEN
				CREATE TRIGGER todos_notify_trigger
					AFTER INSERT OR UPDATE ON todos
					FOR EACH ROW EXECUTE FUNCTION todos_notify();
			END IF;
		END
		$$`)
	if err != nil {
		return fmt.Errorf("create notify trigger: %w", classify(err))
	}
	return nil
}

// Upsert implements Remote. A row owned by another user is never
// overwritten (ErrUnauthorized), nor is a row with a newer updated_at
// (ErrStale).
func (s *PgRemote) Upsert(ctx context.Context, rec schema.TaskRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid row %s: %w", rec.ID, err)
	}
	rec.Normalize()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO todos (`+todoColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			text = excluded.text,
			done = excluded.done,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			deleted = excluded.deleted,
			counter = excluded.counter
		WHERE todos.user_id = excluded.user_id
		  AND todos.updated_at <= excluded.updated_at`,
		rec.ID, rec.UserID, rec.Text, rec.Done, rec.CreatedAt, rec.UpdatedAt, rec.Deleted, rec.Counter)
	if err != nil {
		return fmt.Errorf("upsert todo %s: %w", rec.ID, classify(err))
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var owner string
	var updated time.Time
	err = s.pool.QueryRow(ctx, `SELECT user_id, updated_at FROM todos WHERE id = $1`, rec.ID).Scan(&owner, &updated)
	if err != nil {
		return fmt.Errorf("upsert todo %s: check skipped write: %w", rec.ID, classify(err))
	}
	if owner != rec.UserID {
		return fmt.Errorf("upsert todo %s: row belongs to another user: %w", rec.ID, ErrUnauthorized)
	}
	return fmt.Errorf("upsert todo %s: row updated at %s: %w", rec.ID, updated.UTC().Format(time.RFC3339Nano), ErrStale)
}

// FetchAll implements Remote.
func (s *PgRemote) FetchAll(ctx context.Context, userID string) ([]schema.TaskRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+todoColumns+`
		FROM todos WHERE user_id = $1 AND deleted = FALSE
		ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("fetch todos: %w", classify(err))
	}
	defer rows.Close()
	return scanTodoRows(rows)
}

// FetchChanges implements Remote.
func (s *PgRemote) FetchChanges(ctx context.Context, userID string, since time.Time) ([]schema.TaskRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+todoColumns+`
		FROM todos WHERE user_id = $1 AND updated_at > $2
		ORDER BY updated_at ASC`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("fetch todo changes: %w", classify(err))
	}
	defer rows.Close()
	return scanTodoRows(rows)
}

// Subscribe implements Remote. It holds one pooled connection in LISTEN mode
// for as long as the subscription runs.
func (s *PgRemote) Subscribe(ctx context.Context, userID string, fn func(schema.TaskRecord)) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", classify(err))
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("listen %s: %w", NotifyChannel, classify(err))
	}
	defer func() {
		// The connection goes back to the pool; stop it receiving notifications.
		unlistenCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(unlistenCtx, "UNLISTEN "+NotifyChannel)
	}()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("wait for notification: %w", classify(err))
		}

		rec, err := decodeNotification(n.Payload)
		if err != nil {
			s.logger.Printf("Warning: skipping malformed notification: %v", err)
			continue
		}
		if rec.UserID != userID {
			continue
		}
		fn(rec)
	}
}

// decodeNotification parses a row_to_json payload.
func decodeNotification(payload string) (schema.TaskRecord, error) {
	var rec schema.TaskRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return rec, fmt.Errorf("decode row: %w", err)
	}
	if err := rec.Validate(); err != nil {
		return rec, fmt.Errorf("invalid row %s: %w", rec.ID, err)
	}
	rec.Normalize()
	return rec, nil
}

func scanTodoRows(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]schema.TaskRecord, error) {
	var out []schema.TaskRecord
	for rows.Next() {
		var rec schema.TaskRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Text, &rec.Done, &rec.CreatedAt, &rec.UpdatedAt, &rec.Deleted, &rec.Counter); err != nil {
			return nil, fmt.Errorf("scan todo: %w", err)
		}
		rec.Normalize()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", classify(err))
	}
	return out, nil
}

// Postgres SQLSTATE codes that retrying cannot fix.
var unauthorizedCodes = map[string]bool{
	"28000": true, // invalid_authorization_specification
	"28P01": true, // invalid_password
	"42501": true, // insufficient_privilege (row level security)
}

// classify marks authorization failures with ErrUnauthorized so the sync
// engine stops retrying them. Everything else is left as a network error.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && unauthorizedCodes[pgErr.Code] {
		return fmt.Errorf("%w: %s (%s)", ErrUnauthorized, pgErr.Message, pgErr.Code)
	}
	return err
}
