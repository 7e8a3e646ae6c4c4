package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the connection_attempts table. Execute it via
// [Postgres.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS connection_attempts (
    id              TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    attempt_id      BIGINT NOT NULL,
    opened_at       TIMESTAMPTZ,
    closed_at       TIMESTAMPTZ NOT NULL,
    close_code      INTEGER NOT NULL DEFAULT 0,
    close_reason    TEXT NOT NULL DEFAULT '',
    was_clean       BOOLEAN NOT NULL DEFAULT false,
    class           TEXT NOT NULL,
    recorded_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_connection_attempts_conversation
    ON connection_attempts(conversation_id, closed_at DESC);
`

// DB is the database interface used by [Postgres]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// Postgres is a [Store] backed by a PostgreSQL database.
type Postgres struct {
	db DB
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a [Postgres] store on db. The caller is responsible for
// calling [Postgres.Migrate] before issuing queries.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

// Open connects a pool to dsn, pings it and migrates the schema. The returned
// close function releases the pool.
func Open(ctx context.Context, dsn string) (*Postgres, func(), error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("journal: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("journal: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("journal: ping: %w", err)
	}
	s := NewPostgres(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

// Migrate executes the [Schema] DDL.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

// Append implements [Store].
func (s *Postgres) Append(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}

	const query = `
		INSERT INTO connection_attempts (
			id, conversation_id, attempt_id, opened_at, closed_at,
			close_code, close_reason, was_clean, class, recorded_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.Exec(ctx, query,
		e.ID, e.ConversationID, int64(e.AttemptID), nullTime(e.OpenedAt), e.ClosedAt,
		e.CloseCode, e.CloseReason, e.WasClean, e.Class, e.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}
	return nil
}

const selectColumns = `
	SELECT id, conversation_id, attempt_id, opened_at, closed_at,
	       close_code, close_reason, was_clean, class, recorded_at
	FROM connection_attempts`

// List implements [Store].
func (s *Postgres) List(ctx context.Context, conversationID string, limit int) ([]Entry, error) {
	rows, err := s.db.Query(ctx, selectColumns+`
		WHERE conversation_id = $1
		ORDER BY closed_at DESC
		LIMIT $2`, conversationID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("journal: list: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	return out, nil
}

// Get implements [Store].
func (s *Postgres) Get(ctx context.Context, id string) (Entry, error) {
	e, err := scanEntry(s.db.QueryRow(ctx, selectColumns+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("journal: get: %w", err)
	}
	return e, nil
}

// Ping implements [Store].
func (s *Postgres) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("journal: ping: %w", err)
	}
	return nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e        Entry
		attempt  int64
		openedAt *time.Time
	)
	err := row.Scan(
		&e.ID, &e.ConversationID, &attempt, &openedAt, &e.ClosedAt,
		&e.CloseCode, &e.CloseReason, &e.WasClean, &e.Class, &e.RecordedAt,
	)
	if err != nil {
		return Entry{}, err
	}
	e.AttemptID = uint64(attempt)
	if openedAt != nil {
		e.OpenedAt = *openedAt
	}
	return e, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
