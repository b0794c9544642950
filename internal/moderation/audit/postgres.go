package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlModerationAudit = `
CREATE TABLE IF NOT EXISTS moderation_audit (
    id               UUID         PRIMARY KEY,
    command_id       UUID,
    text             TEXT         NOT NULL DEFAULT '',
    action           TEXT         NOT NULL DEFAULT '',
    username         TEXT         NOT NULL DEFAULT '',
    spoken_username  TEXT         NOT NULL DEFAULT '',
    method           TEXT         NOT NULL DEFAULT '',
    duration_seconds BIGINT,
    executor         TEXT         NOT NULL DEFAULT '',
    outcome          TEXT         NOT NULL,
    detail           TEXT         NOT NULL DEFAULT '',
    at               TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_moderation_audit_at
    ON moderation_audit (at DESC);

CREATE INDEX IF NOT EXISTS idx_moderation_audit_username
    ON moderation_audit (username);
`

var _ Store = (*PostgresStore)(nil)

// PostgresStore persists records in the moderation_audit table.
// All methods are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, verifies the connection and runs
// [Migrate].
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("audit: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the audit table and its indexes if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlModerationAudit); err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

// Append implements [Store].
func (s *PostgresStore) Append(ctx context.Context, rec Record) error {
	const q = `
		INSERT INTO moderation_audit
		    (id, command_id, text, action, username, spoken_username, method,
		     duration_seconds, executor, outcome, detail, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	var commandID *uuid.UUID
	if rec.CommandID != uuid.Nil {
		commandID = &rec.CommandID
	}
	_, err := s.pool.Exec(ctx, q,
		rec.ID,
		commandID,
		rec.Text,
		rec.Action,
		rec.Username,
		rec.SpokenUsername,
		rec.Method,
		rec.DurationSeconds,
		rec.Executor,
		string(rec.Outcome),
		rec.Detail,
		rec.At,
	)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// Recent implements [Store]. A non-positive limit returns every record.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	q := `
		SELECT id, command_id, text, action, username, spoken_username, method,
		       duration_seconds, executor, outcome, detail, at
		FROM   moderation_audit
		ORDER  BY at DESC`
	args := []any{}
	if limit > 0 {
		q += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: recent: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var (
			r         Record
			commandID *uuid.UUID
			outcome   string
		)
		if err := row.Scan(
			&r.ID,
			&commandID,
			&r.Text,
			&r.Action,
			&r.Username,
			&r.SpokenUsername,
			&r.Method,
			&r.DurationSeconds,
			&r.Executor,
			&outcome,
			&r.Detail,
			&r.At,
		); err != nil {
			return Record{}, err
		}
		if commandID != nil {
			r.CommandID = *commandID
		}
		r.Outcome = Outcome(outcome)
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit: scan rows: %w", err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
