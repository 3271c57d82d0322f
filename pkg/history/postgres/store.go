// Package postgres provides a PostgreSQL-backed implementation of
// [history.Store] for installations that want conversations shared across
// machines instead of local JSONL files.
//
// A single [pgxpool.Pool] is held for the lifetime of the store; [Migrate]
// installs the required table on startup via CREATE TABLE IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Append(ctx, convID, turn)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxchat/pkg/history"
)

// Compile-time interface check.
var _ history.Store = (*Store)(nil)

const ddlTurns = `
CREATE TABLE IF NOT EXISTS conversation_turns (
    seq             BIGSERIAL    PRIMARY KEY,
    conversation_id TEXT         NOT NULL,
    turn_id         TEXT         NOT NULL,
    speaker         TEXT         NOT NULL,
    text            TEXT         NOT NULL,
    timestamp       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversation_turns_conversation
    ON conversation_turns (conversation_id, seq);
`

// Store is a PostgreSQL-backed history.Store. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection pool to the database at dsn and runs [Migrate]
// to ensure the conversation table exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history postgres: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history postgres: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Migrate creates the conversation_turns table and its index if missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTurns); err != nil {
		return fmt.Errorf("history postgres: apply ddl: %w", err)
	}
	return nil
}

// Append implements [history.Store].
func (s *Store) Append(ctx context.Context, conversationID string, turn history.Turn) error {
	const q = `
		INSERT INTO conversation_turns (conversation_id, turn_id, speaker, text, timestamp)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, q,
		conversationID,
		turn.ID,
		string(turn.Speaker),
		turn.Text,
		turn.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("history postgres: append: %w", err)
	}
	return nil
}

// Load implements [history.Store]. Turns are returned in insertion order.
func (s *Store) Load(ctx context.Context, conversationID string) ([]history.Turn, error) {
	const q = `
		SELECT turn_id, speaker, text, timestamp
		FROM   conversation_turns
		WHERE  conversation_id = $1
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("history postgres: load: %w", err)
	}

	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Turn, error) {
		var (
			t       history.Turn
			speaker string
		)
		if err := row.Scan(&t.ID, &speaker, &t.Text, &t.Timestamp); err != nil {
			return history.Turn{}, err
		}
		t.Speaker = history.Speaker(speaker)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history postgres: scan rows: %w", err)
	}
	if turns == nil {
		turns = []history.Turn{}
	}
	return turns, nil
}

// Delete implements [history.Store].
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	const q = `DELETE FROM conversation_turns WHERE conversation_id = $1`
	if _, err := s.pool.Exec(ctx, q, conversationID); err != nil {
		return fmt.Errorf("history postgres: delete: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
