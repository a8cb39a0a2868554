// Package postgres is a shared EventStore and DocumentStorage backed by a pgx
// connection pool. Server timestamps are assigned by the database.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/astromechza/automerge-whiteboard/pkg/collab"
)

type Store struct {
	pool *pgxpool.Pool
}

var (
	_ collab.DocumentStorage = (*Store)(nil)
	_ collab.EventStore      = (*Store)(nil)
)

// Open connects to url and ensures the tables exist.
func Open(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id text PRIMARY KEY,
			content bytea NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			seq bigserial PRIMARY KEY,
			type text NOT NULL,
			content jsonb NOT NULL,
			server_ts timestamptz NOT NULL DEFAULT clock_timestamp()
		)`,
		`CREATE INDEX IF NOT EXISTS events_by_type ON events (type, server_ts DESC, seq DESC)`,
	} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	slog.Debug("Ensured postgres tables exist")
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Load(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT content FROM documents WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, collab.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to query document: %w", err)
	}
	return data, nil
}

func (s *Store) Store(ctx context.Context, id string, data []byte) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, content) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET content = excluded.content, updated_at = now()
		WHERE documents.content <> excluded.content`,
		id, data,
	); err != nil {
		return fmt.Errorf("failed to store document: %w", err)
	}
	return nil
}

func (s *Store) SendEvent(ctx context.Context, eventType string, content json.RawMessage) (collab.EventRef, error) {
	var seq int64
	var ts time.Time
	if err := s.pool.QueryRow(ctx,
		`INSERT INTO events (type, content) VALUES ($1, $2) RETURNING seq, server_ts`,
		eventType, string(content),
	).Scan(&seq, &ts); err != nil {
		return collab.EventRef{}, fmt.Errorf("failed to insert event: %w", err)
	}
	return collab.EventRef{EventID: strconv.FormatInt(seq, 10), ServerTimestamp: ts.UTC()}, nil
}

func (s *Store) ReadEvents(ctx context.Context, eventType string, visit func(collab.Event) bool) error {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, content::text, server_ts FROM events WHERE type = $1 ORDER BY server_ts DESC, seq DESC`,
		eventType,
	)
	if err != nil {
		return fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var seq int64
		var content string
		var ts time.Time
		if err := rows.Scan(&seq, &content, &ts); err != nil {
			return fmt.Errorf("failed to scan event: %w", err)
		}
		if !visit(collab.Event{
			ID:              strconv.FormatInt(seq, 10),
			Type:            eventType,
			Content:         json.RawMessage(content),
			ServerTimestamp: ts.UTC(),
		}) {
			return nil
		}
	}
	return rows.Err()
}
