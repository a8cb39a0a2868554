// Package sqlite stores serialized documents and the snapshot event log in a
// single sqlite database. Binary payloads are kept as base64 text.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/automerge-whiteboard/pkg/collab"
)

type Store struct {
	database *sql.DB
	now      func() time.Time
}

var (
	_ collab.DocumentStorage = (*Store)(nil)
	_ collab.EventStore      = (*Store)(nil)
)

// Open opens or creates the database at path and ensures the tables exist.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{database: db, now: time.Now}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	if _, err := s.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS documents (
		id text not null primary key,
		content text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create documents table: %w", err)
	}
	if _, err := s.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS events (
		seq integer primary key autoincrement,
		type text not null,
		content text not null,
		server_ts integer not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}
	if _, err := s.database.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS events_by_type ON events (type, server_ts DESC, seq DESC)`,
	); err != nil {
		return fmt.Errorf("failed to create events index: %w", err)
	}
	slog.Debug("Ensured sqlite tables exist")
	return nil
}

func (s *Store) Close() error {
	return s.database.Close()
}

func (s *Store) Load(ctx context.Context, id string) ([]byte, error) {
	var raw string
	err := s.database.QueryRowContext(ctx, `SELECT content FROM documents WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, collab.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to query document: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return data, nil
}

func (s *Store) Store(ctx context.Context, id string, data []byte) error {
	content := base64.StdEncoding.EncodeToString(data)
	if _, err := s.database.ExecContext(ctx,
		`INSERT INTO documents (id, content) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET content = excluded.content WHERE content != excluded.content`,
		id, content,
	); err != nil {
		return fmt.Errorf("failed to store document: %w", err)
	}
	return nil
}

func (s *Store) SendEvent(ctx context.Context, eventType string, content json.RawMessage) (collab.EventRef, error) {
	ts := s.now().UTC()
	res, err := s.database.ExecContext(ctx,
		`INSERT INTO events (type, content, server_ts) VALUES (?, ?, ?)`,
		eventType, base64.StdEncoding.EncodeToString(content), ts.UnixNano(),
	)
	if err != nil {
		return collab.EventRef{}, fmt.Errorf("failed to insert event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return collab.EventRef{}, fmt.Errorf("failed to read event id: %w", err)
	}
	return collab.EventRef{EventID: strconv.FormatInt(seq, 10), ServerTimestamp: ts}, nil
}

func (s *Store) ReadEvents(ctx context.Context, eventType string, visit func(collab.Event) bool) error {
	rows, err := s.database.QueryContext(ctx,
		`SELECT seq, content, server_ts FROM events WHERE type = ? ORDER BY server_ts DESC, seq DESC`,
		eventType,
	)
	if err != nil {
		return fmt.Errorf("failed to query events: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "err", err)
		}
	}(rows)
	for rows.Next() {
		var seq, ts int64
		var raw string
		if err := rows.Scan(&seq, &raw, &ts); err != nil {
			return fmt.Errorf("failed to scan event: %w", err)
		}
		content, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return fmt.Errorf("failed to decode event %d: %w", seq, err)
		}
		if !visit(collab.Event{
			ID:              strconv.FormatInt(seq, 10),
			Type:            eventType,
			Content:         content,
			ServerTimestamp: time.Unix(0, ts).UTC(),
		}) {
			return nil
		}
	}
	return rows.Err()
}
