// Package bolt is a single-file DocumentStorage and EventStore built on bbolt.
//
// Events live in one nested bucket per event type. Keys are the big-endian server
// timestamp followed by the bucket sequence, so a reverse cursor walk yields the
// newest event first with ties broken by insertion order.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/astromechza/automerge-whiteboard/pkg/collab"
)

const (
	documentBucket = "documents"
	eventBucket    = "events"
)

type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

var (
	_ collab.DocumentStorage = (*Store)(nil)
	_ collab.EventStore      = (*Store)(nil)
)

// Open opens a bbolt-backed store at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}
	s := &Store{db: db, now: time.Now}
	if err := s.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{documentBucket, eventBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Store) Load(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		payload := tx.Bucket([]byte(documentBucket)).Get([]byte(id))
		if payload == nil {
			return collab.ErrNotFound
		}
		// bbolt memory is only valid inside the transaction
		data = slices.Clone(payload)
		return nil
	})
	return data, err
}

func (s *Store) Store(ctx context.Context, id string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("document id is required")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(documentBucket)).Put([]byte(id), data)
	})
}

func eventKey(ts time.Time, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}

func (s *Store) SendEvent(ctx context.Context, eventType string, content json.RawMessage) (collab.EventRef, error) {
	if err := ctx.Err(); err != nil {
		return collab.EventRef{}, err
	}
	ts := s.now().UTC()
	var seq uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.Bucket([]byte(eventBucket)).CreateBucketIfNotExists([]byte(eventType))
		if err != nil {
			return fmt.Errorf("create event type bucket: %w", err)
		}
		if seq, err = bucket.NextSequence(); err != nil {
			return fmt.Errorf("next event sequence: %w", err)
		}
		return bucket.Put(eventKey(ts, seq), content)
	})
	if err != nil {
		return collab.EventRef{}, err
	}
	return collab.EventRef{EventID: eventType + "/" + strconv.FormatUint(seq, 10), ServerTimestamp: ts}, nil
}

func (s *Store) ReadEvents(ctx context.Context, eventType string, visit func(collab.Event) bool) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(eventBucket)).Bucket([]byte(eventType))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if len(k) != 16 {
				continue
			}
			ev := collab.Event{
				ID:              eventType + "/" + strconv.FormatUint(binary.BigEndian.Uint64(k[8:]), 10),
				Type:            eventType,
				Content:         slices.Clone(v),
				ServerTimestamp: time.Unix(0, int64(binary.BigEndian.Uint64(k[:8]))).UTC(),
			}
			if !visit(ev) {
				return nil
			}
		}
		return nil
	})
}
