// Package memory holds in-process implementations of the document cache and the
// event store, used by tests and single-process setups.
package memory

import (
	"context"
	"encoding/json"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/astromechza/automerge-whiteboard/pkg/collab"
)

type DocumentStorage struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func NewDocumentStorage() *DocumentStorage {
	return &DocumentStorage{docs: make(map[string][]byte)}
}

func (s *DocumentStorage) Load(_ context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.docs[id]
	if !ok {
		return nil, collab.ErrNotFound
	}
	return slices.Clone(data), nil
}

func (s *DocumentStorage) Store(_ context.Context, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[id] = slices.Clone(data)
	return nil
}

// EventStore keeps events in insertion order. Now is used for server timestamps
// when set.
type EventStore struct {
	Now func() time.Time

	mu     sync.Mutex
	events []collab.Event
}

func NewEventStore() *EventStore {
	return &EventStore{}
}

func (s *EventStore) SendEvent(_ context.Context, eventType string, content json.RawMessage) (collab.EventRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	ev := collab.Event{
		ID:              strconv.Itoa(len(s.events) + 1),
		Type:            eventType,
		Content:         slices.Clone(content),
		ServerTimestamp: now().UTC(),
	}
	s.events = append(s.events, ev)
	return collab.EventRef{EventID: ev.ID, ServerTimestamp: ev.ServerTimestamp}, nil
}

func (s *EventStore) ReadEvents(ctx context.Context, eventType string, visit func(collab.Event) bool) error {
	s.mu.Lock()
	matching := make([]collab.Event, 0, len(s.events))
	for _, ev := range s.events {
		if ev.Type == eventType {
			matching = append(matching, ev)
		}
	}
	s.mu.Unlock()

	// stable sort keeps later insertions first among equal timestamps once reversed
	slices.Reverse(matching)
	slices.SortStableFunc(matching, func(a, b collab.Event) int {
		return b.ServerTimestamp.Compare(a.ServerTimestamp)
	})
	for _, ev := range matching {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !visit(ev) {
			return nil
		}
	}
	return nil
}

// Len returns the number of events of eventType.
func (s *EventStore) Len(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

// Events returns a copy of all events in insertion order.
func (s *EventStore) Events() []collab.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}
