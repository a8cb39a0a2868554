// Package collab defines the types shared between the replicated document, the
// synchronization service and the storage and transport implementations.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by DocumentStorage.Load when nothing is stored for an id.
var ErrNotFound = errors.New("not found")

// Statistics is the combined view of a document and its synchronization state.
type Statistics struct {
	DocumentSizeInBytes int  `json:"documentSizeInBytes"`
	ContentSizeInBytes  int  `json:"contentSizeInBytes"`
	SnapshotsSent       int  `json:"snapshotsSent"`
	SnapshotsReceived   int  `json:"snapshotsReceived"`
	SnapshotOutstanding bool `json:"snapshotOutstanding"`
}

// Message is a real-time message seen on a Channel.
type Message struct {
	Type     string          `json:"type"`
	Content  json.RawMessage `json:"content"`
	SenderID string          `json:"senderId"`
}

// Channel broadcasts messages to the other peers of a room.
type Channel interface {
	BroadcastMessage(ctx context.Context, msgType string, content json.RawMessage) error
	// ObserveMessages returns the messages sent by other peers. The channel is closed
	// once ctx is done.
	ObserveMessages(ctx context.Context) (<-chan Message, error)
}

// DocumentStorage is a local key/value cache of serialized documents.
type DocumentStorage interface {
	Load(ctx context.Context, id string) ([]byte, error)
	Store(ctx context.Context, id string, data []byte) error
}

// EventRef identifies an event accepted by an EventStore.
type EventRef struct {
	EventID         string
	ServerTimestamp time.Time
}

// Event is a durable event read back from an EventStore.
type Event struct {
	ID              string
	Type            string
	Content         json.RawMessage
	ServerTimestamp time.Time
}

// EventStore is an append-only durable log of typed events.
type EventStore interface {
	SendEvent(ctx context.Context, eventType string, content json.RawMessage) (EventRef, error)
	// ReadEvents calls visit for every event of eventType, newest first by server
	// timestamp with ties broken by insertion order, until visit returns false.
	// visit must not call back into the store.
	ReadEvents(ctx context.Context, eventType string, visit func(Event) bool) error
}
