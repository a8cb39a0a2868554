// Package memory is an in-process Channel hub. Every peer joined to the same Hub
// sees the messages broadcast by the others.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/astromechza/automerge-whiteboard/pkg/collab"
)

var ErrHubClosed = errors.New("hub closed")

type Hub struct {
	mu     sync.Mutex
	peers  map[string][]chan collab.Message
	closed bool
}

func NewHub() *Hub {
	return &Hub{peers: make(map[string][]chan collab.Message)}
}

// Join returns a Channel for a new peer with a random sender id.
func (h *Hub) Join() *Peer {
	return &Peer{hub: h, id: uuid.NewString()}
}

// Close closes every observer channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, chans := range h.peers {
		for _, c := range chans {
			close(c)
		}
	}
	h.peers = nil
}

func (h *Hub) deliver(ctx context.Context, msg collab.Message) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	var targets []chan collab.Message
	for id, chans := range h.peers {
		if id != msg.SenderID {
			targets = append(targets, chans...)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := h.send(ctx, c, msg); err != nil {
			return err
		}
	}
	return nil
}

// send tolerates the target being closed concurrently.
func (h *Hub) send(ctx context.Context, c chan collab.Message, msg collab.Message) (err error) {
	defer func() {
		if recover() != nil {
			err = nil
		}
	}()
	select {
	case c <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) observe(ctx context.Context, id string) (<-chan collab.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	c := make(chan collab.Message, 64)
	h.peers[id] = append(h.peers[id], c)
	go func() {
		<-ctx.Done()
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.closed {
			return
		}
		chans := h.peers[id]
		if i := slices.Index(chans, c); i >= 0 {
			h.peers[id] = slices.Delete(chans, i, i+1)
			close(c)
		}
	}()
	return c, nil
}

// Peer is one member of a Hub.
type Peer struct {
	hub *Hub
	id  string
}

var _ collab.Channel = (*Peer)(nil)

func (p *Peer) ID() string {
	return p.id
}

func (p *Peer) BroadcastMessage(ctx context.Context, msgType string, content json.RawMessage) error {
	return p.hub.deliver(ctx, collab.Message{Type: msgType, Content: slices.Clone(content), SenderID: p.id})
}

func (p *Peer) ObserveMessages(ctx context.Context) (<-chan collab.Message, error) {
	return p.hub.observe(ctx, p.id)
}
