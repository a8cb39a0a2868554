package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-whiteboard/pkg/collab"
)

func newServer(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(nil)
	r := mux.NewRouter()
	r.Path("/rooms/{room}/ws").Handler(hub)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connect(t *testing.T, url string) *Client {
	t.Helper()
	c := Dial(context.Background(), url, nil)
	t.Cleanup(func() { _ = c.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitConnected(ctx))
	return c
}

func receive(t *testing.T, messages <-chan collab.Message) collab.Message {
	t.Helper()
	select {
	case msg := <-messages:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return collab.Message{}
	}
}

func TestFanOutWithinRoom(t *testing.T) {
	hub, base := newServer(t)
	a := connect(t, base+"/rooms/one/ws")
	b := connect(t, base+"/rooms/one/ws")
	other := connect(t, base+"/rooms/two/ws")
	require.Eventually(t, func() bool { return hub.Connections() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, hub.Rooms())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fromA, err := a.ObserveMessages(ctx)
	require.NoError(t, err)
	fromB, err := b.ObserveMessages(ctx)
	require.NoError(t, err)
	fromOther, err := other.ObserveMessages(ctx)
	require.NoError(t, err)

	require.NoError(t, a.BroadcastMessage(ctx, collab.MessageTypeDocumentUpdate, json.RawMessage(`{"documentId":"d"}`)))
	msg := receive(t, fromB)
	assert.Equal(t, collab.MessageTypeDocumentUpdate, msg.Type)
	assert.Equal(t, a.ID(), msg.SenderID)
	assert.JSONEq(t, `{"documentId":"d"}`, string(msg.Content))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, fromA)
	assert.Empty(t, fromOther)
}

func TestBroadcastWhileDisconnected(t *testing.T) {
	c := Dial(context.Background(), "ws://127.0.0.1:1/rooms/x/ws", nil)
	defer c.Close()
	err := c.BroadcastMessage(context.Background(), "t", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestObserveClosesWithContext(t *testing.T) {
	_, base := newServer(t)
	c := connect(t, base+"/rooms/one/ws")
	ctx, cancel := context.WithCancel(context.Background())
	messages, err := c.ObserveMessages(ctx)
	require.NoError(t, err)
	cancel()
	assert.Eventually(t, func() bool {
		_, open := <-messages
		return !open
	}, 2*time.Second, 5*time.Millisecond)
}
