package redis

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-whiteboard/pkg/collab"
)

func TestPubSub(t *testing.T) {
	addr := os.Getenv("WHITEBOARD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("WHITEBOARD_TEST_REDIS_ADDR is not set")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rdb, err := Connect(ctx, addr)
	require.NoError(t, err)
	defer rdb.Close()

	room := uuid.NewString()
	a, b := New(rdb, room, nil), New(rdb, room, nil)
	fromA, err := a.ObserveMessages(ctx)
	require.NoError(t, err)
	fromB, err := b.ObserveMessages(ctx)
	require.NoError(t, err)

	require.NoError(t, a.BroadcastMessage(ctx, collab.MessageTypeDocumentUpdate, json.RawMessage(`{"documentId":"x"}`)))
	select {
	case msg := <-fromB:
		assert.Equal(t, a.ID(), msg.SenderID)
		assert.Equal(t, collab.MessageTypeDocumentUpdate, msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, fromA)
}
