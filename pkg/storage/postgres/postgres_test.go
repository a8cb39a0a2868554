package postgres

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-whiteboard/pkg/collab"
)

func open(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("WHITEBOARD_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("WHITEBOARD_TEST_DATABASE_URL is not set")
	}
	s, err := Open(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestDocuments(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	id := uuid.NewString()

	_, err := s.Load(ctx, id)
	assert.ErrorIs(t, err, collab.ErrNotFound)
	require.NoError(t, s.Store(ctx, id, []byte{1, 2, 3}))
	require.NoError(t, s.Store(ctx, id, []byte{4}))
	data, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte{4}, data)
}

func TestEventsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	eventType := "test-" + uuid.NewString()

	var refs []collab.EventRef
	for i := range 3 {
		ref, err := s.SendEvent(ctx, eventType, json.RawMessage(`{"n":`+string(rune('0'+i))+`}`))
		require.NoError(t, err)
		refs = append(refs, ref)
	}

	var ids []string
	require.NoError(t, s.ReadEvents(ctx, eventType, func(ev collab.Event) bool {
		ids = append(ids, ev.ID)
		return true
	}))
	assert.Equal(t, []string{refs[2].EventID, refs[1].EventID, refs[0].EventID}, ids)
}
