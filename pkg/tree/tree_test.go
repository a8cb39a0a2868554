package tree

import (
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRoot(t *testing.T) *automerge.Map {
	t.Helper()
	doc := automerge.New()
	require.NoError(t, doc.Path("board").Set(map[string]any{
		"title":    "plan",
		"elements": []any{"a", "b", "c"},
		"meta":     map[string]any{"owner": "x"},
	}))
	v, err := doc.RootMap().Get("board")
	require.NoError(t, err)
	return v.Map()
}

func TestMapConversion(t *testing.T) {
	root := newRoot(t)
	content, err := Map(root)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"title":    "plan",
		"elements": []any{"a", "b", "c"},
		"meta":     map[string]any{"owner": "x"},
	}, content)
}

func TestSetInsertDelete(t *testing.T) {
	root := newRoot(t)

	require.NoError(t, Set(root, Path{"meta", "owner"}, "y"))
	require.NoError(t, Insert(root, Path{"elements", 1}, "z"))
	require.NoError(t, Delete(root, Path{"elements", 3}))
	require.NoError(t, Delete(root, Path{"title"}))

	content, err := Map(root)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"elements": []any{"a", "z", "b"},
		"meta":     map[string]any{"owner": "y"},
	}, content)
}

func TestMissingPaths(t *testing.T) {
	root := newRoot(t)
	assert.ErrorIs(t, Set(root, Path{"missing", "x"}, 1), ErrPathNotFound)
	assert.ErrorIs(t, Delete(root, Path{"elements", 9}), ErrPathNotFound)
	assert.ErrorIs(t, Insert(root, Path{"title", 0}, "x"), ErrPathNotFound)
	assert.ErrorIs(t, Delete(root, nil), ErrPathNotFound)
}

func TestEnsureMap(t *testing.T) {
	root := newRoot(t)
	m, err := EnsureMap(root, Path{"meta", "style", "colors"})
	require.NoError(t, err)
	require.NoError(t, m.Set("fill", "red"))

	content, err := Map(root)
	require.NoError(t, err)
	v, ok := Lookup(content, Path{"meta", "style", "colors", "fill"})
	assert.True(t, ok)
	assert.Equal(t, "red", v)

	_, err = EnsureMap(root, Path{"title", "x"})
	assert.ErrorIs(t, err, ErrPathNotFound)
}

func TestPathHelpers(t *testing.T) {
	p := Path{"elements", 2, "x"}
	assert.Equal(t, "/elements/2/x", p.String())
	assert.Equal(t, Path{"elements", 2}, p.Parent())
	assert.Equal(t, "x", p.Last())
	assert.True(t, p.HasPrefix(Path{"elements"}))
	assert.False(t, p.HasPrefix(Path{"elements", 3}))
	assert.Equal(t, Path{"elements", 2, "x", "y"}, p.Child("y"))
	assert.Len(t, p, 3)

	_, ok := Lookup(map[string]any{"a": []any{1}}, Path{"a", 4})
	assert.False(t, ok)
}

func TestMapObjectsRecordsTextAndCounters(t *testing.T) {
	root := newRoot(t)
	require.NoError(t, root.Set("notes", automerge.NewText("hello")))
	require.NoError(t, root.Set("cards", []any{map[string]any{"votes": automerge.NewCounter(3)}}))

	content, objects, err := MapObjects(root)
	require.NoError(t, err)
	assert.Equal(t, "hello", content["notes"])
	assert.Equal(t, automerge.KindText, objects.Kind(Path{"notes"}))
	assert.Equal(t, automerge.KindCounter, objects.Kind(Path{"cards", 0, "votes"}))
	assert.Equal(t, automerge.KindVoid, objects.Kind(Path{"title"}))

	card := objects.Sub(Path{"cards", 0})
	assert.Equal(t, automerge.KindCounter, card.Kind(Path{"votes"}))
	assert.Empty(t, objects.Sub(Path{"meta"}))

	// write the restored card back somewhere else and read the kinds again
	v, err := root.Get("cards")
	require.NoError(t, err)
	require.NoError(t, v.List().Append(card.Restore(content["cards"].([]any)[0])))
	_, again, err := MapObjects(root)
	require.NoError(t, err)
	assert.Equal(t, automerge.KindCounter, again.Kind(Path{"cards", 1, "votes"}))
	assert.Equal(t, automerge.KindText, again.Kind(Path{"notes"}))
}

func TestRestoreWithoutObjectsIsIdentity(t *testing.T) {
	v := map[string]any{"a": "b"}
	assert.Equal(t, v, Objects(nil).Restore(v))
}
