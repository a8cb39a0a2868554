package undo

import (
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-whiteboard/pkg/tree"
)

func TestDiffMaps(t *testing.T) {
	ins, del := Diff(
		map[string]any{"a": int64(1), "b": "x", "nested": map[string]any{"k": true}},
		map[string]any{"b": "y", "c": 2.5, "nested": map[string]any{"k": true, "l": nil}},
	)
	assert.Equal(t, []Operation{
		{Path: tree.Path{"b"}, Value: "y"},
		{Path: tree.Path{"c"}, Value: 2.5},
		{Path: tree.Path{"nested", "l"}, Value: nil},
	}, ins)
	assert.Equal(t, []Operation{
		{Path: tree.Path{"a"}, Value: int64(1)},
		{Path: tree.Path{"b"}, Value: "x"},
	}, del)
}

func TestDiffLists(t *testing.T) {
	ins, del := Diff(
		map[string]any{"l": []any{"a", "b", "c", "d"}},
		map[string]any{"l": []any{"a", "x", "y", "z", "d"}},
	)
	assert.Equal(t, []Operation{
		{Path: tree.Path{"l", 1}, Value: "x"},
		{Path: tree.Path{"l", 2}, Value: "y"},
		{Path: tree.Path{"l", 3}, Value: "z"},
	}, ins)
	assert.Equal(t, []Operation{
		{Path: tree.Path{"l", 1}, Value: "b", Prev: "a", HasPrev: true},
		{Path: tree.Path{"l", 2}, Value: "c", Prev: "b", HasPrev: true},
	}, del)
}

func TestDiffRecursesIntoSameLengthLists(t *testing.T) {
	ins, del := Diff(
		map[string]any{"l": []any{map[string]any{"x": int64(1)}, "keep"}},
		map[string]any{"l": []any{map[string]any{"x": int64(2)}, "keep"}},
	)
	assert.Equal(t, []Operation{{Path: tree.Path{"l", 0, "x"}, Value: int64(2)}}, ins)
	assert.Equal(t, []Operation{{Path: tree.Path{"l", 0, "x"}, Value: int64(1)}}, del)
}

func TestDiffEqual(t *testing.T) {
	ins, del := Diff(map[string]any{"a": []any{"b"}}, map[string]any{"a": []any{"b"}})
	assert.Empty(t, ins)
	assert.Empty(t, del)
}

func TestPaths(t *testing.T) {
	item := StackItem[int]{
		Insertions: []Operation{{Path: tree.Path{"a"}}},
		Deletions:  []Operation{{Path: tree.Path{"b", 0}}},
	}
	assert.Equal(t, []tree.Path{{"a"}, {"b", 0}}, item.Paths())
}

func newContentRoot(t *testing.T, content map[string]any) *automerge.Map {
	t.Helper()
	doc := automerge.New()
	require.NoError(t, doc.RootMap().Set("content", content))
	v, err := doc.RootMap().Get("content")
	require.NoError(t, err)
	return v.Map()
}

func revertedContent(t *testing.T, root *automerge.Map) map[string]any {
	t.Helper()
	content, err := tree.Map(root)
	require.NoError(t, err)
	return content
}

func TestRevertFollowsShiftedListElements(t *testing.T) {
	ins, del := Diff(
		map[string]any{"l": []any{"a1", "a2"}},
		map[string]any{"l": []any{"a1", "a2", "mine"}},
	)
	root := newContentRoot(t, map[string]any{"l": []any{"remote", "a1", "a2", "mine"}})
	require.NoError(t, Revert(root, ins, del))
	assert.Equal(t, []any{"remote", "a1", "a2"}, revertedContent(t, root)["l"])

	ins, del = Diff(
		map[string]any{"l": []any{"a1", "a2", "a3"}},
		map[string]any{"l": []any{"a1", "a3"}},
	)
	root = newContentRoot(t, map[string]any{"l": []any{"remote", "a1", "a3"}})
	require.NoError(t, Revert(root, ins, del))
	assert.Equal(t, []any{"remote", "a1", "a2", "a3"}, revertedContent(t, root)["l"])
}

func TestRevertLeavesNewerValuesAlone(t *testing.T) {
	ins, del := Diff(map[string]any{"title": ""}, map[string]any{"title": "mine"})
	root := newContentRoot(t, map[string]any{"title": "theirs"})
	assert.ErrorIs(t, Revert(root, ins, del), ErrStale)

	ins, del = Diff(map[string]any{"k": "x"}, map[string]any{})
	root = newContentRoot(t, map[string]any{"k": "y"})
	assert.ErrorIs(t, Revert(root, ins, del), ErrStale)

	// the element the deleted one followed is gone too
	ins, del = Diff(map[string]any{"l": []any{"a", "b"}}, map[string]any{"l": []any{"a"}})
	root = newContentRoot(t, map[string]any{"l": []any{"c"}})
	assert.ErrorIs(t, Revert(root, ins, del), ErrStale)
}

func TestRevertRestoresObjectKinds(t *testing.T) {
	source := newContentRoot(t, map[string]any{})
	require.NoError(t, source.Set("n", automerge.NewCounter(2)))
	require.NoError(t, source.Set("notes", automerge.NewText("draft")))
	before, objects, err := tree.MapObjects(source)
	require.NoError(t, err)

	ins, del := Diff(before, map[string]any{})
	require.Len(t, del, 2)
	for i := range del {
		del[i].Objects = objects.Sub(del[i].Path)
	}

	root := newContentRoot(t, map[string]any{})
	require.NoError(t, Revert(root, ins, del))
	content, kinds, err := tree.MapObjects(root)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"notes": "draft", "n": int64(2)}, content)
	assert.Equal(t, automerge.KindText, kinds.Kind(tree.Path{"notes"}))
	assert.Equal(t, automerge.KindCounter, kinds.Kind(tree.Path{"n"}))
}
