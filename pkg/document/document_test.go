package document

import (
	"errors"
	"slices"
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-whiteboard/pkg/collab"
	"github.com/astromechza/automerge-whiteboard/pkg/migration"
	"github.com/astromechza/automerge-whiteboard/pkg/tree"
)

var baseline = []migration.Migration{{
	Name: "num and text",
	Up: func(w migration.Writer) error {
		if err := w.Set(tree.Path{"num"}, int64(5)); err != nil {
			return err
		}
		return w.Set(tree.Path{"text"}, "")
	},
}}

func newDoc(t *testing.T) *Document {
	t.Helper()
	d, err := Create("v1", baseline)
	require.NoError(t, err)
	return d
}

func setKey(key string, value any) ChangeFunc {
	return func(root *automerge.Map) error {
		return root.Set(key, value)
	}
}

func content(t *testing.T, d *Document) map[string]any {
	t.Helper()
	c, err := d.Content()
	require.NoError(t, err)
	return c
}

func TestIndependentConstructionIsByteIdentical(t *testing.T) {
	a := newDoc(t)
	b := newDoc(t)
	assert.NotEqual(t, a.ActorID(), b.ActorID())
	assert.Equal(t, a.Store(), b.Store())
}

func TestScenarioPerformChangeAndApply(t *testing.T) {
	d := newDoc(t)

	var order []string
	var changed map[string]any
	var delta []byte
	d.Transactions().Subscribe(func(Transaction) { order = append(order, "transaction") })
	d.Changes().Subscribe(func(c map[string]any) {
		order = append(order, "changes")
		changed = c
	})
	d.Publish().Subscribe(func(b []byte) {
		order = append(order, "publish")
		delta = b
	})
	d.Persist().Subscribe(func(struct{}) { order = append(order, "persist") })

	require.NoError(t, d.PerformChange(OriginLocal, setKey("num", int64(10))))

	assert.Equal(t, []string{"transaction", "changes", "publish", "persist"}, order)
	assert.Equal(t, map[string]any{"num": int64(10), "text": ""}, changed)
	assert.NotEmpty(t, delta)

	other := newDoc(t)
	assert.True(t, other.ApplyChange(delta, nil))
	assert.Equal(t, map[string]any{"num": int64(10), "text": ""}, content(t, other))
}

func TestRemoteApplyDoesNotPublish(t *testing.T) {
	d := newDoc(t)
	var delta []byte
	d.Publish().Subscribe(func(b []byte) { delta = b })
	require.NoError(t, d.PerformChange(OriginLocal, setKey("num", int64(1))))

	other := newDoc(t)
	var published, persisted int
	other.Publish().Subscribe(func([]byte) { published++ })
	other.Persist().Subscribe(func(struct{}) { persisted++ })
	assert.True(t, other.ApplyChange(delta, nil))
	assert.Equal(t, 0, published)
	assert.Equal(t, 1, persisted)
}

func TestFailingCallbackCommitsNothing(t *testing.T) {
	d := newDoc(t)
	before := d.Store()
	var events int
	d.Changes().Subscribe(func(map[string]any) { events++ })
	d.Publish().Subscribe(func([]byte) { events++ })
	d.Persist().Subscribe(func(struct{}) { events++ })

	boom := errors.New("boom")
	err := d.PerformChange(OriginLocal, func(root *automerge.Map) error {
		if err := root.Set("num", 99); err != nil {
			return err
		}
		return boom
	})

	assert.Same(t, boom, err)
	assert.Equal(t, 0, events)
	assert.Equal(t, before, d.Store())
	assert.Equal(t, map[string]any{"num": int64(5), "text": ""}, content(t, d))
}

func TestNoopChangeFiresNothing(t *testing.T) {
	d := newDoc(t)
	heads := d.Heads()
	var events int
	d.Transactions().Subscribe(func(Transaction) { events++ })
	d.Changes().Subscribe(func(map[string]any) { events++ })
	d.Publish().Subscribe(func([]byte) { events++ })
	d.Persist().Subscribe(func(struct{}) { events++ })

	require.NoError(t, d.PerformChange(OriginLocal, func(*automerge.Map) error { return nil }))
	// reading is not writing
	require.NoError(t, d.PerformChange(OriginUndo, func(root *automerge.Map) error {
		_, err := root.Get("num")
		return err
	}))
	assert.Equal(t, 0, events)
	assert.Equal(t, heads, d.Heads())
}

func TestCreateReplaysEveryMigration(t *testing.T) {
	steps := append(slices.Clone(baseline), migration.Migration{
		Name: "settings",
		Up: func(w migration.Writer) error {
			return w.Set(tree.Path{"settings", "zoom"}, 1.5)
		},
	})
	a, err := Create("v1", steps)
	require.NoError(t, err)
	b, err := Create("v1", steps)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"num":      int64(5),
		"text":     "",
		"settings": map[string]any{"zoom": 1.5},
	}, content(t, a))

	delta := collectDelta(t, a, setKey("text", "from a"))
	assert.True(t, b.ApplyChange(delta, nil))
	assert.Equal(t, content(t, a), content(t, b))
}

func collectDelta(t *testing.T, d *Document, fn ChangeFunc) []byte {
	t.Helper()
	var delta []byte
	unsubscribe := d.Publish().Subscribe(func(b []byte) { delta = b })
	defer unsubscribe()
	require.NoError(t, d.PerformChange(OriginLocal, fn))
	require.NotEmpty(t, delta)
	return delta
}

func TestMergeIsCommutativeAndIdempotent(t *testing.T) {
	a := newDoc(t)
	b := newDoc(t)
	deltaA := collectDelta(t, a, setKey("num", int64(7)))
	deltaB := collectDelta(t, b, setKey("text", "hello"))

	x := newDoc(t)
	assert.True(t, x.ApplyChange(deltaA, nil))
	assert.True(t, x.ApplyChange(deltaB, nil))

	y := newDoc(t)
	assert.True(t, y.ApplyChange(deltaB, nil))
	assert.True(t, y.ApplyChange(deltaA, nil))
	assert.False(t, y.ApplyChange(deltaA, nil))
	assert.False(t, y.ApplyChange(deltaB, nil))

	assert.Equal(t, content(t, x), content(t, y))
	assert.Equal(t, map[string]any{"num": int64(7), "text": "hello"}, content(t, x))
}

func TestOutOfOrderDeltasConverge(t *testing.T) {
	a := newDoc(t)
	first := collectDelta(t, a, setKey("num", int64(1)))
	second := collectDelta(t, a, setKey("num", int64(2)))

	b := newDoc(t)
	assert.False(t, b.ApplyChange(second, nil))
	assert.True(t, b.ApplyChange(first, nil))
	assert.Equal(t, content(t, a), content(t, b))
}

func TestMalformedDeltaIsIgnored(t *testing.T) {
	d := newDoc(t)
	before := d.Store()
	assert.False(t, d.ApplyChange([]byte("definitely not a change"), nil))
	assert.False(t, d.ApplyChange(nil, nil))
	assert.Equal(t, before, d.Store())
}

func TestValidatorGate(t *testing.T) {
	source := newDoc(t)
	delta := collectDelta(t, source, setKey("num", int64(42)))

	rejecting := newDoc(t)
	before := rejecting.Store()
	var changes int
	rejecting.Changes().Subscribe(func(map[string]any) { changes++ })
	assert.False(t, rejecting.ApplyChange(delta, func(map[string]any) bool { return false }))
	assert.Equal(t, before, rejecting.Store())
	assert.Equal(t, 0, changes)

	accepting := newDoc(t)
	plain := newDoc(t)
	var seen map[string]any
	assert.True(t, accepting.ApplyChange(delta, func(c map[string]any) bool {
		seen = c
		return true
	}))
	assert.True(t, plain.ApplyChange(delta, nil))
	assert.Equal(t, content(t, plain), content(t, accepting))
	assert.Equal(t, int64(42), seen["num"])
}

func TestStoreMergeRoundTrip(t *testing.T) {
	d := newDoc(t)
	require.NoError(t, d.PerformChange(OriginLocal, setKey("text", "round trip")))
	require.NoError(t, d.PerformChange(OriginLocal, setKey("shapes", []any{"a", "b"})))

	fresh := newDoc(t)
	require.NoError(t, fresh.MergeFrom(d.Store()))
	assert.Equal(t, content(t, d), content(t, fresh))
}

func TestMergeFromSignalsPersistForLocalOnlyChanges(t *testing.T) {
	local := newDoc(t)
	require.NoError(t, local.PerformChange(OriginLocal, setKey("text", "local only")))

	remote := newDoc(t)
	require.NoError(t, remote.PerformChange(OriginLocal, setKey("num", int64(11))))
	snapshot := remote.Store()

	var persisted, changed int
	local.Persist().Subscribe(func(struct{}) { persisted++ })
	local.Changes().Subscribe(func(map[string]any) { changed++ })
	require.NoError(t, local.MergeFrom(snapshot))

	assert.Equal(t, 1, persisted)
	assert.Equal(t, 1, changed)
	assert.Equal(t, map[string]any{"num": int64(11), "text": "local only"}, content(t, local))
}

func TestMergeFromSupersetDoesNotPersist(t *testing.T) {
	local := newDoc(t)
	delta := collectDelta(t, local, setKey("text", "shared"))

	remote := newDoc(t)
	require.True(t, remote.ApplyChange(delta, nil))
	require.NoError(t, remote.PerformChange(OriginLocal, setKey("num", int64(3))))

	var persisted, changed int
	local.Persist().Subscribe(func(struct{}) { persisted++ })
	local.Changes().Subscribe(func(map[string]any) { changed++ })
	require.NoError(t, local.MergeFrom(remote.Store()))
	assert.Equal(t, 0, persisted)
	assert.Equal(t, 1, changed)

	require.NoError(t, local.MergeFrom(remote.Store()))
	assert.Equal(t, 0, persisted)
	assert.Equal(t, 1, changed)
}

func TestMergeFromRejectsGarbage(t *testing.T) {
	d := newDoc(t)
	assert.ErrorIs(t, d.MergeFrom([]byte{1, 2, 3}), ErrInvalidState)
}

func TestCloneIsIndependent(t *testing.T) {
	d := newDoc(t)
	clone, err := d.Clone()
	require.NoError(t, err)
	require.NoError(t, clone.PerformChange(OriginLocal, setKey("num", int64(100))))

	assert.Equal(t, int64(5), content(t, d)["num"])
	assert.Equal(t, int64(100), content(t, clone)["num"])
	assert.Equal(t, d.Version(), clone.Version())
}

func TestStatisticsReplayCurrentValue(t *testing.T) {
	d := newDoc(t)
	require.NoError(t, d.PerformChange(OriginLocal, setKey("text", "grow")))

	var got []collab.Statistics
	d.Statistics().Subscribe(func(s collab.Statistics) { got = append(got, s) })
	require.Len(t, got, 1)
	assert.Equal(t, len(d.Store()), got[0].DocumentSizeInBytes)
	assert.Equal(t, len(`{"num":5,"text":"grow"}`), got[0].ContentSizeInBytes)

	require.NoError(t, d.PerformChange(OriginLocal, setKey("text", "grow more")))
	require.Len(t, got, 2)
	assert.Greater(t, got[1].ContentSizeInBytes, got[0].ContentSizeInBytes)
}

func TestLatePublishSubscribersMissHistory(t *testing.T) {
	d := newDoc(t)
	require.NoError(t, d.PerformChange(OriginLocal, setKey("num", int64(1))))
	var published int
	d.Publish().Subscribe(func([]byte) { published++ })
	assert.Equal(t, 0, published)
}

func TestUntrackedOriginIsRecorded(t *testing.T) {
	d := newDoc(t)
	var origins []Origin
	d.Transactions().Subscribe(func(tx Transaction) { origins = append(origins, tx.Origin) })
	require.NoError(t, d.PerformChange(OriginUntracked, setKey("num", int64(2))))
	require.Equal(t, []Origin{OriginUntracked}, origins)
	assert.False(t, origins[0].UndoScoped())
	assert.True(t, OriginLocal.UndoScoped())
}
