package undo

import (
	"errors"
	"fmt"
	"reflect"
	"slices"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/automerge-whiteboard/pkg/tree"
)

// ErrStale is returned by Revert when the document moved on in a way the item
// cannot be inverted against without touching someone else's edit.
var ErrStale = errors.New("stack item is stale")

// Operation is one structural change: the value that was inserted at, or deleted
// from, Path.
type Operation struct {
	Path  tree.Path
	Value any
	// Prev is the element that preceded a deleted list element. It anchors the
	// element when it is put back into a list that shifted in the meantime.
	Prev    any
	HasPrev bool
	// Objects marks the text and counter objects inside a deleted Value.
	Objects tree.Objects
}

// Diff computes the structural changes that turn before into after. Maps are diffed
// key by key, lists by their common prefix and suffix. An element or key whose value
// was replaced shows up as both a deletion and an insertion at the same path.
//
// Insertions are ordered by path as they appear in after and deletions as they
// appear in before, so Revert can retract and reinstate them by walking the slices.
func Diff(before, after map[string]any) (insertions, deletions []Operation) {
	d := &differ{}
	d.maps(nil, before, after)
	return d.ins, d.del
}

type differ struct {
	ins []Operation
	del []Operation
}

func (d *differ) replace(p tree.Path, before, after any) {
	d.del = append(d.del, Operation{Path: p, Value: before})
	d.ins = append(d.ins, Operation{Path: p, Value: after})
}

func (d *differ) values(p tree.Path, before, after any) {
	if reflect.DeepEqual(before, after) {
		return
	}
	switch b := before.(type) {
	case map[string]any:
		if a, ok := after.(map[string]any); ok {
			d.maps(p, b, a)
			return
		}
	case []any:
		if a, ok := after.([]any); ok {
			d.lists(p, b, a)
			return
		}
	}
	d.replace(p, before, after)
}

func (d *differ) maps(p tree.Path, before, after map[string]any) {
	keys := make([]string, 0, len(before)+len(after))
	for k := range before {
		keys = append(keys, k)
	}
	for k := range after {
		if _, ok := before[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	for _, k := range keys {
		b, inBefore := before[k]
		a, inAfter := after[k]
		switch {
		case inBefore && !inAfter:
			d.del = append(d.del, Operation{Path: p.Child(k), Value: b})
		case !inBefore && inAfter:
			d.ins = append(d.ins, Operation{Path: p.Child(k), Value: a})
		default:
			d.values(p.Child(k), b, a)
		}
	}
}

func (d *differ) lists(p tree.Path, before, after []any) {
	shortest := min(len(before), len(after))
	prefix := 0
	for prefix < shortest && reflect.DeepEqual(before[prefix], after[prefix]) {
		prefix++
	}
	suffix := 0
	for suffix < shortest-prefix && reflect.DeepEqual(before[len(before)-1-suffix], after[len(after)-1-suffix]) {
		suffix++
	}
	oldMid := before[prefix : len(before)-suffix]
	newMid := after[prefix : len(after)-suffix]

	if len(oldMid) == len(newMid) {
		for i := range oldMid {
			n := len(d.del)
			d.values(p.Child(prefix+i), oldMid[i], newMid[i])
			d.anchor(n, len(p)+1, before, prefix+i)
		}
		return
	}
	n := len(d.del)
	for i, v := range oldMid {
		d.del = append(d.del, Operation{Path: p.Child(prefix + i), Value: v})
		d.anchor(n+i, len(p)+1, before, prefix+i)
	}
	for i, v := range newMid {
		d.ins = append(d.ins, Operation{Path: p.Child(prefix + i), Value: v})
	}
}

// anchor sets Prev on the deletions from index from onwards that remove list
// element idx itself.
func (d *differ) anchor(from, depth int, list []any, idx int) {
	if idx == 0 {
		return
	}
	for j := from; j < len(d.del); j++ {
		if len(d.del[j].Path) == depth {
			d.del[j].Prev, d.del[j].HasPrev = list[idx-1], true
		}
	}
}

// Revert applies the structural inverse of a diff: insertions are retracted from
// the last to the first, then deletions are reinstated from the first to the last.
//
// An inserted value is only retracted while it is still in the document, and a
// deleted map key is only reinstated while nobody wrote it again. List elements
// are followed to their current index. Anything else fails with ErrStale.
func Revert(root *automerge.Map, insertions, deletions []Operation) error {
	for i := len(insertions) - 1; i >= 0; i-- {
		p, err := locate(root, insertions[i])
		if err != nil {
			return err
		}
		if err := tree.Delete(root, p); err != nil {
			return err
		}
	}
	for _, op := range deletions {
		p, err := vacancy(root, op)
		if err != nil {
			return err
		}
		if err := tree.Insert(root, p, op.Objects.Restore(op.Value)); err != nil {
			return err
		}
	}
	return nil
}

// locate returns the current path of an inserted value.
func locate(root *automerge.Map, op Operation) (tree.Path, error) {
	content, err := tree.Map(root)
	if err != nil {
		return nil, err
	}
	if v, ok := tree.Lookup(content, op.Path); ok && reflect.DeepEqual(v, op.Value) {
		return op.Path, nil
	}
	if idx, ok := op.Path.Last().(int); ok {
		if i, found := nearest(content, op.Path.Parent(), idx, op.Value); found {
			return op.Path.Parent().Child(i), nil
		}
	}
	return nil, fmt.Errorf("%w: %s changed since", ErrStale, op.Path)
}

// vacancy returns the path a deleted value goes back to.
func vacancy(root *automerge.Map, op Operation) (tree.Path, error) {
	idx, ok := op.Path.Last().(int)
	if ok && !op.HasPrev {
		return op.Path.Parent().Child(0), nil
	}
	content, err := tree.Map(root)
	if err != nil {
		return nil, err
	}
	if !ok {
		if _, taken := tree.Lookup(content, op.Path); taken {
			return nil, fmt.Errorf("%w: %s was written since", ErrStale, op.Path)
		}
		return op.Path, nil
	}
	if i, found := nearest(content, op.Path.Parent(), idx-1, op.Prev); found {
		return op.Path.Parent().Child(i + 1), nil
	}
	return nil, fmt.Errorf("%w: the element before %s is gone", ErrStale, op.Path)
}

// nearest finds the element of the list at p equal to want whose index is
// closest to idx.
func nearest(content map[string]any, p tree.Path, idx int, want any) (int, bool) {
	v, ok := tree.Lookup(content, p)
	if !ok {
		return 0, false
	}
	list, ok := v.([]any)
	if !ok {
		return 0, false
	}
	best := -1
	for i, el := range list {
		if !reflect.DeepEqual(el, want) {
			continue
		}
		if best < 0 || distance(i, idx) < distance(best, idx) {
			best = i
		}
	}
	return best, best >= 0
}

func distance(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
