package tree

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// container is the object a path element is resolved against.
type container struct {
	m *automerge.Map
	l *automerge.List
}

func (c container) child(el any) (*automerge.Value, error) {
	switch key := el.(type) {
	case string:
		if c.m == nil {
			return nil, fmt.Errorf("%w: key %q on a non-map", ErrPathNotFound, key)
		}
		return c.m.Get(key)
	case int:
		if c.l == nil {
			return nil, fmt.Errorf("%w: index %d on a non-list", ErrPathNotFound, key)
		}
		if key < 0 || key >= c.l.Len() {
			return nil, fmt.Errorf("%w: index %d out of range", ErrPathNotFound, key)
		}
		return c.l.Get(key)
	default:
		return nil, fmt.Errorf("%w: unsupported path element %T", ErrPathNotFound, el)
	}
}

func walk(root *automerge.Map, p Path) (container, error) {
	current := container{m: root}
	for i, el := range p {
		v, err := current.child(el)
		if err != nil {
			return container{}, err
		}
		switch v.Kind() {
		case automerge.KindMap:
			current = container{m: v.Map()}
		case automerge.KindList:
			current = container{l: v.List()}
		default:
			return container{}, fmt.Errorf("%w: %s is not a map or list", ErrPathNotFound, p[:i+1])
		}
	}
	return current, nil
}

// Set overwrites the map key or list element addressed by p.
func Set(root *automerge.Map, p Path, value any) error {
	if len(p) == 0 {
		return fmt.Errorf("%w: cannot set the root", ErrPathNotFound)
	}
	parent, err := walk(root, p.Parent())
	if err != nil {
		return err
	}
	switch key := p.Last().(type) {
	case string:
		if parent.m == nil {
			return fmt.Errorf("%w: %s parent is not a map", ErrPathNotFound, p)
		}
		return parent.m.Set(key, value)
	case int:
		if parent.l == nil {
			return fmt.Errorf("%w: %s parent is not a list", ErrPathNotFound, p)
		}
		return parent.l.Set(key, value)
	}
	return fmt.Errorf("%w: unsupported path element %T", ErrPathNotFound, p.Last())
}

// Insert puts value at p. For map parents it is the same as Set; for list parents the
// value is inserted before the current element at that index.
func Insert(root *automerge.Map, p Path, value any) error {
	if len(p) == 0 {
		return fmt.Errorf("%w: cannot insert at the root", ErrPathNotFound)
	}
	idx, ok := p.Last().(int)
	if !ok {
		return Set(root, p, value)
	}
	parent, err := walk(root, p.Parent())
	if err != nil {
		return err
	}
	if parent.l == nil {
		return fmt.Errorf("%w: %s parent is not a list", ErrPathNotFound, p)
	}
	if idx < 0 || idx > parent.l.Len() {
		return fmt.Errorf("%w: index %d out of range", ErrPathNotFound, idx)
	}
	return parent.l.Insert(idx, value)
}

// Delete removes the map key or list element addressed by p.
func Delete(root *automerge.Map, p Path) error {
	if len(p) == 0 {
		return fmt.Errorf("%w: cannot delete the root", ErrPathNotFound)
	}
	parent, err := walk(root, p.Parent())
	if err != nil {
		return err
	}
	switch key := p.Last().(type) {
	case string:
		if parent.m == nil {
			return fmt.Errorf("%w: %s parent is not a map", ErrPathNotFound, p)
		}
		return parent.m.Delete(key)
	case int:
		if parent.l == nil {
			return fmt.Errorf("%w: %s parent is not a list", ErrPathNotFound, p)
		}
		if key < 0 || key >= parent.l.Len() {
			return fmt.Errorf("%w: index %d out of range", ErrPathNotFound, key)
		}
		return parent.l.Delete(key)
	}
	return fmt.Errorf("%w: unsupported path element %T", ErrPathNotFound, p.Last())
}

// EnsureMap walks p from root, creating empty maps for any missing keys, and returns
// the map found at the end. All elements of p must be string keys.
func EnsureMap(root *automerge.Map, p Path) (*automerge.Map, error) {
	current := root
	for i, el := range p {
		key, ok := el.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s: only map keys can be created", ErrPathNotFound, p[:i+1])
		}
		v, err := current.Get(key)
		if err != nil {
			return nil, err
		}
		switch v.Kind() {
		case automerge.KindMap:
		case automerge.KindVoid:
			if err := current.Set(key, map[string]any{}); err != nil {
				return nil, fmt.Errorf("failed to create %s: %w", p[:i+1], err)
			}
			if v, err = current.Get(key); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: %s is not a map", ErrPathNotFound, p[:i+1])
		}
		current = v.Map()
	}
	return current, nil
}
