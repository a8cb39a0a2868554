// Package tree converts automerge objects into plain Go values and addresses
// nodes inside them with structural paths.
package tree

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/automerge/automerge-go"
)

var ErrPathNotFound = errors.New("path not found")

// Path addresses a node below a root map. Each element is either a string map key
// or an int list index.
type Path []any

func (p Path) String() string {
	parts := make([]string, len(p))
	for i, el := range p {
		switch v := el.(type) {
		case string:
			parts[i] = v
		case int:
			parts[i] = strconv.Itoa(v)
		default:
			parts[i] = fmt.Sprintf("%v", v)
		}
	}
	return "/" + strings.Join(parts, "/")
}

// Parent returns the path without its last element.
func (p Path) Parent() Path {
	if len(p) == 0 {
		return nil
	}
	return p[:len(p)-1]
}

// Last returns the final element, or nil for the empty path.
func (p Path) Last() any {
	if len(p) == 0 {
		return nil
	}
	return p[len(p)-1]
}

// Child returns a copy of p extended with el.
func (p Path) Child(el any) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, el)
}

// HasPrefix reports whether prefix addresses p or one of its ancestors.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Lookup resolves p against a plain content tree as produced by Map.
func Lookup(root map[string]any, p Path) (any, bool) {
	var current any = root
	for _, el := range p {
		switch key := el.(type) {
		case string:
			m, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			if current, ok = m[key]; !ok {
				return nil, false
			}
		case int:
			l, ok := current.([]any)
			if !ok || key < 0 || key >= len(l) {
				return nil, false
			}
			current = l[key]
		default:
			return nil, false
		}
	}
	return current, true
}

// Map converts an automerge map into plain Go values.
func Map(m *automerge.Map) (map[string]any, error) {
	return converter{}.mapOf(m, "")
}

// MapObjects is Map that also reports where text and counter objects were
// flattened into plain values.
func MapObjects(m *automerge.Map) (map[string]any, Objects, error) {
	c := converter{objects: Objects{}}
	content, err := c.mapOf(m, "")
	return content, c.objects, err
}

// List converts an automerge list into plain Go values.
func List(l *automerge.List) ([]any, error) {
	return converter{}.listOf(l, "")
}

// Value converts a single automerge value. Text is returned as a string and
// counters as their current int64 value.
func Value(v *automerge.Value) (any, error) {
	return converter{}.value(v, "")
}

type converter struct {
	objects Objects
}

func (c converter) mapOf(m *automerge.Map, at string) (map[string]any, error) {
	keys, err := m.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		v, err := m.Get(k)
		if err != nil {
			return nil, fmt.Errorf("failed to get %q: %w", k, err)
		}
		if out[k], err = c.value(v, at+keyElem(k)); err != nil {
			return nil, fmt.Errorf("failed to convert %q: %w", k, err)
		}
	}
	return out, nil
}

func (c converter) listOf(l *automerge.List, at string) ([]any, error) {
	values, err := l.Values()
	if err != nil {
		return nil, fmt.Errorf("failed to list values: %w", err)
	}
	out := make([]any, len(values))
	for i, v := range values {
		if out[i], err = c.value(v, at+indexElem(i)); err != nil {
			return nil, fmt.Errorf("failed to convert index %d: %w", i, err)
		}
	}
	return out, nil
}

func (c converter) value(v *automerge.Value, at string) (any, error) {
	switch v.Kind() {
	case automerge.KindMap:
		return c.mapOf(v.Map(), at)
	case automerge.KindList:
		return c.listOf(v.List(), at)
	case automerge.KindText:
		c.record(at, automerge.KindText)
		return v.Text().Get()
	case automerge.KindCounter:
		c.record(at, automerge.KindCounter)
		return v.Counter().Get()
	case automerge.KindVoid, automerge.KindNull:
		return nil, nil
	default:
		return v.Interface(), nil
	}
}

func (c converter) record(at string, kind automerge.Kind) {
	if c.objects != nil {
		c.objects[at] = kind
	}
}
