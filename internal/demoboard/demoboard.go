// Package demoboard is the small board schema driven by the demo peer and read by
// the debug binary: a titled board of shapes drawn in a fixed z-order, some of
// which may be locked against edits.
package demoboard

import (
	"fmt"
	"slices"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/automerge-whiteboard/pkg/document"
	"github.com/astromechza/automerge-whiteboard/pkg/migration"
	"github.com/astromechza/automerge-whiteboard/pkg/tree"
)

const Version = "whiteboard-v1"

// Migrations must only ever be appended to.
var Migrations = []migration.Migration{
	{
		Name: "board",
		Up: func(w migration.Writer) error {
			if err := w.Set(tree.Path{"title"}, "untitled"); err != nil {
				return err
			}
			if err := w.Set(tree.Path{"shapes"}, map[string]any{}); err != nil {
				return err
			}
			return w.Set(tree.Path{"order"}, []any{})
		},
	},
	{
		Name: "locks",
		Up: func(w migration.Writer) error {
			return w.Set(tree.Path{"locked"}, map[string]any{})
		},
	},
}

// New builds a board from the shared baseline.
func New(opts ...document.Option) (*document.Document, error) {
	return document.Create(Version, Migrations, opts...)
}

type Shape struct {
	ID    string
	Kind  string
	Color string
	X     int64
	Y     int64
}

func (s Shape) value() map[string]any {
	return map[string]any{"kind": s.Kind, "color": s.Color, "x": s.X, "y": s.Y}
}

func SetTitle(title string) document.ChangeFunc {
	return func(root *automerge.Map) error {
		return root.Set("title", title)
	}
}

// AddShape stores the shape and puts it on top of the z-order.
func AddShape(s Shape) document.ChangeFunc {
	return func(root *automerge.Map) error {
		if s.ID == "" {
			return fmt.Errorf("shape id is required")
		}
		if err := tree.Set(root, tree.Path{"shapes", s.ID}, s.value()); err != nil {
			return fmt.Errorf("failed to set shape: %w", err)
		}
		order, err := root.Get("order")
		if err != nil {
			return err
		}
		if order.Kind() != automerge.KindList {
			return fmt.Errorf("%w: order is not a list", tree.ErrPathNotFound)
		}
		return order.List().Append(s.ID)
	}
}

// MoveShape updates the position of an existing shape.
func MoveShape(id string, x, y int64) document.ChangeFunc {
	return func(root *automerge.Map) error {
		if err := tree.Set(root, tree.Path{"shapes", id, "x"}, x); err != nil {
			return fmt.Errorf("failed to move shape %s: %w", id, err)
		}
		return tree.Set(root, tree.Path{"shapes", id, "y"}, y)
	}
}

// DeleteShape removes the shape and its z-order entry.
func DeleteShape(id string) document.ChangeFunc {
	return func(root *automerge.Map) error {
		content, err := tree.Map(root)
		if err != nil {
			return err
		}
		if _, ok := tree.Lookup(content, tree.Path{"shapes", id}); !ok {
			return fmt.Errorf("%w: shape %s", tree.ErrPathNotFound, id)
		}
		order, _ := content["order"].([]any)
		if i := slices.Index(order, any(id)); i >= 0 {
			if err := tree.Delete(root, tree.Path{"order", i}); err != nil {
				return err
			}
		}
		return tree.Delete(root, tree.Path{"shapes", id})
	}
}

// SetLocked marks a shape as locked or unlocked. Locks are untracked by undo.
func SetLocked(id string, locked bool) document.ChangeFunc {
	return func(root *automerge.Map) error {
		if locked {
			return tree.Set(root, tree.Path{"locked", id}, true)
		}
		return tree.Delete(root, tree.Path{"locked", id})
	}
}

// Shapes lists the shapes of content in z-order.
func Shapes(content map[string]any) []Shape {
	order, _ := content["order"].([]any)
	out := make([]Shape, 0, len(order))
	for _, raw := range order {
		id, _ := raw.(string)
		v, ok := tree.Lookup(content, tree.Path{"shapes", id})
		if !ok {
			continue
		}
		m, _ := v.(map[string]any)
		s := Shape{ID: id}
		s.Kind, _ = m["kind"].(string)
		s.Color, _ = m["color"].(string)
		s.X, _ = m["x"].(int64)
		s.Y, _ = m["y"].(int64)
		out = append(out, s)
	}
	return out
}

// Valid rejects boards that lost their top-level structure.
func Valid(content map[string]any) bool {
	_, hasShapes := content["shapes"].(map[string]any)
	_, hasOrder := content["order"].([]any)
	_, hasTitle := content["title"].(string)
	return hasShapes && hasOrder && hasTitle
}

// UndoAllowed rejects stack items that touch a locked shape or whose target no
// longer hangs off existing structure.
func UndoAllowed(root map[string]any, paths []tree.Path) bool {
	for _, p := range paths {
		if len(p) >= 2 && p[0] == "shapes" {
			if id, ok := p[1].(string); ok {
				if locked, _ := tree.Lookup(root, tree.Path{"locked", id}); locked == true {
					return false
				}
			}
		}
		if _, ok := tree.Lookup(root, p.Parent()); !ok {
			return false
		}
	}
	return true
}
