package main

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/astromechza/automerge-whiteboard/internal/demoboard"
	"github.com/astromechza/automerge-whiteboard/pkg/document"
	"github.com/astromechza/automerge-whiteboard/pkg/undo"
)

var colors = []string{"red", "green", "blue", "black"}

// editor makes random edits the way a user at a board would, including undo and
// redo. The id of the shape an edit selects is kept as the stack item context.
type editor struct {
	doc  *document.Document
	undo *undo.Manager[string]
}

func (e *editor) editRandomlyContinuously(ctx context.Context, interval time.Duration) {
	unsubscribe := e.undo.Popped().Subscribe(func(p undo.Pop[string]) {
		slog.Info("popped", "kind", p.Kind, "selection", p.Context)
	})
	defer unsubscribe()

	for {
		t := time.NewTimer(interval + time.Duration(rand.Int63n(int64(interval))))
		select {
		case <-t.C:
			e.editOnce()
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled edits")
			return
		}
	}
}

func (e *editor) editOnce() {
	content, err := e.doc.Content()
	if err != nil {
		slog.Error("failed to read content", "err", err)
		return
	}
	shapes := demoboard.Shapes(content)

	switch n := rand.Intn(10); {
	case n < 1 && e.undo.CanUndo():
		e.undo.Undo()
		return
	case n < 2 && e.undo.CanRedo():
		e.undo.Redo()
		return
	case n < 5 || len(shapes) == 0:
		id := uuid.NewString()[:8]
		e.undo.SetContext(id)
		e.change(demoboard.AddShape(demoboard.Shape{
			ID:    id,
			Kind:  "rect",
			Color: colors[rand.Intn(len(colors))],
			X:     rand.Int63n(800),
			Y:     rand.Int63n(600),
		}))
	case n < 9:
		s := shapes[rand.Intn(len(shapes))]
		e.undo.SetContext(s.ID)
		e.change(demoboard.MoveShape(s.ID, s.X+rand.Int63n(21)-10, s.Y+rand.Int63n(21)-10))
	default:
		s := shapes[rand.Intn(len(shapes))]
		e.undo.SetContext(s.ID)
		e.change(demoboard.DeleteShape(s.ID))
	}
}

func (e *editor) change(fn document.ChangeFunc) {
	if err := e.doc.PerformChange(document.OriginLocal, fn); err != nil {
		slog.Error("failed to edit", "err", err)
		return
	}
	content, _ := e.doc.Content()
	slog.Info("edited", "heads", e.doc.Heads(), "shapes", len(demoboard.Shapes(content)))
}
