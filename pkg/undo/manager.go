// Package undo records undo-scoped transactions of a document as invertible stack
// items and replays their inverses on demand.
//
// Popping an item only retracts values that are still in place and follows list
// elements that were shifted by other peers; an item whose values were
// overwritten since is dropped instead of clobbering the newer edit.
//
// Every transaction, local or remote, triggers a revalidation of both stacks
// against an application predicate. Items the predicate rejects are dropped for
// good: a peer may have locked or deleted the structure they point at, and such an
// item must never be inverted again.
package undo

import (
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/automerge-whiteboard/pkg/document"
	"github.com/astromechza/automerge-whiteboard/pkg/observable"
	"github.com/astromechza/automerge-whiteboard/pkg/tree"
)

type Kind int

const (
	KindUndo Kind = iota
	KindRedo
)

func (k Kind) String() string {
	if k == KindRedo {
		return "redo"
	}
	return "undo"
}

// StackItem is one recorded transaction plus the context registered for it.
type StackItem[C any] struct {
	Insertions []Operation
	Deletions  []Operation
	Context    C
	HasContext bool
}

// Paths lists every path the item touches when popped.
func (i StackItem[C]) Paths() []tree.Path {
	paths := make([]tree.Path, 0, len(i.Insertions)+len(i.Deletions))
	for _, op := range i.Insertions {
		paths = append(paths, op.Path)
	}
	for _, op := range i.Deletions {
		paths = append(paths, op.Path)
	}
	return paths
}

// Pop is emitted whenever an item is undone or redone so external state, like a
// selection, can be restored alongside the document.
type Pop[C any] struct {
	Kind       Kind
	Context    C
	HasContext bool
}

type State struct {
	CanUndo bool
	CanRedo bool
}

// Stacks holds both stacks, oldest item first. The slices are never modified after
// being published.
type Stacks[C any] struct {
	Undo []StackItem[C]
	Redo []StackItem[C]
}

// Validator reports whether an item touching paths may still be popped, given the
// current content. It runs under the manager's lock and must not call back into it.
type Validator func(root map[string]any, paths []tree.Path) bool

type Config struct {
	// Validator is optional; without it items are never dropped.
	Validator Validator
	Logger    *slog.Logger
}

type carried[C any] struct {
	context    C
	hasContext bool
}

type Manager[C any] struct {
	doc       *document.Document
	validator Validator
	logger    *slog.Logger

	mu      sync.Mutex
	undo    []StackItem[C]
	redo    []StackItem[C]
	pending *C
	carry   *carried[C]

	state       *observable.Behavior[State]
	stacks      *observable.Behavior[Stacks[C]]
	popped      *observable.Subject[Pop[C]]
	unsubscribe func()
}

func New[C any](doc *document.Document, cfg Config) *Manager[C] {
	m := &Manager[C]{
		doc:       doc,
		validator: cfg.Validator,
		logger:    cfg.Logger,
		state:     observable.NewBehavior(State{}),
		stacks:    observable.NewBehavior(Stacks[C]{}),
		popped:    observable.NewSubject[Pop[C]](),
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.unsubscribe = doc.Transactions().Subscribe(m.onTransaction)
	return m
}

// Close stops tracking the document.
func (m *Manager[C]) Close() {
	m.unsubscribe()
}

// State replays whether an undo or redo is currently possible.
func (m *Manager[C]) State() observable.Observable[State] {
	return m.state
}

// Stacks replays the stacks and emits whenever they are replaced.
func (m *Manager[C]) Stacks() observable.Observable[Stacks[C]] {
	return m.stacks
}

// Popped emits the context of every undone or redone item.
func (m *Manager[C]) Popped() observable.Observable[Pop[C]] {
	return m.popped
}

// SetContext attaches c to the next undo-scoped commit.
func (m *Manager[C]) SetContext(c C) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = &c
}

func (m *Manager[C]) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo) > 0
}

func (m *Manager[C]) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redo) > 0
}

func (m *Manager[C]) UndoStack() []StackItem[C] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.undo
}

func (m *Manager[C]) RedoStack() []StackItem[C] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.redo
}

// Clear drops both stacks.
func (m *Manager[C]) Clear() {
	m.mu.Lock()
	m.undo, m.redo = nil, nil
	m.mu.Unlock()
	m.publish()
}

// Undo inverts the most recent undo-scoped item and reports whether another undo is
// possible afterwards.
func (m *Manager[C]) Undo() bool {
	return m.pop(KindUndo)
}

// Redo re-applies the most recently undone item and reports whether another redo
// is possible afterwards.
func (m *Manager[C]) Redo() bool {
	return m.pop(KindRedo)
}

func (m *Manager[C]) pop(kind Kind) bool {
	m.mu.Lock()
	stack := &m.undo
	origin := document.OriginUndo
	if kind == KindRedo {
		stack = &m.redo
		origin = document.OriginRedo
	}
	if len(*stack) == 0 {
		m.mu.Unlock()
		return false
	}
	item := (*stack)[len(*stack)-1]
	*stack = slices.Clip((*stack)[:len(*stack)-1])
	m.carry = &carried[C]{context: item.Context, hasContext: item.HasContext}
	m.mu.Unlock()
	m.publish()

	err := m.doc.PerformChange(origin, func(root *automerge.Map) error {
		return Revert(root, item.Insertions, item.Deletions)
	})
	switch {
	case errors.Is(err, ErrStale):
		m.logger.Info("stack item no longer applies, dropping it", "kind", kind, "err", err)
	case err != nil:
		m.logger.Error("failed to revert stack item, dropping it", "kind", kind, "err", err)
	}

	m.mu.Lock()
	m.carry = nil
	state := m.stateLocked()
	m.mu.Unlock()

	m.popped.Emit(Pop[C]{Kind: kind, Context: item.Context, HasContext: item.HasContext})
	m.state.Set(state)
	if kind == KindRedo {
		return state.CanRedo
	}
	return state.CanUndo
}

func (m *Manager[C]) onTransaction(tx document.Transaction) {
	m.mu.Lock()
	pushed := false
	switch tx.Origin {
	case document.OriginUndo, document.OriginRedo:
		item := m.itemFor(tx)
		if c := m.carry; c != nil {
			item.Context, item.HasContext = c.context, c.hasContext
		}
		if len(item.Insertions)+len(item.Deletions) > 0 {
			if tx.Origin == document.OriginUndo {
				m.redo = append(slices.Clip(m.redo), item)
			} else {
				m.undo = append(slices.Clip(m.undo), item)
			}
			pushed = true
		}
	default:
		if tx.Origin.UndoScoped() {
			item := m.itemFor(tx)
			if m.pending != nil {
				item.Context, item.HasContext = *m.pending, true
				m.pending = nil
			}
			if len(item.Insertions)+len(item.Deletions) > 0 {
				m.undo = append(slices.Clip(m.undo), item)
				m.redo = nil
				pushed = true
			}
		}
	}
	removed := m.revalidateLocked(tx.After)
	m.mu.Unlock()

	if pushed || removed {
		m.publish()
	}
}

func (m *Manager[C]) itemFor(tx document.Transaction) StackItem[C] {
	ins, del := Diff(tx.Before, tx.After)
	for i := range del {
		del[i].Objects = tx.Objects.Sub(del[i].Path)
	}
	return StackItem[C]{Insertions: ins, Deletions: del}
}

// revalidateLocked runs the validator over both stacks, most recent item first,
// and reports whether anything was removed.
func (m *Manager[C]) revalidateLocked(root map[string]any) bool {
	if m.validator == nil || root == nil {
		return false
	}
	undo, undoRemoved := m.filter(m.undo, root)
	redo, redoRemoved := m.filter(m.redo, root)
	if undoRemoved {
		m.undo = undo
	}
	if redoRemoved {
		m.redo = redo
	}
	return undoRemoved || redoRemoved
}

func (m *Manager[C]) filter(stack []StackItem[C], root map[string]any) ([]StackItem[C], bool) {
	kept := make([]StackItem[C], 0, len(stack))
	for i := len(stack) - 1; i >= 0; i-- {
		if m.validator(root, stack[i].Paths()) {
			kept = append(kept, stack[i])
		}
	}
	if len(kept) == len(stack) {
		return stack, false
	}
	slices.Reverse(kept)
	return kept, true
}

func (m *Manager[C]) stateLocked() State {
	return State{CanUndo: len(m.undo) > 0, CanRedo: len(m.redo) > 0}
}

func (m *Manager[C]) publish() {
	m.mu.Lock()
	stacks := Stacks[C]{Undo: m.undo, Redo: m.redo}
	state := m.stateLocked()
	m.mu.Unlock()
	m.stacks.Set(stacks)
	m.state.Set(state)
}
