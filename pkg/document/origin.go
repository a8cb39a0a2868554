package document

import "github.com/astromechza/automerge-whiteboard/pkg/tree"

// Origin says where a transaction came from. Only OriginLocal commits are recorded
// by an undo manager.
type Origin int

const (
	// OriginLocal is a local, undo-scoped edit.
	OriginLocal Origin = iota
	// OriginUntracked is a local edit that is not undo-scoped.
	OriginUntracked
	// OriginUndo and OriginRedo are the inverse transactions of an undo manager.
	OriginUndo
	OriginRedo
	// OriginRemote covers deltas and states received from other peers.
	OriginRemote
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginUntracked:
		return "untracked"
	case OriginUndo:
		return "undo"
	case OriginRedo:
		return "redo"
	case OriginRemote:
		return "remote"
	}
	return "unknown"
}

// UndoScoped reports whether commits with this origin become undo stack items.
func (o Origin) UndoScoped() bool {
	return o == OriginLocal
}

// Transaction describes one committed change to the document. Before and
// Objects are only populated for local origins.
type Transaction struct {
	Origin Origin
	Before map[string]any
	After  map[string]any
	// Objects marks the text and counter objects in Before.
	Objects tree.Objects
}
