// Package migration builds the deterministic baseline of a versioned document.
//
// A migration may only write constants or delete fields. It must never read existing
// content, and once released it must never be edited or removed: new structure is
// added by appending a migration. Every step is executed once with a fixed actor and
// a fixed commit time, and the change it produces is kept as a delta. Applying the
// same deltas on every client yields byte-identical baselines, no matter who builds
// them or when.
package migration

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/automerge-whiteboard/pkg/tree"
)

// ZeroActorID authors every migration change.
const ZeroActorID = "00000000000000000000000000000000"

var ErrMigrationFailed = errors.New("migration failed")

var epoch = time.Unix(0, 0).UTC()

// Writer is the only access a migration gets to the document. It cannot read.
type Writer struct {
	root *automerge.Map
}

// Set writes a constant value, creating any missing parent maps.
func (w Writer) Set(path tree.Path, value any) error {
	if len(path) == 0 {
		return fmt.Errorf("%w: empty path", tree.ErrPathNotFound)
	}
	parent, err := tree.EnsureMap(w.root, path.Parent())
	if err != nil {
		return err
	}
	key, ok := path.Last().(string)
	if !ok {
		return fmt.Errorf("%w: %s: migrations can only set map keys", tree.ErrPathNotFound, path)
	}
	return parent.Set(key, value)
}

// Delete removes a field.
func (w Writer) Delete(path tree.Path) error {
	return tree.Delete(w.root, path)
}

type Migration struct {
	// Name is recorded as the commit message of the step and must stay stable.
	Name string
	Up   func(w Writer) error
}

// Engine replays an ordered list of migrations for one document version.
type Engine struct {
	version    string
	migrations []Migration

	once   sync.Once
	deltas [][]byte
	err    error
}

func NewEngine(version string, migrations ...Migration) *Engine {
	return &Engine{version: version, migrations: migrations}
}

func (e *Engine) Version() string {
	return e.version
}

// Deltas returns one delta per step: the creation of the version root followed by
// one per migration. They are computed on first use and reused afterwards.
func (e *Engine) Deltas() ([][]byte, error) {
	e.once.Do(func() {
		e.deltas, e.err = e.build()
	})
	return e.deltas, e.err
}

func (e *Engine) build() ([][]byte, error) {
	if e.version == "" {
		return nil, fmt.Errorf("%w: version is required", ErrMigrationFailed)
	}
	doc := automerge.New()
	if err := doc.SetActorID(ZeroActorID); err != nil {
		return nil, fmt.Errorf("failed to set migration actor: %w", err)
	}

	steps := make([]Migration, 0, len(e.migrations)+1)
	steps = append(steps, Migration{
		Name: "init " + e.version,
		Up: func(w Writer) error {
			return w.root.Set(e.version, map[string]any{})
		},
	})
	steps = append(steps, e.migrations...)

	deltas := make([][]byte, 0, len(steps))
	for i, step := range steps {
		heads := doc.Heads()
		w := Writer{root: doc.RootMap()}
		if i > 0 {
			v, err := doc.RootMap().Get(e.version)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrMigrationFailed, step.Name, err)
			}
			w.root = v.Map()
		}
		if err := step.Up(w); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMigrationFailed, step.Name, err)
		}
		if _, err := doc.Commit(step.Name, automerge.CommitOptions{Time: &epoch, AllowEmpty: true}); err != nil {
			return nil, fmt.Errorf("%w: failed to commit %s: %w", ErrMigrationFailed, step.Name, err)
		}
		changes, err := doc.Changes(heads...)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to collect changes of %s: %w", ErrMigrationFailed, step.Name, err)
		}
		deltas = append(deltas, automerge.SaveChanges(changes))
	}
	return deltas, nil
}

// Baseline returns a new document holding exactly the migrated baseline.
func (e *Engine) Baseline() (*automerge.Doc, error) {
	deltas, err := e.Deltas()
	if err != nil {
		return nil, err
	}
	doc := automerge.New()
	for i, delta := range deltas {
		if err := doc.LoadIncremental(delta); err != nil {
			return nil, fmt.Errorf("%w: failed to load step %d: %w", ErrMigrationFailed, i, err)
		}
	}
	return doc, nil
}
