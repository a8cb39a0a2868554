// Package document implements the replicated, versioned document at the core of the
// whiteboard. It wraps an automerge document whose root map holds a single key, the
// version tag, under which all content lives.
package document

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"

	"github.com/astromechza/automerge-whiteboard/pkg/collab"
	"github.com/astromechza/automerge-whiteboard/pkg/migration"
	"github.com/astromechza/automerge-whiteboard/pkg/observable"
	"github.com/astromechza/automerge-whiteboard/pkg/tree"
)

var (
	ErrInvalidState = errors.New("invalid document state")
	ErrMissingRoot  = errors.New("missing version root")
	ErrRejected     = errors.New("rejected by validator")
)

// ChangeFunc mutates the content map of a document inside one transaction.
type ChangeFunc func(root *automerge.Map) error

// Validator decides whether content is acceptable for the application.
type Validator func(content map[string]any) bool

type Option func(*Document)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Document) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithActorID fixes the actor used for local edits. It must be a hex string.
func WithActorID(id string) Option {
	return func(d *Document) {
		d.actorID = id
	}
}

// Document is safe for concurrent use. Mutations are serialized by an internal
// mutex and their events are emitted after it is released, on the goroutine that
// made the change, so subscribers may call back into the document.
type Document struct {
	mu      sync.Mutex
	doc     *automerge.Doc
	version string
	actorID string
	logger  *slog.Logger

	publish      *observable.Subject[[]byte]
	changes      *observable.Subject[map[string]any]
	persist      *observable.Subject[struct{}]
	transactions *observable.Subject[Transaction]
	statistics   *observable.Behavior[collab.Statistics]
}

// New builds a document from the baseline of engine.
func New(engine *migration.Engine, opts ...Option) (*Document, error) {
	doc, err := engine.Baseline()
	if err != nil {
		return nil, err
	}
	return newDocument(doc, engine.Version(), opts...)
}

// Create builds a document by replaying migrations for version.
func Create(version string, migrations []migration.Migration, opts ...Option) (*Document, error) {
	return New(migration.NewEngine(version, migrations...), opts...)
}

func newDocument(doc *automerge.Doc, version string, opts ...Option) (*Document, error) {
	d := &Document{
		doc:          doc,
		version:      version,
		logger:       slog.Default(),
		publish:      observable.NewSubject[[]byte](),
		changes:      observable.NewSubject[map[string]any](),
		persist:      observable.NewSubject[struct{}](),
		transactions: observable.NewSubject[Transaction](),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.actorID == "" {
		d.actorID = newActorID()
	}
	if err := doc.SetActorID(d.actorID); err != nil {
		return nil, fmt.Errorf("failed to set actor id: %w", err)
	}
	content, err := d.contentLocked()
	if err != nil {
		return nil, err
	}
	d.statistics = observable.NewBehavior(d.statisticsLocked(content))
	return d, nil
}

func newActorID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

func (d *Document) Version() string {
	return d.version
}

func (d *Document) ActorID() string {
	return d.actorID
}

// Publish emits the binary delta of every local commit.
func (d *Document) Publish() observable.Observable[[]byte] {
	return d.publish
}

// Changes emits the full content after every local or remote change.
func (d *Document) Changes() observable.Observable[map[string]any] {
	return d.changes
}

// Persist fires whenever the state should be written back to durable storage.
func (d *Document) Persist() observable.Observable[struct{}] {
	return d.persist
}

// Transactions emits a record of every committed transaction. It fires before
// Changes.
func (d *Document) Transactions() observable.Observable[Transaction] {
	return d.transactions
}

// Statistics replays the current sizes to new subscribers.
func (d *Document) Statistics() observable.Observable[collab.Statistics] {
	return d.statistics
}

// PerformChange runs fn against the content root inside one transaction. fn works on
// a disposable fork: if it returns an error nothing is committed, no event fires and
// the error is returned as is. A callback that changes nothing commits nothing.
func (d *Document) PerformChange(origin Origin, fn ChangeFunc) error {
	result, err := d.commitLocal(origin, fn)
	if err != nil {
		return err
	}
	if result != nil {
		d.emit(result)
	}
	return nil
}

// ApplyChange applies a remote delta. With a validator the delta is first applied
// to a disposable clone and only committed when the clone's content passes. Invalid
// input is logged and dropped. It reports whether the document changed.
func (d *Document) ApplyChange(delta []byte, validate Validator) bool {
	result, err := d.applyRemote(delta, validate)
	if err != nil {
		d.logger.Error("failed to apply remote change", "err", err, "bytes", len(delta))
		return false
	}
	if result == nil {
		return false
	}
	d.emit(result)
	return true
}

// MergeFrom merges a full remote state. When the merged document holds changes the
// remote state did not have, Persist fires so the richer state gets saved back.
func (d *Document) MergeFrom(state []byte) error {
	result, err := d.mergeRemote(state)
	if err != nil {
		return err
	}
	if result != nil {
		d.emit(result)
	}
	return nil
}

// Store returns the canonical serialization, taken from a disposable copy.
func (d *Document) Store() []byte {
	fork, err := d.Fork()
	if err != nil {
		d.logger.Error("failed to fork for store", "err", err)
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.doc.Save()
	}
	return fork.Save()
}

// Clone returns an independent copy with its own streams and actor.
func (d *Document) Clone() (*Document, error) {
	fork, err := d.Fork()
	if err != nil {
		return nil, err
	}
	return newDocument(fork, d.version, WithLogger(d.logger))
}

// Fork returns a disposable automerge copy for inspection.
func (d *Document) Fork() (*automerge.Doc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fork, err := d.doc.Fork()
	if err != nil {
		return nil, fmt.Errorf("failed to fork: %w", err)
	}
	return fork, nil
}

// Content returns the current content as plain Go values.
func (d *Document) Content() (map[string]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.contentLocked()
}

func (d *Document) Heads() []automerge.ChangeHash {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Heads()
}

type commitResult struct {
	tx      *Transaction
	delta   []byte
	persist bool
	stats   collab.Statistics
}

func (d *Document) emit(r *commitResult) {
	if r.tx != nil {
		d.transactions.Emit(*r.tx)
		d.changes.Emit(r.tx.After)
	}
	if r.delta != nil {
		d.publish.Emit(r.delta)
	}
	if r.persist {
		d.persist.Emit(struct{}{})
	}
	d.statistics.Set(r.stats)
}

func (d *Document) commitLocal(origin Origin, fn ChangeFunc) (*commitResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	root, err := versionRoot(d.doc, d.version)
	if err != nil {
		return nil, err
	}
	before, objects, err := tree.MapObjects(root)
	if err != nil {
		return nil, err
	}
	heads := d.doc.Heads()
	fork, err := d.doc.Fork()
	if err != nil {
		return nil, fmt.Errorf("failed to fork: %w", err)
	}
	if err := fork.SetActorID(d.actorID); err != nil {
		return nil, fmt.Errorf("failed to set actor id: %w", err)
	}
	if root, err = versionRoot(fork, d.version); err != nil {
		return nil, err
	}
	if err := fn(root); err != nil {
		return nil, err
	}
	if _, err := fork.Commit(origin.String()); err != nil {
		if isEmptyCommit(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	changes, err := fork.Changes(heads...)
	if err != nil {
		return nil, fmt.Errorf("failed to collect changes: %w", err)
	}
	if len(changes) == 0 {
		return nil, nil
	}
	if err := d.doc.Apply(changes...); err != nil {
		return nil, fmt.Errorf("failed to apply changes: %w", err)
	}
	after, err := d.contentLocked()
	if err != nil {
		return nil, err
	}
	return &commitResult{
		tx:      &Transaction{Origin: origin, Before: before, After: after, Objects: objects},
		delta:   automerge.SaveChanges(changes),
		persist: true,
		stats:   d.statisticsLocked(after),
	}, nil
}

// isEmptyCommit matches the error automerge returns when a transaction holds no
// operations. The library does not export a sentinel for it.
func isEmptyCommit(err error) bool {
	return strings.Contains(err.Error(), "Commit is empty")
}

func (d *Document) applyRemote(delta []byte, validate Validator) (*commitResult, error) {
	if len(delta) == 0 {
		return nil, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if validate != nil {
		clone, err := d.doc.Fork()
		if err != nil {
			return nil, fmt.Errorf("failed to fork: %w", err)
		}
		if err := clone.LoadIncremental(delta); err != nil {
			return nil, fmt.Errorf("%w: failed to apply delta to clone: %w", ErrInvalidState, err)
		}
		content, err := contentOf(clone, d.version)
		if err != nil {
			return nil, err
		}
		if !validate(content) {
			return nil, ErrRejected
		}
	}

	heads := d.doc.Heads()
	if err := d.doc.LoadIncremental(delta); err != nil {
		return nil, fmt.Errorf("%w: failed to apply delta: %w", ErrInvalidState, err)
	}
	if sameHeads(heads, d.doc.Heads()) {
		return nil, nil
	}
	after, err := d.contentLocked()
	if err != nil {
		return nil, err
	}
	return &commitResult{
		tx:      &Transaction{Origin: OriginRemote, After: after},
		persist: true,
		stats:   d.statisticsLocked(after),
	}, nil
}

func (d *Document) mergeRemote(state []byte) (*commitResult, error) {
	remote, err := automerge.Load(state)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load state: %w", ErrInvalidState, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	before := d.doc.Heads()
	if _, err := d.doc.Merge(remote); err != nil {
		return nil, fmt.Errorf("%w: failed to merge: %w", ErrInvalidState, err)
	}
	after := d.doc.Heads()
	changed := !sameHeads(before, after)
	outstanding := !sameHeads(after, remote.Heads())
	if !changed && !outstanding {
		return nil, nil
	}

	content, err := d.contentLocked()
	if err != nil {
		return nil, err
	}
	result := &commitResult{persist: outstanding, stats: d.statisticsLocked(content)}
	if changed {
		result.tx = &Transaction{Origin: OriginRemote, After: content}
	}
	return result, nil
}

func (d *Document) contentLocked() (map[string]any, error) {
	return contentOf(d.doc, d.version)
}

func (d *Document) statisticsLocked(content map[string]any) collab.Statistics {
	encoded, err := json.Marshal(content)
	if err != nil {
		d.logger.Error("failed to encode content", "err", err)
	}
	return collab.Statistics{
		DocumentSizeInBytes: len(d.doc.Save()),
		ContentSizeInBytes:  len(encoded),
	}
}

func versionRoot(doc *automerge.Doc, version string) (*automerge.Map, error) {
	v, err := doc.RootMap().Get(version)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMissingRoot, err)
	}
	if v.Kind() != automerge.KindMap {
		return nil, fmt.Errorf("%w: %q", ErrMissingRoot, version)
	}
	return v.Map(), nil
}

func contentOf(doc *automerge.Doc, version string) (map[string]any, error) {
	root, err := versionRoot(doc, version)
	if err != nil {
		return nil, err
	}
	return tree.Map(root)
}

func sameHeads(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[automerge.ChangeHash]struct{}, len(a))
	for _, h := range a {
		seen[h] = struct{}{}
	}
	for _, h := range b {
		if _, ok := seen[h]; !ok {
			return false
		}
	}
	return true
}
