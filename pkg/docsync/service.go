// Package docsync keeps a replicated document in sync with its peers.
//
// Three sources are reconciled into one eventually consistent view: real-time
// deltas broadcast over a peer channel, full snapshots written in chunks to a
// durable event store, and a local cache of the latest serialized state.
package docsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/automerge-whiteboard/pkg/collab"
	"github.com/astromechza/automerge-whiteboard/pkg/document"
	"github.com/astromechza/automerge-whiteboard/pkg/observable"
)

const (
	DefaultSnapshotInterval      = 5 * time.Second
	DefaultMaxChunkSize          = 64 * 1024
	DefaultMaxSnapshotCandidates = 8
)

var (
	ErrAlreadyStarted = errors.New("service already started")

	errNoState          = errors.New("no prior state")
	errNoUsableSnapshot = errors.New("no usable snapshot")
	errClosed           = errors.New("service closed")
)

// SnapshotValidator decides whether an announced snapshot may be used.
type SnapshotValidator func(collab.SnapshotAnnouncement) bool

type Options struct {
	// DocumentValidator gates inbound deltas and loaded states before they are
	// committed.
	DocumentValidator document.Validator
	// SnapshotValidator filters snapshot announcements when loading.
	SnapshotValidator SnapshotValidator

	SnapshotInterval      time.Duration
	MaxChunkSize          int
	MaxSnapshotCandidates int
	SessionID             string
	Logger                *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.SnapshotInterval <= 0 {
		o.SnapshotInterval = DefaultSnapshotInterval
	}
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = DefaultMaxChunkSize
	}
	if o.MaxSnapshotCandidates <= 0 {
		o.MaxSnapshotCandidates = DefaultMaxSnapshotCandidates
	}
	if o.SessionID == "" {
		o.SessionID = uuid.NewString()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type Service struct {
	doc        *document.Document
	channel    collab.Channel
	events     collab.EventStore
	storage    collab.DocumentStorage
	documentID string
	opts       Options
	logger     *slog.Logger

	loading *observable.Behavior[bool]
	stats   *observable.Behavior[collab.Statistics]

	mu       sync.Mutex
	started  bool
	dirty    bool
	inFlight bool
	sent     int
	received int
	docStats collab.Statistics

	closed      atomic.Bool
	cancel      context.CancelFunc
	ioCtx       context.Context
	wg          sync.WaitGroup
	cacheSignal chan struct{}
	unsubscribe []func()
}

func New(
	doc *document.Document,
	channel collab.Channel,
	events collab.EventStore,
	storage collab.DocumentStorage,
	documentID string,
	opts Options,
) *Service {
	opts = opts.withDefaults()
	return &Service{
		doc:         doc,
		channel:     channel,
		events:      events,
		storage:     storage,
		documentID:  documentID,
		opts:        opts,
		logger:      opts.Logger.With("document", documentID, "session", opts.SessionID),
		loading:     observable.NewBehavior(true),
		stats:       observable.NewBehavior(collab.Statistics{}),
		cacheSignal: make(chan struct{}, 1),
	}
}

func (s *Service) DocumentID() string {
	return s.documentID
}

func (s *Service) SessionID() string {
	return s.opts.SessionID
}

// IsLoading replays true until prior state has been loaded from the cache or a
// snapshot, or until both sources have been tried.
func (s *Service) IsLoading() observable.Observable[bool] {
	return s.loading
}

// Statistics replays the combined document and snapshot statistics.
func (s *Service) Statistics() observable.Observable[collab.Statistics] {
	return s.stats
}

// Start wires the document to its collaborators and begins loading prior state. It
// does not wait for the load to finish.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	s.ioCtx = context.WithoutCancel(ctx)
	ctx, s.cancel = context.WithCancel(ctx)

	messages, err := s.channel.ObserveMessages(ctx)
	if err != nil {
		s.cancel()
		return fmt.Errorf("failed to observe messages: %w", err)
	}

	s.unsubscribe = append(s.unsubscribe,
		s.doc.Statistics().Subscribe(s.onDocumentStatistics),
		s.doc.Publish().Subscribe(s.broadcast),
		s.doc.Persist().Subscribe(func(struct{}) { s.markDirty() }),
		s.doc.Changes().Subscribe(func(map[string]any) { s.signalCache() }),
	)

	s.wg.Add(3)
	go s.receive(messages)
	go s.snapshotLoop(ctx)
	go s.cacheLoop(ctx)

	go s.load(ctx)
	return nil
}

// Close stops all loops and subscriptions. Work already in flight may complete but
// its results are discarded.
func (s *Service) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	for _, unsubscribe := range s.unsubscribe {
		unsubscribe()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return nil
}

func (s *Service) load(ctx context.Context) {
	var once sync.Once
	loaded := func() {
		once.Do(func() {
			if !s.closed.Load() {
				s.loading.Set(false)
			}
		})
	}

	var g errgroup.Group
	g.Go(func() error {
		if err := s.loadCache(ctx); err != nil {
			s.logLoadFailure("cache", err)
			return err
		}
		s.logger.Info("loaded document from cache")
		loaded()
		return nil
	})
	g.Go(func() error {
		if err := s.loadSnapshot(ctx); err != nil {
			s.logLoadFailure("snapshot", err)
			return err
		}
		s.logger.Info("loaded document from snapshot")
		loaded()
		return nil
	})
	_ = g.Wait()
	loaded()
}

func (s *Service) logLoadFailure(source string, err error) {
	if errors.Is(err, errNoState) || errors.Is(err, errClosed) {
		s.logger.Info("no prior state", "source", source)
		return
	}
	s.logger.Error("failed to load prior state", "source", source, "err", err)
}

func (s *Service) loadCache(ctx context.Context) error {
	data, err := s.storage.Load(ctx, s.documentID)
	if errors.Is(err, collab.ErrNotFound) {
		return errNoState
	}
	if err != nil {
		return fmt.Errorf("failed to load cached document: %w", err)
	}
	return s.mergeValidated(data)
}

func (s *Service) loadSnapshot(ctx context.Context) error {
	var candidates []collab.SnapshotAnnouncement
	err := s.events.ReadEvents(ctx, collab.EventTypeSnapshot, func(ev collab.Event) bool {
		var ann collab.SnapshotAnnouncement
		if err := json.Unmarshal(ev.Content, &ann); err != nil {
			s.logger.Error("failed to decode snapshot announcement", "event", ev.ID, "err", err)
			return true
		}
		if ann.DocumentID != s.documentID || ann.TotalChunks <= 0 {
			return true
		}
		if v := s.opts.SnapshotValidator; v != nil && !v(ann) {
			s.logger.Info("skipping rejected snapshot", "snapshot", ann.SnapshotID)
			return true
		}
		candidates = append(candidates, ann)
		return len(candidates) < s.opts.MaxSnapshotCandidates
	})
	if err != nil {
		return fmt.Errorf("failed to read snapshot announcements: %w", err)
	}
	if len(candidates) == 0 {
		return errNoState
	}

	for _, ann := range candidates {
		data, err := s.fetchSnapshot(ctx, ann)
		if err != nil {
			s.logger.Info("skipping unusable snapshot", "snapshot", ann.SnapshotID, "err", err)
			continue
		}
		if err := s.mergeValidated(data); err != nil {
			if errors.Is(err, errClosed) {
				return err
			}
			s.logger.Info("skipping invalid snapshot", "snapshot", ann.SnapshotID, "err", err)
			continue
		}
		s.mu.Lock()
		s.received++
		s.mu.Unlock()
		s.publishStats()
		return nil
	}
	return errNoUsableSnapshot
}

func (s *Service) fetchSnapshot(ctx context.Context, ann collab.SnapshotAnnouncement) ([]byte, error) {
	asm := NewAssembler(ann.TotalChunks)
	err := s.events.ReadEvents(ctx, collab.EventTypeSnapshotChunk, func(ev collab.Event) bool {
		var chunk collab.SnapshotChunk
		if err := json.Unmarshal(ev.Content, &chunk); err != nil {
			s.logger.Error("failed to decode snapshot chunk", "event", ev.ID, "err", err)
			return true
		}
		if chunk.SnapshotID != ann.SnapshotID {
			return true
		}
		if err := asm.Add(chunk.SequenceIndex, chunk.DataFragment); err != nil {
			s.logger.Error("dropping snapshot chunk", "snapshot", ann.SnapshotID, "err", err)
		}
		return !asm.Complete()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot chunks: %w", err)
	}
	return asm.Bytes()
}

// mergeValidated merges a full state, checking it on a clone first when a document
// validator is configured.
func (s *Service) mergeValidated(data []byte) error {
	if s.closed.Load() {
		return errClosed
	}
	if v := s.opts.DocumentValidator; v != nil {
		clone, err := s.doc.Clone()
		if err != nil {
			return err
		}
		if err := clone.MergeFrom(data); err != nil {
			return err
		}
		content, err := clone.Content()
		if err != nil {
			return err
		}
		if !v(content) {
			return document.ErrRejected
		}
	}
	return s.doc.MergeFrom(data)
}

func (s *Service) receive(messages <-chan collab.Message) {
	defer s.wg.Done()
	for msg := range messages {
		if s.closed.Load() {
			return
		}
		s.handleMessage(msg)
	}
}

func (s *Service) handleMessage(msg collab.Message) {
	if msg.Type != collab.MessageTypeDocumentUpdate {
		return
	}
	var update collab.DocumentUpdate
	if err := json.Unmarshal(msg.Content, &update); err != nil {
		s.logger.Error("failed to decode document update", "sender", msg.SenderID, "err", err)
		return
	}
	if update.DocumentID != s.documentID {
		return
	}
	s.doc.ApplyChange(update.Data, s.opts.DocumentValidator)
}

func (s *Service) broadcast(delta []byte) {
	content, err := json.Marshal(collab.DocumentUpdate{DocumentID: s.documentID, Data: delta})
	if err != nil {
		s.logger.Error("failed to encode document update", "err", err)
		return
	}
	go func() {
		if err := s.channel.BroadcastMessage(s.ioCtx, collab.MessageTypeDocumentUpdate, content); err != nil {
			s.logger.Error("failed to broadcast document update", "err", err)
		}
	}()
}

func (s *Service) signalCache() {
	select {
	case s.cacheSignal <- struct{}{}:
	default:
	}
}

func (s *Service) cacheLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.cacheSignal:
			if err := s.storage.Store(s.ioCtx, s.documentID, s.doc.Store()); err != nil {
				s.logger.Error("failed to write local cache", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) markDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
	s.publishStats()
}

func (s *Service) snapshotLoop(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.opts.SnapshotInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.maybeUploadSnapshot()
		case <-ctx.Done():
			return
		}
	}
}

// maybeUploadSnapshot starts an upload when the document is dirty and no other
// upload is running. Ticks during an upload are skipped, not queued.
func (s *Service) maybeUploadSnapshot() bool {
	s.mu.Lock()
	if !s.dirty || s.inFlight || s.closed.Load() {
		s.mu.Unlock()
		return false
	}
	s.dirty = false
	s.inFlight = true
	s.mu.Unlock()
	s.publishStats()

	data := s.doc.Store()
	go s.uploadSnapshot(data)
	return true
}

func (s *Service) uploadSnapshot(data []byte) {
	err := s.writeSnapshot(s.ioCtx, data)

	s.mu.Lock()
	s.inFlight = false
	if err != nil {
		s.dirty = true
	} else {
		s.sent++
	}
	s.mu.Unlock()

	if s.closed.Load() {
		return
	}
	if err != nil {
		s.logger.Error("failed to upload snapshot", "err", err)
	} else {
		s.logger.Info("uploaded snapshot", "bytes", len(data))
	}
	s.publishStats()
}

// writeSnapshot writes the announcement and then every chunk in order.
func (s *Service) writeSnapshot(ctx context.Context, data []byte) error {
	chunks := Split(data, s.opts.MaxChunkSize)
	ann := collab.SnapshotAnnouncement{
		DocumentID:  s.documentID,
		SnapshotID:  uuid.NewString(),
		SessionID:   s.opts.SessionID,
		TotalChunks: len(chunks),
		Size:        len(data),
		CreatedAt:   time.Now().UTC(),
	}
	content, err := json.Marshal(ann)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot announcement: %w", err)
	}
	if _, err := s.events.SendEvent(ctx, collab.EventTypeSnapshot, content); err != nil {
		return fmt.Errorf("failed to announce snapshot: %w", err)
	}
	for i, fragment := range chunks {
		content, err := json.Marshal(collab.SnapshotChunk{
			DocumentID:    s.documentID,
			SnapshotID:    ann.SnapshotID,
			SequenceIndex: i,
			DataFragment:  fragment,
		})
		if err != nil {
			return fmt.Errorf("failed to encode snapshot chunk: %w", err)
		}
		if _, err := s.events.SendEvent(ctx, collab.EventTypeSnapshotChunk, content); err != nil {
			return fmt.Errorf("failed to write snapshot chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

func (s *Service) onDocumentStatistics(st collab.Statistics) {
	s.mu.Lock()
	s.docStats = st
	s.mu.Unlock()
	s.publishStats()
}

func (s *Service) publishStats() {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	st := collab.Statistics{
		DocumentSizeInBytes: s.docStats.DocumentSizeInBytes,
		ContentSizeInBytes:  s.docStats.ContentSizeInBytes,
		SnapshotsSent:       s.sent,
		SnapshotsReceived:   s.received,
		SnapshotOutstanding: s.dirty || s.inFlight,
	}
	s.mu.Unlock()
	s.stats.Set(st)
}
