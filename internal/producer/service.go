// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/rigrun-live/internal/generate"
	"github.com/jeranaias/rigrun-live/internal/model"
	"github.com/jeranaias/rigrun-live/internal/store"
	"github.com/jeranaias/rigrun-live/internal/transport"
)

// =============================================================================
// TYPES
// =============================================================================

// Publisher sends events to every connected consumer.
type Publisher interface {
	Publish(ev transport.Event) transport.Event
}

// Options tunes the service.
type Options struct {
	// BatchSize and MaxFPS configure the per-generation token Buffer.
	BatchSize int
	MaxFPS    int
	// ContextEntries is how many preceding entries are sent as context
	// (default: 50).
	ContextEntries int
	// Model overrides the source's default model.
	Model       string
	Temperature float64
}

const defaultContextEntries = 50

var (
	// ErrNotGenerating is returned by Stop for ids without an active
	// generation.
	ErrNotGenerating = errors.New("no active generation")
	// ErrNotAssistant is returned when regenerating a non-assistant entry.
	ErrNotAssistant = errors.New("only assistant entries can be regenerated")
	// ErrServiceClosed is returned after Close.
	ErrServiceClosed = errors.New("service closed")
)

// generation is one in-flight reply.
type generation struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// =============================================================================
// SERVICE
// =============================================================================

// Service owns the log on the producing side. It applies mutations to the
// store, publishes the matching events, and runs generations that stream
// slices for in-progress assistant entries.
//
// Consumers never see the store, only events, so an event published out of
// order with its mutation would leave them looking at a log that never
// existed. Every mutation therefore holds mu from the store write through
// Publish. Generations run on their own goroutines and take the same lock
// for each flush, rereading the entry under it, so no slice is published for
// an entry after the event that removed it.
//
// Thread-safe.
type Service struct {
	// mu orders store mutations with the events that announce them, so
	// consumers observe events in the order the log changed.
	mu sync.Mutex

	store  store.LogStore
	src    generate.Source
	pub    Publisher
	opts   Options
	logger *zap.Logger

	gmu    sync.Mutex
	gens   map[string]*generation
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewService creates a service.
func NewService(st store.LogStore, src generate.Source, pub Publisher, logger *zap.Logger, opts Options) *Service {
	if opts.ContextEntries <= 0 {
		opts.ContextEntries = defaultContextEntries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:  st,
		src:    src,
		pub:    pub,
		opts:   opts,
		logger: logger.Named("producer"),
		gens:   make(map[string]*generation),
		ctx:    ctx,
		cancel: cancel,
	}
}

// =============================================================================
// QUERIES
// =============================================================================

// List returns up to limit entries from offset plus the log length.
func (s *Service) List(ctx context.Context, offset, limit int) ([]model.Entry, int, error) {
	return store.Fetcher{Store: s.store}.Fetch(ctx, offset, limit)
}

// Get returns one entry by id.
func (s *Service) Get(ctx context.Context, id string) (model.Entry, error) {
	return s.store.Get(ctx, id)
}

// Subscribe hands a timeline_info snapshot to attach. No mutation is
// published between the snapshot and attach returning.
func (s *Service) Subscribe(ctx context.Context, attach func(initial ...transport.Event) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.store.Length(ctx)
	if err != nil {
		return fmt.Errorf("length: %w", err)
	}
	return attach(transport.TimelineInfo(0, n))
}

// Generating reports whether id has an active generation.
func (s *Service) Generating(id string) bool {
	s.gmu.Lock()
	defer s.gmu.Unlock()
	_, ok := s.gens[id]
	return ok
}

// =============================================================================
// MUTATIONS
// =============================================================================

// Append adds an entry authored by role. When reply is set a pending
// assistant entry is appended after it and a generation starts; the pending
// entry is returned second.
func (s *Service) Append(ctx context.Context, role model.Role, content string, attachments []model.Attachment, reply bool) (model.Entry, *model.Entry, error) {
	if !role.Valid() {
		return model.Entry{}, nil, fmt.Errorf("invalid role %q", role)
	}
	e := model.NewEntry(role, norm.NFC.String(content))
	e.Attachments = attachments

	added, err := s.appendAndPublish(ctx, e)
	if err != nil {
		return model.Entry{}, nil, err
	}
	if !reply {
		return added, nil, nil
	}

	pending, err := s.appendAndPublish(ctx, model.NewPendingAssistantEntry())
	if err != nil {
		return added, nil, err
	}
	if err := s.startGeneration(ctx, pending); err != nil {
		return added, &pending, err
	}
	return added, &pending, nil
}

func (s *Service) appendAndPublish(ctx context.Context, e model.Entry) (model.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	added, err := s.store.Append(ctx, e)
	if err != nil {
		return model.Entry{}, fmt.Errorf("append: %w", err)
	}
	n, err := s.store.Length(ctx)
	if err != nil {
		return model.Entry{}, fmt.Errorf("length: %w", err)
	}
	s.pub.Publish(transport.EntryAdded(added, n))
	return added, nil
}

// Replace edits the content of the entry at index. An active generation for
// it is stopped first.
func (s *Service) Replace(ctx context.Context, index int, content string) (model.Entry, error) {
	if cur, err := s.at(ctx, index); err == nil {
		s.stopAndWait(cur.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.at(ctx, index)
	if err != nil {
		return model.Entry{}, err
	}
	cur.Content = norm.NFC.String(content)
	cur.InProgress = false
	cur.Stopped = false
	cur.Error = ""

	updated, err := s.store.ReplaceAt(ctx, index, cur)
	if err != nil {
		return model.Entry{}, fmt.Errorf("replace %d: %w", index, err)
	}
	s.pub.Publish(transport.EntryReplaced(index, updated))
	return updated, nil
}

// Delete removes the entry at index, cancelling its generation.
func (s *Service) Delete(ctx context.Context, index int) (model.Entry, error) {
	s.mu.Lock()
	removed, err := s.store.DeleteAt(ctx, index)
	if err != nil {
		s.mu.Unlock()
		return model.Entry{}, fmt.Errorf("delete %d: %w", index, err)
	}
	n, err := s.store.Length(ctx)
	if err != nil {
		s.mu.Unlock()
		return removed, fmt.Errorf("length: %w", err)
	}
	s.pub.Publish(transport.EntryDeleted(index, removed.ID, n))
	s.mu.Unlock()

	s.cancelGeneration(removed.ID)
	return removed, nil
}

// DeleteRange removes count entries starting at start and publishes one
// entries_range_deleted event for the entries actually removed.
func (s *Service) DeleteRange(ctx context.Context, start, count int) ([]model.Entry, error) {
	s.mu.Lock()
	removed, err := s.store.DeleteRange(ctx, start, count)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("delete range [%d,+%d): %w", start, count, err)
	}
	if len(removed) == 0 {
		s.mu.Unlock()
		return nil, nil
	}
	n, err := s.store.Length(ctx)
	if err != nil {
		s.mu.Unlock()
		return removed, fmt.Errorf("length: %w", err)
	}
	ids := make([]string, len(removed))
	for i, e := range removed {
		ids[i] = e.ID
	}
	s.pub.Publish(transport.EntriesRangeDeleted(removed[0].Index, len(removed), ids, n))
	s.mu.Unlock()

	for _, id := range ids {
		s.cancelGeneration(id)
	}
	return removed, nil
}

// Regenerate discards the assistant entry at index and generates it again
// from the entries before it.
func (s *Service) Regenerate(ctx context.Context, index int) (model.Entry, error) {
	cur, err := s.at(ctx, index)
	if err != nil {
		return model.Entry{}, err
	}
	if cur.Role != model.RoleAssistant {
		return model.Entry{}, ErrNotAssistant
	}
	s.stopAndWait(cur.ID)

	s.mu.Lock()
	cur, err = s.at(ctx, index)
	if err != nil {
		s.mu.Unlock()
		return model.Entry{}, err
	}
	next := model.NewPendingAssistantEntry()
	updated, err := s.store.ReplaceAt(ctx, index, next)
	if err != nil {
		s.mu.Unlock()
		return model.Entry{}, fmt.Errorf("regenerate %d: %w", index, err)
	}
	s.pub.Publish(transport.EntryReplaced(index, updated))
	s.mu.Unlock()

	return updated, s.startGeneration(ctx, updated)
}

// Stop cancels the generation for id. Partial content is kept and the entry
// is marked stopped.
func (s *Service) Stop(id string) error {
	if !s.cancelGeneration(id) {
		return ErrNotGenerating
	}
	return nil
}

// Close cancels every generation and waits for them to finish.
func (s *Service) Close() {
	s.gmu.Lock()
	s.closed = true
	s.gmu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until no generation is running.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) at(ctx context.Context, index int) (model.Entry, error) {
	items, err := s.store.Range(ctx, index, index+1)
	if err != nil {
		return model.Entry{}, fmt.Errorf("read %d: %w", index, err)
	}
	if len(items) == 0 {
		n, _ := s.store.Length(ctx)
		return model.Entry{}, &store.IndexError{Index: index, Length: n}
	}
	return items[0], nil
}

// =============================================================================
// GENERATIONS
// =============================================================================

// startGeneration launches a generation for the pending entry e, using the
// entries before it as context.
func (s *Service) startGeneration(ctx context.Context, e model.Entry) error {
	from := max(0, e.Index-s.opts.ContextEntries)
	history, err := s.store.Range(ctx, from, e.Index)
	if err != nil {
		return fmt.Errorf("read context: %w", err)
	}
	req := generate.Request{
		Model:       s.opts.Model,
		Messages:    generate.MessagesFromEntries(history),
		Temperature: s.opts.Temperature,
	}

	s.gmu.Lock()
	if s.closed {
		s.gmu.Unlock()
		return ErrServiceClosed
	}
	gctx, cancel := context.WithCancel(s.ctx)
	g := &generation{cancel: cancel, done: make(chan struct{})}
	s.gens[e.ID] = g
	s.wg.Add(1)
	s.gmu.Unlock()

	go func() {
		defer s.wg.Done()
		defer close(g.done)
		defer s.forget(e.ID, g)
		defer cancel()
		s.run(gctx, e.ID, req)
	}()
	return nil
}

func (s *Service) forget(id string, g *generation) {
	s.gmu.Lock()
	if s.gens[id] == g {
		delete(s.gens, id)
	}
	s.gmu.Unlock()
}

// SetFlushRate changes the token batching of generations started from now
// on. Non-positive values keep the current setting.
func (s *Service) SetFlushRate(batchSize, maxFPS int) {
	s.gmu.Lock()
	defer s.gmu.Unlock()
	if batchSize > 0 {
		s.opts.BatchSize = batchSize
	}
	if maxFPS > 0 {
		s.opts.MaxFPS = maxFPS
	}
}

func (s *Service) flushRate() (batchSize, maxFPS int) {
	s.gmu.Lock()
	defer s.gmu.Unlock()
	return s.opts.BatchSize, s.opts.MaxFPS
}

func (s *Service) cancelGeneration(id string) bool {
	s.gmu.Lock()
	g, ok := s.gens[id]
	s.gmu.Unlock()
	if ok {
		g.cancel()
	}
	return ok
}

func (s *Service) stopAndWait(id string) {
	s.gmu.Lock()
	g, ok := s.gens[id]
	s.gmu.Unlock()
	if ok {
		g.cancel()
		<-g.done
	}
}
