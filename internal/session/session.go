// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-live/internal/diff"
	"github.com/jeranaias/rigrun-live/internal/model"
	"github.com/jeranaias/rigrun-live/internal/reveal"
	"github.com/jeranaias/rigrun-live/internal/sequencer"
	"github.com/jeranaias/rigrun-live/internal/store"
	"github.com/jeranaias/rigrun-live/internal/transport"
	"github.com/jeranaias/rigrun-live/internal/window"
)

// =============================================================================
// TYPES
// =============================================================================

// Backend is the read side of the log a session pages from.
type Backend interface {
	window.Fetcher
	Entry(ctx context.Context, id string) (model.Entry, error)
}

// Status is the channel connection state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

// String returns the string representation of a status.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Options configures a Session.
type Options struct {
	Window   window.Options
	Reveal   reveal.Options
	Driver   reveal.Driver
	Renderer reveal.Renderer

	// ReconnectBase and ReconnectMax bound the exponential reconnect delay
	// (defaults: 500ms and 10s).
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

const (
	defaultReconnectBase = 500 * time.Millisecond
	defaultReconnectMax  = 10 * time.Second
)

// =============================================================================
// SESSION
// =============================================================================

// Session applies channel events to a windowed view of the log.
// Thread-safe.
type Session struct {
	backend Backend
	view    *window.View
	sched   *reveal.Scheduler
	seq     *sequencer.Sequencer
	opts    Options
	logger  *zap.Logger

	mu       sync.Mutex
	appliers map[string]*diff.Applier
	status   Status
	onStatus func(Status)
	resyncs  int
}

// New creates a session reading from backend.
func New(backend Backend, logger *zap.Logger, opts Options) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = defaultReconnectBase
	}
	if opts.ReconnectMax < opts.ReconnectBase {
		opts.ReconnectMax = max(defaultReconnectMax, opts.ReconnectBase)
	}
	logger = logger.Named("session")

	s := &Session{
		backend:  backend,
		opts:     opts,
		logger:   logger,
		appliers: make(map[string]*diff.Applier),
	}
	s.view = window.New(backend, opts.Window)
	s.sched = reveal.New(opts.Renderer, opts.Driver, logger, opts.Reveal)
	s.seq = sequencer.New(logger)
	s.view.SetUnregisterer(s)
	return s
}

// View returns the window.
func (s *Session) View() *window.View { return s.view }

// Scheduler returns the reveal scheduler.
func (s *Session) Scheduler() *reveal.Scheduler { return s.sched }

// Display returns the text to show for an entry: the revealed prefix while
// it streams, its content otherwise.
func (s *Session) Display(e model.Entry) string {
	if text, ok := s.sched.Display(e.ID); ok {
		return text
	}
	return e.Content
}

// Revealing reports whether id is still being revealed.
func (s *Session) Revealing(id string) bool {
	_, ok := s.sched.Display(id)
	return ok
}

// OnStatus registers fn to be called on every connection state change.
func (s *Session) OnStatus(fn func(Status)) {
	s.mu.Lock()
	s.onStatus = fn
	s.mu.Unlock()
}

// Status returns the connection state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Idle reports whether no events are queued or running.
func (s *Session) Idle() bool {
	return s.seq.Active() == 0
}

// Faults returns the number of event handler faults.
func (s *Session) Faults() int {
	return s.seq.Faults()
}

// Resyncs returns how many entries were refetched after a stream update did
// not line up.
func (s *Session) Resyncs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resyncs
}

// Close stops event processing and the reveal loop.
func (s *Session) Close() {
	s.seq.Close()
	s.sched.Close()
}

// forgetter is implemented by renderers that cache output per id.
type forgetter interface {
	Forget(id string)
}

// Unregister drops per-id state for an entry that left the window,
// including any output the renderer cached for it.
func (s *Session) Unregister(id string) {
	s.dropApplier(id)
	s.sched.Unregister(id)
	if f, ok := s.opts.Renderer.(forgetter); ok {
		f.Forget(id)
	}
}

// =============================================================================
// LOADING
// =============================================================================

// Load materializes the tail of the log and picks up in-progress entries.
func (s *Session) Load(ctx context.Context) error {
	return s.reload(ctx, -1)
}

// reload reloads the window around anchor (tail when negative) and rebuilds
// the per-entry state from what is materialized.
func (s *Session) reload(ctx context.Context, anchor int) error {
	if err := s.view.Load(ctx, anchor); err != nil {
		return err
	}
	live := make(map[string]struct{})
	for _, e := range s.view.Items() {
		if !e.InProgress {
			continue
		}
		live[e.ID] = struct{}{}
		s.mu.Lock()
		s.appliers[e.ID] = diff.NewApplier(e.Content)
		s.mu.Unlock()
		s.sched.Register(e.ID, e.Content)
	}

	s.mu.Lock()
	var stale []string
	for id := range s.appliers {
		if _, ok := live[id]; !ok {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stale {
		s.dropApplier(id)
		s.sched.Finish(id)
	}
	return nil
}

// =============================================================================
// EVENT DISPATCH
// =============================================================================

// Handle applies ev. Changes to the log structure (adds and deletes) update
// the window immediately, in channel order; everything touching one entry's
// content is queued behind earlier events for that entry. Handle never
// blocks on a handler.
func (s *Session) Handle(ev transport.Event) error {
	if err := ev.Validate(); err != nil {
		s.logger.Warn("dropping invalid event", zap.Uint64("seq", ev.Seq), zap.Error(err))
		return err
	}
	typ := sequencer.EventType(ev.Type)

	switch ev.Type {
	case transport.TypeEntryAdded:
		s.view.Append(*ev.Entry)
		s.reconcileTotal(ev.Total)
		return s.seq.Enqueue(ev.Key(), typ, func(ctx context.Context) error {
			return s.onAdded(ev)
		})

	case transport.TypeEntryReplaced:
		return s.seq.Enqueue(ev.Key(), typ, func(ctx context.Context) error {
			return s.onReplaced(ev)
		})

	case transport.TypeEntryDeleted:
		s.view.DeleteAt(ev.Index, ev.ID)
		s.reconcileTotal(ev.Total)
		if err := s.seq.Enqueue(ev.Key(), typ, func(ctx context.Context) error {
			s.Unregister(ev.ID)
			return nil
		}); err != nil {
			return err
		}
		return s.seq.Enqueue(transport.TimelineKey, typ, s.refill)

	case transport.TypeEntriesRangeDeleted:
		s.view.DeleteRange(ev.Index, ev.Count)
		s.reconcileTotal(ev.Total)
		// A stream update already running for a removed id may register it
		// again; unregister behind it on the id's own key.
		for _, id := range ev.IDs {
			s.dropApplier(id)
			if err := s.seq.Enqueue(id, typ, func(ctx context.Context) error {
				s.Unregister(id)
				return nil
			}); err != nil {
				return err
			}
		}
		return s.seq.Enqueue(ev.Key(), typ, s.refill)

	case transport.TypeStreamUpdate:
		return s.seq.Enqueue(ev.Key(), typ, func(ctx context.Context) error {
			return s.onStreamUpdate(ctx, ev)
		})

	case transport.TypeTimelineInfo:
		return s.seq.Enqueue(ev.Key(), typ, func(ctx context.Context) error {
			return s.onTimelineInfo(ctx, ev)
		})
	}
	return nil
}

// reconcileTotal adopts the producer's log length when the window drifted.
func (s *Session) reconcileTotal(total int) {
	if s.view.BackendTotal() != total {
		s.view.SetTotal(total)
	}
}

func (s *Session) refill(ctx context.Context) error {
	return s.view.Refill(ctx)
}

func (s *Session) onAdded(ev transport.Event) error {
	e := *ev.Entry
	if e.InProgress && s.view.Contains(e.ID) {
		s.setApplier(e.ID, e.Content)
		s.sched.Register(e.ID, e.Content)
	}
	return nil
}

func (s *Session) onReplaced(ev transport.Event) error {
	e := *ev.Entry
	if !s.view.ReplaceAt(ev.Index, e) {
		s.dropApplier(e.ID)
		return nil
	}
	if e.InProgress {
		// Regeneration: the slices that follow apply to the new content.
		s.setApplier(e.ID, e.Content)
		s.sched.Register(e.ID, e.Content)
		return nil
	}
	s.dropApplier(e.ID)
	if s.sched.UpdateTarget(e.ID, e.Content) {
		s.sched.Finish(e.ID)
	}
	return nil
}

func (s *Session) onStreamUpdate(ctx context.Context, ev transport.Event) error {
	if !s.view.Contains(ev.ID) {
		// Paged in later with whatever content has been persisted by then.
		return nil
	}

	a := s.applier(ev.ID)
	if a == nil {
		cur, _ := s.view.Get(ev.ID)
		a = s.setApplier(ev.ID, cur.Content)
	}
	if err := a.ApplyAll(ev.Slices); err != nil {
		if !errors.Is(err, diff.ErrOutOfOrder) {
			return err
		}
		fresh, ferr := s.backend.Entry(ctx, ev.ID)
		if ferr != nil {
			if store.IsNotFound(ferr) {
				return nil
			}
			return fmt.Errorf("resync %s: %w", ev.ID, ferr)
		}
		s.logger.Debug("resynced entry", zap.String("id", ev.ID), zap.Error(err))
		a.Reset(fresh.Content)
		s.mu.Lock()
		s.resyncs++
		s.mu.Unlock()
	}

	text := a.String()
	if !s.view.Update(ev.ID, func(e *model.Entry) {
		e.Content = text
		e.InProgress = true
		e.Attachments = model.MergeAttachments(e.Attachments, ev.Attachments)
	}) {
		// Left the window while the update was applied.
		s.dropApplier(ev.ID)
		return nil
	}
	if !s.sched.UpdateTarget(ev.ID, text) {
		s.sched.Register(ev.ID, text)
	}
	return nil
}

func (s *Session) onTimelineInfo(ctx context.Context, ev transport.Event) error {
	anchor := -1
	if s.view.Loaded() && !s.view.Pinned() {
		anchor = s.view.Shift() + s.view.Offset() + s.view.Len()/2
	}
	if err := s.reload(ctx, anchor); err != nil {
		s.view.SetTotal(ev.Index + ev.Count)
		return fmt.Errorf("reload: %w", err)
	}
	return nil
}

// =============================================================================
// APPLIERS
// =============================================================================

func (s *Session) applier(id string) *diff.Applier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appliers[id]
}

func (s *Session) setApplier(id, initial string) *diff.Applier {
	a := diff.NewApplier(initial)
	s.mu.Lock()
	s.appliers[id] = a
	s.mu.Unlock()
	return a
}

func (s *Session) dropApplier(id string) {
	s.mu.Lock()
	delete(s.appliers, id)
	s.mu.Unlock()
}

// =============================================================================
// CONNECTION
// =============================================================================

// Run keeps a channel open to url and feeds its events to Handle,
// reconnecting with exponential backoff until ctx is done. Each new
// connection starts with a timeline_info snapshot that resyncs the view.
func (s *Session) Run(ctx context.Context, url string, header http.Header) error {
	attempt := 0
	for {
		s.setStatus(StatusConnecting)
		conn, err := transport.Dial(ctx, url, header)
		if err == nil {
			attempt = 0
			s.setStatus(StatusConnected)
			s.logger.Info("channel connected", zap.String("url", url))
			err = conn.Run(ctx, func(ev transport.Event) {
				_ = s.Handle(ev)
			})
			_ = conn.Close()
		}
		s.setStatus(StatusDisconnected)
		if ctx.Err() != nil {
			return nil
		}

		delay := s.backoff(attempt)
		attempt++
		s.logger.Warn("channel lost, reconnecting",
			zap.Error(err),
			zap.Duration("delay", delay),
			zap.Int("attempt", attempt))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// backoff returns the delay before reconnect attempt n: base, 2*base, ...
// capped at ReconnectMax.
func (s *Session) backoff(attempt int) time.Duration {
	if attempt > 16 {
		attempt = 16
	}
	delay := s.opts.ReconnectBase * time.Duration(1<<uint(attempt))
	if delay > s.opts.ReconnectMax {
		delay = s.opts.ReconnectMax
	}
	return delay
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	if s.status == st {
		s.mu.Unlock()
		return
	}
	s.status = st
	fn := s.onStatus
	s.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}
