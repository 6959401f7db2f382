// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sequencer serializes update events per entry identity.
//
// Events for one entry (added, replaced, deleted, stream update) may race on
// the wire and be dispatched from different goroutines. The Sequencer keeps a
// FIFO per id and runs at most one handler per id at a time, in arrival order.
// Distinct ids drain concurrently and never block one another.
//
// A handler that returns an error or panics is a HandlerFault: it is logged
// with the id and event type and draining moves on to the next event. Faults
// are never retried.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// =============================================================================
// TYPES
// =============================================================================

// EventType names the kind of event a handler applies.
type EventType string

const (
	EventAdded        EventType = "entry_added"
	EventReplaced     EventType = "entry_replaced"
	EventDeleted      EventType = "entry_deleted"
	EventRangeDeleted EventType = "entries_range_deleted"
	EventStreamUpdate EventType = "stream_update"
	EventTimelineInfo EventType = "timeline_info"
)

// Handler applies one event. The context is cancelled when the sequencer
// closes.
type Handler func(ctx context.Context) error

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("sequencer closed")

// HandlerFault describes a handler that failed or panicked.
type HandlerFault struct {
	ID    string
	Event EventType
	Err   error
	Panic any
}

func (f *HandlerFault) Error() string {
	if f.Panic != nil {
		return fmt.Sprintf("handler for %s on %q panicked: %v", f.Event, f.ID, f.Panic)
	}
	return fmt.Sprintf("handler for %s on %q failed: %v", f.Event, f.ID, f.Err)
}

func (f *HandlerFault) Unwrap() error {
	return f.Err
}

type pending struct {
	event   EventType
	handler Handler
}

// queue is the per-id state. processing is true while a drain goroutine owns
// the queue.
type queue struct {
	items      []pending
	processing bool
}

// =============================================================================
// SEQUENCER
// =============================================================================

// Sequencer runs handlers per id in strict arrival order.
// Thread-safe.
type Sequencer struct {
	mu     sync.Mutex
	queues map[string]*queue
	closed bool
	faults int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger  *zap.Logger
	onFault func(*HandlerFault)
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithFaultHook registers a callback invoked (outside any lock) for every
// handler fault, after it has been logged.
func WithFaultHook(fn func(*HandlerFault)) Option {
	return func(s *Sequencer) {
		s.onFault = fn
	}
}

// New creates a sequencer. A nil logger is replaced with a no-op logger.
func New(logger *zap.Logger, opts ...Option) *Sequencer {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sequencer{
		queues: make(map[string]*queue),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.Named("sequencer"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue appends a handler to id's queue and starts draining it if no
// handler is currently running for id.
func (s *Sequencer) Enqueue(id string, event EventType, h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler for %s on %q", event, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	q, ok := s.queues[id]
	if !ok {
		q = &queue{}
		s.queues[id] = q
	}
	q.items = append(q.items, pending{event: event, handler: h})

	if !q.processing {
		q.processing = true
		s.wg.Add(1)
		go s.drain(id, q)
	}
	return nil
}

// drain pops and runs handlers for id until the queue is empty, then removes
// the queue from the map.
func (s *Sequencer) drain(id string, q *queue) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		if s.closed || len(q.items) == 0 {
			q.processing = false
			q.items = nil
			if s.queues[id] == q {
				delete(s.queues, id)
			}
			s.mu.Unlock()
			return
		}
		next := q.items[0]
		q.items[0] = pending{}
		q.items = q.items[1:]
		s.mu.Unlock()

		if fault := s.run(id, next); fault != nil {
			s.report(fault)
		}
	}
}

// run invokes one handler, converting errors and panics into faults.
func (s *Sequencer) run(id string, p pending) (fault *HandlerFault) {
	defer func() {
		if r := recover(); r != nil {
			fault = &HandlerFault{ID: id, Event: p.event, Panic: r}
		}
	}()

	if err := p.handler(s.ctx); err != nil {
		if errors.Is(err, context.Canceled) && s.ctx.Err() != nil {
			return nil
		}
		return &HandlerFault{ID: id, Event: p.event, Err: err}
	}
	return nil
}

func (s *Sequencer) report(f *HandlerFault) {
	s.mu.Lock()
	s.faults++
	s.mu.Unlock()

	fields := []zap.Field{
		zap.String("id", f.ID),
		zap.String("event", string(f.Event)),
	}
	if f.Panic != nil {
		fields = append(fields, zap.Any("panic", f.Panic), zap.Stack("stack"))
	} else {
		fields = append(fields, zap.Error(f.Err))
	}
	s.logger.Warn("event handler fault", fields...)

	if s.onFault != nil {
		s.onFault(f)
	}
}

// Pending returns the number of queued (not yet started) handlers for id.
func (s *Sequencer) Pending(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[id]; ok {
		return len(q.items)
	}
	return 0
}

// Active returns the number of ids that currently have a queue.
func (s *Sequencer) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues)
}

// Faults returns the total number of handler faults observed.
func (s *Sequencer) Faults() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faults
}

// Close cancels the handler context, drops queued events and waits for
// running handlers to return. Safe to call more than once.
func (s *Sequencer) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.cancel()
		for _, q := range s.queues {
			q.items = nil
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
}
