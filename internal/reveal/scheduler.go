// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package reveal

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-live/internal/classify"
	"github.com/jeranaias/rigrun-live/internal/util"
)

// =============================================================================
// TYPES
// =============================================================================

// Status is the lifecycle state of one registration.
type Status int

const (
	StatusIdle Status = iota
	StatusStreaming
	StatusStopped
)

// String returns the string representation of a status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusStreaming:
		return "streaming"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Frame is one render request.
type Frame struct {
	ID    string
	Text  string
	Shape classify.Shape
	// Final is set on the last frame of a finished registration.
	Final bool
}

// Renderer draws frames. Render is called without any scheduler lock held and
// may be slow; a returned error or panic is logged and the loop continues.
//
// A renderer that caches output per id may also implement Forget(id), which
// the session calls when the entry leaves the window.
type Renderer interface {
	Render(f Frame) error
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(Frame) error

// Render calls f.
func (f RendererFunc) Render(fr Frame) error {
	return f(fr)
}

// State is a point-in-time copy of one registration.
type State struct {
	Status   Status
	Target   string
	Display  string
	Document bool
	Rendered string
}

// Options tunes the scheduler.
type Options struct {
	// MinInterval is the minimum time between renders of one id.
	MinInterval time.Duration
	// DocumentInterval replaces MinInterval once an id is in document mode.
	DocumentInterval time.Duration
	// Divisor controls catch-up speed: step = max(1, ceil(gap/Divisor)).
	Divisor int
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
	// Classify detects content shape. Defaults to classify.Classify.
	Classify func(string) classify.Shape
}

const (
	DefaultMinInterval      = 50 * time.Millisecond
	DefaultDocumentInterval = 500 * time.Millisecond
	DefaultDivisor          = 5
)

func (o *Options) fillDefaults() {
	if o.MinInterval <= 0 {
		o.MinInterval = DefaultMinInterval
	}
	if o.DocumentInterval <= 0 {
		o.DocumentInterval = DefaultDocumentInterval
	}
	if o.Divisor <= 0 {
		o.Divisor = DefaultDivisor
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Classify == nil {
		o.Classify = classify.Classify
	}
}

// registration is the per-id state. Lengths are in runes.
type registration struct {
	status     Status
	target     string
	display    string
	targetLen  int
	displayLen int

	rendered   string
	lastRender time.Time
	document   bool
	finishing  bool
}

// =============================================================================
// SCHEDULER
// =============================================================================

// Scheduler reveals streaming text progressively.
//
// Tokens reach the consumer in bursts: a network batch may carry a dozen
// words, then nothing for a second. Rendering each burst as it lands makes
// text jump. The Scheduler instead keeps the known text (target) apart from
// the shown text (display) and closes the gap a little on every tick, taking
// bigger steps when it is far behind so the display never lags for long.
//
// Rendering is the expensive part, so a registration is re-rendered only when
// its display changed and MinInterval has passed. Complete HTML documents are
// costlier still and wait for DocumentInterval.
//
// Thread-safe. Create one per session.
type Scheduler struct {
	mu       sync.Mutex
	regs     map[string]*registration
	running  bool
	closed   bool
	faults   int
	renderer Renderer
	driver   Driver
	opts     Options
	logger   *zap.Logger
}

// New creates a scheduler. A nil driver falls back to a TickerDriver at the
// default interval; a nil logger to a no-op logger.
func New(r Renderer, d Driver, logger *zap.Logger, opts Options) *Scheduler {
	opts.fillDefaults()
	if d == nil {
		d = NewTickerDriver(DefaultTickInterval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if r == nil {
		r = RendererFunc(func(Frame) error { return nil })
	}
	return &Scheduler{
		regs:     make(map[string]*registration),
		renderer: r,
		driver:   d,
		opts:     opts,
		logger:   logger.Named("reveal"),
	}
}

// SetIntervals changes render throttling for subsequent ticks.
func (s *Scheduler) SetIntervals(minInterval, documentInterval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if minInterval > 0 {
		s.opts.MinInterval = minInterval
	}
	if documentInterval > 0 {
		s.opts.DocumentInterval = documentInterval
	}
}

// Register enters id into streaming with target and display set to initial.
// Registering a known id keeps its display and updates the target.
func (s *Scheduler) Register(id, initial string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if r, ok := s.regs[id]; ok {
		r.finishing = false
		s.setTargetLocked(r, initial)
		return
	}

	n := util.RuneLen(initial)
	s.regs[id] = &registration{
		status:     StatusStreaming,
		target:     initial,
		display:    initial,
		targetLen:  n,
		displayLen: n,
	}
	s.startLocked()
}

// UpdateTarget records the latest known text for id. Unknown ids are
// ignored; the result reports whether id is registered.
func (s *Scheduler) UpdateTarget(id, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regs[id]
	if !ok {
		return false
	}
	s.setTargetLocked(r, text)
	return true
}

// setTargetLocked updates the target. When text no longer extends the
// display (a full replace), display is cut back to the longest common prefix.
func (s *Scheduler) setTargetLocked(r *registration, text string) {
	r.target = text
	r.targetLen = util.RuneLen(text)
	if r.displayLen > r.targetLen || util.RunePrefix(text, r.displayLen) != r.display {
		keep := util.CommonPrefixLen(r.display, text)
		r.display = util.RunePrefix(text, keep)
		r.displayLen = keep
	}
}

// Finish marks id's target as final. The registration is removed after the
// display catches up and a final frame is rendered.
func (s *Scheduler) Finish(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.regs[id]; ok {
		r.finishing = true
	}
}

// Stop deregisters id immediately. Output already rendered stays as is.
func (s *Scheduler) Stop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.regs[id]; ok {
		r.status = StatusStopped
		delete(s.regs, id)
		s.stopIfIdleLocked()
	}
}

// Unregister is Stop. It lets the scheduler serve as the window's
// unregisterer.
func (s *Scheduler) Unregister(id string) {
	s.Stop(id)
}

// Snapshot returns the state of id. Stopped registrations are not retained,
// so an unknown id reports StatusIdle and false.
func (s *Scheduler) Snapshot(id string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regs[id]
	if !ok {
		return State{Status: StatusIdle}, false
	}
	return State{
		Status:   r.status,
		Target:   r.target,
		Display:  r.display,
		Document: r.document,
		Rendered: r.rendered,
	}, true
}

// Display returns the display text for id, if registered.
func (s *Scheduler) Display(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.regs[id]; ok {
		return r.display, true
	}
	return "", false
}

// Active returns the number of registered ids.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.regs)
}

// Running reports whether the tick loop is started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Faults returns the number of renderer faults recovered so far.
func (s *Scheduler) Faults() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faults
}

// Close deregisters everything and stops the driver.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	clear(s.regs)
	s.stopIfIdleLocked()
	d := s.driver
	s.mu.Unlock()

	if w, ok := d.(interface{ Wait() }); ok {
		w.Wait()
	}
}

func (s *Scheduler) startLocked() {
	if !s.running && len(s.regs) > 0 {
		s.running = true
		s.driver.Start(func() { s.Tick() })
	}
}

func (s *Scheduler) stopIfIdleLocked() {
	if s.running && len(s.regs) == 0 {
		s.running = false
		s.driver.Stop()
	}
}

// =============================================================================
// TICK
// =============================================================================

// Tick advances every streaming display one step and renders what is due.
// It returns how many displays advanced.
func (s *Scheduler) Tick() int {
	now := s.opts.Now()

	s.mu.Lock()
	ids := make([]string, 0, len(s.regs))
	for id := range s.regs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	advanced := 0
	var frames []Frame
	for _, id := range ids {
		r := s.regs[id]
		if r.status != StatusStreaming {
			continue
		}

		if r.displayLen < r.targetLen {
			gap := r.targetLen - r.displayLen
			step := (gap + s.opts.Divisor - 1) / s.opts.Divisor
			if step < 1 {
				step = 1
			}
			r.displayLen = min(r.displayLen+step, r.targetLen)
			r.display = util.RunePrefix(r.target, r.displayLen)
			advanced++
		}

		caughtUp := r.displayLen == r.targetLen
		if r.finishing && caughtUp {
			shape := classify.Document
			if !r.document {
				shape = s.opts.Classify(r.display)
			}
			frames = append(frames, Frame{ID: id, Text: r.display, Shape: shape, Final: true})
			r.status = StatusStopped
			delete(s.regs, id)
			continue
		}

		if r.display == r.rendered {
			continue
		}
		if f, ok := s.frameLocked(id, r, now); ok {
			frames = append(frames, f)
		}
	}
	s.stopIfIdleLocked()
	s.mu.Unlock()

	for _, f := range frames {
		s.render(f)
	}
	return advanced
}

// frameLocked applies throttling and classification for one registration.
func (s *Scheduler) frameLocked(id string, r *registration, now time.Time) (Frame, bool) {
	if !r.document {
		if now.Sub(r.lastRender) < s.opts.MinInterval {
			return Frame{}, false
		}
		shape := s.opts.Classify(r.display)
		if shape != classify.Document {
			r.rendered = r.display
			r.lastRender = now
			return Frame{ID: id, Text: r.display, Shape: shape}, true
		}
		r.document = true
		s.logger.Debug("document mode", zap.String("id", id))
	}

	if now.Sub(r.lastRender) < s.opts.DocumentInterval && !r.lastRender.IsZero() {
		return Frame{}, false
	}
	r.rendered = r.display
	r.lastRender = now
	return Frame{ID: id, Text: r.display, Shape: classify.Document}, true
}

// render calls the renderer, recovering panics.
func (s *Scheduler) render(f Frame) {
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("renderer panic: %v", p)
			}
		}()
		return s.renderer.Render(f)
	}()
	if err == nil {
		return
	}

	s.mu.Lock()
	s.faults++
	s.mu.Unlock()
	s.logger.Warn("render failed",
		zap.String("id", f.ID),
		zap.String("shape", f.Shape.String()),
		zap.Error(err))
}
