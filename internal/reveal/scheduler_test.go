// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package reveal

import (
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-live/internal/classify"
	"github.com/jeranaias/rigrun-live/internal/util"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// HELPERS
// =============================================================================

// fakeClock is advanced by hand.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// frameLog records rendered frames.
type frameLog struct {
	mu     sync.Mutex
	frames []Frame
}

func (l *frameLog) Render(f Frame) error {
	l.mu.Lock()
	l.frames = append(l.frames, f)
	l.mu.Unlock()
	return nil
}

func (l *frameLog) all() []Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Frame(nil), l.frames...)
}

func newTestScheduler(r Renderer, clock *fakeClock) (*Scheduler, *ManualDriver) {
	d := &ManualDriver{}
	s := New(r, d, zap.NewNop(), Options{
		MinInterval:      50 * time.Millisecond,
		DocumentInterval: 500 * time.Millisecond,
		Now:              clock.Now,
	})
	return s, d
}

func display(t *testing.T, s *Scheduler, id string) string {
	t.Helper()
	d, ok := s.Display(id)
	require.True(t, ok, "id %q not registered", id)
	return d
}

// =============================================================================
// STEPPING TESTS
// =============================================================================

func TestScheduler_HelloScenario(t *testing.T) {
	clock := newFakeClock()
	s, _ := newTestScheduler(nil, clock)
	defer s.Close()

	s.Register("m1", "")
	s.UpdateTarget("m1", "Hello")

	s.Tick()
	require.Equal(t, "H", display(t, s, "m1"))

	for i := 0; i < 4; i++ {
		s.Tick()
	}
	require.Equal(t, "Hello", display(t, s, "m1"))

	for i := 0; i < 3; i++ {
		require.Equal(t, 0, s.Tick(), "ticks after catching up must not advance")
		require.Equal(t, "Hello", display(t, s, "m1"))
	}
}

func TestScheduler_StepFormula(t *testing.T) {
	tests := []struct {
		display, target int
		want            int
	}{
		{0, 5, 1},
		{0, 6, 2},
		{0, 100, 20},
		{95, 100, 96},
		{99, 100, 100},
		{0, 1, 1},
		{10, 13, 11},
	}

	for _, tc := range tests {
		clock := newFakeClock()
		s, _ := newTestScheduler(nil, clock)

		target := strings.Repeat("a", tc.target)
		s.Register("x", target[:tc.display])
		s.UpdateTarget("x", target)
		s.Tick()

		got := util.RuneLen(display(t, s, "x"))
		if got != tc.want {
			t.Errorf("D=%d L=%d: after one tick D=%d, want %d", tc.display, tc.target, got, tc.want)
		}
		s.Close()
	}
}

func TestScheduler_StepsInRunes(t *testing.T) {
	clock := newFakeClock()
	s, _ := newTestScheduler(nil, clock)
	defer s.Close()

	s.Register("x", "")
	s.UpdateTarget("x", "日本語テキスト") // 7 runes, step 2
	s.Tick()
	require.Equal(t, "日本", display(t, s, "x"))
}

func TestScheduler_DisplayMonotonicAndBounded(t *testing.T) {
	clock := newFakeClock()
	s, _ := newTestScheduler(nil, clock)
	defer s.Close()

	rng := rand.New(rand.NewSource(7))
	var target strings.Builder
	s.Register("x", "")

	prev := 0
	for i := 0; i < 500; i++ {
		if rng.Intn(3) == 0 {
			for j := rng.Intn(20); j > 0; j-- {
				target.WriteByte(byte('a' + rng.Intn(26)))
			}
			s.UpdateTarget("x", target.String())
		}
		s.Tick()
		clock.Advance(10 * time.Millisecond)

		st, ok := s.Snapshot("x")
		require.True(t, ok)
		d := util.RuneLen(st.Display)
		require.GreaterOrEqual(t, d, prev, "display shrank without a full replace")
		require.LessOrEqual(t, d, util.RuneLen(st.Target), "display overshot target")
		require.True(t, strings.HasPrefix(st.Target, st.Display))
		prev = d
	}
}

func TestScheduler_FullReplaceResetsToCommonPrefix(t *testing.T) {
	clock := newFakeClock()
	s, _ := newTestScheduler(nil, clock)
	defer s.Close()

	s.Register("x", "Hello world")
	s.UpdateTarget("x", "Hello there, friend")

	st, _ := s.Snapshot("x")
	require.Equal(t, "Hello ", st.Display)
	require.LessOrEqual(t, util.RuneLen(st.Display), util.RuneLen(st.Target))

	s.UpdateTarget("x", "Hel")
	st, _ = s.Snapshot("x")
	require.Equal(t, "Hel", st.Display, "shrinking target clamps display")
}

// =============================================================================
// RENDER TESTS
// =============================================================================

func TestScheduler_RenderThrottled(t *testing.T) {
	clock := newFakeClock()
	log := &frameLog{}
	s, _ := newTestScheduler(log, clock)
	defer s.Close()

	s.Register("x", "")
	s.UpdateTarget("x", strings.Repeat("a", 100))

	s.Tick() // renders: never rendered before
	require.Len(t, log.all(), 1)

	clock.Advance(10 * time.Millisecond)
	s.Tick() // display changed, interval not elapsed
	require.Len(t, log.all(), 1)

	clock.Advance(40 * time.Millisecond)
	s.Tick()
	frames := log.all()
	require.Len(t, frames, 2)
	require.Equal(t, classify.Prose, frames[1].Shape)
	require.Equal(t, display(t, s, "x"), frames[1].Text)
}

func TestScheduler_NoRenderWhenUnchanged(t *testing.T) {
	clock := newFakeClock()
	log := &frameLog{}
	s, _ := newTestScheduler(log, clock)
	defer s.Close()

	s.Register("x", "done")
	s.Tick()
	clock.Advance(time.Second)
	s.Tick()
	s.Tick()
	require.Len(t, log.all(), 1)
}

func TestScheduler_DocumentModeIsCoarseAndSticky(t *testing.T) {
	clock := newFakeClock()
	log := &frameLog{}
	s, _ := newTestScheduler(log, clock)
	defer s.Close()

	page := "<html><body>" + strings.Repeat("x", 200) + "</body></html>"
	s.Register("doc", page)
	s.Tick()

	frames := log.all()
	require.Len(t, frames, 1)
	require.Equal(t, classify.Document, frames[0].Shape)
	st, _ := s.Snapshot("doc")
	require.True(t, st.Document)

	// Content that alone would classify as prose keeps document mode.
	s.UpdateTarget("doc", page+" trailing prose")
	s.Tick()
	clock.Advance(100 * time.Millisecond)
	s.Tick()
	require.Len(t, log.all(), 1, "document mode must wait the coarse interval")

	clock.Advance(400 * time.Millisecond)
	s.Tick()
	frames = log.all()
	require.Len(t, frames, 2)
	require.Equal(t, classify.Document, frames[1].Shape)

	s.UpdateTarget("doc", "plain prose now")
	clock.Advance(time.Second)
	s.Tick()
	st, _ = s.Snapshot("doc")
	require.True(t, st.Document, "document mode is one-directional")
	require.Equal(t, classify.Document, log.all()[len(log.all())-1].Shape)
}

func TestScheduler_RendererFaultsDoNotStopLoop(t *testing.T) {
	clock := newFakeClock()
	calls := 0
	r := RendererFunc(func(f Frame) error {
		calls++
		switch f.ID {
		case "a":
			panic("bad markup")
		case "b":
			return errors.New("render failed")
		}
		return nil
	})
	s, _ := newTestScheduler(r, clock)
	defer s.Close()

	s.Register("a", "x")
	s.Register("b", "y")
	s.Register("c", "z")

	require.NotPanics(t, func() { s.Tick() })
	require.Equal(t, 3, calls)
	require.Equal(t, 2, s.Faults())
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestScheduler_LoopStartsLazilyAndStopsWhenEmpty(t *testing.T) {
	clock := newFakeClock()
	s, d := newTestScheduler(nil, clock)
	defer s.Close()

	require.False(t, d.Running())

	s.Register("a", "")
	s.Register("b", "")
	require.True(t, d.Running())
	require.Equal(t, 1, d.Starts())

	s.Stop("a")
	require.True(t, d.Running())
	s.Unregister("b")
	require.False(t, d.Running())
	require.False(t, s.Running())

	s.Register("c", "")
	require.True(t, d.Running())
	require.Equal(t, 2, d.Starts())
}

func TestScheduler_FinishRendersFinalFrameAndDeregisters(t *testing.T) {
	clock := newFakeClock()
	log := &frameLog{}
	s, d := newTestScheduler(log, clock)
	defer s.Close()

	s.Register("m", "")
	s.UpdateTarget("m", "Hi there")
	s.Finish("m")

	for i := 0; i < 20 && s.Active() > 0; i++ {
		s.Tick()
	}
	require.Equal(t, 0, s.Active())
	require.False(t, d.Running())

	frames := log.all()
	last := frames[len(frames)-1]
	require.True(t, last.Final)
	require.Equal(t, "Hi there", last.Text)

	st, ok := s.Snapshot("m")
	require.False(t, ok)
	require.Equal(t, StatusIdle, st.Status)
}

func TestScheduler_UpdateUnknownID(t *testing.T) {
	s, _ := newTestScheduler(nil, newFakeClock())
	defer s.Close()
	require.False(t, s.UpdateTarget("ghost", "x"))
}

func TestScheduler_TickerDriverEndToEnd(t *testing.T) {
	log := &frameLog{}
	d := NewTickerDriver(time.Millisecond)
	s := New(log, d, nil, Options{MinInterval: time.Millisecond})

	s.Register("m", "")
	s.UpdateTarget("m", "streamed text")
	s.Finish("m")

	require.Eventually(t, func() bool { return s.Active() == 0 }, 2*time.Second, time.Millisecond)
	s.Close()

	frames := log.all()
	require.NotEmpty(t, frames)
	require.Equal(t, "streamed text", frames[len(frames)-1].Text)
}
