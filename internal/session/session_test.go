// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-live/internal/diff"
	"github.com/jeranaias/rigrun-live/internal/generate"
	"github.com/jeranaias/rigrun-live/internal/model"
	"github.com/jeranaias/rigrun-live/internal/producer"
	"github.com/jeranaias/rigrun-live/internal/reveal"
	"github.com/jeranaias/rigrun-live/internal/store"
	"github.com/jeranaias/rigrun-live/internal/transport"
	"github.com/jeranaias/rigrun-live/internal/window"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// HELPERS
// =============================================================================

// loopback delivers producer events straight to a session, in publish order.
type loopback struct {
	mu     sync.Mutex
	seq    uint64
	sess   *Session
	counts map[transport.Type]int
}

func (l *loopback) Publish(ev transport.Event) transport.Event {
	l.mu.Lock()
	l.seq++
	ev.Seq = l.seq
	if l.counts == nil {
		l.counts = make(map[transport.Type]int)
	}
	l.counts[ev.Type]++
	sess := l.sess
	l.mu.Unlock()
	if sess != nil {
		_ = sess.Handle(ev)
	}
	return ev
}

func (l *loopback) count(t transport.Type) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[t]
}

// frames records rendered frames.
type frames struct {
	mu   sync.Mutex
	list []reveal.Frame
}

func (f *frames) Render(fr reveal.Frame) error {
	f.mu.Lock()
	f.list = append(f.list, fr)
	f.mu.Unlock()
	return nil
}

func (f *frames) last(id string) (reveal.Frame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.list) - 1; i >= 0; i-- {
		if f.list[i].ID == id {
			return f.list[i], true
		}
	}
	return reveal.Frame{}, false
}

type harness struct {
	st     *store.MemoryStore
	svc    *producer.Service
	sess   *Session
	pub    *loopback
	frames *frames
}

func newHarness(t *testing.T, src generate.Source) *harness {
	t.Helper()
	h := &harness{
		st:     store.NewMemoryStore(),
		pub:    &loopback{},
		frames: &frames{},
	}
	h.svc = producer.NewService(h.st, src, h.pub, zap.NewNop(), producer.Options{BatchSize: 1})
	h.sess = New(store.Fetcher{Store: h.st}, zap.NewNop(), Options{
		Driver:   &reveal.ManualDriver{},
		Renderer: h.frames,
		Reveal:   reveal.Options{MinInterval: time.Nanosecond, DocumentInterval: time.Nanosecond},
	})
	require.NoError(t, h.sess.Load(context.Background()))
	h.pub.sess = h.sess
	t.Cleanup(func() {
		h.svc.Close()
		h.sess.Close()
	})
	return h
}

// settle waits for generations and queued events to finish.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	h.svc.Wait()
	require.Eventually(t, h.sess.Idle, 2*time.Second, 5*time.Millisecond)
}

// reveal ticks the scheduler until nothing is registered.
func (h *harness) reveal(t *testing.T) {
	t.Helper()
	sched := h.sess.Scheduler()
	for i := 0; i < 1000 && sched.Active() > 0; i++ {
		sched.Tick()
	}
	require.Zero(t, sched.Active())
}

func contents(items []model.Entry) []string {
	out := make([]string, len(items))
	for i, e := range items {
		out[i] = e.Content
	}
	return out
}

func windowOptions(page int) window.Options {
	return window.Options{PageSize: page, MaxItems: page}
}

func noReply() generate.Source {
	return generate.SourceFunc(func(ctx context.Context, req generate.Request, fn generate.Callback) error {
		return nil
	})
}

// =============================================================================
// STRUCTURE
// =============================================================================

func TestSession_RangeDelete(t *testing.T) {
	h := newHarness(t, noReply())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, _, err := h.svc.Append(ctx, model.RoleUser, strconv.Itoa(i), nil, false)
		require.NoError(t, err)
	}
	h.settle(t)
	require.Equal(t, 10, h.sess.View().Len())

	_, err := h.svc.DeleteRange(ctx, 3, 5)
	require.NoError(t, err)
	h.settle(t)

	view := h.sess.View()
	require.Equal(t, 1, h.pub.count(transport.TypeEntriesRangeDeleted))
	require.Equal(t, 5, view.Total())
	require.Equal(t, []string{"0", "1", "2", "8", "9"}, contents(view.Items()))
	for i, e := range view.Items() {
		require.Equal(t, i, e.Index)
	}
	require.Zero(t, h.sess.Faults())
}

func TestSession_AppendsKeepChannelOrder(t *testing.T) {
	h := newHarness(t, noReply())
	ctx := context.Background()

	var want []string
	for i := 0; i < 40; i++ {
		s := strconv.Itoa(i)
		want = append(want, s)
		_, _, err := h.svc.Append(ctx, model.RoleUser, s, nil, false)
		require.NoError(t, err)
	}
	h.settle(t)
	require.Equal(t, want, contents(h.sess.View().Items()))
}

func TestSession_DeleteRefillsWindow(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		_, err := st.Append(ctx, model.NewUserEntry(strconv.Itoa(i)))
		require.NoError(t, err)
	}

	pub := &loopback{}
	svc := producer.NewService(st, noReply(), pub, zap.NewNop(), producer.Options{})
	sess := New(store.Fetcher{Store: st}, zap.NewNop(), Options{
		Driver: &reveal.ManualDriver{},
		Window: windowOptions(4),
	})
	defer sess.Close()
	defer svc.Close()
	require.NoError(t, sess.Load(ctx))
	pub.sess = sess
	require.Equal(t, []string{"4", "5", "6", "7"}, contents(sess.View().Items()))

	_, err := svc.Delete(ctx, 6)
	require.NoError(t, err)
	require.Eventually(t, sess.Idle, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, []string{"3", "4", "5", "7"}, contents(sess.View().Items()))
	require.Equal(t, 7, sess.View().Total())
}

// =============================================================================
// STREAMING
// =============================================================================

func TestSession_StreamRevealsFinalText(t *testing.T) {
	src := generate.SourceFunc(func(ctx context.Context, req generate.Request, fn generate.Callback) error {
		for _, d := range []string{"Hel", "lo", ", ", "wor", "ld"} {
			fn(generate.Chunk{Delta: d})
		}
		return nil
	})
	h := newHarness(t, src)

	_, pending, err := h.svc.Append(context.Background(), model.RoleUser, "hi", nil, true)
	require.NoError(t, err)
	h.settle(t)

	e, ok := h.sess.View().Get(pending.ID)
	require.True(t, ok)
	require.Equal(t, "Hello, world", e.Content)
	require.False(t, e.InProgress)

	h.reveal(t)
	f, ok := h.frames.last(pending.ID)
	require.True(t, ok)
	require.True(t, f.Final)
	require.Equal(t, "Hello, world", f.Text)
	require.Equal(t, "Hello, world", h.sess.Display(e))
	require.Zero(t, h.sess.Faults())
}

func TestSession_OutOfOrderSliceResyncs(t *testing.T) {
	h := newHarness(t, noReply())
	ctx := context.Background()

	// A pending entry whose persisted content is ahead of the consumer.
	e, err := h.st.Append(ctx, model.NewPendingAssistantEntry())
	require.NoError(t, err)
	require.NoError(t, h.sess.Handle(transport.EntryAdded(e, 1)))
	e.Content = "persisted text"
	_, err = h.st.ReplaceID(ctx, e.ID, e)
	require.NoError(t, err)

	require.NoError(t, h.sess.Handle(transport.StreamUpdate(e.ID,
		[]diff.Slice{{Kind: diff.KindAppend, Base: 9, Payload: " more"}}, nil)))
	require.Eventually(t, h.sess.Idle, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, 1, h.sess.Resyncs())
	require.Zero(t, h.sess.Faults())
	got, _ := h.sess.View().Get(e.ID)
	require.Equal(t, "persisted text", got.Content)
	st, ok := h.sess.Scheduler().Snapshot(e.ID)
	require.True(t, ok)
	require.Equal(t, "persisted text", st.Target)
}

func TestSession_BadSliceIsContained(t *testing.T) {
	h := newHarness(t, noReply())
	ctx := context.Background()

	a, _ := h.st.Append(ctx, model.NewPendingAssistantEntry())
	b, _ := h.st.Append(ctx, model.NewPendingAssistantEntry())
	require.NoError(t, h.sess.Handle(transport.EntryAdded(a, 1)))
	require.NoError(t, h.sess.Handle(transport.EntryAdded(b, 2)))

	require.NoError(t, h.sess.Handle(transport.StreamUpdate(a.ID,
		[]diff.Slice{{Kind: "bogus", Payload: "x"}}, nil)))
	require.NoError(t, h.sess.Handle(transport.StreamUpdate(b.ID,
		[]diff.Slice{{Kind: diff.KindAppend, Base: 0, Payload: "fine"}}, nil)))
	require.Eventually(t, h.sess.Idle, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, 1, h.sess.Faults())
	got, _ := h.sess.View().Get(b.ID)
	require.Equal(t, "fine", got.Content)
}

func TestSession_AttachmentsMergedFromSideChannel(t *testing.T) {
	h := newHarness(t, noReply())
	ctx := context.Background()

	e, _ := h.st.Append(ctx, model.NewPendingAssistantEntry())
	require.NoError(t, h.sess.Handle(transport.EntryAdded(e, 1)))
	img := model.Attachment{Kind: "image", URL: "https://x/a.png"}
	require.NoError(t, h.sess.Handle(transport.StreamUpdate(e.ID, nil, []model.Attachment{img})))
	require.NoError(t, h.sess.Handle(transport.StreamUpdate(e.ID,
		[]diff.Slice{{Kind: diff.KindReplace, Payload: "new"}}, []model.Attachment{img})))
	require.Eventually(t, h.sess.Idle, 2*time.Second, 5*time.Millisecond)

	got, _ := h.sess.View().Get(e.ID)
	require.Equal(t, "new", got.Content)
	require.Equal(t, []model.Attachment{img}, got.Attachments)
}

func TestSession_DeleteUnregistersStreamingEntry(t *testing.T) {
	h := newHarness(t, noReply())
	ctx := context.Background()

	e, _ := h.st.Append(ctx, model.NewPendingAssistantEntry())
	require.NoError(t, h.sess.Handle(transport.EntryAdded(e, 1)))
	require.Eventually(t, h.sess.Idle, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, h.sess.Scheduler().Active())

	_, err := h.st.DeleteAt(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, h.sess.Handle(transport.EntryDeleted(0, e.ID, 0)))
	require.Eventually(t, h.sess.Idle, 2*time.Second, 5*time.Millisecond)

	require.Zero(t, h.sess.Scheduler().Active())
	require.Zero(t, h.sess.View().Len())
	require.Nil(t, h.sess.applier(e.ID))
}

// gatedBackend reads an entry, then holds the copy until released, so a
// resync can finish after the entry was deleted.
type gatedBackend struct {
	store.Fetcher
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *gatedBackend) Entry(ctx context.Context, id string) (model.Entry, error) {
	e, err := b.Fetcher.Entry(ctx, id)
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return e, err
}

func TestSession_RangeDeleteDuringResyncUnregisters(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	backend := &gatedBackend{
		Fetcher: store.Fetcher{Store: st},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	sess := New(backend, zap.NewNop(), Options{Driver: &reveal.ManualDriver{}})
	defer sess.Close()
	require.NoError(t, sess.Load(ctx))

	e, err := st.Append(ctx, model.NewPendingAssistantEntry())
	require.NoError(t, err)
	require.NoError(t, sess.Handle(transport.EntryAdded(e, 1)))

	// An append slice that does not line up forces a refetch.
	require.NoError(t, sess.Handle(transport.StreamUpdate(e.ID,
		[]diff.Slice{{Kind: diff.KindAppend, Base: 99, Payload: "x"}}, nil)))
	select {
	case <-backend.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("resync never started")
	}

	_, err = st.DeleteRange(ctx, 0, 1)
	require.NoError(t, err)
	require.NoError(t, sess.Handle(transport.EntriesRangeDeleted(0, 1, []string{e.ID}, 0)))
	close(backend.release)
	require.Eventually(t, sess.Idle, 2*time.Second, 5*time.Millisecond)

	require.Zero(t, sess.View().Len())
	require.False(t, sess.View().Contains(e.ID))
	require.Zero(t, sess.Scheduler().Active())
	require.False(t, sess.Scheduler().Running())
	require.Nil(t, sess.applier(e.ID))
	require.Zero(t, sess.Faults())
}

// forgetful records the ids whose cached output was dropped.
type forgetful struct {
	frames
	forgot []string
}

func (f *forgetful) Forget(id string) {
	f.mu.Lock()
	f.forgot = append(f.forgot, id)
	f.mu.Unlock()
}

func TestSession_EvictionForgetsRenderedOutput(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		e, err := st.Append(ctx, model.NewUserEntry(strconv.Itoa(i)))
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	r := &forgetful{}
	sess := New(store.Fetcher{Store: st}, zap.NewNop(), Options{
		Driver:   &reveal.ManualDriver{},
		Renderer: r,
	})
	defer sess.Close()
	require.NoError(t, sess.Load(ctx))

	_, err := st.DeleteRange(ctx, 0, 2)
	require.NoError(t, err)
	require.NoError(t, sess.Handle(transport.EntriesRangeDeleted(0, 2, ids[:2], 1)))
	require.Eventually(t, sess.Idle, 2*time.Second, 5*time.Millisecond)

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Subset(t, r.forgot, ids[:2])
	require.NotContains(t, r.forgot, ids[2])
}

func TestSession_TimelineInfoReloads(t *testing.T) {
	h := newHarness(t, noReply())
	ctx := context.Background()

	// Entries appended while disconnected.
	for i := 0; i < 3; i++ {
		_, err := h.st.Append(ctx, model.NewUserEntry(strconv.Itoa(i)))
		require.NoError(t, err)
	}
	require.Zero(t, h.sess.View().Len())

	require.NoError(t, h.sess.Handle(transport.TimelineInfo(0, 3)))
	require.Eventually(t, h.sess.Idle, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"0", "1", "2"}, contents(h.sess.View().Items()))
}

func TestSession_InvalidEventRejected(t *testing.T) {
	h := newHarness(t, noReply())
	require.Error(t, h.sess.Handle(transport.Event{Type: "bogus"}))
	require.Error(t, h.sess.Handle(transport.Event{Type: transport.TypeEntryAdded}))
}

func TestSession_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, noReply())

	var mu sync.Mutex
	var seen []Status
	h.sess.OnStatus(func(st Status) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, h.sess.Run(ctx, "ws://127.0.0.1:1/v1/stream", nil))
	require.Equal(t, StatusDisconnected, h.sess.Status())

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, seen, StatusConnecting)
}

func TestSession_Backoff(t *testing.T) {
	s := New(store.Fetcher{Store: store.NewMemoryStore()}, nil, Options{
		Driver:        &reveal.ManualDriver{},
		ReconnectBase: 100 * time.Millisecond,
		ReconnectMax:  time.Second,
	})
	defer s.Close()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{60, time.Second},
	}
	for _, tt := range tests {
		if got := s.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
