// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-live/internal/generate"
	"github.com/jeranaias/rigrun-live/internal/model"
	"github.com/jeranaias/rigrun-live/internal/producer"
	"github.com/jeranaias/rigrun-live/internal/store"
	"github.com/jeranaias/rigrun-live/internal/transport"
)

// =============================================================================
// HELPERS
// =============================================================================

type testServer struct {
	srv *Server
	svc *producer.Service
	hub *transport.Hub
	ts  *httptest.Server
}

func newTestServer(t *testing.T, src generate.Source) *testServer {
	t.Helper()
	st := store.NewMemoryStore()
	hub := transport.NewHub(zap.NewNop(), transport.HubOptions{})
	svc := producer.NewService(st, src, hub, zap.NewNop(), producer.Options{BatchSize: 1})
	srv := New(svc, hub, zap.NewNop(), Options{RateLimit: -1})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		svc.Close()
		hub.Close()
		ts.Close()
	})
	return &testServer{srv: srv, svc: svc, hub: hub, ts: ts}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(buf)
	} else {
		r = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.ts.URL+path, r)
	require.NoError(t, err)
	resp, err := s.ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func echoSource(text string) generate.Source {
	return generate.SourceFunc(func(ctx context.Context, req generate.Request, fn generate.Callback) error {
		fn(generate.Chunk{Delta: text})
		fn(generate.Chunk{Done: true})
		return nil
	})
}

// blockingSource streams one delta and then waits for cancellation.
func blockingSource() generate.Source {
	return generate.SourceFunc(func(ctx context.Context, req generate.Request, fn generate.Callback) error {
		fn(generate.Chunk{Delta: "partial"})
		<-ctx.Done()
		return generate.ErrCancelled
	})
}

// =============================================================================
// HEALTH AND STATS TESTS
// =============================================================================

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, echoSource("x"))

	resp := s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	health := decodeBody[HealthResponse](t, resp)
	require.Equal(t, "ok", health.Status)
	require.Equal(t, Version, health.Version)
	require.Zero(t, health.Entries)
}

func TestHandleStats(t *testing.T) {
	s := newTestServer(t, echoSource("x"))

	s.do(t, http.MethodPost, "/v1/entries", AppendRequest{Role: "user", Content: "a"})
	s.do(t, http.MethodDelete, "/v1/entries/0", nil)

	stats := decodeBody[StatsResponse](t, s.do(t, http.MethodGet, "/stats", nil))
	require.EqualValues(t, 1, stats.Appends)
	require.EqualValues(t, 1, stats.Deletes)
	require.EqualValues(t, 3, stats.Requests)
}

// =============================================================================
// ENTRY TESTS
// =============================================================================

func TestEntries_Lifecycle(t *testing.T) {
	s := newTestServer(t, echoSource("x"))

	for _, c := range []string{"a", "b", "c"} {
		resp := s.do(t, http.MethodPost, "/v1/entries", AppendRequest{Role: "user", Content: c})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	list := decodeBody[ListResponse](t, s.do(t, http.MethodGet, "/v1/entries?offset=1&limit=5", nil))
	require.Equal(t, 3, list.Total)
	require.Len(t, list.Items, 2)
	require.Equal(t, "b", list.Items[0].Content)
	require.Equal(t, 1, list.Items[0].Index)

	resp := s.do(t, http.MethodPut, "/v1/entries/1", ReplaceRequest{Content: "B"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	edited := decodeBody[model.Entry](t, resp)
	require.Equal(t, "B", edited.Content)

	got := decodeBody[model.Entry](t, s.do(t, http.MethodGet, "/v1/entries/"+edited.ID, nil))
	require.Equal(t, "B", got.Content)

	resp = s.do(t, http.MethodDelete, "/v1/entries/0", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "a", decodeBody[model.Entry](t, resp).Content)

	resp = s.do(t, http.MethodDelete, "/v1/entries?start=0&count=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	deleted := decodeBody[RangeDeleteResponse](t, resp)
	require.Equal(t, 2, deleted.Deleted)
	require.Len(t, deleted.IDs, 2)

	list = decodeBody[ListResponse](t, s.do(t, http.MethodGet, "/v1/entries", nil))
	require.Zero(t, list.Total)
	require.NotNil(t, list.Items)
}

func TestEntries_AppendWithReply(t *testing.T) {
	s := newTestServer(t, echoSource("Hello"))

	resp := s.do(t, http.MethodPost, "/v1/entries", AppendRequest{Role: "user", Content: "hi", Generate: true})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	out := decodeBody[AppendResponse](t, resp)
	require.NotNil(t, out.Reply)
	require.True(t, out.Reply.InProgress)
	s.svc.Wait()

	reply := decodeBody[model.Entry](t, s.do(t, http.MethodGet, "/v1/entries/"+out.Reply.ID, nil))
	require.Equal(t, "Hello", reply.Content)
	require.False(t, reply.InProgress)
}

func TestEntries_Validation(t *testing.T) {
	s := newTestServer(t, echoSource("x"))

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"invalid json", http.MethodPost, "/v1/entries", "{", http.StatusBadRequest},
		{"invalid role", http.MethodPost, "/v1/entries", `{"role":"admin","content":"x"}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/v1/entries", `{"role":"user","content":"x","extra":1}`, http.StatusBadRequest},
		{"too long", http.MethodPost, "/v1/entries",
			`{"role":"user","content":"` + strings.Repeat("a", MaxContentLength+1) + `"}`, http.StatusRequestEntityTooLarge},
		{"bad index", http.MethodPut, "/v1/entries/x", `{"content":"x"}`, http.StatusBadRequest},
		{"negative offset", http.MethodGet, "/v1/entries?offset=-1", "", http.StatusBadRequest},
		{"bad range", http.MethodDelete, "/v1/entries?start=a&count=1", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, s.ts.URL+tt.path, strings.NewReader(tt.body))
			require.NoError(t, err)
			resp, err := s.ts.Client().Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			body := decodeBody[ErrorResponse](t, resp)
			require.Equal(t, ErrTypeInvalidRequest, body.Error.Type)
		})
	}
}

func TestEntries_ErrorMapping(t *testing.T) {
	s := newTestServer(t, echoSource("x"))
	s.do(t, http.MethodPost, "/v1/entries", AppendRequest{Role: "user", Content: "a"})

	tests := []struct {
		name    string
		method  string
		path    string
		body    any
		status  int
		errType string
	}{
		{"unknown id", http.MethodGet, "/v1/entries/nope", nil, http.StatusNotFound, ErrTypeNotFound},
		{"replace out of range", http.MethodPut, "/v1/entries/7", ReplaceRequest{Content: "x"}, http.StatusNotFound, ErrTypeNotFound},
		{"delete out of range", http.MethodDelete, "/v1/entries/7", nil, http.StatusNotFound, ErrTypeNotFound},
		{"regenerate user entry", http.MethodPost, "/v1/entries/0/regenerate", nil, http.StatusConflict, ErrTypeConflict},
		{"stop idle", http.MethodPost, "/v1/generations/nope/stop", nil, http.StatusConflict, ErrTypeConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, tt.method, tt.path, tt.body)
			require.Equal(t, tt.status, resp.StatusCode)
			require.Equal(t, tt.errType, decodeBody[ErrorResponse](t, resp).Error.Type)
		})
	}
}

func TestGenerations_Stop(t *testing.T) {
	s := newTestServer(t, blockingSource())

	out := decodeBody[AppendResponse](t, s.do(t, http.MethodPost, "/v1/entries",
		AppendRequest{Role: "user", Content: "hi", Generate: true}))
	require.NotNil(t, out.Reply)
	require.Eventually(t, func() bool { return s.svc.Generating(out.Reply.ID) }, time.Second, 5*time.Millisecond)

	resp := s.do(t, http.MethodPost, "/v1/generations/"+out.Reply.ID+"/stop", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	s.svc.Wait()

	reply := decodeBody[model.Entry](t, s.do(t, http.MethodGet, "/v1/entries/"+out.Reply.ID, nil))
	require.True(t, reply.Stopped)
	require.False(t, reply.InProgress)
	require.Equal(t, "partial", reply.Content)
}

func TestEntries_Regenerate(t *testing.T) {
	s := newTestServer(t, echoSource("again"))

	out := decodeBody[AppendResponse](t, s.do(t, http.MethodPost, "/v1/entries",
		AppendRequest{Role: "user", Content: "hi", Generate: true}))
	s.svc.Wait()

	resp := s.do(t, http.MethodPost, "/v1/entries/1/regenerate", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	pending := decodeBody[model.Entry](t, resp)
	require.Equal(t, out.Reply.ID, pending.ID, "regenerate keeps the entry id")
	require.True(t, pending.InProgress)
	s.svc.Wait()

	final := decodeBody[model.Entry](t, s.do(t, http.MethodGet, "/v1/entries/"+pending.ID, nil))
	require.Equal(t, "again", final.Content)
}

// =============================================================================
// MIDDLEWARE TESTS
// =============================================================================

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }
	rl.lastSweep = now

	require.True(t, rl.Allow("1.1.1.1"))
	require.True(t, rl.Allow("1.1.1.1"))
	require.False(t, rl.Allow("1.1.1.1"), "burst exhausted")
	require.True(t, rl.Allow("2.2.2.2"), "clients are limited independently")

	now = now.Add(time.Second)
	require.True(t, rl.Allow("1.1.1.1"), "one token refilled")

	now = now.Add(10 * time.Minute)
	require.True(t, rl.Allow("3.3.3.3"))
	require.Equal(t, 1, rl.Clients(), "idle clients swept")
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	h := RateLimitMiddleware(rl, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 2)
	for i := range codes {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.9:5000"
		h.ServeHTTP(rec, req)
		codes[i] = rec.Code
	}
	require.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(mark("a"), mark("b"), mark("c"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, []string{"a", "b", "c", "handler"}, order)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		xri    string
		want   string
	}{
		{"direct", "203.0.113.5:1234", "", "", "203.0.113.5"},
		{"untrusted forwarder ignored", "203.0.113.5:1234", "198.51.100.1", "", "203.0.113.5"},
		{"trusted proxy xff", "127.0.0.1:1234", "198.51.100.1, 10.0.0.1", "", "198.51.100.1"},
		{"trusted proxy real ip", "10.1.2.3:1234", "", "198.51.100.2", "198.51.100.2"},
		{"invalid header", "127.0.0.1:1234", "not-an-ip", "", "127.0.0.1"},
		{"no port", "198.51.100.7", "", "", "198.51.100.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			if got := GetClientIP(req); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestServer_ServeStopsOnCancel(t *testing.T) {
	st := store.NewMemoryStore()
	hub := transport.NewHub(zap.NewNop(), transport.HubOptions{})
	svc := producer.NewService(st, echoSource("x"), hub, zap.NewNop(), producer.Options{})
	defer svc.Close()
	srv := New(svc, hub, zap.NewNop(), Options{Addr: "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
