// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package generate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"
)

// collect runs a stream and gathers chunks.
func collect(t *testing.T, src Source, ctx context.Context) ([]Chunk, error) {
	t.Helper()
	var chunks []Chunk
	err := src.Stream(ctx, Request{Messages: []Message{{Role: "user", Content: "hi"}}}, func(c Chunk) {
		chunks = append(chunks, c)
	})
	return chunks, err
}

func joined(chunks []Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Delta)
	}
	return b.String()
}

// =============================================================================
// FRAMING TESTS
// =============================================================================

func TestHTTPSource_NDJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, PathOllamaChat, r.URL.Path)
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"model":"m","message":{"role":"assistant","content":"Hel"},"done":false}`)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, `{"model":"m","message":{"role":"assistant","content":"lo"},"done":false}`)
		fmt.Fprintln(w, `{"model":"m","message":{"content":""},"done":true,"done_reason":"stop","eval_count":2}`)
	}))
	defer srv.Close()

	chunks, err := collect(t, NewHTTPSource(Config{BaseURL: srv.URL}, nil), context.Background())
	require.NoError(t, err)
	require.Equal(t, "Hello", joined(chunks))

	last := chunks[len(chunks)-1]
	require.True(t, last.Done)
	require.Equal(t, 2, last.CompletionTokens)
	require.Equal(t, "stop", last.DoneReason)
}

func TestHTTPSource_SSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, `data: {"model":"gpt","choices":[{"delta":{"content":"Hi "}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"there"}}],"media":[{"kind":"image","url":"https://x/y.png"}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	chunks, err := collect(t, NewHTTPSource(Config{BaseURL: srv.URL}, nil), context.Background())
	require.NoError(t, err)
	require.Equal(t, "Hi there", joined(chunks))
	require.Len(t, chunks[1].Media, 1)
	require.Equal(t, "https://x/y.png", chunks[1].Media[0].URL)
	require.True(t, chunks[len(chunks)-1].Done)
}

func TestHTTPSource_MalformedChunkSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"a"}}`)
		fmt.Fprintln(w, `{"message":{"content":`)
		fmt.Fprintln(w, `{"message":{"content":"b"},"done":true}`)
	}))
	defer srv.Close()

	core, logs := observer.New(zapcore.WarnLevel)
	chunks, err := collect(t, NewHTTPSource(Config{BaseURL: srv.URL}, zap.New(core)), context.Background())
	require.NoError(t, err)
	require.Equal(t, "ab", joined(chunks))
	require.Equal(t, 1, logs.FilterMessage("skipping malformed chunk").Len())
}

func TestHTTPSource_SingleShotFallback(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"ollama pretty", "{\n  \"message\": {\"content\": \"whole answer\"},\n  \"done\": true\n}\n"},
		{"openai pretty", "{\n  \"choices\": [{\"message\": {\"content\": \"whole answer\"}}]\n}"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, tc.body)
			}))
			defer srv.Close()

			chunks, err := collect(t, NewHTTPSource(Config{BaseURL: srv.URL}, nil), context.Background())
			require.NoError(t, err)
			require.Len(t, chunks, 1)
			require.Equal(t, "whole answer", chunks[0].Delta)
			require.True(t, chunks[0].Done)
		})
	}
}

// =============================================================================
// ERROR TESTS
// =============================================================================

func TestHTTPSource_FallsBackAcrossEndpoints(t *testing.T) {
	var hits []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, r.URL.Path)
		if r.URL.Path != PathOllamaGenerate {
			http.Error(w, "no such route", http.StatusNotFound)
			return
		}
		fmt.Fprintln(w, `{"response":"ok","done":true}`)
	}))
	defer srv.Close()

	chunks, err := collect(t, NewHTTPSource(Config{BaseURL: srv.URL}, nil), context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", joined(chunks))
	require.Equal(t, DefaultPaths, hits)
}

func TestHTTPSource_AggregateError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := collect(t, NewHTTPSource(Config{BaseURL: srv.URL}, nil), context.Background())
	require.Error(t, err)

	var agg *AggregateError
	require.True(t, errors.As(err, &agg))
	require.Len(t, agg.Errs, len(DefaultPaths))
	require.True(t, IsTransient(err))
	require.False(t, IsCancelled(err))

	var te *TransientFetchError
	require.True(t, errors.As(agg.Errs[0], &te))
	require.Equal(t, http.StatusBadGateway, te.StatusCode)
	require.Equal(t, "down", te.Body)
}

func TestHTTPSource_NoRetryAfterDelivery(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprintln(w, `{"message":{"content":"partial"}}`)
		fmt.Fprintln(w, `{"error":"model crashed"}`)
	}))
	defer srv.Close()

	chunks, err := collect(t, NewHTTPSource(Config{BaseURL: srv.URL}, nil), context.Background())
	require.Error(t, err)
	require.True(t, IsTransient(err))
	require.Contains(t, err.Error(), "model crashed")
	require.Equal(t, "partial", joined(chunks))
	require.Equal(t, int32(1), calls.Load())
}

func TestHTTPSource_Cancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"first"}}`)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	src := NewHTTPSource(Config{BaseURL: srv.URL}, nil)

	var got atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- src.Stream(ctx, Request{}, func(c Chunk) {
			got.Add(1)
			cancel()
		})
	}()

	select {
	case err := <-done:
		require.True(t, IsCancelled(err), "err = %v", err)
		require.False(t, IsTransient(err))
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
	require.Equal(t, int32(1), got.Load())
}

func TestRequestBody(t *testing.T) {
	req := Request{Model: "m", Messages: []Message{{Role: "system", Content: "be brief"}, {Role: "user", Content: "hi"}}}

	gen := requestBody(PathOllamaGenerate, req).(map[string]any)
	require.Equal(t, "system: be brief\n\nhi", gen["prompt"])

	chat := requestBody(PathOpenAIChat, req).(map[string]any)
	require.Equal(t, req.Messages, chat["messages"])
	require.Equal(t, true, chat["stream"])
}
