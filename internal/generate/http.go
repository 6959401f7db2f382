// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Endpoint paths tried in order by default.
const (
	PathOllamaChat     = "/api/chat"
	PathOpenAIChat     = "/v1/chat/completions"
	PathOllamaGenerate = "/api/generate"
)

// DefaultPaths is the fixed list of endpoint variants.
var DefaultPaths = []string{PathOllamaChat, PathOpenAIChat, PathOllamaGenerate}

// Config configures an HTTPSource.
type Config struct {
	// BaseURL is the model server root (default: http://127.0.0.1:11434).
	BaseURL string
	// Paths are tried in order until one answers (default: DefaultPaths).
	Paths []string
	// Model is used when a Request names none.
	Model string
	// APIKey is sent as a bearer token when set.
	APIKey string
	// ConnectTimeout bounds dialing and response headers (default: 10s).
	ConnectTimeout time.Duration
}

// DefaultConfig returns the default source configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://127.0.0.1:11434",
		Paths:          DefaultPaths,
		Model:          "qwen2.5-coder:7b",
		ConnectTimeout: 10 * time.Second,
	}
}

// =============================================================================
// HTTP SOURCE
// =============================================================================

// HTTPSource streams generations from an Ollama or OpenAI-compatible server.
// Thread-safe.
type HTTPSource struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewHTTPSource creates a source. Zero config fields take defaults.
func NewHTTPSource(cfg Config, logger *zap.Logger) *HTTPSource {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if len(cfg.Paths) == 0 {
		cfg.Paths = def.Paths
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// No overall client timeout: generations run as long as the context allows.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.ConnectTimeout
	return &HTTPSource{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
		logger: logger.Named("generate"),
	}
}

// Stream tries each endpoint path in order. Failures before any text was
// delivered move on to the next path; when every path fails the collected
// errors are returned as an *AggregateError. Once text has been delivered
// a failure is returned directly, since replaying another endpoint would
// duplicate output.
func (s *HTTPSource) Stream(ctx context.Context, req Request, fn Callback) error {
	if req.Model == "" {
		req.Model = s.cfg.Model
	}

	var errs error
	for _, path := range s.cfg.Paths {
		delivered, err := s.streamOne(ctx, path, req, fn)
		if err == nil {
			return nil
		}
		if IsCancelled(err) {
			return err
		}
		if delivered > 0 {
			return err
		}
		s.logger.Debug("endpoint failed, trying next",
			zap.String("path", path),
			zap.Error(err))
		errs = multierr.Append(errs, err)
	}
	return newAggregateError(errs)
}

// streamOne runs one endpoint attempt and reports how many non-empty
// chunks reached fn.
func (s *HTTPSource) streamOne(ctx context.Context, path string, req Request, fn Callback) (int, error) {
	endpoint := s.cfg.BaseURL + path
	body, err := json.Marshal(requestBody(path, req))
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson, text/event-stream, application/json")
	if s.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return 0, cancelled(ctx)
		}
		return 0, &TransientFetchError{Endpoint: endpoint, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, &TransientFetchError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}

	raw := &capBuffer{limit: MaxFallbackBytes}
	tee := io.TeeReader(resp.Body, raw)

	var dec chunkDecoder
	if isEventStream(resp.Header.Get("Content-Type")) {
		dec = NewSSEReader(tee)
	} else {
		dec = NewStreamReader(tee)
	}
	defer dec.Release()

	delivered, malformed, err := s.consume(ctx, dec, fn)
	if err != nil {
		if ctx.Err() != nil {
			return delivered, cancelled(ctx)
		}
		return delivered, &TransientFetchError{Endpoint: endpoint, Cause: err}
	}
	if delivered > 0 {
		return delivered, nil
	}

	// Nothing streamed: the server may have ignored stream=true.
	if !raw.full {
		if c, ok := parseSingleShot(raw.buf.Bytes()); ok {
			s.logger.Debug("single-shot fallback", zap.String("path", path))
			fn(c)
			return 1, nil
		}
	}
	if malformed > 0 {
		return 0, &TransientFetchError{Endpoint: endpoint, Cause: errors.New("no decodable content")}
	}
	fn(Chunk{Done: true})
	return 0, nil
}

// consume drains dec into fn. Malformed chunks are counted, logged and
// skipped.
func (s *HTTPSource) consume(ctx context.Context, dec chunkDecoder, fn Callback) (delivered, malformed int, err error) {
	for {
		if ctx.Err() != nil {
			return delivered, malformed, ctx.Err()
		}

		c, err := dec.Next()
		if err != nil {
			if err == io.EOF {
				return delivered, malformed, nil
			}
			var mce *MalformedChunkError
			if errors.As(err, &mce) {
				malformed++
				s.logger.Warn("skipping malformed chunk", zap.Error(mce))
				continue
			}
			return delivered, malformed, err
		}

		content := c.Delta != "" || len(c.Media) > 0
		if content {
			delivered++
			fn(c)
		}
		if c.Done {
			// A bare final chunk carries stats; with nothing delivered the
			// caller tries the single-shot fallback instead.
			if !content && delivered > 0 {
				fn(c)
			}
			return delivered, malformed, nil
		}
	}
}

// cancelled wraps the context's error in ErrCancelled.
func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %v", ErrCancelled, context.Cause(ctx))
}

func isEventStream(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "text/event-stream"
}

// requestBody builds the JSON body for one endpoint path.
func requestBody(path string, req Request) any {
	switch {
	case strings.HasSuffix(path, "/generate"):
		body := map[string]any{
			"model":  req.Model,
			"prompt": req.Prompt(),
			"stream": true,
		}
		if req.Temperature > 0 {
			body["options"] = map[string]any{"temperature": req.Temperature}
		}
		return body
	case strings.HasSuffix(path, "/chat/completions"):
		body := map[string]any{
			"model":    req.Model,
			"messages": req.Messages,
			"stream":   true,
		}
		if req.Temperature > 0 {
			body["temperature"] = req.Temperature
		}
		return body
	default:
		body := map[string]any{
			"model":    req.Model,
			"messages": req.Messages,
			"stream":   true,
		}
		if req.Temperature > 0 {
			body["options"] = map[string]any{"temperature": req.Temperature}
		}
		return body
	}
}
