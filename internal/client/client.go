// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package client talks to a rigrun-live server over its HTTP API.
//
// A Client satisfies session.Backend, so a consumer session can page the log
// and resync entries through it, and it carries the mutation calls the
// terminal UI issues (append, edit, delete, regenerate, stop).
//
// Example:
//
//	c := client.New(client.Config{BaseURL: "http://127.0.0.1:8787"})
//	sess := session.New(c, logger, session.Options{})
//	go sess.Run(ctx, c.StreamURL(), nil)
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-live/internal/model"
	"github.com/jeranaias/rigrun-live/internal/server"
	"github.com/jeranaias/rigrun-live/internal/store"
)

// =============================================================================
// ERRORS
// =============================================================================

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Is maps 404 onto store.ErrNotFound so callers can use store.IsNotFound
// against either backend.
func (e *APIError) Is(target error) bool {
	return target == store.ErrNotFound && e.StatusCode == http.StatusNotFound
}

// ConnectionError wraps a failure to reach the server.
type ConnectionError struct {
	Op    string
	Cause error
}

func (e *ConnectionError) Error() string {
	return e.Op + ": " + e.Cause.Error()
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// IsConnection reports whether err means the server could not be reached.
func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// Config holds client options.
type Config struct {
	// BaseURL is the server URL (default: http://127.0.0.1:8787).
	BaseURL string
	// Timeout bounds each request (default: 15s).
	Timeout time.Duration
}

// DefaultBaseURL is used when Config.BaseURL is empty.
const DefaultBaseURL = "http://127.0.0.1:8787"

// =============================================================================
// CLIENT
// =============================================================================

// Client is an HTTP API client.
// Thread-safe.
type Client struct {
	base       string
	httpClient *http.Client
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		base:       strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// BaseURL returns the server URL.
func (c *Client) BaseURL() string {
	return c.base
}

// StreamURL returns the websocket URL of the event channel.
func (c *Client) StreamURL() string {
	u := c.base
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/v1/stream"
}

// =============================================================================
// QUERIES
// =============================================================================

// Health returns the server health report.
func (c *Client) Health(ctx context.Context) (server.HealthResponse, error) {
	var out server.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// Fetch returns up to limit entries from offset plus the log length. It
// implements window.Fetcher.
func (c *Client) Fetch(ctx context.Context, offset, limit int) ([]model.Entry, int, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	var out server.ListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/entries?"+q.Encode(), nil, &out); err != nil {
		return nil, 0, err
	}
	return out.Items, out.Total, nil
}

// Entry returns one entry by id.
func (c *Client) Entry(ctx context.Context, id string) (model.Entry, error) {
	var out model.Entry
	err := c.do(ctx, http.MethodGet, "/v1/entries/"+url.PathEscape(id), nil, &out)
	return out, err
}

// =============================================================================
// MUTATIONS
// =============================================================================

// Append adds an entry. With generate set the server starts a reply, which
// is returned second.
func (c *Client) Append(ctx context.Context, role model.Role, content string, attachments []model.Attachment, generate bool) (model.Entry, *model.Entry, error) {
	req := server.AppendRequest{
		Role:        string(role),
		Content:     content,
		Attachments: attachments,
		Generate:    generate,
	}
	var out server.AppendResponse
	if err := c.do(ctx, http.MethodPost, "/v1/entries", req, &out); err != nil {
		return model.Entry{}, nil, err
	}
	return out.Entry, out.Reply, nil
}

// Replace edits the content at index.
func (c *Client) Replace(ctx context.Context, index int, content string) (model.Entry, error) {
	var out model.Entry
	err := c.do(ctx, http.MethodPut, "/v1/entries/"+strconv.Itoa(index), server.ReplaceRequest{Content: content}, &out)
	return out, err
}

// Delete removes the entry at index.
func (c *Client) Delete(ctx context.Context, index int) (model.Entry, error) {
	var out model.Entry
	err := c.do(ctx, http.MethodDelete, "/v1/entries/"+strconv.Itoa(index), nil, &out)
	return out, err
}

// DeleteRange removes count entries from start and returns the removed ids.
func (c *Client) DeleteRange(ctx context.Context, start, count int) ([]string, error) {
	q := url.Values{}
	q.Set("start", strconv.Itoa(start))
	q.Set("count", strconv.Itoa(count))
	var out server.RangeDeleteResponse
	if err := c.do(ctx, http.MethodDelete, "/v1/entries?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.IDs, nil
}

// Regenerate restarts the assistant entry at index.
func (c *Client) Regenerate(ctx context.Context, index int) (model.Entry, error) {
	var out model.Entry
	err := c.do(ctx, http.MethodPost, "/v1/entries/"+strconv.Itoa(index)+"/regenerate", nil, &out)
	return out, err
}

// Stop cancels the generation for id.
func (c *Client) Stop(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/generations/"+url.PathEscape(id)+"/stop", nil, nil)
}

// =============================================================================
// TRANSPORT
// =============================================================================

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ConnectionError{Op: method + " " + path, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body server.ErrorResponse
	if json.Unmarshal(raw, &body) == nil && body.Error.Message != "" {
		apiErr.Type = body.Error.Type
		apiErr.Message = body.Error.Message
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(raw))
	return apiErr
}
