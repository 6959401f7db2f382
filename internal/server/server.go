// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/rigrun-live/internal/producer"
	"github.com/jeranaias/rigrun-live/internal/transport"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:8787"

	// MaxContentLength is the maximum content length in runes.
	MaxContentLength = 100000

	// MaxRequestBodySize is the maximum size for a request body (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// MaxPageSize caps the limit of a list request.
	MaxPageSize = 500

	// DefaultPageSize is used when a list request has no limit.
	DefaultPageSize = 50

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// Version is the API version reported by /health.
	Version = "0.3.0"
)

// ============================================================================
// OPTIONS
// ============================================================================

// Options configures a Server.
type Options struct {
	// Addr is the listen address (default: 127.0.0.1:8787).
	Addr string
	// RateLimit is the sustained requests per second allowed per client
	// (default: 20). Negative disables limiting.
	RateLimit float64
	// RateBurst is the burst size per client (default: 40).
	RateBurst int
	// ReadTimeout and WriteTimeout bound plain HTTP requests. They do not
	// apply to websocket connections once upgraded.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (o *Options) fillDefaults() {
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}
	if o.RateLimit == 0 {
		o.RateLimit = 20
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 40
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 30 * time.Second
	}
}

// ============================================================================
// SERVER STATS
// ============================================================================

// Stats counts requests by kind.
type Stats struct {
	Requests      atomic.Int64
	Appends       atomic.Int64
	Edits         atomic.Int64
	Deletes       atomic.Int64
	Regenerations atomic.Int64
	Stops         atomic.Int64
	Streams       atomic.Int64
	StartTime     time.Time
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Requests      int64 `json:"requests"`
	Appends       int64 `json:"appends"`
	Edits         int64 `json:"edits"`
	Deletes       int64 `json:"deletes"`
	Regenerations int64 `json:"regenerations"`
	Stops         int64 `json:"stops"`
	Streams       int64 `json:"streams"`
	Clients       int   `json:"clients"`
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsResponse {
	return StatsResponse{
		Requests:      s.Requests.Load(),
		Appends:       s.Appends.Load(),
		Edits:         s.Edits.Load(),
		Deletes:       s.Deletes.Load(),
		Regenerations: s.Regenerations.Load(),
		Stops:         s.Stops.Load(),
		Streams:       s.Streams.Load(),
		UptimeSeconds: int64(time.Since(s.StartTime).Seconds()),
	}
}

// ============================================================================
// SERVER
// ============================================================================

// Server serves the log API and the event channel.
type Server struct {
	opts    Options
	svc     *producer.Service
	hub     *transport.Hub
	logger  *zap.Logger
	stats   *Stats
	limiter *RateLimiter
	router  *http.ServeMux

	mu     sync.Mutex
	server *http.Server
}

// New creates a server. The caller keeps ownership of svc; the server closes
// hub when it shuts down.
func New(svc *producer.Service, hub *transport.Hub, logger *zap.Logger, opts Options) *Server {
	opts.fillDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		opts:   opts,
		svc:    svc,
		hub:    hub,
		logger: logger.Named("server"),
		stats:  &Stats{StartTime: time.Now()},
		router: http.NewServeMux(),
	}
	if opts.RateLimit > 0 {
		s.limiter = NewRateLimiter(opts.RateLimit, opts.RateBurst)
	}
	s.setupRoutes()
	return s
}

// Stats returns the live counters.
func (s *Server) Stats() *Stats {
	return s.stats
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.opts.Addr
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /stats", s.handleStats)

	s.router.HandleFunc("GET /v1/entries", s.handleList)
	s.router.HandleFunc("POST /v1/entries", s.handleAppend)
	s.router.HandleFunc("DELETE /v1/entries", s.handleDeleteRange)
	s.router.HandleFunc("GET /v1/entries/{id}", s.handleGet)
	s.router.HandleFunc("PUT /v1/entries/{index}", s.handleReplace)
	s.router.HandleFunc("DELETE /v1/entries/{index}", s.handleDelete)
	s.router.HandleFunc("POST /v1/entries/{index}/regenerate", s.handleRegenerate)
	s.router.HandleFunc("POST /v1/generations/{id}/stop", s.handleStop)

	s.router.HandleFunc("GET /v1/stream", s.handleStream)
}

// Handler returns the router wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mw := []func(http.Handler) http.Handler{
		RecoveryMiddleware(s.logger),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(s.logger),
		s.countRequests,
	}
	if s.limiter != nil {
		mw = append(mw, RateLimitMiddleware(s.limiter, s.logger))
	}
	return Chain(mw...)(s.router)
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.stats.Requests.Add(1)
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// HEALTH AND STATS
// ============================================================================

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Entries int    `json:"entries"`
	Clients int    `json:"clients"`
	Seq     uint64 `json:"seq"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:  "ok",
		Version: Version,
		Clients: s.hub.Clients(),
		Seq:     s.hub.Seq(),
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, total, err := s.svc.List(ctx, 0, 0); err != nil {
		health.Status = "degraded"
	} else {
		health.Entries = total
	}
	s.writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := s.stats.Snapshot()
	resp.Clients = s.hub.Clients()
	s.writeJSON(w, http.StatusOK, resp)
}

// ============================================================================
// EVENT STREAM
// ============================================================================

// handleStream upgrades to a websocket and attaches it to the hub behind a
// timeline_info snapshot.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Upgrade(w, r)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	s.stats.Streams.Add(1)

	err = s.svc.Subscribe(r.Context(), func(initial ...transport.Event) error {
		return s.hub.Attach(conn, initial...)
	})
	if err != nil {
		s.logger.Warn("stream subscribe failed",
			zap.String("client_ip", GetClientIP(r)), zap.Error(err))
		conn.Close()
	}
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully and
// disconnects every stream.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("server started", zap.String("addr", ln.Addr().String()), zap.String("version", Version))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})
	return g.Wait()
}

func (s *Server) shutdown() error {
	s.logger.Info("server shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.hub.Close()
	return err
}

// ============================================================================
// HELPERS
// ============================================================================

// ErrorBody is the error payload of every failed request.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// ErrorResponse wraps ErrorBody.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, typ, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: ErrorBody{
		Message: message,
		Type:    typ,
		Code:    status,
	}})
}
