// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// =============================================================================
// HUB OPTIONS
// =============================================================================

// HubOptions tunes per-connection behaviour.
type HubOptions struct {
	// SendBuffer is the number of events queued per connection before the
	// connection is considered too slow and dropped (default: 256).
	SendBuffer int
	// WriteTimeout bounds a single frame write (default: 10s).
	WriteTimeout time.Duration
	// PingInterval is how often idle connections are pinged (default: 30s).
	PingInterval time.Duration
}

func (o *HubOptions) fillDefaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
}

// ErrHubClosed is returned by Attach after Close.
var ErrHubClosed = errors.New("hub closed")

// =============================================================================
// HUB
// =============================================================================

// Hub fans events out to every attached connection.
// Thread-safe.
type Hub struct {
	mu      sync.Mutex
	clients map[*peer]struct{}
	seq     uint64
	closed  bool

	opts   HubOptions
	logger *zap.Logger
	wg     sync.WaitGroup
}

// peer is one attached connection with its writer queue.
type peer struct {
	conn *websocket.Conn
	send chan Event
	done chan struct{}
	once sync.Once
}

func (p *peer) stop() {
	p.once.Do(func() { close(p.done) })
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger, opts HubOptions) *Hub {
	opts.fillDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[*peer]struct{}),
		opts:    opts,
		logger:  logger.Named("hub"),
	}
}

// Publish stamps ev with the next sequence number and queues it for every
// connection. It never blocks: a connection whose queue is full is dropped
// and must reconnect and resync. The stamped event is returned.
func (h *Hub) Publish(ev Event) Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	ev.Seq = h.seq
	for p := range h.clients {
		select {
		case p.send <- ev:
		default:
			h.logger.Warn("dropping slow connection",
				zap.String("remote", p.conn.RemoteAddr().String()),
				zap.Uint64("seq", ev.Seq))
			delete(h.clients, p)
			p.stop()
		}
	}
	return ev
}

// Attach registers conn and starts its reader and writer goroutines. The
// initial events are stamped and queued ahead of anything published after
// Attach returns. Attach takes ownership of conn.
func (h *Hub) Attach(conn *websocket.Conn, initial ...Event) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return ErrHubClosed
	}

	p := &peer{
		conn: conn,
		send: make(chan Event, h.opts.SendBuffer+len(initial)),
		done: make(chan struct{}),
	}
	for _, ev := range initial {
		h.seq++
		ev.Seq = h.seq
		p.send <- ev
	}
	h.clients[p] = struct{}{}
	h.wg.Add(2)
	h.mu.Unlock()

	h.logger.Debug("connection attached", zap.String("remote", conn.RemoteAddr().String()))
	go h.writeLoop(p)
	go h.readLoop(p)
	return nil
}

// Clients returns the number of attached connections.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Seq returns the last stamped sequence number.
func (h *Hub) Seq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

// Close disconnects every connection and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for p := range h.clients {
		delete(h.clients, p)
		p.stop()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Hub) detach(p *peer) {
	h.mu.Lock()
	delete(h.clients, p)
	h.mu.Unlock()
	p.stop()
}

// writeLoop owns all writes to the connection.
func (h *Hub) writeLoop(p *peer) {
	defer h.wg.Done()
	defer p.conn.Close()

	ping := time.NewTicker(h.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-p.done:
			deadline := time.Now().Add(h.opts.WriteTimeout)
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case ev := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := p.conn.WriteJSON(ev); err != nil {
				h.logger.Debug("write failed", zap.Error(err))
				h.detach(p)
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(h.opts.WriteTimeout)
			if err := p.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				h.detach(p)
				return
			}
		}
	}
}

// readLoop discards client frames and notices disconnects.
func (h *Hub) readLoop(p *peer) {
	defer h.wg.Done()
	defer h.detach(p)

	p.conn.SetReadLimit(4096)
	for {
		if _, _, err := p.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
	}
}

// =============================================================================
// UPGRADE
// =============================================================================

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Upgrade switches an HTTP request to a websocket connection. Requests from
// a foreign browser origin are rejected.
func Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}
