// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// =============================================================================
// CLIENT CONNECTION
// =============================================================================

// SequenceError reports a frame whose Seq did not increase.
type SequenceError struct {
	Last uint64
	Got  uint64
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("event sequence went from %d to %d", e.Last, e.Got)
}

// ErrConnClosed is returned by Run after Close.
var ErrConnClosed = errors.New("connection closed")

// Conn is the client side of the channel.
type Conn struct {
	ws *websocket.Conn

	mu      sync.Mutex
	lastSeq uint64
	closed  bool
}

// Dial opens a channel to url (ws:// or wss://).
func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Conn{ws: ws}, nil
}

// Run reads events and passes each to fn in arrival order until ctx is
// done, the server closes the channel, or a frame is out of sequence. A
// clean close or cancelled ctx returns nil.
func (c *Conn) Run(ctx context.Context, fn func(Event)) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		var ev Event
		if err := c.ws.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return ErrConnClosed
			}
			return fmt.Errorf("read event: %w", err)
		}

		c.mu.Lock()
		if ev.Seq <= c.lastSeq {
			last := c.lastSeq
			c.mu.Unlock()
			return &SequenceError{Last: last, Got: ev.Seq}
		}
		c.lastSeq = ev.Seq
		c.mu.Unlock()

		fn(ev)
	}
}

// LastSeq returns the sequence number of the last event read.
func (c *Conn) LastSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

// Close closes the connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}
