// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package producer

import (
	"strings"
	"sync"
	"time"
)

// =============================================================================
// TOKEN BUFFER
// =============================================================================

const (
	// DefaultBatchSize is the number of tokens that forces a flush.
	DefaultBatchSize = 15
	// DefaultMaxFPS caps flushes per second.
	DefaultMaxFPS = 30
	maxFPSLimit   = 60
)

// Buffer batches generated tokens so one slice is encoded per flush instead
// of per token. A flush is due when either:
//  1. BatchSize tokens have accumulated, or
//  2. 1s/MaxFPS has passed since the last flush.
//
// A local model can emit several hundred tokens a second. Publishing each
// one would cost a store write and a broadcast per token and flood every
// consumer with events it can only show thirty times a second anyway. The
// time bound keeps a slow stream from sitting in the buffer.
//
// Thread-safe. The generation goroutine adds tokens while the flush path
// reads them.
type Buffer struct {
	mu         sync.Mutex
	buf        strings.Builder
	tokens     int
	lastFlush  time.Time
	batchSize  int
	maxFPS     int
	minFlushIn time.Duration
	now        func() time.Time
}

// NewBuffer creates a buffer. Non-positive values take the defaults; maxFPS
// is capped at 60.
func NewBuffer(batchSize, maxFPS int) *Buffer {
	b := &Buffer{now: time.Now}
	b.batchSize = DefaultBatchSize
	b.SetBatchSize(batchSize)
	b.maxFPS = DefaultMaxFPS
	b.minFlushIn = time.Second / DefaultMaxFPS
	b.SetMaxFPS(maxFPS)
	b.lastFlush = b.now()
	return b
}

// Write adds one token.
func (b *Buffer) Write(token string) {
	if token == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.WriteString(token)
	b.tokens++
}

// Flush returns the buffered text if a flush is due.
func (b *Buffer) Flush() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.dueLocked() {
		return "", false
	}
	return b.takeLocked(), true
}

// ForceFlush returns the buffered text regardless of thresholds.
func (b *Buffer) ForceFlush() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() == 0 {
		return "", false
	}
	return b.takeLocked(), true
}

// Due reports whether Flush would return text.
func (b *Buffer) Due() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dueLocked()
}

func (b *Buffer) dueLocked() bool {
	if b.buf.Len() == 0 {
		return false
	}
	if b.tokens >= b.batchSize {
		return true
	}
	return b.now().Sub(b.lastFlush) >= b.minFlushIn
}

func (b *Buffer) takeLocked() string {
	s := b.buf.String()
	b.buf.Reset()
	b.tokens = 0
	b.lastFlush = b.now()
	return s
}

// Reset discards buffered tokens.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
	b.tokens = 0
	b.lastFlush = b.now()
}

// Pending returns the number of tokens waiting.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Interval returns the minimum time between flushes.
func (b *Buffer) Interval() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.minFlushIn
}

// SetBatchSize updates the token threshold. Non-positive sizes are ignored.
func (b *Buffer) SetBatchSize(size int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if size > 0 {
		b.batchSize = size
	}
}

// SetMaxFPS updates the flush rate cap. Values outside (0, 60] are ignored.
func (b *Buffer) SetMaxFPS(fps int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if fps > 0 && fps <= maxFPSLimit {
		b.maxFPS = fps
		b.minFlushIn = time.Second / time.Duration(fps)
	}
}
