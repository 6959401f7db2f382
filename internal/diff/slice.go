// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package diff

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// =============================================================================
// SLICE TYPES
// =============================================================================

// Kind identifies how a slice transforms the receiving buffer.
type Kind string

const (
	// KindAppend appends Payload to a buffer of length Base.
	KindAppend Kind = "append"
	// KindReplace discards the buffer and replaces it with Payload.
	KindReplace Kind = "replace"
)

// String returns the string representation of a slice kind.
func (k Kind) String() string {
	return string(k)
}

// Slice is a minimal instruction transforming a text buffer from one known
// state to the next.
type Slice struct {
	Kind    Kind   `json:"kind"`
	Base    int    `json:"base"`
	Payload string `json:"payload"`
}

// ErrOutOfOrder is returned when an append slice's Base does not match the
// length of the buffer it is applied to.
var ErrOutOfOrder = errors.New("slice applied out of order")

// OutOfOrderError carries the mismatching lengths. It matches ErrOutOfOrder
// with errors.Is.
type OutOfOrderError struct {
	Base   int
	Actual int
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("%s: slice base %d, buffer length %d", ErrOutOfOrder, e.Base, e.Actual)
}

// Is reports whether target is ErrOutOfOrder.
func (e *OutOfOrderError) Is(target error) bool {
	return target == ErrOutOfOrder
}

// =============================================================================
// ENCODING
// =============================================================================

// Encode returns the smallest slice that turns prev into next. The boolean is
// false when the texts are identical and nothing needs to be sent.
func Encode(prev, next string) (Slice, bool) {
	if prev == next {
		return Slice{}, false
	}
	if strings.HasPrefix(next, prev) {
		return Slice{Kind: KindAppend, Base: len(prev), Payload: next[len(prev):]}, true
	}
	return Slice{Kind: KindReplace, Base: len(prev), Payload: next}, true
}

// Encoder tracks the last text emitted for one generation.
type Encoder struct {
	last string
}

// NewEncoder creates an encoder starting from empty text.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Next encodes the transition from the last emitted text to full and records
// full as emitted.
func (e *Encoder) Next(full string) (Slice, bool) {
	s, ok := Encode(e.last, full)
	if ok {
		e.last = full
	}
	return s, ok
}

// Last returns the most recently emitted text.
func (e *Encoder) Last() string {
	return e.last
}

// Reset forgets the emitted text so the next call starts from empty.
func (e *Encoder) Reset() {
	e.last = ""
}

// =============================================================================
// APPLIER
// =============================================================================

// Applier reconstructs text by replaying slices in send order.
// Thread-safe.
type Applier struct {
	mu  sync.Mutex
	buf strings.Builder
}

// NewApplier creates an applier seeded with initial text.
func NewApplier(initial string) *Applier {
	a := &Applier{}
	a.buf.WriteString(initial)
	return a
}

// Apply applies one slice. An append slice whose Base differs from the current
// length returns an error matching ErrOutOfOrder and leaves the buffer as is.
func (a *Applier) Apply(s Slice) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applyLocked(s)
}

// ApplyAll applies slices in order, stopping at the first failure.
func (a *Applier) ApplyAll(slices []Slice) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, s := range slices {
		if err := a.applyLocked(s); err != nil {
			return fmt.Errorf("slice %d of %d: %w", i+1, len(slices), err)
		}
	}
	return nil
}

func (a *Applier) applyLocked(s Slice) error {
	switch s.Kind {
	case KindAppend:
		if s.Base != a.buf.Len() {
			return &OutOfOrderError{Base: s.Base, Actual: a.buf.Len()}
		}
		a.buf.WriteString(s.Payload)
	case KindReplace:
		a.buf.Reset()
		a.buf.WriteString(s.Payload)
	default:
		return fmt.Errorf("unknown slice kind %q", s.Kind)
	}
	return nil
}

// Reset replaces the buffer with a snapshot.
func (a *Applier) Reset(snapshot string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf.Reset()
	a.buf.WriteString(snapshot)
}

// String returns the current text.
func (a *Applier) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.String()
}

// Len returns the current byte length.
func (a *Applier) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.Len()
}
