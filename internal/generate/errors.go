// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package generate

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/jeranaias/rigrun-live/internal/util"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrCancelled is returned when the caller cancels a generation. It is
// never retried and never logged as a failure.
var ErrCancelled = errors.New("generation cancelled")

// TransientFetchError is a network failure or non-success status from one
// endpoint path.
type TransientFetchError struct {
	Endpoint   string
	StatusCode int
	Body       string
	Cause      error
}

func (e *TransientFetchError) Error() string {
	var b strings.Builder
	b.WriteString("fetch ")
	b.WriteString(e.Endpoint)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Body != "" {
		b.WriteString(": ")
		b.WriteString(e.Body)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *TransientFetchError) Unwrap() error {
	return e.Cause
}

// MalformedChunkError describes one streamed fragment that could not be
// decoded. The stream continues past it.
type MalformedChunkError struct {
	Data  string
	Cause error
}

func (e *MalformedChunkError) Error() string {
	return fmt.Sprintf("malformed chunk %q: %v", util.TruncateRunes(e.Data, 80), e.Cause)
}

func (e *MalformedChunkError) Unwrap() error {
	return e.Cause
}

// AggregateError is returned when every endpoint path failed.
type AggregateError struct {
	Errs []error
}

// newAggregateError flattens err, which is usually built with multierr.Append.
func newAggregateError(err error) *AggregateError {
	return &AggregateError{Errs: multierr.Errors(err)}
}

func (e *AggregateError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("all %d endpoints failed: %s", len(e.Errs), strings.Join(msgs, "; "))
}

// Unwrap exposes the per-endpoint errors to errors.Is and errors.As.
func (e *AggregateError) Unwrap() []error {
	return e.Errs
}

// IsCancelled reports whether err is a cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsTransient reports whether err is, or aggregates, a TransientFetchError.
func IsTransient(err error) bool {
	var te *TransientFetchError
	return errors.As(err, &te)
}
