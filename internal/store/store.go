// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store provides the ordered conversation log.
//
// The log is addressed two ways: by absolute index (position in the ordered
// log, shifting as entries are inserted and deleted) and by entry ID (stable
// for the lifetime of the entry, assigned on Append).
//
// # Implementations
//
//   - MemoryStore: in-process slice, optional JSON snapshot on disk
//   - SQLiteStore: pure Go SQLite (modernc.org/sqlite)
//
// # Usage
//
//	st := store.NewMemoryStore()
//	e, err := st.Append(ctx, model.NewUserEntry("hi"))
//	items, err := st.Range(ctx, 0, 50)
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeranaias/rigrun-live/internal/model"
)

// =============================================================================
// INTERFACE
// =============================================================================

// LogStore is an ordered, index-addressable conversation log.
// Implementations must be safe for concurrent use.
type LogStore interface {
	// Length returns the number of entries.
	Length(ctx context.Context) (int, error)

	// Range returns entries in [start, end), clamped to the log bounds.
	Range(ctx context.Context, start, end int) ([]model.Entry, error)

	// Append adds an entry at the tail, assigning an ID if none is set.
	Append(ctx context.Context, e model.Entry) (model.Entry, error)

	// ReplaceAt supersedes the entry at index. The stored ID is kept.
	ReplaceAt(ctx context.Context, index int, e model.Entry) (model.Entry, error)

	// ReplaceID supersedes the entry with the given ID wherever it now sits.
	ReplaceID(ctx context.Context, id string, e model.Entry) (model.Entry, error)

	// DeleteAt removes the entry at index and returns it.
	DeleteAt(ctx context.Context, index int) (model.Entry, error)

	// DeleteRange removes count entries starting at start and returns them.
	// The range is clamped to the log bounds.
	DeleteRange(ctx context.Context, start, count int) ([]model.Entry, error)

	// Get returns the entry with the given ID, with Index filled in.
	Get(ctx context.Context, id string) (model.Entry, error)

	// Close releases resources.
	Close() error
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrNotFound is returned when no entry has the requested ID.
var ErrNotFound = errors.New("entry not found")

// ErrOutOfRange is returned when an index does not address an entry.
var ErrOutOfRange = errors.New("index out of range")

// IndexError reports an index outside [0, length). It matches ErrOutOfRange.
type IndexError struct {
	Index  int
	Length int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index %d out of range [0, %d)", e.Index, e.Length)
}

// Is implements errors.Is support.
func (e *IndexError) Is(target error) bool {
	return target == ErrOutOfRange
}

// IsNotFound reports whether err means the entry does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsOutOfRange reports whether err is an index error.
func IsOutOfRange(err error) bool {
	return errors.Is(err, ErrOutOfRange)
}

// =============================================================================
// FETCHER ADAPTER
// =============================================================================

// Fetcher adapts a LogStore to offset/limit paging.
type Fetcher struct {
	Store LogStore
}

// Fetch returns up to limit entries starting at offset and the current total.
func (f Fetcher) Fetch(ctx context.Context, offset, limit int) ([]model.Entry, int, error) {
	total, err := f.Store.Length(ctx)
	if err != nil {
		return nil, 0, err
	}
	if limit <= 0 || offset >= total {
		return nil, total, nil
	}
	items, err := f.Store.Range(ctx, offset, offset+limit)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Entry returns one entry by id.
func (f Fetcher) Entry(ctx context.Context, id string) (model.Entry, error) {
	return f.Store.Get(ctx, id)
}

// clampRange clamps [start, end) to [0, n].
func clampRange(start, end, n int) (int, int) {
	if start < 0 {
		start = 0
	}
	if end > n {
		end = n
	}
	if start > end {
		start = end
	}
	return start, end
}
