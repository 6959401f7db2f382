// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"sync"
	"time"

	"github.com/jeranaias/rigrun-live/internal/model"
)

// MemoryStore keeps the log in memory.
// Thread-safe.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []model.Entry

	// snapshotPath, when set, is written by Close.
	snapshotPath string
}

// NewMemoryStore creates an empty in-memory log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// NewMemoryStoreFromSnapshot loads entries from a JSON snapshot and writes
// the log back to the same path on Close. A missing file yields an empty log.
func NewMemoryStoreFromSnapshot(path string) (*MemoryStore, error) {
	entries, err := LoadSnapshot(path)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{entries: entries, snapshotPath: path}, nil
}

// Length returns the number of entries.
func (s *MemoryStore) Length(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// Range returns entries in [start, end).
func (s *MemoryStore) Range(ctx context.Context, start, end int) ([]model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start, end = clampRange(start, end, len(s.entries))
	out := make([]model.Entry, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, s.at(i))
	}
	return out, nil
}

// Append adds an entry at the tail.
func (s *MemoryStore) Append(ctx context.Context, e model.Entry) (model.Entry, error) {
	if e.ID == "" {
		e.ID = model.NewID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e.Clone())
	return s.at(len(s.entries) - 1), nil
}

// ReplaceAt supersedes the entry at index.
func (s *MemoryStore) ReplaceAt(ctx context.Context, index int, e model.Entry) (model.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.entries) {
		return model.Entry{}, &IndexError{Index: index, Length: len(s.entries)}
	}
	s.entries[index] = s.entries[index].Supersede(e).Clone()
	return s.at(index), nil
}

// ReplaceID supersedes the entry with the given ID.
func (s *MemoryStore) ReplaceID(ctx context.Context, id string, e model.Entry) (model.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return model.Entry{}, ErrNotFound
	}
	s.entries[i] = s.entries[i].Supersede(e).Clone()
	return s.at(i), nil
}

// DeleteAt removes the entry at index.
func (s *MemoryStore) DeleteAt(ctx context.Context, index int) (model.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.entries) {
		return model.Entry{}, &IndexError{Index: index, Length: len(s.entries)}
	}
	removed := s.at(index)
	s.entries = append(s.entries[:index], s.entries[index+1:]...)
	return removed, nil
}

// DeleteRange removes count entries starting at start.
func (s *MemoryStore) DeleteRange(ctx context.Context, start, count int) ([]model.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start, end := clampRange(start, start+count, len(s.entries))
	removed := make([]model.Entry, 0, end-start)
	for i := start; i < end; i++ {
		removed = append(removed, s.at(i))
	}
	s.entries = append(s.entries[:start], s.entries[end:]...)
	return removed, nil
}

// Get returns the entry with the given ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.indexOf(id)
	if i < 0 {
		return model.Entry{}, ErrNotFound
	}
	return s.at(i), nil
}

// Close writes the snapshot if the store was opened from one.
func (s *MemoryStore) Close() error {
	if s.snapshotPath == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SaveSnapshot(s.snapshotPath, s.entries)
}

// at returns a detached copy of entry i with Index set. Caller holds the lock.
func (s *MemoryStore) at(i int) model.Entry {
	e := s.entries[i].Clone()
	e.Index = i
	return e
}

// indexOf returns the position of id or -1. Caller holds the lock.
func (s *MemoryStore) indexOf(id string) int {
	for i := range s.entries {
		if s.entries[i].ID == id {
			return i
		}
	}
	return -1
}
