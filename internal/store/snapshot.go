// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jeranaias/rigrun-live/internal/model"
	"github.com/jeranaias/rigrun-live/internal/util"
)

// snapshotVersion is bumped when the on-disk layout changes.
const snapshotVersion = 1

// snapshotFile is the JSON layout of a saved log.
type snapshotFile struct {
	Version int           `json:"version"`
	SavedAt time.Time     `json:"saved_at"`
	Entries []model.Entry `json:"entries"`
}

// SaveSnapshot writes entries to path atomically.
func SaveSnapshot(path string, entries []model.Entry) error {
	snap := snapshotFile{
		Version: snapshotVersion,
		SavedAt: time.Now(),
		Entries: make([]model.Entry, len(entries)),
	}
	for i, e := range entries {
		// An interrupted generation is not resumable after restart.
		e.InProgress = false
		e.Index = 0
		snap.Entries[i] = e
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	// RELIABILITY: Atomic write with fsync prevents a torn snapshot on crash
	if err := util.AtomicWriteFileWithDir(path, data, 0600, 0700); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads entries from path. A missing file is an empty log.
func LoadSnapshot(path string) ([]model.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", path, err)
	}
	if snap.Version > snapshotVersion {
		return nil, fmt.Errorf("snapshot %s has version %d, newer than supported %d", path, snap.Version, snapshotVersion)
	}
	return snap.Entries, nil
}
