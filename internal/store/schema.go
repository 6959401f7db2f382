// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

const (
	// SchemaVersion tracks the database schema version for migrations
	SchemaVersion = 1
)

// Schema is the SQLite layout of the log. Position is the absolute index and
// is renumbered on delete; it is deliberately not UNIQUE so a shifting UPDATE
// never trips a transient collision.
const Schema = `
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS entries (
    id TEXT PRIMARY KEY,
    position INTEGER NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    attachments TEXT NOT NULL DEFAULT '[]',  -- JSON array
    in_progress INTEGER NOT NULL DEFAULT 0,
    stopped INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    stats TEXT,                              -- JSON object, NULL when absent
    created_at INTEGER NOT NULL              -- Unix nanoseconds
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS idx_entries_position ON entries(position);
`

// InitMetadata seeds the metadata table.
const InitMetadata = `
INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', '1');
`
