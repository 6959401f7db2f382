// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/rigrun-live/internal/model"
)

// SQLiteStore keeps the log in a SQLite database.
// Thread-safe: the pool is limited to a single connection.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. The special
// path ":memory:" opens a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, and ":memory:" databases are
	// per connection, so the pool is pinned to one.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.Exec(InitMetadata); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize metadata: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

const entryColumns = `id, position, role, content, attachments, in_progress, stopped, error, stats, created_at`

// Length returns the number of entries.
func (s *SQLiteStore) Length(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// Range returns entries in [start, end).
func (s *SQLiteStore) Range(ctx context.Context, start, end int) ([]model.Entry, error) {
	if start < 0 {
		start = 0
	}
	if end <= start {
		return []model.Entry{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE position >= ? AND position < ? ORDER BY position`,
		start, end)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	defer rows.Close()

	out := []model.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Append adds an entry at the tail.
func (s *SQLiteStore) Append(ctx context.Context, e model.Entry) (model.Entry, error) {
	if e.ID == "" {
		e.ID = model.NewID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	var stored model.Entry
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
			return err
		}
		e.Index = n
		if err := insertEntry(ctx, tx, e); err != nil {
			return err
		}
		stored = e
		return nil
	})
	if err != nil {
		return model.Entry{}, fmt.Errorf("append entry: %w", err)
	}
	return stored, nil
}

// ReplaceAt supersedes the entry at index.
func (s *SQLiteStore) ReplaceAt(ctx context.Context, index int, e model.Entry) (model.Entry, error) {
	var stored model.Entry
	err := s.tx(ctx, func(tx *sql.Tx) error {
		cur, err := getWhere(ctx, tx, `position = ?`, index)
		if errors.Is(err, ErrNotFound) {
			n, cerr := countTx(ctx, tx)
			if cerr != nil {
				return cerr
			}
			return &IndexError{Index: index, Length: n}
		}
		if err != nil {
			return err
		}
		stored = cur.Supersede(e)
		return updateEntry(ctx, tx, stored)
	})
	if err != nil {
		return model.Entry{}, err
	}
	return stored, nil
}

// ReplaceID supersedes the entry with the given ID.
func (s *SQLiteStore) ReplaceID(ctx context.Context, id string, e model.Entry) (model.Entry, error) {
	var stored model.Entry
	err := s.tx(ctx, func(tx *sql.Tx) error {
		cur, err := getWhere(ctx, tx, `id = ?`, id)
		if err != nil {
			return err
		}
		stored = cur.Supersede(e)
		return updateEntry(ctx, tx, stored)
	})
	if err != nil {
		return model.Entry{}, err
	}
	return stored, nil
}

// DeleteAt removes the entry at index.
func (s *SQLiteStore) DeleteAt(ctx context.Context, index int) (model.Entry, error) {
	var removed model.Entry
	err := s.tx(ctx, func(tx *sql.Tx) error {
		cur, err := getWhere(ctx, tx, `position = ?`, index)
		if errors.Is(err, ErrNotFound) {
			n, cerr := countTx(ctx, tx)
			if cerr != nil {
				return cerr
			}
			return &IndexError{Index: index, Length: n}
		}
		if err != nil {
			return err
		}
		removed = cur
		if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, cur.ID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE entries SET position = position - 1 WHERE position > ?`, index)
		return err
	})
	if err != nil {
		return model.Entry{}, err
	}
	return removed, nil
}

// DeleteRange removes count entries starting at start.
func (s *SQLiteStore) DeleteRange(ctx context.Context, start, count int) ([]model.Entry, error) {
	var removed []model.Entry
	err := s.tx(ctx, func(tx *sql.Tx) error {
		n, err := countTx(ctx, tx)
		if err != nil {
			return err
		}
		lo, hi := clampRange(start, start+count, n)
		if lo == hi {
			removed = []model.Entry{}
			return nil
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT `+entryColumns+` FROM entries WHERE position >= ? AND position < ? ORDER BY position`, lo, hi)
		if err != nil {
			return err
		}
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				rows.Close()
				return err
			}
			removed = append(removed, e)
		}
		rows.Close()

		if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE position >= ? AND position < ?`, lo, hi); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE entries SET position = position - ? WHERE position >= ?`, hi-lo, hi)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("delete range: %w", err)
	}
	return removed, nil
}

// Get returns the entry with the given ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (model.Entry, error) {
	var e model.Entry
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		e, err = getWhere(ctx, tx, `id = ?`, id)
		return err
	})
	return e, err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *SQLiteStore) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (model.Entry, error) {
	var (
		e           model.Entry
		role        string
		attachments string
		inProgress  int
		stopped     int
		stats       sql.NullString
		created     int64
	)
	if err := row.Scan(&e.ID, &e.Index, &role, &e.Content, &attachments,
		&inProgress, &stopped, &e.Error, &stats, &created); err != nil {
		return model.Entry{}, err
	}
	e.Role = model.Role(role)
	e.InProgress = inProgress != 0
	e.Stopped = stopped != 0
	e.Timestamp = time.Unix(0, created)

	if attachments != "" && attachments != "[]" {
		if err := json.Unmarshal([]byte(attachments), &e.Attachments); err != nil {
			return model.Entry{}, fmt.Errorf("decode attachments for %s: %w", e.ID, err)
		}
	}
	if stats.Valid {
		e.Stats = &model.Statistics{}
		if err := json.Unmarshal([]byte(stats.String), e.Stats); err != nil {
			return model.Entry{}, fmt.Errorf("decode stats for %s: %w", e.ID, err)
		}
	}
	return e, nil
}

func getWhere(ctx context.Context, tx *sql.Tx, where string, arg any) (model.Entry, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE `+where, arg)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Entry{}, ErrNotFound
	}
	return e, err
}

func countTx(ctx context.Context, tx *sql.Tx) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n)
	return n, err
}

func encodeExtras(e model.Entry) (string, sql.NullString, error) {
	attachments := "[]"
	if len(e.Attachments) > 0 {
		b, err := json.Marshal(e.Attachments)
		if err != nil {
			return "", sql.NullString{}, err
		}
		attachments = string(b)
	}
	var stats sql.NullString
	if e.Stats != nil {
		b, err := json.Marshal(e.Stats)
		if err != nil {
			return "", sql.NullString{}, err
		}
		stats = sql.NullString{String: string(b), Valid: true}
	}
	return attachments, stats, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e model.Entry) error {
	attachments, stats, err := encodeExtras(e)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO entries (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Index, string(e.Role), e.Content, attachments,
		boolToInt(e.InProgress), boolToInt(e.Stopped), e.Error, stats, e.Timestamp.UnixNano())
	return err
}

func updateEntry(ctx context.Context, tx *sql.Tx, e model.Entry) error {
	attachments, stats, err := encodeExtras(e)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE entries SET role = ?, content = ?, attachments = ?, in_progress = ?, stopped = ?,
		 error = ?, stats = ?, created_at = ? WHERE id = ?`,
		string(e.Role), e.Content, attachments, boolToInt(e.InProgress), boolToInt(e.Stopped),
		e.Error, stats, e.Timestamp.UnixNano(), e.ID)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
