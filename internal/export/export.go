// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-live/internal/model"
	"github.com/jeranaias/rigrun-live/internal/util"
)

// DefaultPageSize is the number of entries fetched per request by Collect.
const DefaultPageSize = 100

// =============================================================================
// LOG SNAPSHOT
// =============================================================================

// Log is a snapshot of the conversation log.
type Log struct {
	Title      string        `json:"title"`
	Source     string        `json:"source,omitempty"`
	ExportedAt time.Time     `json:"exported_at"`
	Entries    []model.Entry `json:"entries"`
}

// Fetcher reads a page of the log and reports its current length.
type Fetcher interface {
	Fetch(ctx context.Context, offset, limit int) ([]model.Entry, int, error)
}

// Collect pages through src until it has read the whole log. Entries
// appended while collecting are included; if the log shrinks, collection
// stops at the new end.
func Collect(ctx context.Context, src Fetcher, pageSize int) (*Log, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	log := &Log{ExportedAt: time.Now()}
	for offset := 0; ; {
		items, total, err := src.Fetch(ctx, offset, pageSize)
		if err != nil {
			return nil, fmt.Errorf("fetch entries at %d: %w", offset, err)
		}
		log.Entries = append(log.Entries, items...)
		offset += len(items)
		if len(items) == 0 || offset >= total {
			break
		}
	}
	log.Title = defaultTitle(log.Entries)
	return log, nil
}

// defaultTitle is the first user entry's opening line.
func defaultTitle(entries []model.Entry) string {
	for _, e := range entries {
		if e.Role != model.RoleUser {
			continue
		}
		line, _, _ := strings.Cut(strings.TrimSpace(e.Content), "\n")
		if line != "" {
			return util.TruncateRunes(line, 60)
		}
	}
	return "Conversation"
}

// =============================================================================
// EXPORT INTERFACE
// =============================================================================

// Exporter defines the interface for log exporters.
type Exporter interface {
	// Export converts a log to the target format.
	Export(log *Log) ([]byte, error)

	// FileExtension returns the file extension, e.g. ".md".
	FileExtension() string

	// MimeType returns the MIME type of the exported format.
	MimeType() string
}

// Options configures export behavior.
type Options struct {
	// IncludeMetadata adds a front matter header and per-entry statistics.
	IncludeMetadata bool

	// IncludeTimestamps adds per-entry timestamps.
	IncludeTimestamps bool
}

// DefaultOptions returns default export options.
func DefaultOptions() *Options {
	return &Options{
		IncludeMetadata:   true,
		IncludeTimestamps: true,
	}
}

// Formats lists the names accepted by ForFormat.
var Formats = []string{"markdown", "json"}

// ForFormat returns the exporter for a format name.
func ForFormat(format string, opts *Options) (Exporter, error) {
	switch strings.ToLower(format) {
	case "markdown", "md":
		return NewMarkdownExporter(opts), nil
	case "json":
		return NewJSONExporter(opts), nil
	default:
		return nil, fmt.Errorf("unknown export format %q (use %s)", format, strings.Join(Formats, " or "))
	}
}

// =============================================================================
// FILE OUTPUT
// =============================================================================

// WriteFile exports log into dir under a generated name and returns the
// path written.
func WriteFile(log *Log, exporter Exporter, dir string) (string, error) {
	content, err := exporter.Export(log)
	if err != nil {
		return "", fmt.Errorf("export failed: %w", err)
	}

	filename := fmt.Sprintf("conversation_%s_%s%s",
		sanitizeFilename(log.Title),
		log.ExportedAt.Format("20060102_150405"),
		exporter.FileExtension(),
	)
	path := filepath.Join(dir, filename)
	if err := util.AtomicWriteFileWithDir(path, content, 0644, 0755); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// WriteTo exports log to an explicit path. "-" writes to stdout.
func WriteTo(log *Log, exporter Exporter, path string) error {
	content, err := exporter.Export(log)
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}
	if path == "-" {
		_, err := os.Stdout.Write(content)
		return err
	}
	return util.AtomicWriteFileWithDir(path, content, 0644, 0755)
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

var filenameReplacer = strings.NewReplacer(
	"/", "-", "\\", "-", ":", "-", "*", "-", "?", "-",
	"\"", "-", "<", "-", ">", "-", "|", "-",
	" ", "_", "\t", "_", "\n", "_", "\r", "_",
)

// sanitizeFilename replaces characters that are invalid in file names on
// Windows or Unix.
func sanitizeFilename(s string) string {
	s = filenameReplacer.Replace(util.RunePrefix(s, 50))
	s = strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return '-'
		}
		return r
	}, s)
	if s == "" {
		return "conversation"
	}
	return s
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
}

func formatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}
