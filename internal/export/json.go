// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"
	"errors"

	"github.com/jeranaias/rigrun-live/internal/model"
)

// JSONExporter exports logs to JSON. The output always holds the complete
// entries regardless of options.
type JSONExporter struct {
	options *Options
}

// NewJSONExporter creates a new JSON exporter.
func NewJSONExporter(opts *Options) *JSONExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &JSONExporter{options: opts}
}

// Export converts a log to indented JSON.
func (e *JSONExporter) Export(log *Log) ([]byte, error) {
	if log == nil {
		return nil, errors.New("log is nil")
	}
	if log.Entries == nil {
		copied := *log
		copied.Entries = []model.Entry{}
		log = &copied
	}
	return json.MarshalIndent(log, "", "  ")
}

// FileExtension returns the file extension for JSON.
func (e *JSONExporter) FileExtension() string {
	return ".json"
}

// MimeType returns the MIME type for JSON.
func (e *JSONExporter) MimeType() string {
	return "application/json"
}
