// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export writes a snapshot of the conversation log to a file.
//
// # Key Types
//
//   - Log: A collected snapshot of the log
//   - Exporter: Format interface (Markdown, JSON)
//   - Options: Export configuration options
//
// # Usage
//
// Collect the log from any paged source and write it:
//
//	log, err := export.Collect(ctx, client, export.DefaultPageSize)
//	exp, err := export.ForFormat("markdown", export.DefaultOptions())
//	path, err := export.WriteFile(log, exp, "./exports")
//
// Entries still generating are exported with the content they have so far
// and are marked as such.
package export
