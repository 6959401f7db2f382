// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for the conversation log.
//
// This package defines the core domain types shared by the producer (server)
// and consumer (terminal client) sides: log entries, roles, attachments and
// generation statistics.
//
// # Key Types
//
//   - Entry: One position in the ordered conversation log
//   - Role: Closed set of authors (user, assistant, system, tool)
//   - Attachment: Media reference delivered on the generation side channel
//   - Statistics: Timing and token counts for a generation
//
// # Usage
//
// Create entries before handing them to a log store, which assigns the ID:
//
//	e := model.NewUserEntry("Hello!")
//	stored, err := st.Append(ctx, e)
//
// Entries are values. An edit or regeneration produces a new value with the
// same ID rather than mutating the stored one in place.
package model
