// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package window presents an unbounded ordered log as a small materialized
// slice.
//
// A View holds a contiguous run of entries fetched by offset/limit from a
// Fetcher (the local log store or the remote HTTP API) and keeps it aligned
// with the backend while entries are appended, replaced and deleted.
//
// # Coordinates
//
// Mutators and IndexOf use backend absolute indices. With Options.LoadLimit
// set, only the newest LoadLimit entries are reachable; the number of older
// entries is the offset shift and is added to every fetch. Offset and Total
// report visible coordinates (shift removed).
//
// # Identity
//
// Every materialized entry is tracked by ID. When an event carries the ID of
// a materialized entry, the View resolves its position by ID rather than the
// event's index, so an index computed before an unrelated delete still lands
// on the right entry.
//
// # Tail Pinning
//
// UpdateScroll records whether the viewport sits at the bottom of its content
// (within Options.TailEpsilon). Append reports whether the UI should follow
// the new entry; deletions never clear the pinned flag.
package window
