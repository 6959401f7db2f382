// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package reveal decouples the text known for a streaming entry (target) from
// the text currently shown (display).
//
// A Scheduler owns per-id reveal state. On every tick it steps each display
// toward its target by max(1, ceil(gap/5)) runes, so a far-behind display
// catches up quickly and a nearly-caught-up one eases in, and it re-renders
// only when the display changed and a minimum interval has passed.
//
// Before a normal render the display is classified. Once it is a complete
// HTML document the registration is locked into document mode: renders are
// spaced by the coarser DocumentInterval and the renderer rebuilds a
// sandboxed view instead of parsing markup incrementally. The lock is one
// directional for the lifetime of the registration.
//
// # Lifecycle
//
//	idle ──Register──▶ streaming ──Stop / Unregister──▶ stopped
//	                       │
//	                       └──Finish──▶ (caught up, final render) ──▶ stopped
//
// The tick loop is driven by a Driver. It starts lazily on the first
// registration and stops when the registry empties.
package reveal
