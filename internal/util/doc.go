// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across rigrun-live.
//
// # Key Functions
//
// String Utilities:
//   - TruncateRunes: UTF-8 safe truncation with ellipsis
//   - TruncateWidth: display-width truncation (CJK aware via go-runewidth)
//   - CommonPrefixLen, RunePrefix: rune-indexed prefix helpers used by the
//     reveal scheduler
//
// File Operations:
//   - AtomicWriteFile: crash-safe file writing with fsync
//
// # Usage
//
//	display := util.TruncateRunes(longText, 50)
//	err := util.AtomicWriteFile(path, data, 0600)
package util
