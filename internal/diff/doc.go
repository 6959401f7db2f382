// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package diff encodes successive snapshots of an in-progress generation as
// minimal slices and replays them on the receiving side.
//
// # Slice Kinds
//
//   - KindAppend: the new text extends the previous one; only the suffix is sent
//   - KindReplace: the text was rewritten; the whole new text is sent
//
// Every slice records Base, the byte length of the text it was computed
// against. An Applier whose buffer has a different length rejects append
// slices with ErrOutOfOrder instead of corrupting its buffer.
//
// # Usage
//
// Producer side:
//
//	enc := diff.NewEncoder()
//	if s, ok := enc.Next(fullText); ok {
//	    send(s)
//	}
//
// Consumer side:
//
//	var a diff.Applier
//	if err := a.ApplyAll(slices); err != nil { ... }
//	current := a.String()
//
// Slices are strictly ordered and cumulative. There is no retransmission; a
// reconnecting client resynchronizes from a full snapshot.
package diff
