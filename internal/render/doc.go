// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package render turns revealed entry text into terminal output.
//
// The strategy follows the content shape detected by package classify:
//
//   - Prose: markdown rendered with glamour
//   - Fragment: markdown with inline HTML; complete <script> blocks are cut
//     out of the flow and shown highlighted (chroma) after the body
//   - Document: the page is sanitized (bluemonday), parsed (x/net/html) and
//     rebuilt as framed text; nothing from the page executes
//
// Renderer implements reveal.Renderer for the TUI and keeps the latest
// output per entry id. Plain implements it for line-mode clients by writing
// only the newly revealed suffix.
package render
