// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package styles provides the color palette and lipgloss styles shared by the
// terminal renderer and the log viewer.
//
// Colors are lipgloss AdaptiveColor values so they follow the terminal's
// light or dark background. A Theme built for termenv.Ascii carries no color
// at all, which keeps output clean when stdout is not a terminal or NO_COLOR
// is set.
package styles
