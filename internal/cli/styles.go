// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/rigrun-live/internal/ui/styles"
)

func init() {
	lipgloss.SetColorProfile(colorProfile())
}

// Line-mode output styles. The chat view uses styles.Theme instead.
var (
	promptStyle  = lipgloss.NewStyle().Foreground(styles.Cyan).Bold(true)
	titleStyle   = lipgloss.NewStyle().Foreground(styles.Purple).Bold(true)
	infoStyle    = lipgloss.NewStyle().Foreground(styles.TextMuted)
	successStyle = lipgloss.NewStyle().Foreground(styles.Emerald)
	warningStyle = lipgloss.NewStyle().Foreground(styles.Amber)
	errorStyle   = lipgloss.NewStyle().Foreground(styles.Rose).Bold(true)
)
