// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package styles

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Theme holds the styled components of the log viewer.
type Theme struct {
	// Terminal capabilities
	IsDark       bool
	ColorProfile termenv.Profile

	// ==========================================================================
	// ENTRY STYLES
	// ==========================================================================

	UserLabel      lipgloss.Style
	AssistantLabel lipgloss.Style
	SystemLabel    lipgloss.Style
	Timestamp      lipgloss.Style
	Body           lipgloss.Style
	Separator      lipgloss.Style
	Streaming      lipgloss.Style
	Stopped        lipgloss.Style
	Failed         lipgloss.Style
	Attachment     lipgloss.Style
	Selected       lipgloss.Style

	// ==========================================================================
	// CHROME
	// ==========================================================================

	StatusBar    lipgloss.Style
	Connected    lipgloss.Style
	Connecting   lipgloss.Style
	Disconnected lipgloss.Style
	ShortcutKey  lipgloss.Style
	ShortcutDesc lipgloss.Style
	Prompt       lipgloss.Style
	Notice       lipgloss.Style
}

// NewTheme detects the terminal and builds the styles.
func NewTheme() *Theme {
	return NewThemeFor(termenv.ColorProfile(), termenv.HasDarkBackground())
}

// NewThemeFor builds styles for an explicit profile. Ascii drops all color.
func NewThemeFor(profile termenv.Profile, dark bool) *Theme {
	t := &Theme{IsDark: dark, ColorProfile: profile}
	t.initStyles()
	return t
}

func (t *Theme) initStyles() {
	color := func(c lipgloss.AdaptiveColor) lipgloss.Style {
		s := lipgloss.NewStyle()
		if t.ColorProfile == termenv.Ascii {
			return s
		}
		return s.Foreground(c)
	}

	t.UserLabel = color(Cyan).Bold(true)
	t.AssistantLabel = color(Purple).Bold(true)
	t.SystemLabel = color(Amber).Bold(true)
	t.Timestamp = color(TextMuted)
	t.Body = color(TextPrimary)
	t.Separator = color(Overlay)
	t.Streaming = color(Amber).Italic(true)
	t.Stopped = color(Amber)
	t.Failed = color(Rose).Bold(true)
	t.Attachment = color(TextMuted).Italic(true)
	t.Selected = lipgloss.NewStyle().Bold(true)

	t.StatusBar = lipgloss.NewStyle().Padding(0, 1)
	if t.ColorProfile != termenv.Ascii {
		t.StatusBar = t.StatusBar.Background(SurfaceDim).Foreground(TextPrimary)
	}
	t.Connected = color(Emerald).Bold(true)
	t.Connecting = color(Amber).Bold(true)
	t.Disconnected = color(Rose).Bold(true)
	t.ShortcutKey = color(Purple).Bold(true)
	t.ShortcutDesc = color(TextMuted)
	t.Prompt = color(Cyan).Bold(true)
	t.Notice = color(Amber)
}

// RoleLabel returns the label style for an entry role.
func (t *Theme) RoleLabel(role string) lipgloss.Style {
	switch role {
	case "user":
		return t.UserLabel
	case "assistant":
		return t.AssistantLabel
	default:
		return t.SystemLabel
	}
}
