// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"os"
	"sync"

	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/jeranaias/rigrun-live/internal/render"
)

// =============================================================================
// TERMINAL DETECTION
// =============================================================================

const (
	// fallbackWidth is used when stdout is not a terminal.
	fallbackWidth = 80
	// narrowestWidth is the smallest width the repl wraps to.
	narrowestWidth = 40
)

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// interactive reports whether both stdin and stdout are terminals.
func interactive() bool {
	return isTerminal(os.Stdin) && isTerminal(os.Stdout)
}

// terminalWidth returns the width of stdout.
func terminalWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return fallbackWidth
	}
	return max(w, narrowestWidth)
}

// =============================================================================
// COLOR
// =============================================================================

// colorOutput reports whether stdout gets ANSI colors. NO_COLOR wins over
// FORCE_COLOR; otherwise colors follow whether stdout is a terminal.
var colorOutput = sync.OnceValue(func() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	return isTerminal(os.Stdout)
})

// colorProfile is the termenv profile lipgloss renders with.
func colorProfile() termenv.Profile {
	if !colorOutput() {
		return termenv.Ascii
	}
	return termenv.ColorProfile()
}

// renderStyle maps the ui.theme setting to a renderer style, forcing notty
// when colors are off.
func renderStyle(theme string) string {
	switch {
	case !colorOutput():
		return render.StyleNoTTY
	case theme == "":
		return render.StyleAuto
	default:
		return theme
	}
}
