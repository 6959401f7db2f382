// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package render

import (
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	chromaStyles "github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/rigrun-live/internal/classify"
	"github.com/jeranaias/rigrun-live/internal/ui/styles"
)

// =============================================================================
// SCRIPT BLOCKS
// =============================================================================

// ScriptBlock renders one activated script as a framed, highlighted block.
// plain disables ANSI colour.
func ScriptBlock(s classify.Script, width int, plain bool) string {
	label := "script"
	if s.Type != "" {
		label += " (" + s.Type + ")"
	}

	var body string
	switch {
	case s.Body != "":
		body = Highlight(s.Body, scriptLanguage(s.Type), plain)
	case s.Src != "":
		body = "src: " + s.Src
	default:
		body = "(empty)"
	}

	badge := lipgloss.NewStyle().
		Foreground(styles.TextMuted).
		Bold(true).
		Render(label)

	return lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(styles.Overlay).
		Padding(0, 1).
		MaxWidth(max(width, 20)).
		Render(badge + "\n" + body)
}

// scriptLanguage maps a script type attribute to a lexer name.
func scriptLanguage(typ string) string {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "", "module", "text/javascript", "application/javascript":
		return "javascript"
	case "application/json", "application/ld+json", "importmap":
		return "json"
	}
	if l := lexers.MatchMimeType(typ); l != nil {
		return l.Config().Name
	}
	return "javascript"
}

// Highlight applies syntax highlighting to code. It returns code unchanged
// when no lexer or formatter can handle it.
func Highlight(code, language string, plain bool) string {
	lexer := lexers.Get(language)
	if lexer == nil {
		lexer = lexers.Analyse(code)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	style := chromaStyles.Get("monokai")
	if style == nil {
		style = chromaStyles.Fallback
	}

	name := "terminal256"
	if plain {
		name = "noop"
	}
	formatter := formatters.Get(name)
	if formatter == nil {
		formatter = formatters.Fallback
	}

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code
	}
	var buf strings.Builder
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return code
	}
	return buf.String()
}
