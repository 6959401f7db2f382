// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package classify decides how accumulated generation text should be
// rendered.
//
// Three shapes are recognised:
//
//   - Document: a complete <html>...</html> page, optionally preceded by a
//     doctype, either bare or inside a fenced code block
//   - Fragment: at least one real HTML element outside code fences and inline
//     code spans, without a full document root
//   - Prose: everything else (plain text and markdown)
package classify

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Shape is the detected content shape.
type Shape int

const (
	Prose Shape = iota
	Fragment
	Document
)

// String returns the string representation of a shape.
func (s Shape) String() string {
	switch s {
	case Prose:
		return "prose"
	case Fragment:
		return "fragment"
	case Document:
		return "document"
	default:
		return "unknown"
	}
}

var (
	// documentRoot matches a full page. (?s) lets . span lines.
	documentRoot = regexp.MustCompile(`(?is)(?:<!doctype\s+html[^>]*>\s*)?<html(?:\s[^>]*)?>.*</html\s*>`)

	// inlineCode matches single and double backtick code spans on one line.
	inlineCode = regexp.MustCompile("``[^`\n]+``|`[^`\n]+`")
)

// Classify returns the shape of text.
func Classify(text string) Shape {
	if strings.IndexByte(text, '<') < 0 {
		return Prose
	}
	if documentRoot.MatchString(inlineCode.ReplaceAllString(text, "")) {
		return Document
	}
	if hasElement(StripCode(text)) {
		return Fragment
	}
	return Prose
}

// IsDocument reports whether text contains a complete document root.
func IsDocument(text string) bool {
	return Classify(text) == Document
}

// DocumentSource returns the first complete document root in text, or "".
func DocumentSource(text string) string {
	return documentRoot.FindString(inlineCode.ReplaceAllString(text, ""))
}

// hasElement reports whether s contains a start tag naming a known HTML
// element.
func hasElement(s string) bool {
	if strings.IndexByte(s, '<') < 0 {
		return false
	}
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return false
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			if atom.Lookup(name) != 0 {
				return true
			}
		}
	}
}

// StripCode removes fenced code blocks and inline code spans. An unclosed
// fence swallows the rest of the text, which is what a reader sees while a
// code block is still streaming.
func StripCode(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	fence := ""
	for _, line := range strings.SplitAfter(text, "\n") {
		trimmed := strings.TrimLeft(line, " ")
		if fence != "" {
			if strings.HasPrefix(trimmed, fence) {
				fence = ""
			}
			continue
		}
		if f := fenceMarker(trimmed); f != "" {
			fence = f
			continue
		}
		b.WriteString(inlineCode.ReplaceAllString(line, ""))
	}
	return b.String()
}

// fenceMarker returns the fence opener (``` or ~~~, possibly longer) that
// line starts with, or "".
func fenceMarker(line string) string {
	for _, c := range []byte{'`', '~'} {
		n := 0
		for n < len(line) && line[n] == c {
			n++
		}
		if n >= 3 {
			return line[:n]
		}
	}
	return ""
}
