// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package render

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/jeranaias/rigrun-live/internal/classify"
	"github.com/jeranaias/rigrun-live/internal/ui/styles"
)

// =============================================================================
// DOCUMENT PREVIEW
// =============================================================================

// sandbox strips everything that could run or load: scripts, styles, event
// handlers, iframes and forms. The head goes with its content.
var sandbox = bluemonday.UGCPolicy().SkipElementsContent("head", "title")

// Document rebuilds a complete HTML page as framed terminal text. The page is
// sanitized before it is parsed; nothing in it executes. plain disables
// colour.
func Document(text string, width int, plain bool) string {
	src := classify.DocumentSource(text)
	if src == "" {
		src = text
	}
	if width < 20 {
		width = 20
	}

	title := documentTitle(src)
	if title == "" {
		title = "document"
	}
	body := documentBody(sandbox.Sanitize(src))

	header := lipgloss.NewStyle().Bold(true).Foreground(styles.Purple)
	frame := lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(styles.Purple).
		Padding(0, 1).
		Width(width - 2)
	if plain {
		header = lipgloss.NewStyle()
		frame = frame.UnsetBorderForeground()
	}
	return header.Render("▣ "+title) + "\n" + frame.Render(body)
}

// documentTitle returns the text of the first <title>.
func documentTitle(src string) string {
	z := html.NewTokenizer(strings.NewReader(src))
	inTitle := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			name, _ := z.TagName()
			inTitle = atom.Lookup(name) == atom.Title
		case html.TextToken:
			if inTitle {
				return strings.Join(strings.Fields(html.UnescapeString(string(z.Text()))), " ")
			}
		case html.EndTagToken:
			inTitle = false
		}
	}
}

// documentBody flattens sanitized markup into text with block structure.
func documentBody(clean string) string {
	doc, err := html.Parse(strings.NewReader(clean))
	if err != nil {
		return strings.TrimSpace(clean)
	}
	w := &textWriter{}
	w.walk(doc, false)
	return strings.TrimSpace(w.b.String())
}

// textWriter accumulates flattened text. Newlines are deferred so runs of
// block boundaries collapse.
type textWriter struct {
	b         strings.Builder
	newlines  int
	space     bool
	lineStart bool
}

func (w *textWriter) breakLines(n int) {
	if w.b.Len() == 0 {
		return
	}
	w.newlines = max(w.newlines, n)
	w.space = false
}

func (w *textWriter) write(s string) {
	if s == "" {
		return
	}
	if w.newlines > 0 {
		w.b.WriteString(strings.Repeat("\n", w.newlines))
		w.newlines = 0
		w.lineStart = true
		w.space = false
	}
	if w.space && !w.lineStart {
		w.b.WriteByte(' ')
	}
	w.space = false
	w.b.WriteString(s)
	w.lineStart = false
}

func (w *textWriter) text(s string, pre bool) {
	if pre {
		w.write(s)
		return
	}
	if s == "" {
		return
	}
	first, _ := utf8.DecodeRuneInString(s)
	last, _ := utf8.DecodeLastRuneInString(s)
	words := strings.Fields(s)
	if len(words) == 0 {
		w.space = true
		return
	}
	if unicode.IsSpace(first) {
		w.space = true
	}
	w.write(strings.Join(words, " "))
	if unicode.IsSpace(last) {
		w.space = true
	}
}

func (w *textWriter) walk(n *html.Node, pre bool) {
	switch n.Type {
	case html.TextNode:
		w.text(n.Data, pre)
		return
	case html.ElementNode:
	default:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			w.walk(c, pre)
		}
		return
	}

	switch n.DataAtom {
	case atom.Br:
		w.breakLines(1)
		return
	case atom.Hr:
		w.breakLines(2)
		w.write("────────")
		w.breakLines(2)
		return
	case atom.Img:
		if alt := attr(n, "alt"); alt != "" {
			w.write("[image: " + alt + "]")
		}
		return
	}

	before, after := blockSpacing(n.DataAtom)
	w.breakLines(before)
	switch n.DataAtom {
	case atom.Li:
		w.write("•")
		w.space = true
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		w.write("#")
		w.space = true
	}
	inPre := pre || n.DataAtom == atom.Pre
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c, inPre)
	}
	if n.DataAtom == atom.A {
		if href := attr(n, "href"); href != "" {
			w.space = true
			w.write("<" + href + ">")
		}
	}
	w.breakLines(after)
}

// blockSpacing returns the newlines required before and after an element.
func blockSpacing(a atom.Atom) (before, after int) {
	switch a {
	case atom.P, atom.Pre, atom.Blockquote, atom.Table, atom.Ul, atom.Ol, atom.Dl,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Figure:
		return 2, 2
	case atom.Div, atom.Section, atom.Article, atom.Header, atom.Footer, atom.Main,
		atom.Nav, atom.Aside, atom.Li, atom.Tr, atom.Dt, atom.Dd, atom.Figcaption:
		return 1, 1
	}
	return 0, 0
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
