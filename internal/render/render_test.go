// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package render

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-live/internal/classify"
	"github.com/jeranaias/rigrun-live/internal/reveal"
)

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := New(Options{Width: 60, Style: StyleNoTTY}, nil)
	require.NoError(t, err)
	return r
}

// =============================================================================
// RENDERER TESTS
// =============================================================================

func TestRenderer_Prose(t *testing.T) {
	r := newTestRenderer(t)
	out, err := r.Format("Hello **world**", classify.Prose)
	require.NoError(t, err)
	require.Contains(t, out, "Hello")
	require.Contains(t, out, "world")
}

func TestRenderer_FragmentScriptsMovedOutOfFlow(t *testing.T) {
	r := newTestRenderer(t)
	text := "Click <button>go</button>\n\n<script>alert(1)</script>\n\ndone"
	out, err := r.Format(text, classify.Fragment)
	require.NoError(t, err)
	require.NotContains(t, out, "<script")
	require.Contains(t, out, "alert(1)")
	require.Contains(t, out, "script")
	require.Contains(t, out, "done")
}

func TestRenderer_RenderCachesAndNotifies(t *testing.T) {
	r := newTestRenderer(t)
	var updated []string
	r.OnUpdate(func(id string) { updated = append(updated, id) })

	require.NoError(t, r.Render(reveal.Frame{ID: "a", Text: "partial", Shape: classify.Prose}))
	require.Equal(t, []string{"a"}, updated)

	c, ok := r.cached("a")
	require.True(t, ok)
	require.Contains(t, c.out, "partial")

	r.Forget("a")
	_, ok = r.cached("a")
	require.False(t, ok)
}

func (r *Renderer) cached(id string) (cached, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cache[id]
	return c, ok
}

func TestRenderer_Lookup(t *testing.T) {
	r := newTestRenderer(t)

	first := r.Lookup("a", "one")
	require.Contains(t, first, "one")
	require.Equal(t, first, r.Lookup("a", "one"))

	second := r.Lookup("a", "two")
	require.Contains(t, second, "two")

	require.NoError(t, r.SetWidth(40))
	require.Equal(t, 40, r.Width())
	_, ok := r.cached("a")
	require.False(t, ok, "width change should drop cached output")
}

// =============================================================================
// DOCUMENT TESTS
// =============================================================================

func TestDocument_SandboxedRebuild(t *testing.T) {
	page := `<!DOCTYPE html><html><head><title>Report</title>
<script>alert("head")</script><style>body{color:red}</style></head>
<body onload="steal()"><h1>Results</h1><p>All <b>green</b> today.</p>
<ul><li>alpha</li><li>beta</li></ul>
<p><a href="https://example.com">link</a></p>
<script>evil()</script></body></html>`

	out := Document(page, 60, true)
	require.Contains(t, out, "Report")
	require.Contains(t, out, "# Results")
	require.Contains(t, out, "All green today.")
	require.Contains(t, out, "• alpha")
	require.Contains(t, out, "• beta")
	require.Contains(t, out, "<https://example.com>")
	for _, bad := range []string{"evil", "alert", "steal", "color:red"} {
		require.NotContains(t, out, bad)
	}
}

func TestDocument_FencedSource(t *testing.T) {
	text := "Here you go:\n```html\n<html><body><p>inside</p></body></html>\n```\n"
	out := Document(text, 40, true)
	require.Contains(t, out, "document")
	require.Contains(t, out, "inside")
	require.NotContains(t, out, "Here you go")
}

func TestDocumentBody_Whitespace(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"inline", "<p>a <i>b</i> c</p>", "a b c"},
		{"paragraphs", "<p>one</p><p>two</p>", "one\n\ntwo"},
		{"break", "x<br>y", "x\ny"},
		{"pre", "<pre>a  b\n c</pre>", "a  b\n c"},
		{"image", `<img alt="cat">`, "[image: cat]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := documentBody(tt.in); got != tt.want {
				t.Errorf("documentBody(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// =============================================================================
// PLAIN RENDERER TESTS
// =============================================================================

func TestPlain_WritesOnlyNewText(t *testing.T) {
	var buf bytes.Buffer
	p := NewPlain(&buf, 80)

	for _, text := range []string{"H", "Hel", "Hello"} {
		require.NoError(t, p.Render(reveal.Frame{ID: "a", Text: text}))
	}
	require.NoError(t, p.Render(reveal.Frame{ID: "a", Text: "Hello", Final: true}))
	require.Equal(t, "Hello\n", buf.String())
}

func TestPlain_ReplaceStartsOver(t *testing.T) {
	var buf bytes.Buffer
	p := NewPlain(&buf, 80)

	require.NoError(t, p.Render(reveal.Frame{ID: "a", Text: "abc"}))
	require.NoError(t, p.Render(reveal.Frame{ID: "a", Text: "xy"}))
	require.Equal(t, "abc\nxy", buf.String())
}

func TestPlain_DocumentOnlyOnFinal(t *testing.T) {
	var buf bytes.Buffer
	p := NewPlain(&buf, 60)
	page := "<html><head><title>T</title></head><body><p>body</p></body></html>"

	require.NoError(t, p.Render(reveal.Frame{ID: "d", Text: page, Shape: classify.Document}))
	require.Zero(t, buf.Len())

	require.NoError(t, p.Render(reveal.Frame{ID: "d", Text: page, Shape: classify.Document, Final: true}))
	require.True(t, strings.Contains(buf.String(), "body"))
}

func TestPlain_ForgetDropsPartialLine(t *testing.T) {
	var buf bytes.Buffer
	p := NewPlain(&buf, 80)

	require.NoError(t, p.Render(reveal.Frame{ID: "a", Text: "abc"}))
	p.Forget("a")
	require.Empty(t, p.written)

	// A later frame for the same id starts from nothing.
	require.NoError(t, p.Render(reveal.Frame{ID: "a", Text: "abcd"}))
	require.Equal(t, "abcabcd", buf.String())
}
