// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package render

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/muesli/termenv"
	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-live/internal/classify"
	"github.com/jeranaias/rigrun-live/internal/reveal"
)

// =============================================================================
// OPTIONS
// =============================================================================

// Style names accepted by Options.Style.
const (
	StyleAuto  = "auto"
	StyleDark  = "dark"
	StyleLight = "light"
	StyleNoTTY = "notty"
)

// Options configures a Renderer.
type Options struct {
	// Width is the wrap width in cells (default: 80).
	Width int
	// Style selects the glamour style. "auto" asks the terminal whether its
	// background is dark.
	Style string
}

const defaultWidth = 80

func (o *Options) fillDefaults() {
	if o.Width <= 0 {
		o.Width = defaultWidth
	}
	if o.Style == "" {
		o.Style = StyleAuto
	}
}

// resolveStyle maps "auto" to dark or light.
func resolveStyle(style string) string {
	if style != StyleAuto {
		return style
	}
	if termenv.ColorProfile() == termenv.Ascii {
		return StyleNoTTY
	}
	if termenv.HasDarkBackground() {
		return StyleDark
	}
	return StyleLight
}

// =============================================================================
// RENDERER
// =============================================================================

type cached struct {
	text string
	out  string
}

// Renderer formats entry text by shape and caches the output per id.
// Thread-safe.
type Renderer struct {
	mu       sync.Mutex
	opts     Options
	style    string
	md       *glamour.TermRenderer
	cache    map[string]cached
	onUpdate func(id string)
	logger   *zap.Logger
}

// New creates a renderer.
func New(opts Options, logger *zap.Logger) (*Renderer, error) {
	opts.fillDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Renderer{
		opts:   opts,
		style:  resolveStyle(opts.Style),
		cache:  make(map[string]cached),
		logger: logger.Named("render"),
	}
	if err := r.rebuildLocked(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Renderer) rebuildLocked() error {
	md, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(r.style),
		glamour.WithWordWrap(r.opts.Width),
	)
	if err != nil {
		return fmt.Errorf("markdown renderer: %w", err)
	}
	r.md = md
	return nil
}

// OnUpdate registers fn to be called after a frame for id is rendered.
func (r *Renderer) OnUpdate(fn func(id string)) {
	r.mu.Lock()
	r.onUpdate = fn
	r.mu.Unlock()
}

// SetWidth changes the wrap width and drops cached output.
func (r *Renderer) SetWidth(width int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if width <= 0 || width == r.opts.Width {
		return nil
	}
	r.opts.Width = width
	clear(r.cache)
	return r.rebuildLocked()
}

// Width returns the wrap width.
func (r *Renderer) Width() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts.Width
}

// Render implements reveal.Renderer.
func (r *Renderer) Render(f reveal.Frame) error {
	out, err := r.Format(f.Text, f.Shape)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cache[f.ID] = cached{text: f.Text, out: out}
	fn := r.onUpdate
	r.mu.Unlock()

	if fn != nil {
		fn(f.ID)
	}
	return nil
}

// Lookup returns the output for id showing text, formatting it if the cache
// holds a different text.
func (r *Renderer) Lookup(id, text string) string {
	r.mu.Lock()
	c, ok := r.cache[id]
	r.mu.Unlock()
	if ok && c.text == text {
		return c.out
	}

	out, err := r.Format(text, classify.Classify(text))
	if err != nil {
		r.logger.Debug("format failed, showing raw text", zap.String("id", id), zap.Error(err))
		out = text
	}
	r.mu.Lock()
	r.cache[id] = cached{text: text, out: out}
	r.mu.Unlock()
	return out
}

// Forget drops cached output for id. Called when the entry leaves the
// window.
func (r *Renderer) Forget(id string) {
	r.mu.Lock()
	delete(r.cache, id)
	r.mu.Unlock()
}

// =============================================================================
// FORMATTING
// =============================================================================

// Format renders text with the strategy for shape.
func (r *Renderer) Format(text string, shape classify.Shape) (string, error) {
	switch shape {
	case classify.Document:
		r.mu.Lock()
		width, plain := r.opts.Width, r.style == StyleNoTTY
		r.mu.Unlock()
		return Document(text, width, plain), nil
	case classify.Fragment:
		return r.fragment(text)
	default:
		return r.markdown(text)
	}
}

func (r *Renderer) markdown(text string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, err := r.md.Render(text)
	if err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return strings.TrimRight(out, "\n"), nil
}

// scriptElement matches complete script elements for removal from the flow.
var scriptElement = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)

// fragment renders the markdown body without its scripts, then each complete
// script as a highlighted block.
func (r *Renderer) fragment(text string) (string, error) {
	scripts := classify.Scripts(text)
	body := text
	if len(scripts) > 0 {
		body = scriptElement.ReplaceAllString(text, "")
	}
	out, err := r.markdown(body)
	if err != nil {
		return "", err
	}
	if len(scripts) == 0 {
		return out, nil
	}

	r.mu.Lock()
	width, plain := r.opts.Width, r.style == StyleNoTTY
	r.mu.Unlock()

	var b strings.Builder
	b.WriteString(out)
	for _, s := range scripts {
		b.WriteString("\n")
		b.WriteString(ScriptBlock(s, width, plain))
	}
	return b.String(), nil
}
