// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"

	"github.com/jeranaias/rigrun-live/internal/model"
	"github.com/jeranaias/rigrun-live/internal/reveal"
	"github.com/jeranaias/rigrun-live/internal/session"
	"github.com/jeranaias/rigrun-live/internal/ui/styles"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Actions is the write side of the log. *client.Client implements it.
type Actions interface {
	Append(ctx context.Context, role model.Role, content string, attachments []model.Attachment, generate bool) (model.Entry, *model.Entry, error)
	Regenerate(ctx context.Context, index int) (model.Entry, error)
	Delete(ctx context.Context, index int) (model.Entry, error)
	Stop(ctx context.Context, id string) error
}

// Formatter turns entry text into terminal output. *render.Renderer
// implements it.
type Formatter interface {
	Lookup(id, text string) string
	SetWidth(width int) error
}

// Options configures a Model.
type Options struct {
	Session   *session.Session
	Actions   Actions
	Formatter Formatter
	// Driver delivers reveal ticks. Nil means the caller ticks the
	// scheduler itself.
	Driver   *reveal.TeaDriver
	Notifier *Notifier
	Theme    *styles.Theme
	Keys     *KeyMap
	// PageSize is how many entries PgUp/PgDn load past the window edge.
	PageSize int
	// ActionTimeout bounds each call to Actions (default: 15s).
	ActionTimeout time.Duration
}

const (
	defaultPageSize      = 50
	defaultActionTimeout = 15 * time.Second
	inputCharLimit       = 8192
)

// =============================================================================
// MODEL
// =============================================================================

// Model is the Bubble Tea model of the log view.
type Model struct {
	sess      *session.Session
	actions   Actions
	formatter Formatter
	driver    *reveal.TeaDriver
	notifier  *Notifier
	theme     *styles.Theme
	keys      KeyMap
	pageSize  int
	timeout   time.Duration

	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model

	width    int
	height   int
	ready    bool
	selected string // entry ID, empty when nothing is selected
	notice   string
	busy     bool // a page load is in flight
	quitting bool
}

// New creates the model. Session, Actions and Formatter are required.
func New(opts Options) Model {
	if opts.Notifier == nil {
		opts.Notifier = NewNotifier()
	}
	if opts.Theme == nil {
		opts.Theme = styles.NewTheme()
	}
	keys := DefaultKeyMap()
	if opts.Keys != nil {
		keys = *opts.Keys
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = defaultActionTimeout
	}

	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Type a message..."
	ti.CharLimit = inputCharLimit
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Line

	n := opts.Notifier
	opts.Session.View().OnChange(n.Notify)
	opts.Session.OnStatus(func(session.Status) { n.Notify() })

	return Model{
		sess:      opts.Session,
		actions:   opts.Actions,
		formatter: opts.Formatter,
		driver:    opts.Driver,
		notifier:  n,
		theme:     opts.Theme,
		keys:      keys,
		pageSize:  opts.PageSize,
		timeout:   opts.ActionTimeout,
		viewport:  viewport.New(80, 20),
		input:     ti,
		spinner:   sp,
	}
}

// Notifier returns the notifier the model listens on. Wire other sources of
// change (such as the renderer) to its Notify.
func (m Model) Notifier() *Notifier { return m.notifier }

// Selected returns the ID of the selected entry.
func (m Model) Selected() string { return m.selected }

// Notice returns the last status message.
func (m Model) Notice() string { return m.notice }

// entries returns the materialized window.
func (m Model) entries() []model.Entry {
	return m.sess.View().Items()
}

// selectedEntry returns the selected entry if it is still in the window.
func (m Model) selectedEntry() (model.Entry, bool) {
	if m.selected == "" {
		return model.Entry{}, false
	}
	return m.sess.View().Get(m.selected)
}

// regenerateTarget is the selected assistant entry, or the newest one.
func (m Model) regenerateTarget() (model.Entry, bool) {
	if e, ok := m.selectedEntry(); ok {
		return e, e.Role == model.RoleAssistant
	}
	items := m.entries()
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Role == model.RoleAssistant {
			return items[i], true
		}
	}
	return model.Entry{}, false
}

// stopTarget is the selected in-progress entry, or the newest one.
func (m Model) stopTarget() (model.Entry, bool) {
	if e, ok := m.selectedEntry(); ok {
		return e, e.InProgress
	}
	items := m.entries()
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].InProgress {
			return items[i], true
		}
	}
	return model.Entry{}, false
}

// moveSelection moves the selection by delta entries. Moving past the newest
// entry clears it.
func (m *Model) moveSelection(delta int) {
	items := m.entries()
	if len(items) == 0 {
		m.selected = ""
		return
	}
	pos := len(items)
	for i, e := range items {
		if e.ID == m.selected {
			pos = i
			break
		}
	}
	pos += delta
	switch {
	case pos < 0:
		pos = 0
	case pos >= len(items):
		m.selected = ""
		return
	}
	m.selected = items[pos].ID
}
