// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/jeranaias/rigrun-live/internal/model"
	"github.com/jeranaias/rigrun-live/internal/reveal"
)

// =============================================================================
// MESSAGES
// =============================================================================

// ActionResultMsg reports the outcome of a call to Actions.
type ActionResultMsg struct {
	Op  string
	Err error
}

// PageLoadedMsg reports the outcome of loading entries past the window edge.
type PageLoadedMsg struct {
	Older  bool
	Loaded int
	Err    error
}

// =============================================================================
// TEA MODEL
// =============================================================================

// Init starts the cursor blink, the spinner and the repaint listener.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, m.notifier.Wait())
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleResize(msg)

	case tea.KeyMsg:
		return m.handleKey(msg)

	case RefreshMsg:
		m.refresh()
		return m, m.notifier.Wait()

	case reveal.TickMsg:
		if m.driver != nil && !m.driver.Current(msg) {
			return m, nil
		}
		m.sess.Scheduler().Tick()
		m.refresh()
		if m.driver != nil {
			return m, m.driver.Next(msg)
		}
		return m, nil

	case ActionResultMsg:
		if msg.Err != nil {
			m.notice = fmt.Sprintf("%s failed: %v", msg.Op, msg.Err)
		} else {
			m.notice = ""
		}
		m.refresh()
		return m, nil

	case PageLoadedMsg:
		m.busy = false
		if msg.Err != nil {
			m.notice = fmt.Sprintf("load failed: %v", msg.Err)
		}
		m.refresh()
		if msg.Older && msg.Loaded > 0 {
			m.viewport.GotoTop()
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		if m.hasInProgress() {
			m.refresh()
		}
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// =============================================================================
// RESIZE
// =============================================================================

const (
	statusBarHeight = 1
	inputAreaHeight = 2 // separator + input line
	noticeHeight    = 1
)

func (m Model) handleResize(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	m.width = msg.Width
	m.height = msg.Height

	vpHeight := m.height - statusBarHeight - inputAreaHeight - noticeHeight
	if vpHeight < 1 {
		vpHeight = 1
	}
	m.viewport.Width = max(m.width, 1)
	m.viewport.Height = vpHeight
	m.input.Width = max(m.width-len(m.input.Prompt)-1, 10)

	// Formatted output depends on the wrap width.
	if err := m.formatter.SetWidth(max(m.width-2, 20)); err != nil {
		m.notice = fmt.Sprintf("resize failed: %v", err)
	}
	m.ready = true
	m.refresh()
	return m, nil
}

// =============================================================================
// KEYS
// =============================================================================

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.quitting = true
		return m, tea.Quit

	case key.Matches(msg, m.keys.Submit):
		text := strings.TrimSpace(m.input.Value())
		if text == "" {
			return m, nil
		}
		m.input.Reset()
		m.selected = ""
		m.viewport.GotoBottom()
		m.trackScroll()
		return m, m.appendCmd(text)

	case key.Matches(msg, m.keys.SelectPrev):
		m.moveSelection(-1)
		m.refresh()
		return m, nil

	case key.Matches(msg, m.keys.SelectNext):
		m.moveSelection(1)
		m.refresh()
		return m, nil

	case key.Matches(msg, m.keys.Deselect):
		m.selected = ""
		m.refresh()
		return m, nil

	case key.Matches(msg, m.keys.Regenerate):
		e, ok := m.regenerateTarget()
		if !ok {
			m.notice = "nothing to regenerate"
			return m, nil
		}
		return m, m.regenerateCmd(e.Index)

	case key.Matches(msg, m.keys.Stop):
		e, ok := m.stopTarget()
		if !ok {
			m.notice = "no generation in progress"
			return m, nil
		}
		return m, m.stopCmd(e.ID)

	case key.Matches(msg, m.keys.Delete):
		e, ok := m.selectedEntry()
		if !ok {
			m.notice = "select an entry to delete"
			return m, nil
		}
		m.selected = ""
		return m, m.deleteCmd(e.Index)

	case key.Matches(msg, m.keys.PageUp):
		if m.viewport.AtTop() {
			return m.loadPage(true)
		}
		m.viewport.LineUp(m.viewport.Height)
		m.trackScroll()
		return m, nil

	case key.Matches(msg, m.keys.PageDown):
		if m.viewport.AtBottom() {
			return m.loadPage(false)
		}
		m.viewport.LineDown(m.viewport.Height)
		m.trackScroll()
		return m, nil

	case key.Matches(msg, m.keys.Top):
		m.viewport.GotoTop()
		m.trackScroll()
		return m, nil

	case key.Matches(msg, m.keys.Bottom):
		m.viewport.GotoBottom()
		m.trackScroll()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// loadPage pages past the window edge when there is more to load.
func (m Model) loadPage(older bool) (tea.Model, tea.Cmd) {
	view := m.sess.View()
	if m.busy || (older && !view.HasOlder()) || (!older && !view.HasNewer()) {
		return m, nil
	}
	m.busy = true
	n, timeout := m.pageSize, m.timeout
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		var (
			loaded int
			err    error
		)
		if older {
			loaded, err = view.LoadOlder(ctx, n)
		} else {
			loaded, err = view.LoadNewer(ctx, n)
		}
		return PageLoadedMsg{Older: older, Loaded: loaded, Err: err}
	}
}

// trackScroll tells the window whether the viewport sits at the tail.
func (m *Model) trackScroll() {
	m.sess.View().UpdateScroll(m.viewport.YOffset, m.viewport.Height, m.viewport.TotalLineCount())
}

// =============================================================================
// ACTION COMMANDS
// =============================================================================

func (m Model) action(op string, fn func(ctx context.Context) error) tea.Cmd {
	actions, timeout := m.actions, m.timeout
	if actions == nil {
		return func() tea.Msg { return ActionResultMsg{Op: op, Err: fmt.Errorf("read-only view")} }
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return ActionResultMsg{Op: op, Err: fn(ctx)}
	}
}

func (m Model) appendCmd(text string) tea.Cmd {
	return m.action("send", func(ctx context.Context) error {
		_, _, err := m.actions.Append(ctx, model.RoleUser, text, nil, true)
		return err
	})
}

func (m Model) regenerateCmd(index int) tea.Cmd {
	return m.action("regenerate", func(ctx context.Context) error {
		_, err := m.actions.Regenerate(ctx, index)
		return err
	})
}

func (m Model) stopCmd(id string) tea.Cmd {
	return m.action("stop", func(ctx context.Context) error {
		return m.actions.Stop(ctx, id)
	})
}

func (m Model) deleteCmd(index int) tea.Cmd {
	return m.action("delete", func(ctx context.Context) error {
		_, err := m.actions.Delete(ctx, index)
		return err
	})
}
