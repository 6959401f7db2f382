// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/rigrun-live/internal/model"
	"github.com/jeranaias/rigrun-live/internal/session"
	"github.com/jeranaias/rigrun-live/internal/util"
)

// =============================================================================
// CONTENT
// =============================================================================

// refresh rebuilds the viewport content from the window. A viewport pinned
// at the tail follows new content.
func (m *Model) refresh() {
	if !m.ready {
		return
	}
	view := m.sess.View()
	m.viewport.SetContent(m.renderEntries())
	if view.Pinned() {
		m.viewport.GotoBottom()
	}
	m.trackScroll()
}

func (m Model) hasInProgress() bool {
	for _, e := range m.entries() {
		if e.InProgress || m.sess.Revealing(e.ID) {
			return true
		}
	}
	return false
}

func (m Model) renderEntries() string {
	view := m.sess.View()
	items := view.Items()
	if len(items) == 0 {
		if !view.Loaded() {
			return m.theme.Timestamp.Render("Loading...")
		}
		return m.theme.Timestamp.Render("No entries yet.")
	}

	var b strings.Builder
	if view.HasOlder() {
		b.WriteString(m.theme.Timestamp.Render(fmt.Sprintf("... %d older entries (PgUp)", view.Offset()-view.Shift())))
		b.WriteString("\n\n")
	}
	for i, e := range items {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.renderEntry(e))
		b.WriteString("\n")
	}
	if view.HasNewer() {
		b.WriteString("\n")
		b.WriteString(m.theme.Timestamp.Render("... newer entries (PgDn)"))
	}
	return b.String()
}

// renderEntry renders one entry: a header line, the formatted body and the
// attachment list.
func (m Model) renderEntry(e model.Entry) string {
	var b strings.Builder

	label := m.theme.RoleLabel(string(e.Role)).Render(e.Role.DisplayName())
	if e.ID == m.selected {
		label = m.theme.Selected.Render("> ") + label
	}
	header := []string{label}
	if !e.Timestamp.IsZero() {
		header = append(header, m.theme.Timestamp.Render(e.Timestamp.Local().Format("15:04:05")))
	}
	switch {
	case e.InProgress || m.sess.Revealing(e.ID):
		header = append(header, m.theme.Streaming.Render(m.spinner.View()+" streaming"))
	case e.Error != "":
		header = append(header, m.theme.Failed.Render("failed"))
	case e.Stopped:
		header = append(header, m.theme.Stopped.Render("stopped"))
	}
	b.WriteString(strings.Join(header, " "))
	b.WriteString("\n")

	text := m.sess.Display(e)
	if text != "" {
		b.WriteString(strings.TrimRight(m.formatter.Lookup(e.ID, text), "\n"))
		b.WriteString("\n")
	}
	if e.Error != "" {
		b.WriteString(m.theme.Failed.Render("error: " + e.Error))
		b.WriteString("\n")
	}
	for _, a := range e.Attachments {
		name := a.Name
		if name == "" {
			name = a.URL
		}
		b.WriteString(m.theme.Attachment.Render(fmt.Sprintf("[%s: %s]", a.Kind, util.TruncateRunes(name, 60))))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// =============================================================================
// VIEW
// =============================================================================

// View renders the model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "Initializing..."
	}

	separator := m.theme.Separator.Render(strings.Repeat("─", max(m.width, 1)))
	notice := ""
	if m.notice != "" {
		notice = m.theme.Notice.Render(util.TruncateWidth(m.notice, max(m.width-1, 1)))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.viewport.View(),
		notice,
		separator,
		m.input.View(),
		m.renderStatusBar(),
	)
}

func (m Model) renderStatusBar() string {
	var state string
	switch st := m.sess.Status(); st {
	case session.StatusConnected:
		state = m.theme.Connected.Render("● " + st.String())
	case session.StatusConnecting:
		state = m.theme.Connecting.Render("● " + st.String())
	default:
		state = m.theme.Disconnected.Render("● " + st.String())
	}

	view := m.sess.View()
	parts := []string{state, fmt.Sprintf("%d entries", view.Total())}
	if !view.Pinned() {
		parts = append(parts, "scrolled")
	}
	for _, k := range m.keys.ShortHelp() {
		h := k.Help()
		parts = append(parts, m.theme.ShortcutKey.Render(h.Key)+" "+m.theme.ShortcutDesc.Render(h.Desc))
	}

	line := strings.Join(parts, "  ")
	return m.theme.StatusBar.Width(max(m.width, 1)).MaxHeight(statusBarHeight).Render(line)
}
