// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	tea "github.com/charmbracelet/bubbletea"
)

// RefreshMsg asks the model to rebuild its content.
type RefreshMsg struct{}

// Notifier coalesces repaint requests from other goroutines. Notify never
// blocks, so it is safe to call from callbacks that run inside Update.
type Notifier struct {
	ch chan struct{}
}

// NewNotifier creates a Notifier.
func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{}, 1)}
}

// Notify requests a repaint. Requests made before the model picks up the
// pending one are merged into it.
func (n *Notifier) Notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// Wait returns a command that delivers RefreshMsg once a repaint has been
// requested. The model re-issues it after every RefreshMsg.
func (n *Notifier) Wait() tea.Cmd {
	return func() tea.Msg {
		<-n.ch
		return RefreshMsg{}
	}
}
