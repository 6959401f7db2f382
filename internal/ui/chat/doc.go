// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat provides the Bubble Tea view of a live conversation log.
//
// The model shows the entries materialized by a session.Session, revealing
// streaming entries frame by frame, and sends edits back to the producer
// through an Actions implementation (usually *client.Client).
//
// # Wiring
//
// Events reach the model from goroutines outside the Bubble Tea loop: the
// window changes, the renderer finishes a frame, the connection state flips.
// All of them poke a Notifier, which coalesces pokes into one repaint message.
// Reveal ticks come from a reveal.TeaDriver whose first tick is delivered with
// (*tea.Program).Send and whose later ticks are scheduled by Update through
// TeaDriver.Next. A tick from a chain that has since been restarted is dropped.
//
//	driver := reveal.NewTeaDriver(interval, nil)
//	sess := session.New(c, logger, session.Options{Driver: driver, Renderer: renderer})
//	m := chat.New(chat.Options{Session: sess, Actions: c, Formatter: renderer, Driver: driver})
//	p := tea.NewProgram(m, tea.WithAltScreen())
//	driver.SetSend(p.Send)
//
// # Key Bindings
//
//	Enter       send the input as a user entry and generate a reply
//	Ctrl+P/N    select the previous/next entry
//	Ctrl+R      regenerate the selected assistant entry
//	Ctrl+X      stop the selected (or latest) generation
//	Ctrl+D      delete the selected entry
//	PgUp/PgDn   scroll; paging past the window loads older/newer entries
//	Esc         clear the selection
//	Ctrl+C      quit
package chat
