// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session is the consuming side of the live log.
//
// A Session owns one instance of every client-side component and wires them
// in event order:
//
//	transport.Conn → sequencer → diff.Applier → reveal.Scheduler → window.View
//
// Adds and deletes reshape the window as soon as they arrive, in channel
// order. Work on an entry's content is queued per entry id, so updates to one
// entry apply strictly in arrival order while different entries proceed
// concurrently. Refills and timeline reloads share one log-wide key.
//
// # Usage
//
//	sess := session.New(client, logger, session.Options{Renderer: r})
//	defer sess.Close()
//	if err := sess.Load(ctx); err != nil { ... }
//	go sess.Run(ctx, "ws://localhost:8787/v1/stream", nil)
//
// # Resync
//
// Slices are never retransmitted. A stream update that does not line up with
// the local text refetches the entry and continues from it. Every
// (re)connect starts with a timeline_info event, which reloads the window.
package session
