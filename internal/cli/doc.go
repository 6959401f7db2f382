// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides the rigrun-live command tree.
//
// # Commands Overview
//
//   - serve: run the log server (HTTP mutations, websocket event channel)
//   - chat: full-screen viewer and editor for a running server
//   - repl: line-mode client for terminals without full-screen support
//   - export: write the log to a Markdown or JSON file
//   - config: show, get, set and initialize the configuration file
//   - version: print build information
//
// Every command reads ~/.rigrun-live/config.toml (or --config), applies
// RIGRUN_LIVE_* environment overrides, and then its own flags.
//
// # Usage
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer stop()
//	if err := cli.Execute(ctx); err != nil {
//	    os.Exit(1)
//	}
package cli
