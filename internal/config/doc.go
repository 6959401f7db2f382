// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for
// rigrun-live.
//
// Configuration is TOML, with defaults for every field, environment variable
// overrides, and validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - ServerConfig, StoreConfig, GenerationConfig: producer side
//   - ClientConfig, WindowConfig, RevealConfig, UIConfig: consumer side
//   - LoggingConfig: zap logger settings
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (RIGRUN_LIVE_*)
//   - ~/.rigrun-live/config.toml
//   - Built-in defaults
//
// # Hot Reload
//
// Watch follows the config file with fsnotify and hands every valid new
// version to a callback. Consumers apply the reveal and window sections
// live; other sections need a restart.
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	view := window.New(backend, cfg.WindowOptions())
package config
