// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-live/internal/config"
	"github.com/jeranaias/rigrun-live/internal/logging"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// =============================================================================
// ROOT COMMAND
// =============================================================================

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	logLevel   string
}

// Execute builds the command tree and runs it with ctx.
func Execute(ctx context.Context) error {
	root := NewRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("Error:"), err)
		return err
	}
	return nil
}

// NewRootCommand returns the rigrun-live root command.
func NewRootCommand() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "rigrun-live",
		Short: "Live streaming conversation log",
		Long: "rigrun-live serves a conversation log whose assistant replies stream in as " +
			"they are generated, and follows it from the terminal with paced, formatted reveal.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default ~/.rigrun-live/config.toml)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	root.AddCommand(
		newServeCommand(g),
		newChatCommand(g),
		newReplCommand(g),
		newExportCommand(g),
		newConfigCommand(g),
		newVersionCommand(),
	)
	return root
}

// =============================================================================
// SHARED SETUP
// =============================================================================

// resolvePath returns the config file the command works with.
func (g *globalFlags) resolvePath() (string, error) {
	if g.configPath != "" {
		return g.configPath, nil
	}
	return config.ConfigPath()
}

// loadConfig loads the config file when it exists, defaults otherwise, and
// applies the global flag overrides. It also returns the resolved path.
func (g *globalFlags) loadConfig() (*config.Config, string, error) {
	path, err := g.resolvePath()
	if err != nil {
		return nil, "", err
	}

	var cfg *config.Config
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		if g.configPath != "" {
			return nil, "", fmt.Errorf("config file not found: %s", path)
		}
		cfg = config.Default()
		cfg.ApplyEnvOverrides()
	} else {
		if cfg, err = config.LoadFromPath(path); err != nil {
			return nil, "", err
		}
	}

	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}
	return cfg, path, nil
}

// newLogger builds the zap logger. Interactive commands own the terminal, so
// their logs go to a file unless one is configured explicitly.
func newLogger(cfg *config.Config, interactive bool) (*zap.Logger, error) {
	opts := cfg.LoggingOptions()
	if interactive && (opts.Path == "" || opts.Path == "stderr" || opts.Path == "stdout") {
		path, err := config.DefaultLogPath()
		if err != nil {
			return nil, err
		}
		opts.Path = path
	}
	return logging.New(opts)
}

// fileExists reports whether path names an existing file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
