// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/rigrun-live/internal/config"
	"github.com/jeranaias/rigrun-live/internal/generate"
	"github.com/jeranaias/rigrun-live/internal/producer"
	"github.com/jeranaias/rigrun-live/internal/server"
	"github.com/jeranaias/rigrun-live/internal/store"
	"github.com/jeranaias/rigrun-live/internal/transport"
)

type serveOptions struct {
	addr      string
	driver    string
	storePath string
	model     string
	noWatch   bool
}

func newServeCommand(g *globalFlags) *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the log server",
		Long: "Serve the conversation log over HTTP and stream its changes to " +
			"connected consumers over a websocket channel.",
		Example: "  rigrun-live serve\n" +
			"  rigrun-live serve --addr 0.0.0.0:8787 --store sqlite --store-path ~/.rigrun-live/log.db",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), g, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", "", "listen address (overrides server.addr)")
	f.StringVar(&opts.driver, "store", "", "log store: memory or sqlite (overrides store.driver)")
	f.StringVar(&opts.storePath, "store-path", "", "sqlite database or memory snapshot file (overrides store.path)")
	f.StringVar(&opts.model, "model", "", "generation model (overrides generation.model)")
	f.BoolVar(&opts.noWatch, "no-watch", false, "do not reload the config file when it changes")
	return cmd
}

func runServe(ctx context.Context, g *globalFlags, o serveOptions) error {
	cfg, path, err := g.loadConfig()
	if err != nil {
		return err
	}
	if o.addr != "" {
		cfg.Server.Addr = o.addr
	}
	if o.driver != "" {
		cfg.Store.Driver = o.driver
	}
	if o.storePath != "" {
		cfg.Store.Path = o.storePath
	}
	if o.model != "" {
		cfg.Generation.Model = o.model
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger(cfg, false)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	st, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close store", zap.Error(err))
		}
	}()

	src := generate.NewHTTPSource(cfg.GenerateConfig(), logger)
	hub := transport.NewHub(logger, transport.HubOptions{})
	svc := producer.NewService(st, src, hub, logger, cfg.ProducerOptions())
	defer svc.Close()
	srv := server.New(svc, hub, logger, cfg.ServerOptions())

	logger.Info("starting rigrun-live server",
		zap.String("version", Version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("store", cfg.Store.Driver),
		zap.String("model", cfg.Generation.Model))

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return srv.Run(gctx)
	})
	if !o.noWatch && fileExists(path) {
		eg.Go(func() error {
			err := config.Watch(gctx, path, config.DefaultDebounce, logger, func(next *config.Config) {
				svc.SetFlushRate(next.Generation.BatchSize, next.Generation.MaxFPS)
			})
			if err != nil {
				logger.Warn("config watch disabled", zap.Error(err))
			}
			return nil
		})
	}
	return eg.Wait()
}

// openStore opens the configured log store.
func openStore(cfg config.StoreConfig) (store.LogStore, error) {
	switch cfg.Driver {
	case "sqlite":
		st, err := store.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "memory", "":
		if cfg.Path == "" {
			return store.NewMemoryStore(), nil
		}
		st, err := store.NewMemoryStoreFromSnapshot(cfg.Path)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
