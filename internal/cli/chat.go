// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/rigrun-live/internal/client"
	"github.com/jeranaias/rigrun-live/internal/config"
	"github.com/jeranaias/rigrun-live/internal/render"
	"github.com/jeranaias/rigrun-live/internal/reveal"
	"github.com/jeranaias/rigrun-live/internal/session"
	"github.com/jeranaias/rigrun-live/internal/ui/chat"
	"github.com/jeranaias/rigrun-live/internal/ui/styles"
)

type consumerOptions struct {
	server  string
	noWatch bool
}

func (o *consumerOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.server, "server", "", "server URL (overrides client.server_url)")
	cmd.Flags().BoolVar(&o.noWatch, "no-watch", false, "do not reload the config file when it changes")
}

func newChatCommand(g *globalFlags) *cobra.Command {
	var opts consumerOptions
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open the full-screen log viewer",
		Long: "Follow a running rigrun-live server in a full-screen view. Replies are " +
			"revealed as they stream in; entries can be sent, regenerated, stopped and deleted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !interactive() {
				return errors.New("chat needs an interactive terminal; use 'rigrun-live repl' instead")
			}
			return runChat(cmd.Context(), g, opts)
		},
	}
	opts.register(cmd)
	return cmd
}

// consumer bundles what the chat and repl commands share.
type consumer struct {
	cfg    *config.Config
	path   string
	logger *zap.Logger
	client *client.Client
}

func newConsumer(g *globalFlags, o consumerOptions) (*consumer, error) {
	cfg, path, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	if o.server != "" {
		cfg.Client.ServerURL = o.server
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	logger, err := newLogger(cfg, true)
	if err != nil {
		return nil, err
	}
	c := client.New(client.Config{
		BaseURL: cfg.Client.ServerURL,
		Timeout: time.Duration(cfg.Client.TimeoutSecs) * time.Second,
	})
	return &consumer{cfg: cfg, path: path, logger: logger, client: c}, nil
}

// session builds a session reading from the server.
func (c *consumer) session(driver reveal.Driver, renderer reveal.Renderer) *session.Session {
	base, ceiling := c.cfg.ReconnectBackoff()
	return session.New(c.client, c.logger, session.Options{
		Window:        c.cfg.WindowOptions(),
		Reveal:        c.cfg.RevealOptions(),
		Driver:        driver,
		Renderer:      renderer,
		ReconnectBase: base,
		ReconnectMax:  ceiling,
	})
}

// watch applies the live-reloadable sections of the config to sess until ctx
// is done.
func (c *consumer) watch(ctx context.Context, sess *session.Session, noWatch bool) {
	if noWatch || !fileExists(c.path) {
		return
	}
	err := config.Watch(ctx, c.path, config.DefaultDebounce, c.logger, func(next *config.Config) {
		applyLive(sess, next)
	})
	if err != nil {
		c.logger.Warn("config watch disabled", zap.Error(err))
	}
}

// applyLive applies the reveal and window sections of cfg to a running
// session.
func applyLive(sess *session.Session, cfg *config.Config) {
	ro := cfg.RevealOptions()
	sess.Scheduler().SetIntervals(ro.MinInterval, ro.DocumentInterval)
	sess.View().SetLoadLimit(cfg.Window.LoadLimit)
}

func runChat(ctx context.Context, g *globalFlags, o consumerOptions) error {
	c, err := newConsumer(g, o)
	if err != nil {
		return err
	}
	defer c.logger.Sync() //nolint:errcheck

	renderer, err := render.New(render.Options{
		Width: c.cfg.UI.Width,
		Style: renderStyle(c.cfg.UI.Theme),
	}, c.logger)
	if err != nil {
		return err
	}

	driver := reveal.NewTeaDriver(c.cfg.TickInterval(), nil)
	sess := c.session(driver, renderer)
	defer sess.Close()

	theme := styles.NewTheme()
	if c.cfg.UI.Theme == render.StyleNoTTY || !colorOutput() {
		theme = styles.NewThemeFor(termenv.Ascii, true)
	}

	notifier := chat.NewNotifier()
	renderer.OnUpdate(func(string) { notifier.Notify() })
	m := chat.New(chat.Options{
		Session:   sess,
		Actions:   c.client,
		Formatter: renderer,
		Driver:    driver,
		Notifier:  notifier,
		Theme:     theme,
		PageSize:  c.cfg.Window.PageSize,
	})

	p := tea.NewProgram(m, tea.WithAltScreen())
	driver.SetSend(p.Send)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return sess.Run(gctx, c.client.StreamURL(), nil)
	})
	eg.Go(func() error {
		c.watch(gctx, sess, o.noWatch)
		return nil
	})
	eg.Go(func() error {
		<-gctx.Done()
		p.Quit()
		return nil
	})
	eg.Go(func() error {
		defer cancel()
		_, err := p.Run()
		return err
	})
	return eg.Wait()
}
