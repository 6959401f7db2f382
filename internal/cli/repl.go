// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-live/internal/config"
	"github.com/jeranaias/rigrun-live/internal/model"
	"github.com/jeranaias/rigrun-live/internal/render"
	"github.com/jeranaias/rigrun-live/internal/reveal"
	"github.com/jeranaias/rigrun-live/internal/session"
	"github.com/jeranaias/rigrun-live/internal/util"
)

func newReplCommand(g *globalFlags) *cobra.Command {
	var opts consumerOptions
	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Line-mode client",
		Long: "Talk to a running rigrun-live server one line at a time. Replies are " +
			"revealed as plain text; documents are printed once complete.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepl(cmd.Context(), g, opts)
		},
	}
	opts.register(cmd)
	return cmd
}

// =============================================================================
// INPUT HISTORY
// =============================================================================

// lineReader provides input history and line editing.
type lineReader struct {
	line        *liner.State
	historyFile string
}

func newLineReader() *lineReader {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}
	r := &lineReader{line: line, historyFile: filepath.Join(configDir, "repl_history")}
	if f, err := os.Open(r.historyFile); err == nil {
		_, _ = r.line.ReadHistory(f)
		f.Close()
	}
	return r
}

// Read reads a line with the given prompt.
func (r *lineReader) Read(prompt string) (string, error) {
	input, err := r.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		r.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves history with owner-only permissions and restores the terminal.
func (r *lineReader) Close() {
	if err := os.MkdirAll(filepath.Dir(r.historyFile), 0700); err == nil {
		if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			_, _ = r.line.WriteHistory(f)
			f.Close()
		}
	}
	r.line.Close()
}

// =============================================================================
// COMMANDS
// =============================================================================

// replCommand is a parsed slash command.
type replCommand struct {
	name string
	arg  int
	err  error
}

// parseReplCommand parses "/name [n]". Commands taking an index default to
// -1, meaning the newest matching entry.
func parseReplCommand(input string) replCommand {
	fields := strings.Fields(strings.TrimPrefix(input, "/"))
	if len(fields) == 0 {
		return replCommand{err: errors.New("empty command")}
	}
	cmd := replCommand{name: strings.ToLower(fields[0]), arg: -1}
	switch cmd.name {
	case "quit", "exit", "help", "stop":
		if len(fields) > 1 {
			cmd.err = fmt.Errorf("/%s takes no arguments", cmd.name)
		}
	case "history", "regen", "delete":
		if len(fields) > 2 {
			cmd.err = fmt.Errorf("/%s takes at most one argument", cmd.name)
			break
		}
		if len(fields) == 2 {
			n, err := strconv.Atoi(fields[1])
			if err != nil || n < 0 {
				cmd.err = fmt.Errorf("/%s: %q is not a valid number", cmd.name, fields[1])
				break
			}
			cmd.arg = n
		}
		if cmd.name == "delete" && cmd.arg < 0 {
			cmd.err = errors.New("/delete needs an entry index")
		}
	default:
		cmd.err = fmt.Errorf("unknown command /%s (try /help)", cmd.name)
	}
	return cmd
}

const replHelp = `Commands:
  /history [n]   show the last n entries (default 10)
  /regen [i]     regenerate entry i (default: newest assistant entry)
  /stop          stop the running generation
  /delete i      delete entry i
  /help          show this help
  /quit          exit`

// =============================================================================
// REPL
// =============================================================================

const (
	replyPoll          = 50 * time.Millisecond
	replyAppearTimeout = 10 * time.Second
)

type repl struct {
	*consumer
	sess *session.Session
	out  io.Writer
}

func runRepl(ctx context.Context, g *globalFlags, o consumerOptions) error {
	c, err := newConsumer(g, o)
	if err != nil {
		return err
	}
	defer c.logger.Sync() //nolint:errcheck

	driver := reveal.NewTickerDriver(c.cfg.TickInterval())
	sess := c.session(driver, render.NewPlain(os.Stdout, terminalWidth()))
	defer sess.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		_ = sess.Run(ctx, c.client.StreamURL(), nil)
	}()
	go c.watch(ctx, sess, o.noWatch)

	r := &repl{consumer: c, sess: sess, out: os.Stdout}
	if _, err := c.client.Health(ctx); err != nil {
		return fmt.Errorf("cannot reach %s: %w", c.cfg.Client.ServerURL, err)
	}
	fmt.Fprintln(r.out, titleStyle.Render("rigrun-live")+" "+infoStyle.Render(c.cfg.Client.ServerURL+"  (/help for commands)"))

	input := newLineReader()
	defer input.Close()

	for {
		line, err := input.Read(promptStyle.Render("live> "))
		if err != nil {
			// Ctrl+C, Ctrl+D or a closed stdin all end the session.
			fmt.Fprintln(r.out)
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			cmd := parseReplCommand(line)
			if cmd.err != nil {
				r.errorf("%v", cmd.err)
				continue
			}
			if cmd.name == "quit" || cmd.name == "exit" {
				return nil
			}
			r.command(ctx, cmd)
			continue
		}

		_, reply, err := c.client.Append(ctx, model.RoleUser, line, nil, true)
		if err != nil {
			r.errorf("send failed: %v", err)
			continue
		}
		if reply != nil {
			r.follow(ctx, reply.ID)
		}
	}
}

func (r *repl) errorf(format string, args ...any) {
	fmt.Fprintln(r.out, errorStyle.Render("[Error]")+" "+fmt.Sprintf(format, args...))
}

func (r *repl) command(ctx context.Context, cmd replCommand) {
	switch cmd.name {
	case "help":
		fmt.Fprintln(r.out, replHelp)

	case "history":
		n := cmd.arg
		if n < 0 {
			n = 10
		}
		r.history(n)

	case "regen":
		index := cmd.arg
		if index < 0 {
			e, ok := r.newest(func(e model.Entry) bool { return e.Role == model.RoleAssistant })
			if !ok {
				r.errorf("no assistant entry to regenerate")
				return
			}
			index = e.Index
		}
		e, err := r.client.Regenerate(ctx, index)
		if err != nil {
			r.errorf("regenerate failed: %v", err)
			return
		}
		r.follow(ctx, e.ID)

	case "stop":
		e, ok := r.newest(func(e model.Entry) bool { return e.InProgress })
		if !ok {
			r.errorf("no generation in progress")
			return
		}
		if err := r.client.Stop(ctx, e.ID); err != nil {
			r.errorf("stop failed: %v", err)
		}

	case "delete":
		e, err := r.client.Delete(ctx, cmd.arg)
		if err != nil {
			r.errorf("delete failed: %v", err)
			return
		}
		fmt.Fprintln(r.out, successStyle.Render("Deleted")+" "+infoStyle.Render(e.Preview(60)))
	}
}

// newest returns the newest materialized entry matching keep.
func (r *repl) newest(keep func(model.Entry) bool) (model.Entry, bool) {
	items := r.sess.View().Items()
	for i := len(items) - 1; i >= 0; i-- {
		if keep(items[i]) {
			return items[i], true
		}
	}
	return model.Entry{}, false
}

func (r *repl) history(n int) {
	items := r.sess.View().Items()
	if len(items) > n {
		items = items[len(items)-n:]
	}
	if len(items) == 0 {
		fmt.Fprintln(r.out, infoStyle.Render("No entries."))
		return
	}
	for _, e := range items {
		label := fmt.Sprintf("[%d] %s:", e.Index, e.Role.DisplayName())
		text := util.TruncateRunes(strings.ReplaceAll(r.sess.Display(e), "\n", " "), terminalWidth()-len(label)-1)
		fmt.Fprintln(r.out, titleStyle.Render(label)+" "+text)
	}
}

// follow blocks while entry id streams, so its revealed text is not
// interleaved with the prompt. Ctrl+C stops the generation.
func (r *repl) follow(ctx context.Context, id string) {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	if !r.waitForReply(sigCtx, id) && ctx.Err() == nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.client.Stop(stopCtx, id); err != nil {
			r.logger.Debug("stop after interrupt failed", zap.Error(err))
		}
		fmt.Fprintln(r.out, "\n"+warningStyle.Render("[Stopped]"))
	}
}

// waitForReply polls the window until entry id is complete and fully
// revealed, or deleted. It returns false if ctx ended first.
func (r *repl) waitForReply(ctx context.Context, id string) bool {
	t := time.NewTicker(replyPoll)
	defer t.Stop()
	deadline := time.Now().Add(replyAppearTimeout)
	seen := false
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
		e, ok := r.sess.View().Get(id)
		if !ok {
			if seen || time.Now().After(deadline) {
				return true
			}
			continue
		}
		seen = true
		if !e.InProgress && !r.sess.Revealing(id) {
			if e.Error != "" {
				r.errorf("generation failed: %s", e.Error)
			}
			return true
		}
	}
}
