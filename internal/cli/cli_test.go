// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-live/internal/config"
	"github.com/jeranaias/rigrun-live/internal/generate"
	"github.com/jeranaias/rigrun-live/internal/model"
	"github.com/jeranaias/rigrun-live/internal/producer"
	"github.com/jeranaias/rigrun-live/internal/server"
	"github.com/jeranaias/rigrun-live/internal/store"
	"github.com/jeranaias/rigrun-live/internal/transport"
)

// run executes the root command with args and returns its stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"RIGRUN_LIVE_ADDR", "RIGRUN_LIVE_SERVER_URL", "RIGRUN_LIVE_MODEL",
		"RIGRUN_LIVE_GENERATION_URL", "RIGRUN_LIVE_API_KEY", "RIGRUN_LIVE_STORE",
		"RIGRUN_LIVE_STORE_PATH", "RIGRUN_LIVE_LOG_LEVEL", "RIGRUN_LIVE_THEME",
	} {
		t.Setenv(k, "")
	}
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := NewRootCommand()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "chat", "repl", "export", "config", "version"} {
		require.Contains(t, names, want)
	}
	require.NotNil(t, root.PersistentFlags().Lookup("config"))
	require.NotNil(t, root.PersistentFlags().Lookup("log-level"))
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	require.Contains(t, out, "rigrun-live "+Version)
	require.Contains(t, out, "platform:")

	out, err = run(t, "version", "--json")
	require.NoError(t, err)
	var info VersionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	require.Equal(t, CurrentVersion(), info)
}

func TestConfigCommands(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	out, err := run(t, "--config", path, "config", "path")
	require.NoError(t, err)
	require.Equal(t, path, strings.TrimSpace(out))

	// An explicit --config must exist for commands that load it.
	_, err = run(t, "--config", path, "config", "show")
	require.Error(t, err)

	// set creates the file from defaults.
	out, err = run(t, "--config", path, "config", "set", "reveal.divisor", "8")
	require.NoError(t, err)
	require.Contains(t, out, "reveal.divisor = 8")

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	out, err = run(t, "--config", path, "config", "get", "reveal.divisor")
	require.NoError(t, err)
	require.Equal(t, "8", strings.TrimSpace(out))

	_, err = run(t, "--config", path, "config", "set", "generation.paths", "/a,/b")
	require.NoError(t, err)
	out, err = run(t, "--config", path, "config", "get", "generation.paths")
	require.NoError(t, err)
	require.Equal(t, "/a,/b", strings.TrimSpace(out))

	// Invalid values are rejected and the file is left alone.
	_, err = run(t, "--config", path, "config", "set", "reveal.divisor", "0")
	require.Error(t, err)
	cfg, err := config.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Reveal.Divisor)

	_, err = run(t, "--config", path, "config", "get", "reveal.nope")
	require.Error(t, err)

	out, err = run(t, "--config", path, "config", "show")
	require.NoError(t, err)
	require.Contains(t, out, `"divisor": 8`)
}

func TestConfigInit(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")

	_, err := run(t, "--config", path, "config", "init")
	require.NoError(t, err)
	cfg, err := config.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)

	_, err = run(t, "--config", path, "config", "init")
	require.Error(t, err)
	_, err = run(t, "--config", path, "config", "init", "--force")
	require.NoError(t, err)
}

func TestConfigKeys(t *testing.T) {
	out, err := run(t, "config", "keys")
	require.NoError(t, err)
	require.Contains(t, out, "reveal.min_interval_ms")
	require.Contains(t, out, "server.addr")
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		name    string
		cfg     config.StoreConfig
		wantErr bool
	}{
		{"memory", config.StoreConfig{Driver: "memory"}, false},
		{"default driver", config.StoreConfig{}, false},
		{"memory snapshot", config.StoreConfig{Driver: "memory", Path: filepath.Join(dir, "log.json")}, false},
		{"sqlite", config.StoreConfig{Driver: "sqlite", Path: filepath.Join(dir, "log.db")}, false},
		{"unknown", config.StoreConfig{Driver: "redis"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := openStore(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				require.Nil(t, st)
				return
			}
			require.NoError(t, err)
			defer st.Close()

			_, err = st.Append(ctx, model.NewUserEntry("hello"))
			require.NoError(t, err)
			n, err := st.Length(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, n)
		})
	}
}

func TestOpenStore_SnapshotPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "log.json")

	st, err := openStore(config.StoreConfig{Driver: "memory", Path: path})
	require.NoError(t, err)
	_, err = st.Append(ctx, model.NewUserEntry("kept"))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	reopened, err := store.NewMemoryStoreFromSnapshot(path)
	require.NoError(t, err)
	defer reopened.Close()
	n, err := reopened.Length(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestParseReplCommand(t *testing.T) {
	tests := []struct {
		input   string
		name    string
		arg     int
		wantErr bool
	}{
		{"/quit", "quit", -1, false},
		{"/EXIT", "exit", -1, false},
		{"/help", "help", -1, false},
		{"/stop", "stop", -1, false},
		{"/stop 3", "", 0, true},
		{"/history", "history", -1, false},
		{"/history 5", "history", 5, false},
		{"/history x", "", 0, true},
		{"/regen", "regen", -1, false},
		{"/regen 2", "regen", 2, false},
		{"/regen -1", "", 0, true},
		{"/delete 4", "delete", 4, false},
		{"/delete", "", 0, true},
		{"/delete 1 2", "", 0, true},
		{"/", "", 0, true},
		{"/frobnicate", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			cmd := parseReplCommand(tt.input)
			if tt.wantErr {
				require.Error(t, cmd.err)
				return
			}
			require.NoError(t, cmd.err)
			require.Equal(t, tt.name, cmd.name)
			require.Equal(t, tt.arg, cmd.arg)
		})
	}
}

func TestRenderStyle(t *testing.T) {
	got := renderStyle("dark")
	if colorOutput() {
		require.Equal(t, "dark", got)
		require.Equal(t, "auto", renderStyle(""))
	} else {
		require.Equal(t, "notty", got)
	}
}

func TestExportCommand(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())
	ctx := context.Background()

	st := store.NewMemoryStore()
	for _, e := range []model.Entry{
		model.NewUserEntry("Write a haiku"),
		model.NewEntry(model.RoleAssistant, "leaves fall on the log"),
	} {
		_, err := st.Append(ctx, e)
		require.NoError(t, err)
	}
	hub := transport.NewHub(zap.NewNop(), transport.HubOptions{})
	svc := producer.NewService(st, generate.NewHTTPSource(generate.DefaultConfig(), zap.NewNop()), hub, zap.NewNop(), producer.Options{})
	ts := httptest.NewServer(server.New(svc, hub, zap.NewNop(), server.Options{RateLimit: -1}).Handler())
	t.Cleanup(func() {
		ts.Close()
		svc.Close()
		hub.Close()
	})

	out := filepath.Join(t.TempDir(), "log.md")
	_, err := run(t, "export", "--server", ts.URL, "--output", out)
	require.NoError(t, err)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Contains(t, string(data), "# Write a haiku")
	require.Contains(t, string(data), "leaves fall on the log")

	dir := t.TempDir()
	_, err = run(t, "export", "--server", ts.URL, "--format", "json", "--dir", dir)
	require.NoError(t, err)
	matches, err := filepath.Glob(filepath.Join(dir, "conversation_Write_a_haiku_*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	_, err = run(t, "export", "--server", ts.URL, "--format", "pdf")
	require.Error(t, err)
}
