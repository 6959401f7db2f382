// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/rigrun-live/internal/generate"
	"github.com/jeranaias/rigrun-live/internal/logging"
	"github.com/jeranaias/rigrun-live/internal/producer"
	"github.com/jeranaias/rigrun-live/internal/reveal"
	"github.com/jeranaias/rigrun-live/internal/server"
	"github.com/jeranaias/rigrun-live/internal/util"
	"github.com/jeranaias/rigrun-live/internal/window"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete rigrun-live configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	// Producer side
	Server     ServerConfig     `toml:"server" json:"server"`
	Store      StoreConfig      `toml:"store" json:"store"`
	Generation GenerationConfig `toml:"generation" json:"generation"`

	// Consumer side
	Client ClientConfig `toml:"client" json:"client"`
	Window WindowConfig `toml:"window" json:"window"`
	Reveal RevealConfig `toml:"reveal" json:"reveal"`
	UI     UIConfig     `toml:"ui" json:"ui"`

	Logging LoggingConfig `toml:"logging" json:"logging"`
}

// ServerConfig configures the HTTP and websocket server.
type ServerConfig struct {
	Addr      string  `toml:"addr" json:"addr"`
	RateLimit float64 `toml:"rate_limit" json:"rate_limit"` // requests/sec per client, negative disables
	RateBurst int     `toml:"rate_burst" json:"rate_burst"`
}

// StoreConfig selects the log store.
type StoreConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `toml:"driver" json:"driver"`
	// Path is the SQLite database, or the snapshot file loaded by the memory
	// store when set.
	Path string `toml:"path" json:"path"`
}

// GenerationConfig configures the generation source and token batching.
type GenerationConfig struct {
	BaseURL            string   `toml:"base_url" json:"base_url"`
	Model              string   `toml:"model" json:"model"`
	APIKey             string   `toml:"api_key" json:"api_key"`
	Paths              []string `toml:"paths" json:"paths"`
	ConnectTimeoutSecs int      `toml:"connect_timeout_secs" json:"connect_timeout_secs"`
	Temperature        float64  `toml:"temperature" json:"temperature"`
	ContextEntries     int      `toml:"context_entries" json:"context_entries"`
	BatchSize          int      `toml:"batch_size" json:"batch_size"`
	MaxFPS             int      `toml:"max_fps" json:"max_fps"`
}

// ClientConfig configures how consumers reach the server.
type ClientConfig struct {
	ServerURL        string `toml:"server_url" json:"server_url"`
	TimeoutSecs      int    `toml:"timeout_secs" json:"timeout_secs"`
	ReconnectBaseMs  int    `toml:"reconnect_base_ms" json:"reconnect_base_ms"`
	ReconnectMaxSecs int    `toml:"reconnect_max_secs" json:"reconnect_max_secs"`
}

// WindowConfig configures the windowed log view. Reloaded live.
type WindowConfig struct {
	PageSize  int `toml:"page_size" json:"page_size"`
	MaxItems  int `toml:"max_items" json:"max_items"`
	LoadLimit int `toml:"load_limit" json:"load_limit"` // 0 = unlimited
}

// RevealConfig configures the reveal scheduler. Reloaded live.
type RevealConfig struct {
	MinIntervalMs      int `toml:"min_interval_ms" json:"min_interval_ms"`
	DocumentIntervalMs int `toml:"document_interval_ms" json:"document_interval_ms"`
	Divisor            int `toml:"divisor" json:"divisor"`
	TickMs             int `toml:"tick_ms" json:"tick_ms"`
}

// UIConfig contains terminal UI preferences.
type UIConfig struct {
	Theme string `toml:"theme" json:"theme"` // auto, dark, light, notty
	Width int    `toml:"width" json:"width"` // 0 = terminal width
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
	// Path is a file, "stderr" or "stdout". The TUI defaults to a file under
	// the config directory so the terminal stays owned by the UI.
	Path string `toml:"path" json:"path"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// maxFPSLimit bounds generation.max_fps.
const maxFPSLimit = 60

// Default returns a Config with sensible default values.
func Default() *Config {
	gen := generate.DefaultConfig()
	return &Config{
		Version: "1",
		Server: ServerConfig{
			Addr:      server.DefaultAddr,
			RateLimit: 20,
			RateBurst: 40,
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Generation: GenerationConfig{
			BaseURL:            gen.BaseURL,
			Model:              gen.Model,
			Paths:              append([]string(nil), gen.Paths...),
			ConnectTimeoutSecs: int(gen.ConnectTimeout / time.Second),
			Temperature:        0.7,
			ContextEntries:     50,
			BatchSize:          producer.DefaultBatchSize,
			MaxFPS:             producer.DefaultMaxFPS,
		},
		Client: ClientConfig{
			ServerURL:        "http://" + server.DefaultAddr,
			TimeoutSecs:      15,
			ReconnectBaseMs:  500,
			ReconnectMaxSecs: 10,
		},
		Window: WindowConfig{
			PageSize: window.DefaultPageSize,
			MaxItems: 4 * window.DefaultPageSize,
		},
		Reveal: RevealConfig{
			MinIntervalMs:      int(reveal.DefaultMinInterval / time.Millisecond),
			DocumentIntervalMs: int(reveal.DefaultDocumentInterval / time.Millisecond),
			Divisor:            reveal.DefaultDivisor,
			TickMs:             16,
		},
		UI: UIConfig{
			Theme: "auto",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the rigrun-live configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".rigrun-live"), nil
}

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DefaultLogPath returns the log file used when the UI owns the terminal.
func DefaultLogPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "logs", "rigrun-live.log"), nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the default path, falling back to defaults
// when the file does not exist. Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from a specific file path with full
// validation.
func LoadFromPath(path string) (*Config, error) {
	cfg, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ReadFile decodes path over the defaults, so omitted keys keep their
// default values. Environment overrides and validation are not applied,
// which makes it the right starting point for editing the file.
func ReadFile(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default path.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTo(cfg, path)
}

// SaveTo writes the configuration to path atomically with 0600 permissions.
func SaveTo(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# rigrun-live configuration file\n")
	buf.WriteString("# Generated by rigrun-live - edit with care\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(path, buf.Bytes(), 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every section and returns ValidateErrors listing all
// problems found.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Server
	if c.Server.Addr == "" {
		add("server.addr", "must not be empty")
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		add("server.rate_burst", "must be at least 1 when rate limiting is enabled")
	}

	// Store
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			add("store.path", "required for the sqlite driver")
		}
	default:
		add("store.driver", "invalid driver '%s', must be one of: memory, sqlite", c.Store.Driver)
	}

	// Generation
	if err := validateHTTPURL(c.Generation.BaseURL); err != nil {
		add("generation.base_url", "%v", err)
	}
	for _, p := range c.Generation.Paths {
		if !strings.HasPrefix(p, "/") {
			add("generation.paths", "path '%s' must start with /", p)
		}
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		add("generation.temperature", "must be between 0 and 2, got %g", c.Generation.Temperature)
	}
	if c.Generation.BatchSize < 1 || c.Generation.BatchSize > 100 {
		add("generation.batch_size", "must be between 1 and 100, got %d", c.Generation.BatchSize)
	}
	if c.Generation.MaxFPS < 1 || c.Generation.MaxFPS > maxFPSLimit {
		add("generation.max_fps", "must be between 1 and %d, got %d", maxFPSLimit, c.Generation.MaxFPS)
	}
	if c.Generation.ContextEntries < 0 {
		add("generation.context_entries", "must not be negative")
	}

	// Client
	if err := validateHTTPURL(c.Client.ServerURL); err != nil {
		add("client.server_url", "%v", err)
	}
	if c.Client.ReconnectBaseMs < 1 {
		add("client.reconnect_base_ms", "must be positive")
	}
	if c.Client.ReconnectMaxSecs < 1 {
		add("client.reconnect_max_secs", "must be positive")
	}

	// Window
	if c.Window.PageSize < 1 {
		add("window.page_size", "must be positive")
	}
	if c.Window.MaxItems != 0 && c.Window.MaxItems < c.Window.PageSize {
		add("window.max_items", "must be at least window.page_size (%d)", c.Window.PageSize)
	}
	if c.Window.LoadLimit < 0 {
		add("window.load_limit", "must not be negative")
	}

	// Reveal
	if c.Reveal.MinIntervalMs < 1 {
		add("reveal.min_interval_ms", "must be positive")
	}
	if c.Reveal.DocumentIntervalMs < c.Reveal.MinIntervalMs {
		add("reveal.document_interval_ms", "must be at least reveal.min_interval_ms")
	}
	if c.Reveal.Divisor < 1 {
		add("reveal.divisor", "must be positive")
	}
	if c.Reveal.TickMs < 1 {
		add("reveal.tick_ms", "must be positive")
	}

	// UI
	switch c.UI.Theme {
	case "auto", "dark", "light", "notty":
	default:
		add("ui.theme", "invalid theme '%s', must be one of: auto, dark, light, notty", c.UI.Theme)
	}
	if c.UI.Width < 0 {
		add("ui.width", "must not be negative")
	}

	// Logging
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level", "%v", err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "console":
	default:
		add("logging.format", "invalid format '%s', must be one of: json, console", c.Logging.Format)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL '%s' must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("URL '%s' has no host", raw)
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported variables:
//   - RIGRUN_LIVE_ADDR: overrides server.addr
//   - RIGRUN_LIVE_SERVER_URL: overrides client.server_url
//   - RIGRUN_LIVE_MODEL: overrides generation.model
//   - RIGRUN_LIVE_GENERATION_URL: overrides generation.base_url
//   - RIGRUN_LIVE_API_KEY: overrides generation.api_key
//   - RIGRUN_LIVE_STORE: overrides store.driver
//   - RIGRUN_LIVE_STORE_PATH: overrides store.path
//   - RIGRUN_LIVE_LOG_LEVEL: overrides logging.level
//   - RIGRUN_LIVE_THEME: overrides ui.theme
func (c *Config) ApplyEnvOverrides() {
	overrides := []struct {
		env string
		dst *string
	}{
		{"RIGRUN_LIVE_ADDR", &c.Server.Addr},
		{"RIGRUN_LIVE_SERVER_URL", &c.Client.ServerURL},
		{"RIGRUN_LIVE_MODEL", &c.Generation.Model},
		{"RIGRUN_LIVE_GENERATION_URL", &c.Generation.BaseURL},
		{"RIGRUN_LIVE_API_KEY", &c.Generation.APIKey},
		{"RIGRUN_LIVE_STORE", &c.Store.Driver},
		{"RIGRUN_LIVE_STORE_PATH", &c.Store.Path},
		{"RIGRUN_LIVE_LOG_LEVEL", &c.Logging.Level},
		{"RIGRUN_LIVE_THEME", &c.UI.Theme},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value by its TOML key path
// (e.g., "reveal.min_interval_ms").
func (c *Config) Get(key string) (any, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set assigns a configuration value by its TOML key path. String values are
// converted to the field type.
func (c *Config) Set(key string, value any) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

// lookup walks the struct by toml tags.
func (c *Config) lookup(key string) (reflect.Value, error) {
	if key == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")
	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a section", strings.Join(parts[:i], "."))
		}
		field, ok := fieldByTag(v, part)
		if !ok {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return v, nil
}

func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("toml"), ",")
		if tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue sets a reflect.Value from an any value with type conversion.
func setFieldValue(field reflect.Value, value any) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Float64:
			floatVal, err := strconv.ParseFloat(strVal, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(floatVal)
			return nil
		case reflect.Bool:
			boolVal, err := strconv.ParseBool(strVal)
			if err != nil {
				return fmt.Errorf("invalid boolean value: %v", err)
			}
			field.SetBool(boolVal)
			return nil
		case reflect.Slice:
			if field.Type().Elem().Kind() == reflect.String {
				parts := strings.Split(strVal, ",")
				for i := range parts {
					parts[i] = strings.TrimSpace(parts[i])
				}
				field.Set(reflect.ValueOf(parts))
				return nil
			}
		}
	}

	val := reflect.ValueOf(value)
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// Keys returns every configuration key in dot notation.
func Keys() []string {
	var keys []string
	var walk func(t reflect.Type, prefix string)
	walk = func(t reflect.Type, prefix string) {
		for i := 0; i < t.NumField(); i++ {
			tag, _, _ := strings.Cut(t.Field(i).Tag.Get("toml"), ",")
			if tag == "" || tag == "-" {
				continue
			}
			key := prefix + tag
			if t.Field(i).Type.Kind() == reflect.Struct {
				walk(t.Field(i).Type, key+".")
				continue
			}
			keys = append(keys, key)
		}
	}
	walk(reflect.TypeOf(Config{}), "")
	return keys
}

// =============================================================================
// COMPONENT OPTIONS
// =============================================================================

// ServerOptions returns the server options.
func (c *Config) ServerOptions() server.Options {
	return server.Options{
		Addr:      c.Server.Addr,
		RateLimit: c.Server.RateLimit,
		RateBurst: c.Server.RateBurst,
	}
}

// GenerateConfig returns the generation source configuration.
func (c *Config) GenerateConfig() generate.Config {
	return generate.Config{
		BaseURL:        c.Generation.BaseURL,
		Paths:          append([]string(nil), c.Generation.Paths...),
		Model:          c.Generation.Model,
		APIKey:         c.Generation.APIKey,
		ConnectTimeout: time.Duration(c.Generation.ConnectTimeoutSecs) * time.Second,
	}
}

// ProducerOptions returns the producer service options.
func (c *Config) ProducerOptions() producer.Options {
	return producer.Options{
		BatchSize:      c.Generation.BatchSize,
		MaxFPS:         c.Generation.MaxFPS,
		ContextEntries: c.Generation.ContextEntries,
		Model:          c.Generation.Model,
		Temperature:    c.Generation.Temperature,
	}
}

// WindowOptions returns the window view options.
func (c *Config) WindowOptions() window.Options {
	return window.Options{
		PageSize:  c.Window.PageSize,
		MaxItems:  c.Window.MaxItems,
		LoadLimit: c.Window.LoadLimit,
	}
}

// RevealOptions returns the scheduler options.
func (c *Config) RevealOptions() reveal.Options {
	return reveal.Options{
		MinInterval:      time.Duration(c.Reveal.MinIntervalMs) * time.Millisecond,
		DocumentInterval: time.Duration(c.Reveal.DocumentIntervalMs) * time.Millisecond,
		Divisor:          c.Reveal.Divisor,
	}
}

// TickInterval is the reveal frame interval.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Reveal.TickMs) * time.Millisecond
}

// ReconnectBackoff returns the base and cap of the reconnect backoff.
func (c *Config) ReconnectBackoff() (base, max time.Duration) {
	return time.Duration(c.Client.ReconnectBaseMs) * time.Millisecond,
		time.Duration(c.Client.ReconnectMaxSecs) * time.Second
}

// LoggingOptions returns the logger options.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Path:   c.Logging.Path,
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Clone returns a deep copy of the config.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Generation.Paths = append([]string(nil), c.Generation.Paths...)
	return &clone
}

// String returns the config as JSON with secrets redacted.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.Generation.APIKey != "" {
		safe.Generation.APIKey = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}
