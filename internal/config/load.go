package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Options for Load. Path defaults to DefaultFileName inside Dir; Dir
// defaults to the working directory and is where dotenv files are read.
type Options struct {
	Path      string
	Dir       string
	Overrides *Overrides
	// SkipEnv loads defaults and the file only (config init/print --file).
	SkipEnv bool
}

// Overrides holds CLI flag values; only non-nil fields apply.
type Overrides struct {
	Listen     *string
	StateDir   *string
	LogLevel   *string
	LogFormat  *string
	EmbedModel *string
	HAURL      *string
}

// Load builds the config with precedence: defaults → TOML file → dotenv →
// environment → flag overrides. A missing file is not an error.
func Load(opts Options) (Config, error) {
	cfg := Default()

	path := ResolvePath(opts)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("CONFIG_INVALID: malformed TOML in %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("CONFIG_INVALID: cannot read %s: %w", path, err)
	}

	if !opts.SkipEnv {
		if err := loadDotEnv(opts.Dir); err != nil {
			return Config{}, fmt.Errorf("CONFIG_INVALID: failed loading dotenv files: %w", err)
		}
		if err := applyEnv(&cfg); err != nil {
			return Config{}, err
		}
	}
	if opts.Overrides != nil {
		applyOverrides(&cfg, opts.Overrides)
	}
	return cfg, nil
}

// ResolvePath returns the config file path Load reads.
func ResolvePath(opts Options) string {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		path = DefaultFileName
	}
	if !filepath.IsAbs(path) && opts.Dir != "" {
		path = filepath.Join(opts.Dir, path)
	}
	return path
}

type envBinding struct {
	Key    string
	EnvVar string
	apply  func(cfg *Config, v string) error
}

func setString(dst func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		*dst(cfg) = v
		return nil
	}
}

func setInt(key string, dst func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONFIG_INVALID: %s=%q is not an integer", key, v)
		}
		*dst(cfg) = n
		return nil
	}
}

func setDuration(key string, dst func(*Config) *Duration) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CONFIG_INVALID: %s=%q is not a duration", key, v)
		}
		dst(cfg).Duration = d
		return nil
	}
}

func setBool(dst func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		*dst(cfg) = v == "1" || strings.EqualFold(v, "true")
		return nil
	}
}

var envBindings = []envBinding{
	{"home_assistant.url", "HA_URL", setString(func(c *Config) *string { return &c.HomeAssistant.URL })},
	{"home_assistant.scheme", "HA_SCHEME", setString(func(c *Config) *string { return &c.HomeAssistant.Scheme })},
	{"home_assistant.host", "HA_HOST", setString(func(c *Config) *string { return &c.HomeAssistant.Host })},
	{"home_assistant.port", "HA_PORT", setString(func(c *Config) *string { return &c.HomeAssistant.Port })},
	{"home_assistant.token", "HA_TOKEN", setString(func(c *Config) *string { return &c.HomeAssistant.Token })},
	{"home_assistant.watch", "SMARTHUB_HA_WATCH", setBool(func(c *Config) *bool { return &c.HomeAssistant.Watch })},
	{"ollama.url", "OLLAMA_URL", setString(func(c *Config) *string { return &c.Ollama.URL })},
	{"ollama.embed_model", "EMBED_MODEL", setString(func(c *Config) *string { return &c.Ollama.EmbedModel })},
	{"ollama.embed_version", "EMBED_VERSION", setString(func(c *Config) *string { return &c.Ollama.EmbedVersion })},
	{"ollama.small_model", "SMALL_MODEL", setString(func(c *Config) *string { return &c.Ollama.SmallModel })},
	{"ollama.big_model", "BIG_MODEL", setString(func(c *Config) *string { return &c.Ollama.BigModel })},
	{"ollama.timeout", "EMBED_TIMEOUT", setDuration("EMBED_TIMEOUT", func(c *Config) *Duration { return &c.Ollama.Timeout })},
	{"state_dir", "SMARTHUB_STATE_DIR", setString(func(c *Config) *string { return &c.StateDir })},
	{"server.listen", "SMARTHUB_LISTEN", setString(func(c *Config) *string { return &c.Server.Listen })},
	{"log.level", "SMARTHUB_LOG_LEVEL", setString(func(c *Config) *string { return &c.Log.Level })},
	{"log.format", "SMARTHUB_LOG_FORMAT", setString(func(c *Config) *string { return &c.Log.Format })},
	{"sync.interval", "SMARTHUB_SYNC_INTERVAL", setDuration("SMARTHUB_SYNC_INTERVAL", func(c *Config) *Duration { return &c.Sync.Interval })},
	{"sync.batch_size", "SMARTHUB_EMBED_BATCH", setInt("SMARTHUB_EMBED_BATCH", func(c *Config) *int { return &c.Sync.BatchSize })},
}

func applyEnv(cfg *Config) error {
	for _, b := range envBindings {
		v := strings.TrimSpace(os.Getenv(b.EnvVar))
		if v == "" {
			continue
		}
		if err := b.apply(cfg, v); err != nil {
			return err
		}
	}
	return nil
}

func applyOverrides(cfg *Config, o *Overrides) {
	if o.Listen != nil {
		cfg.Server.Listen = *o.Listen
	}
	if o.StateDir != nil {
		cfg.StateDir = *o.StateDir
	}
	if o.LogLevel != nil {
		cfg.Log.Level = *o.LogLevel
	}
	if o.LogFormat != nil {
		cfg.Log.Format = *o.LogFormat
	}
	if o.EmbedModel != nil {
		cfg.Ollama.EmbedModel = *o.EmbedModel
	}
	if o.HAURL != nil {
		cfg.HomeAssistant.URL = *o.HAURL
	}
}
