package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// Requirements selects the checks that depend on what a command touches.
type Requirements struct {
	HomeAssistant bool
}

// Validate checks the config. Messages are actionable so the CLI can print
// them as is and exit 2.
func Validate(cfg Config, req Requirements) error {
	if req.HomeAssistant && strings.TrimSpace(cfg.HomeAssistant.Token) == "" {
		return fmt.Errorf("CONFIG_INVALID: missing HA_TOKEN\nSet env: HA_TOKEN=<long-lived access token>\nOr run: smarthub config init --ha-token ...")
	}
	if err := validateURL("home assistant url", cfg.HABaseURL()); err != nil {
		return err
	}
	if err := validateURL("ollama.url", cfg.Ollama.URL); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Ollama.EmbedModel) == "" {
		return fmt.Errorf("CONFIG_INVALID: ollama.embed_model must not be empty")
	}
	if cfg.Sync.BatchSize < 1 {
		return fmt.Errorf("CONFIG_INVALID: sync.batch_size=%d; must be >= 1", cfg.Sync.BatchSize)
	}
	if cfg.Sync.Interval.Duration < 0 {
		return fmt.Errorf("CONFIG_INVALID: sync.interval must not be negative")
	}
	if cfg.Decision.MaxRounds < 1 {
		return fmt.Errorf("CONFIG_INVALID: decision.max_rounds=%d; must be >= 1", cfg.Decision.MaxRounds)
	}
	if cfg.Decision.MaxCandidates < 1 {
		return fmt.Errorf("CONFIG_INVALID: decision.max_candidates=%d; must be >= 1", cfg.Decision.MaxCandidates)
	}
	if _, _, err := net.SplitHostPort(strings.TrimSpace(cfg.Server.Listen)); err != nil {
		return fmt.Errorf("CONFIG_INVALID: server.listen must be host:port (e.g. %q): %w", DefaultListen, err)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Log.Level))); err != nil {
		return fmt.Errorf("CONFIG_INVALID: log.level=%q: %w", cfg.Log.Level, err)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Log.Format)) {
	case "", "auto", "json", "console":
	default:
		return fmt.Errorf("CONFIG_INVALID: log.format=%q; allowed: auto, json, console", cfg.Log.Format)
	}
	return nil
}

func validateURL(name, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("CONFIG_INVALID: %s=%q is not an http(s) URL", name, raw)
	}
	return nil
}
