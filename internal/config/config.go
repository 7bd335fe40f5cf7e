package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultFileName   = "smarthub.toml"
	DefaultStateDir   = ".smarthub"
	DefaultListen     = "127.0.0.1:8080"
	DefaultEmbedModel = "nomic-embed-text"
	DefaultSmallModel = "qwen2.5:3b-instruct"
	DefaultBigModel   = "llama3.1:latest"
)

type Config struct {
	StateDir     string `toml:"state_dir"`
	ExamplesFile string `toml:"examples_file"`

	HomeAssistant HomeAssistantConfig `toml:"home_assistant"`
	Ollama        OllamaConfig        `toml:"ollama"`
	Sync          SyncConfig          `toml:"sync"`
	Decision      DecisionConfig      `toml:"decision"`
	Server        ServerConfig        `toml:"server"`
	Log           LogConfig           `toml:"log"`
}

// HomeAssistantConfig locates the live system. URL wins over
// Scheme/Host/Port. Token is never written to the config file.
type HomeAssistantConfig struct {
	URL     string   `toml:"url"`
	Scheme  string   `toml:"scheme"`
	Host    string   `toml:"host"`
	Port    string   `toml:"port"`
	Token   string   `toml:"-"`
	Timeout Duration `toml:"timeout"`
	Watch   bool     `toml:"watch"`
}

type OllamaConfig struct {
	URL          string   `toml:"url"`
	EmbedModel   string   `toml:"embed_model"`
	EmbedVersion string   `toml:"embed_version"`
	SmallModel   string   `toml:"small_model"`
	BigModel     string   `toml:"big_model"`
	NumCtx       int      `toml:"num_ctx"`
	Timeout      Duration `toml:"timeout"`
}

type SyncConfig struct {
	Interval  Duration `toml:"interval"`
	BatchSize int      `toml:"batch_size"`
}

type DecisionConfig struct {
	MaxRounds     int `toml:"max_rounds"`
	MaxCandidates int `toml:"max_candidates"`
	DeviceTopK    int `toml:"device_top_k"`
	ActionTopK    int `toml:"action_top_k"`
}

type ServerConfig struct {
	Listen          string   `toml:"listen"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	// Per-client token bucket on the turn endpoint; zero disables it.
	RateLimitRPS   float64 `toml:"rate_limit_rps"`
	RateLimitBurst int     `toml:"rate_limit_burst"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func Default() Config {
	return Config{
		StateDir: DefaultStateDir,
		HomeAssistant: HomeAssistantConfig{
			Scheme:  "http",
			Host:    "localhost",
			Port:    "8123",
			Timeout: Duration{15 * time.Second},
			Watch:   true,
		},
		Ollama: OllamaConfig{
			URL:          "http://localhost:11434",
			EmbedModel:   DefaultEmbedModel,
			EmbedVersion: "1",
			SmallModel:   DefaultSmallModel,
			BigModel:     DefaultBigModel,
			NumCtx:       4096,
			Timeout:      Duration{60 * time.Second},
		},
		Sync: SyncConfig{
			Interval:  Duration{10 * time.Minute},
			BatchSize: 32,
		},
		Decision: DecisionConfig{
			MaxRounds:     2,
			MaxCandidates: 3,
			DeviceTopK:    8,
			ActionTopK:    8,
		},
		Server: ServerConfig{
			Listen:          DefaultListen,
			ShutdownTimeout: Duration{5 * time.Second},
			RateLimitRPS:    2,
			RateLimitBurst:  10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// HABaseURL returns the REST base URL of the live system without a
// trailing slash.
func (c Config) HABaseURL() string {
	if u := strings.TrimRight(strings.TrimSpace(c.HomeAssistant.URL), "/"); u != "" {
		return u
	}
	ha := c.HomeAssistant
	scheme, host, port := orDefault(ha.Scheme, "http"), orDefault(ha.Host, "localhost"), orDefault(ha.Port, "8123")
	return fmt.Sprintf("%s://%s:%s", scheme, host, port)
}

func (c Config) IndexPath() string   { return filepath.Join(c.StateDir, "index.db") }
func (c Config) SessionPath() string { return filepath.Join(c.StateDir, "sessions.db") }

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}

// Duration is a time.Duration written as a Go duration string ("10m").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}
