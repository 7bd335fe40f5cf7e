package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// FieldSource indicates where a config value originates.
type FieldSource string

const (
	SourceDefault     FieldSource = "default"
	SourceConfigFile  FieldSource = "config file"
	SourceDotEnv      FieldSource = ".env"
	SourceDotEnvLocal FieldSource = ".env.local"
	SourceEnv         FieldSource = "env"
)

// FieldInfo describes one env-bound field and its provenance.
type FieldInfo struct {
	Key       string
	EnvVar    string
	Value     string
	Source    FieldSource
	Sensitive bool
}

// EffectiveFields reports, for every env-bound field, the value in cfg and
// which layer supplied it: env → .env.local → .env → config file → default.
// Sensitive values are masked.
func EffectiveFields(cfg Config, opts Options) []FieldInfo {
	dotEnvLocal := readDotFile(filepath.Join(opts.Dir, ".env.local"))
	dotEnv := readDotFile(filepath.Join(opts.Dir, ".env"))

	def := Default()
	fileCfg := def
	if _, err := os.Stat(ResolvePath(opts)); err == nil {
		if _, err := toml.DecodeFile(ResolvePath(opts), &fileCfg); err != nil {
			fileCfg = def
		}
	}

	out := make([]FieldInfo, 0, len(envBindings))
	for _, b := range envBindings {
		fi := FieldInfo{
			Key:       b.Key,
			EnvVar:    b.EnvVar,
			Value:     fieldValue(cfg, b.Key),
			Sensitive: b.Key == "home_assistant.token",
		}
		_, inLocal := dotEnvLocal[b.EnvVar]
		_, inDot := dotEnv[b.EnvVar]
		switch {
		case inLocal:
			fi.Source = SourceDotEnvLocal
		case inDot:
			fi.Source = SourceDotEnv
		case strings.TrimSpace(os.Getenv(b.EnvVar)) != "":
			fi.Source = SourceEnv
		case fieldValue(fileCfg, b.Key) != fieldValue(def, b.Key):
			fi.Source = SourceConfigFile
		default:
			fi.Source = SourceDefault
		}
		if fi.Sensitive {
			fi.Value = Mask(fi.Value)
		}
		out = append(out, fi)
	}
	return out
}

// fieldValue renders one env-bound field by re-encoding cfg; it keeps the
// binding table the single list of keys.
func fieldValue(cfg Config, key string) string {
	switch key {
	case "home_assistant.token":
		return cfg.HomeAssistant.Token
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return ""
	}
	var generic map[string]any
	if _, err := toml.Decode(buf.String(), &generic); err != nil {
		return ""
	}
	var cur any = generic
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[part]
	}
	if cur == nil {
		return ""
	}
	return fmt.Sprint(cur)
}

// Mask hides all but the last four characters of a secret.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

// Redacted returns a copy of cfg safe to print.
func Redacted(cfg Config) Config {
	cfg.HomeAssistant.Token = Mask(cfg.HomeAssistant.Token)
	return cfg
}
