package config

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gookit/validate"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is prepended to every upper-cased key when looking up
	// environment overrides, e.g. EASYCONDUIT_LOG_LEVEL.
	EnvPrefix = "EASYCONDUIT_"

	// PathEnv names the environment variable holding the runtime config path.
	PathEnv = "EASYCONDUIT_RUNTIME_CONF"

	defaultPath = "/opt/easyconduit/state/bot_runtime.conf"
)

type Config struct {
	BotToken       string `mapstructure:"bot_token" yaml:"bot_token" validate:"required"`
	MetricsURL     string `mapstructure:"metrics_url" yaml:"metrics_url" validate:"required"`
	ConduitEnvPath string `mapstructure:"conduit_env_path" yaml:"conduit_env_path" validate:"required"`
	StateDir       string `mapstructure:"state_dir" yaml:"state_dir" validate:"required"`
	OwnerChatID    int64  `mapstructure:"owner_chat_id" yaml:"owner_chat_id"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level" validate:"in:debug,info,warn,warning,error"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format" validate:"in:text,json"`

	RefreshInterval time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval"`
	MetricsTimeout  time.Duration `mapstructure:"metrics_timeout" yaml:"metrics_timeout"`
	TelegramTimeout time.Duration `mapstructure:"telegram_timeout" yaml:"telegram_timeout"`
	PollTimeout     int           `mapstructure:"poll_timeout" yaml:"poll_timeout" validate:"min:1|max:50"` // long-poll seconds
	ConfirmTTL      time.Duration `mapstructure:"confirm_ttl" yaml:"confirm_ttl"`
	DedupWindow     time.Duration `mapstructure:"dedup_window" yaml:"dedup_window"`
	StatusCooldown  time.Duration `mapstructure:"status_cooldown" yaml:"status_cooldown"`
	EditRetries     int           `mapstructure:"edit_retries" yaml:"edit_retries" validate:"min:1|max:10"`

	RenderTier string `mapstructure:"render_tier" yaml:"render_tier" validate:"in:auto,rich,fallback"`

	RelayUnit string `mapstructure:"relay_unit" yaml:"relay_unit" validate:"required"`
	BotUnit   string `mapstructure:"bot_unit" yaml:"bot_unit" validate:"required"`

	MaxClientsCeiling int `mapstructure:"max_clients_ceiling" yaml:"max_clients_ceiling" validate:"min:1"`
	BandwidthCeiling  int `mapstructure:"bandwidth_ceiling" yaml:"bandwidth_ceiling" validate:"min:1"`

	UpdateURL        string        `mapstructure:"update_url" yaml:"update_url"`
	UpdateSHA256URL  string        `mapstructure:"update_sha256_url" yaml:"update_sha256_url"`
	RelayBinaryURL   string        `mapstructure:"relay_binary_url" yaml:"relay_binary_url"`
	RelayBinaryPath  string        `mapstructure:"relay_binary_path" yaml:"relay_binary_path"`
	UpdateTimeout    time.Duration `mapstructure:"update_timeout" yaml:"update_timeout"`
	UpdateTestWindow time.Duration `mapstructure:"update_test_window" yaml:"update_test_window"`
	HeartbeatStale   time.Duration `mapstructure:"heartbeat_stale" yaml:"heartbeat_stale"`

	ObservabilityAddr   string `mapstructure:"observability_addr" yaml:"observability_addr"`
	TelegramAPIEndpoint string `mapstructure:"telegram_api_endpoint" yaml:"telegram_api_endpoint"`

	Path string `mapstructure:"-" yaml:"-"`
}

var defaults = map[string]any{
	"owner_chat_id":         0,
	"log_level":             "info",
	"log_format":            "text",
	"refresh_interval":      "60s",
	"metrics_timeout":       "10s",
	"telegram_timeout":      "20s",
	"poll_timeout":          30,
	"confirm_ttl":           "30s",
	"dedup_window":          "10m",
	"status_cooldown":       "10s",
	"edit_retries":          3,
	"render_tier":           "auto",
	"relay_unit":            "conduit.service",
	"bot_unit":              "easyconduit-bot.service",
	"max_clients_ceiling":   1000,
	"bandwidth_ceiling":     1000,
	"update_url":            "",
	"update_sha256_url":     "",
	"relay_binary_url":      "",
	"relay_binary_path":     "",
	"update_timeout":        "2m",
	"update_test_window":    "10s",
	"heartbeat_stale":       "5m",
	"observability_addr":    "",
	"telegram_api_endpoint": "",
}

var requiredKeys = []string{"bot_token", "metrics_url", "conduit_env_path", "state_dir"}

// DefaultPath returns the runtime config location: $EASYCONDUIT_RUNTIME_CONF
// if set, otherwise the path written by the installer.
func DefaultPath() string {
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	return defaultPath
}

// Load reads the runtime config once. KEY=VALUE files (.conf, .env) and
// YAML files are accepted; every key may be overridden from the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType(configType(path))

	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	for _, key := range append(requiredKeys, keysOf(defaults)...) {
		if err := v.BindEnv(key, EnvPrefix+strings.ToUpper(key)); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading runtime config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding runtime config: %w", err)
	}
	cfg.Path = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints that defaults cannot guarantee.
func (c *Config) Validate() error {
	v := validate.Struct(c)
	if !v.Validate() {
		return fmt.Errorf("invalid runtime config: %w", v.Errors)
	}

	u, err := url.Parse(c.MetricsURL)
	if err != nil {
		return fmt.Errorf("invalid runtime config: metrics_url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid runtime config: metrics_url must be an http(s) URL, got %q", c.MetricsURL)
	}

	for name, d := range map[string]time.Duration{
		"refresh_interval":   c.RefreshInterval,
		"metrics_timeout":    c.MetricsTimeout,
		"telegram_timeout":   c.TelegramTimeout,
		"confirm_ttl":        c.ConfirmTTL,
		"dedup_window":       c.DedupWindow,
		"status_cooldown":    c.StatusCooldown,
		"update_timeout":     c.UpdateTimeout,
		"update_test_window": c.UpdateTestWindow,
		"heartbeat_stale":    c.HeartbeatStale,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid runtime config: %s must be positive, got %s", name, d)
		}
	}
	return nil
}

func (c *Config) ParseLogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger from log_level and log_format.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.ParseLogLevel()}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Redacted returns a copy that is safe to print.
func (c *Config) Redacted() Config {
	out := *c
	out.BotToken = RedactToken(c.BotToken)
	return out
}

// RedactToken keeps the bot id and hides the secret part,
// e.g. "123456:AAF..." becomes "123456:***".
func RedactToken(token string) string {
	if token == "" {
		return ""
	}
	if id, _, ok := strings.Cut(token, ":"); ok {
		return id + ":***"
	}
	return "***"
}

func (c *Config) StatePath() string     { return filepath.Join(c.StateDir, "bot_state.json") }
func (c *Config) StatsDBPath() string   { return filepath.Join(c.StateDir, "stats.sqlite") }
func (c *Config) HeartbeatPath() string { return filepath.Join(c.StateDir, "bot_heartbeat") }

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return "env"
	}
}

func keysOf(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
