package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultServerURL     = "http://localhost:6419"
	DefaultActionType    = "log"
	DefaultActionTimeout = 10 * time.Second
	DefaultLogLevel      = "info"

	// EnvPrefix is prepended to every environment override, e.g.
	// MDPREVIEW_AGENT_SERVER_URL.
	EnvPrefix = "MDPREVIEW_AGENT_"
)

// Config is the agent configuration. Fields map 1:1 to agent.yaml.
type Config struct {
	// ServerURL is the base URL of the mdpreview server. The broker endpoint
	// /ws is resolved against it.
	ServerURL string `yaml:"server_url" env:"SERVER_URL"`

	// Action is what the agent does on each refresh signal.
	Action ActionConfig `yaml:"action" envPrefix:"ACTION_"`

	Log LogConfig `yaml:"log" envPrefix:"LOG_"`
}

// ActionConfig selects the reload action.
type ActionConfig struct {
	// Type is one of: log | exec | webhook.
	Type string `yaml:"type" env:"TYPE"`

	// Command is the argv run by the exec action. Not split by a shell.
	Command []string `yaml:"command" env:"COMMAND" envSeparator:" "`

	// URLEnv is the name of the environment variable holding the webhook URL.
	URLEnv string `yaml:"url_env" env:"URL_ENV"`

	// Timeout bounds one exec run or webhook delivery.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// URL returns the webhook URL resolved from the environment.
func (a ActionConfig) URL() string {
	if a.URLEnv == "" {
		return ""
	}
	return os.Getenv(a.URLEnv)
}

// LogConfig controls the process logger.
type LogConfig struct {
	// Level is one of: debug | info | warn | error.
	Level string `yaml:"level" env:"LEVEL"`
}

// SlogLevel maps Level to a slog.Level. Unknown values map to info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads and parses the YAML config file at path, applies environment
// overrides, and validates the result. Missing optional fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	return finish(cfg)
}

// Default returns the configuration used when no file is given: defaults
// plus environment overrides.
func Default() (*Config, error) {
	return finish(defaults())
}

func finish(cfg *Config) (*Config, error) {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		ServerURL: DefaultServerURL,
		Action: ActionConfig{
			Type:    DefaultActionType,
			Timeout: DefaultActionTimeout,
		},
		Log: LogConfig{Level: DefaultLogLevel},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	u, err := url.Parse(cfg.ServerURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("server_url %q must be an absolute URL", cfg.ServerURL)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("server_url scheme %q unsupported: want http|https|ws|wss", u.Scheme)
	}
	switch cfg.Action.Type {
	case "log":
	case "exec":
		if len(cfg.Action.Command) == 0 {
			return fmt.Errorf("action.command is required for exec")
		}
	case "webhook":
		if cfg.Action.URLEnv == "" {
			return fmt.Errorf("action.url_env is required for webhook")
		}
	default:
		return fmt.Errorf("action.type %q unknown: want log|exec|webhook", cfg.Action.Type)
	}
	if cfg.Action.Timeout <= 0 {
		return fmt.Errorf("action.timeout must be positive")
	}
	return nil
}
