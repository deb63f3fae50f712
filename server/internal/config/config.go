package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Default values for the server configuration.
const (
	DefaultHost            = "localhost"
	DefaultPort            = 6419
	DefaultAPIURL          = "https://api.github.com"
	DefaultRenderMode      = "github"
	DefaultPasswordEnv     = "MDPREVIEW_PASSWORD"
	DefaultRefreshEndpoint = "/ws"
	DefaultRefreshTopic    = "/topic/refresh"
	DefaultDebounce        = 150 * time.Millisecond
	DefaultCacheMaxCost    = 64 << 20
	DefaultCacheTTL        = 10 * time.Minute
	DefaultLogLevel        = "info"

	// EnvPrefix is prepended to every environment override, e.g.
	// MDPREVIEW_SERVER_PORT or MDPREVIEW_RENDER_MODE.
	EnvPrefix = "MDPREVIEW_"
)

// DefaultStylesCacheDir returns ~/.mdpreview/cache, or "" (no caching) if
// the home directory cannot be determined.
func DefaultStylesCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".mdpreview", "cache")
}

// DefaultSettingsPath returns ~/.mdpreview/settings.yaml, or "" if the home
// directory cannot be determined.
func DefaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".mdpreview", "settings.yaml")
}

// Config holds the server-side configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" envPrefix:"SERVER_"`
	Render  RenderConfig  `yaml:"render" envPrefix:"RENDER_"`
	Refresh RefreshConfig `yaml:"refresh" envPrefix:"REFRESH_"`
	Cache   CacheConfig   `yaml:"cache" envPrefix:"CACHE_"`
	Styles  StylesConfig  `yaml:"styles" envPrefix:"STYLES_"`
	Log     LogConfig     `yaml:"log" envPrefix:"LOG_"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	// Host is the interface to bind (default localhost).
	Host string `yaml:"host" env:"HOST"`

	// Port serves the rendered pages, the refresh socket, and the API.
	Port int `yaml:"port" env:"PORT"`

	// Auth protects /api/ and /metrics. Pages and the refresh socket stay open
	// because browsers cannot attach headers to them.
	Auth AuthConfig `yaml:"auth" envPrefix:"AUTH_"`
}

// Addr returns host:port for net.Listen.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AuthConfig controls API key checks on the API endpoints.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode" env:"MODE"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	KeyEnv string `yaml:"key_env" env:"KEY_ENV"`

	// Header is the HTTP header to read the key from. Defaults to "x-api-key".
	Header string `yaml:"header" env:"HEADER"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// RenderConfig selects and configures the Markdown renderer and page chrome.
type RenderConfig struct {
	// Mode is one of: github | offline.
	Mode string `yaml:"mode" env:"MODE"`

	// APIURL is the base URL of the GitHub API used in github mode.
	APIURL string `yaml:"api_url" env:"API_URL"`

	// Raw posts to /markdown/raw instead of the JSON /markdown endpoint.
	Raw bool `yaml:"raw" env:"RAW"`

	// UserContent renders as a comment/issue would (gfm mode with Context).
	UserContent bool `yaml:"user_content" env:"USER_CONTENT"`

	// Context is the owner/repo used to resolve issue and user references.
	Context string `yaml:"context" env:"CONTEXT"`

	// Username for GitHub basic auth. The password comes from PasswordEnv or
	// the command line, never from the file.
	Username string `yaml:"username" env:"USERNAME"`

	// PasswordEnv is the environment variable holding the GitHub password or
	// personal access token.
	PasswordEnv string `yaml:"password_env" env:"PASSWORD_ENV"`

	// Password set at runtime (flag or prompt). Overrides PasswordEnv.
	Password string `yaml:"-"`

	// Title overrides the page title; defaults to the file name.
	Title string `yaml:"title" env:"TITLE"`

	// Wide renders without the fixed-width content column.
	Wide bool `yaml:"wide" env:"WIDE"`

	// Theme is one of: light | dark.
	Theme string `yaml:"theme" env:"THEME"`
}

// Credentials returns the basic-auth pair, with the runtime password taking
// precedence over the environment.
func (r RenderConfig) Credentials() (user, pass string) {
	if r.Password != "" {
		return r.Username, r.Password
	}
	if r.PasswordEnv != "" {
		return r.Username, os.Getenv(r.PasswordEnv)
	}
	return r.Username, ""
}

// RefreshConfig controls the live refresh channel.
type RefreshConfig struct {
	// Enabled injects the refresh script into served pages and starts the
	// file watcher.
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// Endpoint is the path of the STOMP-over-WebSocket endpoint.
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`

	// Topic is the destination refresh notifications are published on.
	Topic string `yaml:"topic" env:"TOPIC"`

	// Debounce collapses bursts of file events into one notification.
	Debounce time.Duration `yaml:"debounce" env:"DEBOUNCE"`
}

// CacheConfig bounds the rendered-page cache.
type CacheConfig struct {
	// MaxCost is the total size in bytes of cached HTML.
	MaxCost int64 `yaml:"max_cost" env:"MAX_COST"`

	// TTL is how long a rendered page stays cached.
	TTL time.Duration `yaml:"ttl" env:"TTL"`
}

// StylesConfig controls the GitHub stylesheets linked from pages.
type StylesConfig struct {
	// Enabled fetches GitHub's stylesheets. Without them pages use only the
	// built-in minimal style.
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// Source is the page scraped for stylesheet links.
	Source string `yaml:"source" env:"SOURCE"`

	// Extra stylesheet URLs linked before the scraped ones.
	Extra []string `yaml:"extra" env:"EXTRA" envSeparator:","`

	// CacheDir stores downloaded styles and fonts. Empty disables caching.
	CacheDir string `yaml:"cache_dir" env:"CACHE_DIR"`
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

// Load reads and parses the settings file at path, applies environment
// overrides, then validates. Missing fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("server config: parse yaml: %w", err)
	}
	return finish(cfg)
}

// LoadOrDefault behaves like Load but treats a missing file (or an empty
// path) as an empty one.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return finish(defaults())
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return finish(defaults())
	}
	return cfg, err
}

// Validate re-checks cfg after callers (the CLI) have changed it.
func Validate(cfg *Config) error {
	if err := validate(cfg); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	return nil
}

func finish(cfg *Config) (*Config, error) {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("server config: environment: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Render: RenderConfig{
			Mode:        DefaultRenderMode,
			APIURL:      DefaultAPIURL,
			PasswordEnv: DefaultPasswordEnv,
			Theme:       "light",
		},
		Refresh: RefreshConfig{
			Enabled:  true,
			Endpoint: DefaultRefreshEndpoint,
			Topic:    DefaultRefreshTopic,
			Debounce: DefaultDebounce,
		},
		Cache: CacheConfig{
			MaxCost: DefaultCacheMaxCost,
			TTL:     DefaultCacheTTL,
		},
		Styles: StylesConfig{
			Enabled:  true,
			CacheDir: DefaultStylesCacheDir(),
		},
		Log: LogConfig{Level: DefaultLogLevel},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port)
	}
	switch cfg.Server.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", cfg.Server.Auth.Mode)
	}
	switch cfg.Render.Mode {
	case "github", "offline":
	default:
		return fmt.Errorf("render.mode %q unknown: want github|offline", cfg.Render.Mode)
	}
	if cfg.Render.Mode == "github" && cfg.Render.APIURL == "" {
		return fmt.Errorf("render.api_url is required in github mode")
	}
	switch cfg.Render.Theme {
	case "light", "dark":
	default:
		return fmt.Errorf("valid options for render.theme are \"light\", \"dark\" (got %q)", cfg.Render.Theme)
	}
	if !strings.HasPrefix(cfg.Refresh.Endpoint, "/") {
		return fmt.Errorf("refresh.endpoint %q must start with /", cfg.Refresh.Endpoint)
	}
	if !strings.HasPrefix(cfg.Refresh.Topic, "/topic/") {
		return fmt.Errorf("refresh.topic %q must be under /topic/", cfg.Refresh.Topic)
	}
	if cfg.Refresh.Debounce < 0 {
		return fmt.Errorf("refresh.debounce must not be negative")
	}
	if cfg.Cache.MaxCost <= 0 {
		return fmt.Errorf("cache.max_cost must be positive")
	}
	if cfg.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative")
	}
	return nil
}

// ParseAddress splits a command-line address of the form [host:]port, port,
// or host. Missing parts come back zero.
func ParseAddress(addr string) (host string, port int, err error) {
	if addr == "" {
		return "", 0, nil
	}
	if h, p, ok := strings.Cut(addr, ":"); ok {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return "", 0, fmt.Errorf("invalid address %q", addr)
		}
		return h, n, nil
	}
	if n, err := strconv.Atoi(addr); err == nil {
		if n <= 0 || n > 65535 {
			return "", 0, fmt.Errorf("invalid address %q", addr)
		}
		return "", n, nil
	}
	return addr, 0, nil
}

// LooksLikeAddress reports whether a lone positional argument is an address
// rather than a path: a bare port or host:port that is not an existing file.
func LooksLikeAddress(arg string) bool {
	if arg == "" {
		return false
	}
	if _, err := os.Stat(arg); err == nil {
		return false
	}
	_, port, err := ParseAddress(arg)
	return err == nil && port != 0
}
