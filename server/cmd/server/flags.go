package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mdpreview/mdpreview/server/internal/assets"
	"github.com/mdpreview/mdpreview/server/internal/config"
	"github.com/mdpreview/mdpreview/server/internal/reader"
)

var flags struct {
	settings    string
	title       string
	user        string
	pass        string
	apiURL      string
	context     string
	userContent bool
	wide        bool
	theme       string
	offline     bool
	quiet       bool
	norefresh   bool
	browser     bool
	clear       bool
	noInline    bool
}

// splitArgs maps [path] [address] positional arguments. A single argument
// that looks like an address is not a path.
func splitArgs(args []string) (path, addr string) {
	switch len(args) {
	case 0:
		return "", ""
	case 1:
		if config.LooksLikeAddress(args[0]) {
			return "", args[0]
		}
		return args[0], ""
	default:
		return args[0], args[1]
	}
}

func applyAddress(cfg *config.Config, addr string) error {
	host, port, err := config.ParseAddress(addr)
	if err != nil {
		return err
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	return config.Validate(cfg)
}

// loadConfig reads the settings file and applies the flags that were set on
// the command line.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := flags.settings
	if path == "" {
		path = config.DefaultSettingsPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	applyFlags(cmd, cfg)

	if cfg.Render.Username != "" && cfg.Render.Mode == "github" {
		if _, pass := cfg.Render.Credentials(); pass == "" {
			pass, err := promptPassword(cfg.Render.Username)
			if err != nil {
				return nil, err
			}
			cfg.Render.Password = pass
		}
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("title") {
		cfg.Render.Title = flags.title
	}
	if f.Changed("user") {
		cfg.Render.Username = flags.user
	}
	if f.Changed("pass") {
		cfg.Render.Password = flags.pass
	}
	if f.Changed("api-url") {
		cfg.Render.APIURL = strings.TrimRight(flags.apiURL, "/")
	}
	if f.Changed("context") {
		cfg.Render.Context = flags.context
	}
	if f.Changed("user-content") {
		cfg.Render.UserContent = flags.userContent
	}
	if f.Changed("wide") {
		cfg.Render.Wide = flags.wide
	}
	if f.Changed("theme") {
		cfg.Render.Theme = flags.theme
	}
	if flags.offline {
		cfg.Render.Mode = "offline"
	}
	if flags.norefresh {
		cfg.Refresh.Enabled = false
	}
}

// newAssets returns the style manager, or nil when styles are disabled.
// Offline rendering only uses styles that are already cached.
func newAssets(cfg *config.Config, logger *slog.Logger) *assets.Manager {
	if !cfg.Styles.Enabled {
		return nil
	}
	return assets.New(assets.Options{
		CacheDir:  cfg.Styles.CacheDir,
		Source:    cfg.Styles.Source,
		Extra:     cfg.Styles.Extra,
		CacheOnly: cfg.Render.Mode == "offline",
		Logger:    logger,
	})
}

// clearCache implements --clear.
func clearCache(cfg *config.Config) error {
	dir := cfg.Styles.CacheDir
	if err := assets.New(assets.Options{CacheDir: dir}).Clear(); err != nil {
		return err
	}
	if !flags.quiet && dir != "" {
		fmt.Fprintf(os.Stderr, "Cleared cache %s\n", dir)
	}
	return nil
}

func promptPassword(user string) (string, error) {
	fd := int(os.Stdin.Fd()) //nolint:gosec // fd fits in int
	if !term.IsTerminal(fd) {
		return "", errors.New("--user was given without --pass and stdin is not a terminal")
	}
	fmt.Fprintf(os.Stderr, "Password for %s: ", user)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}

// openReader serves standard input for "-", otherwise a file or directory.
func openReader(path string) (reader.Reader, error) {
	if path == "-" {
		return reader.NewStdin(os.Stdin, ""), nil
	}
	if path == "" {
		path = "."
	}
	dir, err := reader.NewDirectory(path, false)
	if err != nil {
		return nil, err
	}
	return dir, nil
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}
