package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mdpreview/mdpreview/server/internal/api"
	"github.com/mdpreview/mdpreview/server/internal/config"
	"github.com/mdpreview/mdpreview/server/internal/metrics"
	"github.com/mdpreview/mdpreview/server/internal/reader"
	"github.com/mdpreview/mdpreview/server/internal/render"
	"github.com/mdpreview/mdpreview/server/internal/store"
	"github.com/mdpreview/mdpreview/server/internal/watch"
	"github.com/mdpreview/mdpreview/server/internal/ws"
)

// Commit is set at build time with -ldflags "-X main.Commit=...".
var Commit = "dev"

// shutdownTimeout bounds graceful HTTP shutdown after a signal.
const shutdownTimeout = 5 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mdpreview [path] [[host:]port]",
	Short: "Render local Markdown files the way GitHub does, and reload on save",
	Long: `Serves path (a Markdown file, a directory containing a README, or - for
standard input) on localhost:6419. A lone argument that looks like a port or
host:port is taken as the address and the current directory is served.`,
	Args:          cobra.MaximumNArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          serve,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Commit)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.settings, "settings", "", "settings file (default ~/.mdpreview/settings.yaml)")
	pf.StringVar(&flags.title, "title", "", "page title (default: the file name)")
	pf.StringVar(&flags.user, "user", "", "GitHub username for API authentication")
	pf.StringVar(&flags.pass, "pass", "", "GitHub password or personal access token (prompted for if --user is set)")
	pf.StringVar(&flags.apiURL, "api-url", "", "GitHub API base URL (for GitHub Enterprise)")
	pf.StringVar(&flags.context, "context", "", "owner/repo used to resolve references in --user-content mode")
	pf.BoolVar(&flags.userContent, "user-content", false, "render as user content (comments, issues) instead of a document")
	pf.BoolVar(&flags.wide, "wide", false, "render wide, without the fixed-width content column")
	pf.StringVar(&flags.theme, "theme", "", "color theme: light or dark")
	pf.BoolVar(&flags.offline, "offline", false, "render locally instead of calling the GitHub API")
	pf.BoolVar(&flags.quiet, "quiet", false, "only log errors")
	pf.BoolVar(&flags.clear, "clear", false, "clear the cached styles and exit")

	rootCmd.Flags().BoolVar(&flags.norefresh, "norefresh", false, "do not reload the page when the file changes")
	rootCmd.Flags().BoolVarP(&flags.browser, "browser", "b", false, "open a browser tab once the server is listening")

	exportCmd.Flags().BoolVar(&flags.noInline, "no-inline", false, "link styles instead of embedding them in the page")

	rootCmd.AddCommand(exportCmd, versionCmd)
}

func setupLogger(cfg *config.Config) *slog.Logger {
	level := cfg.Log.SlogLevel()
	if flags.quiet {
		level = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func serve(cmd *cobra.Command, args []string) error {
	path, addr := splitArgs(args)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if flags.clear {
		return clearCache(cfg)
	}
	if err := applyAddress(cfg, addr); err != nil {
		return err
	}
	logger := setupLogger(cfg)

	rd, err := openReader(path)
	if err != nil {
		return err
	}
	st, err := store.New(cfg.Cache.MaxCost, cfg.Cache.TTL)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()
	hub := ws.New("mdpreview", logger)
	handler := api.New(api.Options{
		Reader:   rd,
		Renderer: render.New(cfg.Render),
		Store:    st,
		Metrics:  m,
		Broker:   hub,
		Assets:   newAssets(cfg, logger),
		Render:   cfg.Render,
		Refresh:  cfg.Refresh,
		Auth:     cfg.Server.Auth,
		Logger:   logger,
	})

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ln, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr(), err)
	}
	url := "http://" + ln.Addr().String() + "/"
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("mdpreview starting",
		"commit", Commit,
		"url", url,
		"file", rd.FilenameFor(""),
		"render_mode", cfg.Render.Mode,
		"refresh", cfg.Refresh.Enabled,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("mdpreview shutting down")
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		return srv.Shutdown(shutdownCtx)
	})

	// Standard input cannot change, so there is nothing to watch.
	if dir, ok := rd.(*reader.Directory); ok && cfg.Refresh.Enabled {
		g.Go(func() error {
			return watch.Watch(gctx, dir.RootDirectory(), cfg.Refresh.Debounce, func(changed []string) {
				st.Purge()
				n := hub.Publish(cfg.Refresh.Topic, "text/plain", []byte("refresh"))
				m.Refreshes.Add(1)
				slog.Info("refresh published", "files", changed, "subscribers", n)
			})
		})
	}

	if flags.browser {
		go func() {
			if err := openBrowser(url); err != nil {
				slog.Warn("could not open browser", "url", url, "err", err)
			}
		}()
	}

	return g.Wait()
}
