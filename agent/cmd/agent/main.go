package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mdpreview/mdpreview/agent/internal/action"
	"github.com/mdpreview/mdpreview/agent/internal/config"
	"github.com/mdpreview/mdpreview/agent/internal/refresh"
)

// Commit is set at build time with -ldflags "-X main.Commit=...".
var Commit = "dev"

var flags struct {
	config  string
	server  string
	verbose bool
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "mdpreview-agent",
	Short:         "Run an action every time an mdpreview server signals a refresh",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Commit)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&flags.config, "config", "c", "", "path to agent.yaml (hot-reloaded)")
	rootCmd.Flags().StringVarP(&flags.server, "server", "s", "", "mdpreview server URL (overrides server_url)")
	rootCmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "log at debug level")
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	if flags.config == "" {
		return config.Default()
	}
	return config.Load(flags.config)
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flags.server != "" {
		cfg.ServerURL = flags.server
	}

	level := cfg.Log.SlogLevel()
	if flags.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("mdpreview-agent starting",
		"commit", Commit,
		"server_url", cfg.ServerURL,
		"action", cfg.Action.Type,
	)

	first, err := action.New(cfg.Action, logger)
	if err != nil {
		return err
	}
	reload := action.NewSwitch(first)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Hot-reload swaps the action; the server URL is fixed for the session.
	if flags.config != "" {
		go func() {
			if err := config.Watch(ctx, flags.config, func(updated *config.Config) {
				next, err := action.New(updated.Action, logger)
				if err != nil {
					slog.Error("config hot-reload: keeping previous action", "err", err)
					return
				}
				reload.Set(next)
				slog.Info("config hot-reloaded", "action", updated.Action.Type)
			}); err != nil {
				slog.Error("config watcher stopped", "err", err)
			}
		}()
	}

	listener := refresh.New(cfg.ServerURL, refresh.DialSTOMP(logger), reload, logger)

	// Reload actions outlive the dial; ctx only ends on signal.
	if err := listener.Connect(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		slog.Info("mdpreview-agent shutting down")
		listener.Disconnect()
		return nil
	case <-listener.Done():
		listener.Disconnect()
		return fmt.Errorf("connection to %s closed", cfg.ServerURL)
	}
}
