package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mdpreview/mdpreview/pkg/fswatch"
)

// reloadDebounce collapses the several writes some editors make per save.
const reloadDebounce = 100 * time.Millisecond

// Watch reloads the agent config at path whenever it is saved and hands the
// result to onChange, until ctx is cancelled. A config that fails to load
// is logged and skipped; onChange only ever sees valid configs.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	target := filepath.Clean(path)
	saved := func(ev fsnotify.Event) bool {
		return filepath.Clean(ev.Name) == target &&
			(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create))
	}

	slog.Info("config: watching for changes", "path", path)

	return fswatch.Watch(ctx, filepath.Dir(path), fswatch.Options{
		Debounce: reloadDebounce,
		Match:    saved,
	}, func([]string) {
		cfg, err := Load(path)
		if err != nil {
			slog.Error("config: reload failed, keeping previous config", "path", path, "err", err)
			return
		}
		slog.Info("config: reloaded", "path", path)
		onChange(cfg)
	})
}
