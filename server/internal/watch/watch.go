package watch

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mdpreview/mdpreview/pkg/fswatch"
	"github.com/mdpreview/mdpreview/server/internal/reader"
)

// Watch monitors the Markdown files under root and calls onChange with the
// changed paths once events have been quiet for debounce. Subdirectories,
// including ones created later, are watched too; dot-directories are
// skipped. It runs until ctx is cancelled.
func Watch(ctx context.Context, root string, debounce time.Duration, onChange func(changed []string)) error {
	slog.Info("watch: watching for changes", "root", root, "debounce", debounce)

	return fswatch.Watch(ctx, root, fswatch.Options{
		Recursive: true,
		Debounce:  debounce,
		Match:     relevant,
	}, func(changed []string) {
		slog.Debug("watch: change detected", "files", changed)
		onChange(changed)
	})
}

// relevant reports whether event changes the content of a Markdown file.
// Editors that save atomically show up as Create or Rename, not Write.
func relevant(event fsnotify.Event) bool {
	if !reader.IsMarkdown(event.Name) {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
		event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove)
}
