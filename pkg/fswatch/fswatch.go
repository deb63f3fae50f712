package fswatch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Options tunes Watch.
type Options struct {
	// Recursive watches every directory below root, including ones created
	// later. Dot-directories are skipped.
	Recursive bool

	// Debounce is how long events must be quiet before a batch is reported.
	// Zero reports each batch as soon as the timer can fire.
	Debounce time.Duration

	// Match selects the events worth reporting. Nil matches everything.
	Match func(fsnotify.Event) bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Watch watches dir and calls onChange with the sorted, de-duplicated names
// of matching events once they have been quiet for opts.Debounce. It runs
// until ctx is cancelled.
//
// onChange runs on the watch goroutine. Events arriving while it runs are
// batched into the next call.
func Watch(ctx context.Context, dir string, opts Options, onChange func(names []string)) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if opts.Recursive {
		err = addTree(watcher, dir)
	} else {
		err = watcher.Add(dir)
	}
	if err != nil {
		return err
	}

	var (
		pending = make(map[string]struct{})
		timer   *time.Timer
		fire    <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if opts.Recursive && event.Has(fsnotify.Create) && isDir(event.Name) {
				if err := addTree(watcher, event.Name); err != nil {
					logger.Warn("fswatch: cannot watch new directory", "path", event.Name, "err", err)
				}
				continue
			}
			if opts.Match != nil && !opts.Match(event) {
				continue
			}

			pending[event.Name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(opts.Debounce)
			} else {
				timer.Reset(opts.Debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			names := make([]string, 0, len(pending))
			for name := range pending {
				names = append(names, name)
			}
			sort.Strings(names)
			pending = make(map[string]struct{})
			onChange(names)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("fswatch: watcher error", "err", err)
		}
	}
}

func addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.Add(p)
	})
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}
