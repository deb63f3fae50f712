// Package fswatch runs an fsnotify watcher over a directory (optionally the
// whole tree below it) and reports matching events in debounced batches.
//
// Both binaries use it: mdpreview-server watches the previewed tree for
// Markdown changes, mdpreview-agent watches the directory holding its
// config file. Watching directories rather than files keeps working when an
// editor saves by replacing the file.
package fswatch
