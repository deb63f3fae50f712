// Package watch reports Markdown file changes under a directory tree, with
// bursts of fsnotify events collapsed into one callback.
package watch
