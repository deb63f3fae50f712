package reader

import (
	"errors"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned when a subpath does not resolve to a readable
// document, including subpaths that would leave the root directory.
var ErrNotFound = errors.New("reader: not found")

var (
	// SupportedTitles are the README base names tried, in order, when a
	// directory is requested.
	SupportedTitles = []string{"README", "Readme", "readme", "Home"}

	// SupportedExtensions are the Markdown extensions rendered as documents.
	SupportedExtensions = []string{".md", ".markdown"}
)

// DefaultFilename is the first README candidate.
const DefaultFilename = "README.md"

// DefaultFilenames returns every title × extension combination in lookup
// order.
func DefaultFilenames() []string {
	out := make([]string, 0, len(SupportedTitles)*len(SupportedExtensions))
	for _, t := range SupportedTitles {
		for _, ext := range SupportedExtensions {
			out = append(out, t+ext)
		}
	}
	return out
}

// IsMarkdown reports whether name has a supported Markdown extension.
func IsMarkdown(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range SupportedExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Reader reads documents addressed by URL subpath. The empty subpath is the
// root document.
type Reader interface {
	// NormalizeSubpath returns the canonical form of subpath. Directories
	// get a trailing slash so relative links inside them resolve.
	NormalizeSubpath(subpath string) (string, error)

	// FilenameFor returns the document's file name relative to the root, or
	// "" when there is none.
	FilenameFor(subpath string) string

	// LastUpdated returns the document's modification time. ok is false when
	// the reader does not track modification.
	LastUpdated(subpath string) (t time.Time, ok bool)

	// MimetypeFor guesses the MIME type from the file name.
	MimetypeFor(subpath string) string

	// IsBinary reports whether subpath is served raw instead of rendered.
	IsBinary(subpath string) bool

	// Read returns the document contents.
	Read(subpath string) ([]byte, error)
}

// mimetype guesses a MIME type from name. Markdown is always text.
func mimetype(name string) string {
	if IsMarkdown(name) {
		return "text/markdown; charset=utf-8"
	}
	return mime.TypeByExtension(strings.ToLower(path.Ext(name)))
}

// binary reports whether a MIME type names non-text content. Unknown types
// count as text.
func binary(mt string) bool {
	return mt != "" && !strings.HasPrefix(mt, "text/")
}
