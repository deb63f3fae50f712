package reader

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Text serves a single in-memory document at the empty subpath.
type Text struct {
	text     []byte
	filename string
}

// NewText creates a Text reader. filename is only used for display and may
// be empty.
func NewText(text, filename string) *Text {
	return &Text{text: []byte(text), filename: filename}
}

// NormalizeSubpath implements Reader. Subpaths are returned unchanged.
func (t *Text) NormalizeSubpath(subpath string) (string, error) { return subpath, nil }

// FilenameFor implements Reader.
func (t *Text) FilenameFor(subpath string) string {
	if subpath != "" {
		return ""
	}
	return t.filename
}

// LastUpdated implements Reader. Text is never modified.
func (t *Text) LastUpdated(string) (time.Time, bool) { return time.Time{}, false }

// MimetypeFor implements Reader.
func (t *Text) MimetypeFor(subpath string) string {
	if subpath == "" {
		subpath = DefaultFilename
	}
	return mimetype(subpath)
}

// IsBinary implements Reader.
func (t *Text) IsBinary(subpath string) bool { return binary(t.MimetypeFor(subpath)) }

// Read implements Reader.
func (t *Text) Read(subpath string) ([]byte, error) {
	if subpath != "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, subpath)
	}
	return t.text, nil
}

// Stdin reads its document from r (standard input in the CLI) on first use
// and serves it like Text afterwards.
type Stdin struct {
	Text

	r    io.Reader
	once sync.Once
	err  error
}

// NewStdin creates a Stdin reader over r.
func NewStdin(r io.Reader, filename string) *Stdin {
	return &Stdin{Text: Text{filename: filename}, r: r}
}

// Read implements Reader.
func (s *Stdin) Read(subpath string) ([]byte, error) {
	if subpath != "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, subpath)
	}
	s.once.Do(func() {
		data, err := io.ReadAll(s.r)
		if err != nil {
			s.err = fmt.Errorf("reader: read stdin: %w", err)
			return
		}
		s.text = data
	})
	if s.err != nil {
		return nil, s.err
	}
	return s.text, nil
}
