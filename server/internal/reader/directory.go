package reader

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Directory reads documents from a directory tree. The root document is
// either the file given at construction or the README found in the given
// directory.
type Directory struct {
	rootFile string
	rootDir  string
}

// NewDirectory resolves p (a file or directory; "" means the working
// directory) to its root document. When silent is set a missing document is
// not an error: the default README path is used and reads fail later with
// ErrNotFound.
func NewDirectory(p string, silent bool) (*Directory, error) {
	if p == "" {
		p = "."
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return nil, fmt.Errorf("reader: resolve %q: %w", p, err)
	}

	root, err := resolveReadme(abs, silent)
	if err != nil {
		return nil, err
	}
	return &Directory{rootFile: root, rootDir: filepath.Dir(root)}, nil
}

// RootFilename is the absolute path of the root document.
func (d *Directory) RootFilename() string { return d.rootFile }

// RootDirectory is the absolute path of the directory served.
func (d *Directory) RootDirectory() string { return d.rootDir }

func resolveReadme(p string, silent bool) (string, error) {
	info, err := os.Stat(p)
	switch {
	case err == nil && info.IsDir():
		return findReadme(p, silent)
	case err == nil, silent:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrNotFound, p)
	}
}

func findReadme(dir string, silent bool) (string, error) {
	for _, name := range DefaultFilenames() {
		full := filepath.Join(dir, name)
		if info, err := os.Stat(full); err == nil && !info.IsDir() {
			return full, nil
		}
	}
	if silent {
		return filepath.Join(dir, DefaultFilename), nil
	}
	return "", fmt.Errorf("%w: no README in %s", ErrNotFound, dir)
}

// safeJoin joins an untrusted slash-separated subpath onto dir, refusing
// anything that would land outside dir.
func safeJoin(dir, sub string) (string, error) {
	sub = strings.TrimLeft(sub, "/")
	if sub == "" {
		return dir, nil
	}
	local := filepath.FromSlash(sub)
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("%w: %q is outside the root directory", ErrNotFound, sub)
	}
	return filepath.Join(dir, local), nil
}

// readmeFor maps subpath to a file on disk.
func (d *Directory) readmeFor(subpath string) (string, error) {
	if subpath == "" {
		return d.rootFile, nil
	}
	full, err := safeJoin(d.rootDir, subpath)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(full)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, subpath)
	}
	if info.IsDir() {
		return findReadme(full, false)
	}
	return full, nil
}

// NormalizeSubpath implements Reader.
func (d *Directory) NormalizeSubpath(subpath string) (string, error) {
	if subpath == "" {
		return "", nil
	}
	cleaned := path.Clean(strings.TrimLeft(subpath, "/"))
	if cleaned == "." {
		return "./", nil
	}
	full, err := safeJoin(d.rootDir, cleaned)
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(full); err == nil && info.IsDir() {
		cleaned += "/"
	}
	return cleaned, nil
}

// FilenameFor implements Reader.
func (d *Directory) FilenameFor(subpath string) string {
	full, err := d.readmeFor(subpath)
	if err != nil {
		return ""
	}
	rel, err := filepath.Rel(d.rootDir, full)
	if err != nil {
		return ""
	}
	return filepath.ToSlash(rel)
}

// LastUpdated implements Reader.
func (d *Directory) LastUpdated(subpath string) (time.Time, bool) {
	full, err := d.readmeFor(subpath)
	if err != nil {
		return time.Time{}, false
	}
	info, err := os.Stat(full)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// MimetypeFor implements Reader.
func (d *Directory) MimetypeFor(subpath string) string {
	if full, err := d.readmeFor(subpath); err == nil {
		return mimetype(full)
	}
	if subpath == "" {
		subpath = DefaultFilename
	}
	return mimetype(subpath)
}

// IsBinary implements Reader.
func (d *Directory) IsBinary(subpath string) bool {
	return binary(d.MimetypeFor(subpath))
}

// Read implements Reader.
func (d *Directory) Read(subpath string) ([]byte, error) {
	full, err := d.readmeFor(subpath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, subpath)
	}
	if err != nil {
		return nil, fmt.Errorf("reader: read %s: %w", full, err)
	}
	return data, nil
}
