package assets

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

const (
	// URLPath is where cached styles and fonts are served.
	URLPath = "/__/mdpreview/cache/"

	// DefaultSource is the page whose stylesheet links are copied.
	DefaultSource = "https://github.com/joeyespo/grip"

	fetchTimeout    = 30 * time.Second
	maxAssetSize    = 8 << 20
	downloadWorkers = 4

	// manifestName records the remote URL of each cached stylesheet.
	manifestName = "manifest.yaml"
)

var (
	// Attribute order varies, so both orders are tried.
	linkHrefFirst = regexp.MustCompile(`<link\b[^>]+\bhref=['"]?([^'" >]+)['"]?\s[^>]*\brel=['"]?stylesheet['"]?[^>]*>`)
	linkRelFirst  = regexp.MustCompile(`<link\b[^>]+\brel=['"]?stylesheet['"]?[^>]+\bhref=['"]?([^'" >]+)['"]?[^>]*>`)

	// fontURL matches the octicon font references inside GitHub's CSS.
	fontURL = regexp.MustCompile(`url\(['"]?(/static/fonts/octicons/[^'" )]+)['"]?\)`)

	// localURL matches anything export can inline: GitHub static paths and
	// rewritten cache paths.
	localURL = regexp.MustCompile(`url\(['"]?((?:/static|` + regexp.QuoteMeta(strings.TrimSuffix(URLPath, "/")) + `)/[^'" )]+)['"]?\)`)
)

// Style is one stylesheet: where it came from and, once cached, the path
// it is served from locally.
type Style struct {
	URL   string
	Local string
}

// Href is the link target for a served page.
func (s Style) Href() string {
	if s.Local != "" {
		return s.Local
	}
	return s.URL
}

// Options configures a Manager.
type Options struct {
	// CacheDir holds downloaded styles and fonts. Empty disables caching.
	CacheDir string

	// Source is the page scraped for stylesheet links. Empty uses
	// DefaultSource.
	Source string

	// Extra styles are linked before the scraped ones.
	Extra []string

	// CacheOnly never fetches; only styles already cached are used.
	CacheOnly bool

	// Transport overrides the HTTP transport. Nil uses http.DefaultTransport.
	Transport http.RoundTripper

	Logger *slog.Logger
}

// Manager retrieves and caches page styles. Retrieval happens on first use
// and its result is kept; a failed retrieval is retried on the next call.
type Manager struct {
	opts   Options
	client *http.Client
	logger *slog.Logger

	mu     sync.Mutex
	styles []Style
	loaded bool
}

// New creates a Manager. Nothing is fetched until Styles is called.
func New(opts Options) *Manager {
	if opts.Source == "" {
		opts.Source = DefaultSource
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		opts:   opts,
		client: &http.Client{Timeout: fetchTimeout, Transport: opts.Transport},
		logger: opts.Logger,
	}
}

// CacheDir returns the directory styles are cached in, or "".
func (m *Manager) CacheDir() string { return m.opts.CacheDir }

// Styles returns the stylesheets to include in a page: the extra styles,
// then the cached copies when a complete cache exists, else the scraped
// remote URLs.
func (m *Manager) Styles(ctx context.Context) ([]Style, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return m.styles, nil
	}

	found, err := m.retrieve(ctx)
	if err != nil {
		return extras(m.opts.Extra), err
	}
	m.styles = append(extras(m.opts.Extra), found...)
	m.loaded = true
	return m.styles, nil
}

func extras(urls []string) []Style {
	styles := make([]Style, 0, len(urls))
	for _, u := range urls {
		styles = append(styles, Style{URL: u})
	}
	return styles
}

func (m *Manager) retrieve(ctx context.Context) ([]Style, error) {
	if cached := m.cached(); len(cached) > 0 {
		return cached, nil
	}
	if m.opts.CacheOnly {
		return nil, nil
	}

	page, err := m.fetch(ctx, m.opts.Source)
	if err != nil {
		return nil, fmt.Errorf("assets: find styles: %w", err)
	}
	urls := styleURLs(m.opts.Source, string(page))
	if len(urls) == 0 {
		m.logger.Warn("assets: no styles found", "source", m.opts.Source)
		return nil, nil
	}

	if m.opts.CacheDir != "" {
		if err := m.download(ctx, urls); err != nil {
			m.logger.Warn("assets: styles not cached, linking remote copies", "err", err)
		} else if cached := m.cached(); len(cached) > 0 {
			return cached, nil
		}
	}
	return extras(urls), nil
}

// styleURLs returns the absolute stylesheet URLs linked from page, in
// document order and without duplicates.
func styleURLs(source, page string) []string {
	base, err := url.Parse(source)
	if err != nil {
		return nil
	}
	type hit struct {
		at   int
		href string
	}
	var hits []hit
	for _, re := range []*regexp.Regexp{linkHrefFirst, linkRelFirst} {
		for _, idx := range re.FindAllStringSubmatchIndex(page, -1) {
			hits = append(hits, hit{idx[0], page[idx[2]:idx[3]]})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].at < hits[j].at })

	seen := make(map[string]bool)
	var urls []string
	for _, h := range hits {
		ref, err := url.Parse(h.href)
		if err != nil {
			continue
		}
		abs := base.ResolveReference(ref).String()
		if !seen[abs] {
			seen[abs] = true
			urls = append(urls, abs)
		}
	}
	return urls
}

// cached lists the stylesheets in the cache directory, by name.
func (m *Manager) cached() []Style {
	if m.opts.CacheDir == "" {
		return nil
	}
	entries, err := os.ReadDir(m.opts.CacheDir)
	if err != nil {
		return nil
	}
	var origins map[string]string
	if data, err := os.ReadFile(filepath.Join(m.opts.CacheDir, manifestName)); err == nil {
		if err := yaml.Unmarshal(data, &origins); err != nil {
			m.logger.Warn("assets: ignoring unreadable manifest", "err", err)
		}
	}
	var styles []Style
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".css") {
			styles = append(styles, Style{URL: origins[e.Name()], Local: URLPath + e.Name()})
		}
	}
	return styles
}

// download fetches every style and the fonts they use, and writes them to
// the cache only if all of them arrived.
func (m *Manager) download(ctx context.Context, styleURLs []string) error {
	files := make(map[string][]byte)
	origins := make(map[string]string, len(styleURLs))
	var fonts []string
	for _, su := range styleURLs {
		m.logger.Info("assets: downloading style", "url", su)
		css, err := m.fetch(ctx, su)
		if err != nil {
			return err
		}
		for _, match := range fontURL.FindAllStringSubmatch(string(css), -1) {
			abs, err := resolve(su, match[1])
			if err != nil {
				return err
			}
			fonts = append(fonts, abs)
		}
		rewritten := fontURL.ReplaceAllStringFunc(string(css), func(ref string) string {
			sub := fontURL.FindStringSubmatch(ref)
			return fmt.Sprintf("url(%q)", URLPath+filename(sub[1]))
		})
		files[filename(su)] = []byte(rewritten)
		origins[filename(su)] = su
	}
	manifest, err := yaml.Marshal(origins)
	if err != nil {
		return fmt.Errorf("assets: manifest: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadWorkers)
	for _, fu := range dedupe(fonts) {
		fu := fu
		g.Go(func() error {
			m.logger.Info("assets: downloading asset", "url", fu)
			data, err := m.fetch(gctx, fu)
			if err != nil {
				return err
			}
			mu.Lock()
			files[filename(fu)] = data
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	files[manifestName] = manifest

	if err := os.MkdirAll(m.opts.CacheDir, 0o755); err != nil {
		return fmt.Errorf("assets: create cache: %w", err)
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(m.opts.CacheDir, name), data, 0o644); err != nil {
			return fmt.Errorf("assets: write cache: %w", err)
		}
	}
	m.logger.Info("assets: cached all downloads", "dir", m.opts.CacheDir)
	return nil
}

// Inline returns the text of every style with its font and static
// references replaced by data URIs, for pages that must stand alone.
func (m *Manager) Inline(ctx context.Context) ([]string, error) {
	styles, err := m.Styles(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(styles))
	for _, s := range styles {
		css, origin, err := m.load(ctx, s)
		if err != nil {
			return nil, err
		}
		inlined, err := m.inlineURLs(ctx, origin, string(css))
		if err != nil {
			return nil, err
		}
		out = append(out, inlined)
	}
	return out, nil
}

// load reads a style from the cache or the network. origin is the URL its
// relative references resolve against, empty for cached copies.
func (m *Manager) load(ctx context.Context, s Style) (data []byte, origin string, err error) {
	if s.Local != "" {
		data, err = m.readCached(strings.TrimPrefix(s.Local, URLPath))
		return data, "", err
	}
	data, err = m.fetch(ctx, s.URL)
	return data, s.URL, err
}

func (m *Manager) inlineURLs(ctx context.Context, origin, css string) (string, error) {
	var firstErr error
	out := localURL.ReplaceAllStringFunc(css, func(ref string) string {
		if firstErr != nil {
			return ref
		}
		target := localURL.FindStringSubmatch(ref)[1]
		var (
			data []byte
			err  error
		)
		if strings.HasPrefix(target, URLPath) {
			data, err = m.readCached(strings.TrimPrefix(target, URLPath))
		} else if origin != "" {
			var abs string
			if abs, err = resolve(origin, target); err == nil {
				data, err = m.fetch(ctx, abs)
			}
		} else {
			data, err = m.readCached(filename(target))
		}
		if err != nil {
			firstErr = err
			return ref
		}
		return fmt.Sprintf("url(data:%s;base64,%s)", mimeType(target), base64.StdEncoding.EncodeToString(data))
	})
	return out, firstErr
}

func (m *Manager) readCached(name string) ([]byte, error) {
	if m.opts.CacheDir == "" {
		return nil, errors.New("assets: no cache directory")
	}
	data, err := os.ReadFile(filepath.Join(m.opts.CacheDir, filepath.Base(name)))
	if err != nil {
		return nil, fmt.Errorf("assets: read cache: %w", err)
	}
	return data, nil
}

// ServeHTTP serves cached files under URLPath.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, URLPath)
	if m.opts.CacheDir == "" || name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, filepath.Join(m.opts.CacheDir, name))
}

// Clear removes the cache directory and forgets retrieved styles.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.styles, m.loaded = nil, false
	if m.opts.CacheDir == "" {
		return nil
	}
	if err := os.RemoveAll(m.opts.CacheDir); err != nil {
		return fmt.Errorf("assets: clear cache: %w", err)
	}
	return nil
}

func (m *Manager) fetch(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("assets: GET %s: status %d", u, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxAssetSize))
}

func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

// filename is the cache name for a URL: its last path element without
// query or fragment.
func filename(u string) string {
	if parsed, err := url.Parse(u); err == nil {
		u = parsed.Path
	}
	return path.Base(u)
}

func mimeType(name string) string {
	if t := mime.TypeByExtension(path.Ext(filename(name))); t != "" {
		return t
	}
	switch path.Ext(filename(name)) {
	case ".woff":
		return "font/woff"
	case ".woff2":
		return "font/woff2"
	case ".ttf":
		return "font/ttf"
	}
	return "application/octet-stream"
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
