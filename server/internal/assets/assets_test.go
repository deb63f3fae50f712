package assets

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

const (
	testFont = "wOF2-font-bytes"
	testCSS  = `.octicon{font-family:octicons;src:url("/static/fonts/octicons/octicons.woff2?v=1") format("woff2")}`
)

// fakeGitHub serves a page linking two stylesheets, the stylesheets, and the
// font they reference.
type fakeGitHub struct {
	*httptest.Server
	requests atomic.Int32
	pageCode atomic.Int32
	fontCode atomic.Int32
}

func newFakeGitHub(t *testing.T) *fakeGitHub {
	t.Helper()
	f := &fakeGitHub{}
	f.pageCode.Store(http.StatusOK)
	f.fontCode.Store(http.StatusOK)
	mux := http.NewServeMux()
	mux.HandleFunc("/joeyespo/grip", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(f.pageCode.Load()))
		w.Write([]byte(`<html><head>
<link rel="icon" href="/favicon.ico">
<link crossorigin="anonymous" media="all" rel="stylesheet" href="/assets/light.css" />
<link href="/assets/github.css" rel="stylesheet" media="all">
<link rel="stylesheet" href="/assets/light.css">
</head></html>`))
	})
	mux.HandleFunc("/assets/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		w.Write([]byte(testCSS))
	})
	mux.HandleFunc("/static/fonts/octicons/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(f.fontCode.Load()))
		w.Write([]byte(testFont))
	})
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeGitHub) source() string { return f.URL + "/joeyespo/grip" }

func TestStyleURLs(t *testing.T) {
	page := `<link rel="icon" href="/favicon.ico">
<link crossorigin="anonymous" rel="stylesheet" href="/a.css" />
<link href='https://cdn.test/b.css?v=2' rel='stylesheet'>
<link rel=stylesheet href=/a.css>`

	got := styleURLs("https://github.test/owner/repo", page)
	want := []string{"https://github.test/a.css", "https://cdn.test/b.css?v=2"}
	if len(got) != len(want) {
		t.Fatalf("styleURLs: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("styleURLs[%d]: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestStyles_CachesDownloads(t *testing.T) {
	gh := newFakeGitHub(t)
	dir := filepath.Join(t.TempDir(), "cache")
	m := New(Options{CacheDir: dir, Source: gh.source()})

	styles, err := m.Styles(context.Background())
	if err != nil {
		t.Fatalf("Styles: %v", err)
	}
	if len(styles) != 2 {
		t.Fatalf("styles: got %v, want 2", styles)
	}
	for _, s := range styles {
		if !strings.HasPrefix(s.Href(), URLPath) {
			t.Errorf("href: got %q, want a cached path", s.Href())
		}
		if !strings.HasPrefix(s.URL, gh.URL+"/assets/") {
			t.Errorf("url: got %q, want the remote origin", s.URL)
		}
	}

	css, err := os.ReadFile(filepath.Join(dir, "github.css"))
	if err != nil {
		t.Fatalf("read cached css: %v", err)
	}
	if !strings.Contains(string(css), `url("`+URLPath+`octicons.woff2")`) {
		t.Errorf("cached css not rewritten: %s", css)
	}
	if font, err := os.ReadFile(filepath.Join(dir, "octicons.woff2")); err != nil || string(font) != testFont {
		t.Errorf("cached font: got %q, %v", font, err)
	}

	// A fresh manager reads the cache without touching the network.
	before := gh.requests.Load()
	again, err := New(Options{CacheDir: dir, Source: gh.source()}).Styles(context.Background())
	if err != nil || len(again) != 2 {
		t.Fatalf("Styles from cache: got %v, %v", again, err)
	}
	if n := gh.requests.Load() - before; n != 0 {
		t.Errorf("requests with a warm cache: got %d, want 0", n)
	}
}

func TestStyles_FailedAssetSkipsCache(t *testing.T) {
	gh := newFakeGitHub(t)
	gh.fontCode.Store(http.StatusNotFound)
	dir := filepath.Join(t.TempDir(), "cache")

	styles, err := New(Options{CacheDir: dir, Source: gh.source()}).Styles(context.Background())
	if err != nil {
		t.Fatalf("Styles: %v", err)
	}
	if len(styles) != 2 || styles[0].Local != "" || styles[0].Href() != gh.URL+"/assets/light.css" {
		t.Errorf("styles: got %+v, want remote links", styles)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("cache dir: got %v, want it never created", err)
	}
}

func TestStyles_ExtraFirstWithoutCache(t *testing.T) {
	gh := newFakeGitHub(t)
	m := New(Options{Source: gh.source(), Extra: []string{"https://extra.test/x.css"}})

	styles, err := m.Styles(context.Background())
	if err != nil {
		t.Fatalf("Styles: %v", err)
	}
	if len(styles) != 3 || styles[0].Href() != "https://extra.test/x.css" {
		t.Errorf("styles: got %+v, want extra then two remote", styles)
	}

	// The result is kept.
	before := gh.requests.Load()
	if _, err := m.Styles(context.Background()); err != nil {
		t.Fatalf("Styles again: %v", err)
	}
	if n := gh.requests.Load() - before; n != 0 {
		t.Errorf("requests on second call: got %d, want 0", n)
	}
}

func TestStyles_CacheOnlyNeverFetches(t *testing.T) {
	gh := newFakeGitHub(t)
	styles, err := New(Options{CacheDir: t.TempDir(), Source: gh.source(), CacheOnly: true}).Styles(context.Background())
	if err != nil {
		t.Fatalf("Styles: %v", err)
	}
	if len(styles) != 0 {
		t.Errorf("styles: got %v, want none", styles)
	}
	if n := gh.requests.Load(); n != 0 {
		t.Errorf("requests: got %d, want 0", n)
	}
}

func TestStyles_SourceErrorIsRetried(t *testing.T) {
	gh := newFakeGitHub(t)
	gh.pageCode.Store(http.StatusServiceUnavailable)
	m := New(Options{Source: gh.source()})

	if _, err := m.Styles(context.Background()); err == nil {
		t.Fatal("Styles: expected error while the source is down")
	}

	gh.pageCode.Store(http.StatusOK)
	styles, err := m.Styles(context.Background())
	if err != nil || len(styles) != 2 {
		t.Errorf("Styles after recovery: got %v, %v", styles, err)
	}
}

func TestInline(t *testing.T) {
	wantData := ";base64," + base64.StdEncoding.EncodeToString([]byte(testFont)) + ")"

	for name, dir := range map[string]string{"cached": filepath.Join(t.TempDir(), "cache"), "remote": ""} {
		t.Run(name, func(t *testing.T) {
			gh := newFakeGitHub(t)
			css, err := New(Options{CacheDir: dir, Source: gh.source()}).Inline(context.Background())
			if err != nil {
				t.Fatalf("Inline: %v", err)
			}
			if len(css) != 2 {
				t.Fatalf("Inline: got %d styles, want 2", len(css))
			}
			for _, c := range css {
				if !strings.Contains(c, "url(data:") || !strings.Contains(c, wantData) {
					t.Errorf("font not inlined: %s", c)
				}
				if strings.Contains(c, "/static/") || strings.Contains(c, URLPath) {
					t.Errorf("local reference left behind: %s", c)
				}
			}
		})
	}
}

func TestServeHTTP(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "github.css"), []byte("body{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := New(Options{CacheDir: dir})

	cases := map[string]int{
		URLPath + "github.css":  http.StatusOK,
		URLPath + "missing.css": http.StatusNotFound,
		URLPath + "../x.css":    http.StatusNotFound,
		URLPath + ".hidden":     http.StatusNotFound,
		URLPath:                 http.StatusNotFound,
	}
	for path, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "http://localhost/", nil)
		req.URL.Path = path
		rec := httptest.NewRecorder()
		m.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Errorf("GET %s: got %d, want %d", path, rec.Code, want)
		}
	}
}

func TestClear(t *testing.T) {
	gh := newFakeGitHub(t)
	dir := filepath.Join(t.TempDir(), "cache")
	m := New(Options{CacheDir: dir, Source: gh.source()})
	if _, err := m.Styles(context.Background()); err != nil {
		t.Fatalf("Styles: %v", err)
	}

	if err := m.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("cache dir after Clear: got %v, want removed", err)
	}

	// Styles are retrieved again after a clear.
	before := gh.requests.Load()
	if _, err := m.Styles(context.Background()); err != nil {
		t.Fatalf("Styles after Clear: %v", err)
	}
	if gh.requests.Load() == before {
		t.Error("Styles after Clear did not fetch")
	}
	if err := New(Options{}).Clear(); err != nil {
		t.Errorf("Clear without a cache dir: %v", err)
	}
}
