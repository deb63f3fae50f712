package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mdpreview/mdpreview/server/internal/api"
	"github.com/mdpreview/mdpreview/server/internal/assets"
	"github.com/mdpreview/mdpreview/server/internal/config"
	"github.com/mdpreview/mdpreview/server/internal/metrics"
	"github.com/mdpreview/mdpreview/server/internal/reader"
	"github.com/mdpreview/mdpreview/server/internal/render"
	"github.com/mdpreview/mdpreview/server/internal/store"
	"github.com/mdpreview/mdpreview/server/internal/ws"
)

// --- test helpers -----------------------------------------------------------

// countingRenderer wraps the offline renderer and counts calls.
type countingRenderer struct {
	calls atomic.Int32
	err   error
}

func (c *countingRenderer) Render(ctx context.Context, text string) (string, error) {
	c.calls.Add(1)
	if c.err != nil {
		return "", c.err
	}
	return render.NewOffline().Render(ctx, text)
}

// tree writes files (slash-separated names) under a new temp dir.
func tree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

type fixture struct {
	root     string
	handler  *api.Handler
	renderer *countingRenderer
	store    *store.Store
	metrics  *metrics.Metrics
	hub      *ws.Hub
}

func newFixture(t *testing.T, mutate func(*api.Options)) *fixture {
	t.Helper()
	root := tree(t, map[string]string{
		"README.md":      "# Hello\n\nSome *text*.\n",
		"docs/README.md": "# Docs\n",
		"docs/guide.md":  "## Guide\n",
		"logo.png":       "\x89PNG\r\n\x1a\n",
	})
	rd, err := reader.NewDirectory(root, true)
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	st, err := store.New(1<<20, time.Minute)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(st.Close)

	f := &fixture{
		root:     root,
		renderer: &countingRenderer{},
		store:    st,
		metrics:  metrics.New(),
		hub:      ws.New("mdpreview-test", nil),
	}
	opts := api.Options{
		Reader:   rd,
		Renderer: f.renderer,
		Store:    st,
		Metrics:  f.metrics,
		Broker:   f.hub,
		Render:   config.RenderConfig{Mode: "offline", Theme: "light"},
		Refresh: config.RefreshConfig{
			Enabled:  true,
			Endpoint: config.DefaultRefreshEndpoint,
			Topic:    config.DefaultRefreshTopic,
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.handler = api.New(opts)
	return f
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
}

// --- documents --------------------------------------------------------------

func TestPage_RendersRoot(t *testing.T) {
	f := newFixture(t, nil)
	rr := get(t, f.handler, "/")

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content-type: got %q", ct)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"<title>README.md - mdpreview</title>",
		`<h1 id="hello">Hello</h1>`,
		"<em>text</em>",
		`src="/__/mdpreview/static/live-preview.js"`,
		`data-topic="/topic/refresh"`,
		`data-color-mode="light"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
}

func TestPage_NoRefreshOmitsScript(t *testing.T) {
	f := newFixture(t, func(o *api.Options) { o.Refresh.Enabled = false })
	rr := get(t, f.handler, "/")

	if strings.Contains(rr.Body.String(), "live-preview.js") {
		t.Error("refresh script present with refresh disabled")
	}
}

func TestPage_TitleWideTheme(t *testing.T) {
	f := newFixture(t, func(o *api.Options) {
		o.Render.Title = "My Notes"
		o.Render.Wide = true
		o.Render.Theme = "dark"
	})
	body := get(t, f.handler, "/").Body.String()

	if !strings.Contains(body, "<title>My Notes</title>") {
		t.Error("custom title not used")
	}
	if !strings.Contains(body, `class="page wide"`) {
		t.Error("wide class missing")
	}
	if !strings.Contains(body, `data-color-mode="dark"`) {
		t.Error("dark theme not applied")
	}
}

func TestPage_DirectoryRedirect(t *testing.T) {
	f := newFixture(t, nil)
	rr := get(t, f.handler, "/docs")

	if rr.Code != http.StatusFound {
		t.Fatalf("status: got %d, want 302", rr.Code)
	}
	if loc := rr.Header().Get("Location"); loc != "/docs/" {
		t.Errorf("location: got %q, want /docs/", loc)
	}
}

func TestPage_SubdirectoryReadme(t *testing.T) {
	f := newFixture(t, nil)
	rr := get(t, f.handler, "/docs/")

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, ">Docs</h1>") {
		t.Errorf("docs README not rendered: %s", body)
	}
	if !strings.Contains(body, "<title>docs/README.md - mdpreview</title>") {
		t.Errorf("title: %s", body)
	}
}

func TestPage_File(t *testing.T) {
	f := newFixture(t, nil)
	rr := get(t, f.handler, "/docs/guide.md")

	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), ">Guide</h2>") {
		t.Errorf("got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestPage_BinaryAssetServedRaw(t *testing.T) {
	f := newFixture(t, nil)
	rr := get(t, f.handler, "/logo.png")

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content-type: got %q, want image/png", ct)
	}
	if rr.Body.String() != "\x89PNG\r\n\x1a\n" {
		t.Errorf("body changed: %q", rr.Body.String())
	}
	if n := f.renderer.calls.Load(); n != 0 {
		t.Errorf("renderer called %d times for a binary file", n)
	}
}

func TestPage_NotFound(t *testing.T) {
	f := newFixture(t, nil)
	for _, path := range []string{"/missing.md", "/../etc/passwd"} {
		rr := get(t, f.handler, path)
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s: status got %d, want 404", path, rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "Not Found") {
			t.Errorf("%s: body: %s", path, rr.Body.String())
		}
	}
}

func TestPage_CachedUntilModified(t *testing.T) {
	f := newFixture(t, nil)

	get(t, f.handler, "/")
	get(t, f.handler, "/")
	if n := f.renderer.calls.Load(); n != 1 {
		t.Fatalf("renders after two requests: got %d, want 1", n)
	}

	readme := filepath.Join(f.root, "README.md")
	if err := os.WriteFile(readme, []byte("# Changed\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(readme, later, later); err != nil {
		t.Fatal(err)
	}

	rr := get(t, f.handler, "/")
	if n := f.renderer.calls.Load(); n != 2 {
		t.Errorf("renders after modification: got %d, want 2", n)
	}
	if !strings.Contains(rr.Body.String(), ">Changed</h1>") {
		t.Errorf("stale page served: %s", rr.Body.String())
	}
}

func TestPage_RenderErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: HTTP 403", render.ErrRateLimited), http.StatusForbidden},
		{fmt.Errorf("%w: HTTP 500", render.ErrUpstream), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		f := newFixture(t, nil)
		f.renderer.err = c.err
		if rr := get(t, f.handler, "/"); rr.Code != c.want {
			t.Errorf("%v: status got %d, want %d", c.err, rr.Code, c.want)
		}
		if got := f.metrics.RenderErrors.Load(); got != 1 {
			t.Errorf("%v: render errors got %d, want 1", c.err, got)
		}
	}
}

func TestPage_TextReader(t *testing.T) {
	f := newFixture(t, func(o *api.Options) { o.Reader = reader.NewText("# From text\n", "") })
	rr := get(t, f.handler, "/")

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "<title>mdpreview</title>") {
		t.Errorf("title for unnamed text: %s", body)
	}
	if !strings.Contains(body, ">From text</h1>") {
		t.Errorf("content: %s", body)
	}

	get(t, f.handler, "/")
	if n := f.renderer.calls.Load(); n != 1 {
		t.Errorf("unchanged text rendered %d times, want 1", n)
	}
}

func TestScript(t *testing.T) {
	f := newFixture(t, nil)
	rr := get(t, f.handler, api.ScriptPath)

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/javascript") {
		t.Errorf("content-type: got %q", ct)
	}
	for _, want := range []string{"SUBSCRIBE", "Received refresh signal", "Disconnected"} {
		if !strings.Contains(rr.Body.String(), want) {
			t.Errorf("script missing %q", want)
		}
	}
}

// --- export -----------------------------------------------------------------

func TestExport(t *testing.T) {
	f := newFixture(t, nil)
	var buf bytes.Buffer
	if err := f.handler.Export(context.Background(), &buf, ""); err != nil {
		t.Fatalf("Export: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `<h1 id="hello">Hello</h1>`) {
		t.Errorf("content missing: %s", out)
	}
	if strings.Contains(out, "live-preview.js") {
		t.Error("exported page carries the refresh script")
	}
}

func TestExport_NotFound(t *testing.T) {
	f := newFixture(t, nil)
	err := f.handler.Export(context.Background(), &bytes.Buffer{}, "nope.md")
	if !errors.Is(err, reader.ErrNotFound) {
		t.Errorf("err: got %v, want ErrNotFound", err)
	}
}

// --- /api/v1/health ---------------------------------------------------------

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	get(t, f.handler, "/")
	get(t, f.handler, "/")

	rr := get(t, f.handler, "/api/v1/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var resp api.HealthResponse
	decode(t, rr, &resp)

	if resp.Status != "ok" || resp.Filename != "README.md" || resp.RenderMode != "offline" {
		t.Errorf("got %+v", resp)
	}
	if !resp.Refresh {
		t.Error("refresh: got false, want true")
	}
	if resp.CacheHits != 1 || resp.CacheMisses != 1 {
		t.Errorf("cache: got hits=%d misses=%d, want 1/1", resp.CacheHits, resp.CacheMisses)
	}
}

func TestHealth_MethodNotAllowed(t *testing.T) {
	f := newFixture(t, nil)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/health", nil))

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status: got %d, want 405", rr.Code)
	}
	var resp map[string]string
	decode(t, rr, &resp)
	if resp["error"] != "method not allowed" {
		t.Errorf("error: got %q", resp["error"])
	}
}

func TestAPI_UnknownRoute(t *testing.T) {
	f := newFixture(t, nil)
	rr := get(t, f.handler, "/api/v1/nope")
	if rr.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type: got %q", ct)
	}
}

// --- auth -------------------------------------------------------------------

func TestAuth_ProtectsAPIAndMetricsOnly(t *testing.T) {
	t.Setenv("MDPREVIEW_TEST_KEY", "s3cret")
	f := newFixture(t, func(o *api.Options) {
		o.Auth = config.AuthConfig{Mode: "apikey", KeyEnv: "MDPREVIEW_TEST_KEY"}
	})

	for _, path := range []string{"/api/v1/health", "/metrics"} {
		if rr := get(t, f.handler, path); rr.Code != http.StatusUnauthorized {
			t.Errorf("%s without key: got %d, want 401", path, rr.Code)
		}
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("x-api-key", "s3cret")
		f.handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("%s with key: got %d, want 200", path, rr.Code)
		}
	}

	if rr := get(t, f.handler, "/"); rr.Code != http.StatusOK {
		t.Errorf("page should stay open: got %d", rr.Code)
	}
}

// --- /metrics ---------------------------------------------------------------

func TestMetrics(t *testing.T) {
	f := newFixture(t, nil)
	get(t, f.handler, "/")
	get(t, f.handler, "/missing.md")

	body := get(t, f.handler, "/metrics").Body.String()
	for _, want := range []string{
		"mdpreview_renders_total 1",
		`mdpreview_http_requests_total{code="200"} 1`,
		`mdpreview_http_requests_total{code="404"} 1`,
		"mdpreview_cache_misses_total 1",
		"mdpreview_ws_sessions 0",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q:\n%s", want, body)
		}
	}
}

// --- /ws --------------------------------------------------------------------

func TestBrokerMounted(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + config.DefaultRefreshEndpoint
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("hub count: got %d, want 1", f.hub.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// --- styles -----------------------------------------------------------------

// styleSource serves a page linking one stylesheet that uses one font.
func styleSource(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`<link rel="stylesheet" href="/assets/github.css">`))
	})
	mux.HandleFunc("/assets/github.css", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`.octicon{src:url(/static/fonts/octicons/octicons.woff)}`))
	})
	mux.HandleFunc("/static/fonts/octicons/octicons.woff", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("font"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestPage_LinksCachedStyles(t *testing.T) {
	src := styleSource(t)
	f := newFixture(t, func(o *api.Options) {
		o.Assets = assets.New(assets.Options{CacheDir: t.TempDir(), Source: src.URL + "/"})
	})

	body := get(t, f.handler, "/").Body.String()
	link := `<link rel="stylesheet" href="` + assets.URLPath + `github.css">`
	if !strings.Contains(body, link) {
		t.Fatalf("page missing %s:\n%s", link, body)
	}

	rr := get(t, f.handler, assets.URLPath+"github.css")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), assets.URLPath+"octicons.woff") {
		t.Errorf("cached css: got %d %q", rr.Code, rr.Body.String())
	}
}

func TestPage_StylesUnavailableStillRenders(t *testing.T) {
	src := styleSource(t)
	src.Close()
	f := newFixture(t, func(o *api.Options) {
		o.Assets = assets.New(assets.Options{Source: src.URL + "/"})
	})

	rr := get(t, f.handler, "/")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "<h1") {
		t.Errorf("GET /: got %d, want the page without styles", rr.Code)
	}
	if strings.Contains(rr.Body.String(), `rel="stylesheet"`) {
		t.Error("page links styles that could not be retrieved")
	}
}

func TestExport_Styles(t *testing.T) {
	src := styleSource(t)
	for _, inline := range []bool{true, false} {
		f := newFixture(t, func(o *api.Options) {
			o.Assets = assets.New(assets.Options{CacheDir: t.TempDir(), Source: src.URL + "/"})
			o.InlineStyles = inline
		})

		var buf bytes.Buffer
		if err := f.handler.Export(context.Background(), &buf, ""); err != nil {
			t.Fatalf("inline=%v: Export: %v", inline, err)
		}
		page := buf.String()
		if strings.Contains(page, assets.URLPath) {
			t.Errorf("inline=%v: export references the local cache", inline)
		}
		if inline {
			if !strings.Contains(page, "<style>.octicon{src:url(data:") {
				t.Errorf("inline: styles not embedded:\n%s", page)
			}
		} else if !strings.Contains(page, `href="`+src.URL+`/assets/github.css"`) {
			t.Errorf("no-inline: remote style not linked:\n%s", page)
		}
	}
}
