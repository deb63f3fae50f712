package api

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/mdpreview/mdpreview/server/internal/assets"
	"github.com/mdpreview/mdpreview/server/internal/auth"
	"github.com/mdpreview/mdpreview/server/internal/config"
	"github.com/mdpreview/mdpreview/server/internal/metrics"
	"github.com/mdpreview/mdpreview/server/internal/reader"
	"github.com/mdpreview/mdpreview/server/internal/render"
	"github.com/mdpreview/mdpreview/server/internal/store"
)

// ScriptPath is where the embedded live-preview client is served.
const ScriptPath = "/__/mdpreview/static/live-preview.js"

//go:embed static/live-preview.js
var static embed.FS

// Broker is the refresh endpoint mounted at the configured path.
type Broker interface {
	http.Handler
	Count() int
}

// Options wires a Handler to its collaborators. Store, Metrics, Broker and
// Assets may be nil.
type Options struct {
	Reader   reader.Reader
	Renderer render.Renderer
	Store    *store.Store
	Metrics  *metrics.Metrics
	Broker   Broker
	Assets   *assets.Manager

	// InlineStyles embeds the styles in exported pages instead of linking
	// their remote copies.
	InlineStyles bool

	Render  config.RenderConfig
	Refresh config.RefreshConfig
	Auth    config.AuthConfig

	Logger *slog.Logger
}

// Handler serves rendered documents, the live-preview script, the JSON API,
// metrics, and the refresh socket.
type Handler struct {
	opts   Options
	logger *slog.Logger
	router chi.Router
}

// New creates a Handler and registers all routes. Cache and session gauges
// are registered on opts.Metrics when it is set.
func New(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &Handler{opts: opts, logger: opts.Logger}

	if m := opts.Metrics; m != nil {
		if st := opts.Store; st != nil {
			m.CounterFunc("cache_hits_total", "Rendered pages served from the cache.",
				func() float64 { return float64(st.Stats().Hits) })
			m.CounterFunc("cache_misses_total", "Rendered pages missing from the cache.",
				func() float64 { return float64(st.Stats().Misses) })
		}
		if b := opts.Broker; b != nil {
			m.GaugeFunc("ws_sessions", "Open refresh sessions.",
				func() float64 { return float64(b.Count()) })
		}
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(h.observe)

	protect := auth.APIKey(opts.Auth.Mode, opts.Auth.EffectiveHeader(), opts.Auth.Key())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(protect)
		r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
			jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		})
		r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
			jsonErr(w, http.StatusNotFound, "not found")
		})
		r.Get("/health", h.health)
	})
	if opts.Metrics != nil {
		r.With(protect).Get("/metrics", opts.Metrics.Handler().ServeHTTP)
	}
	if opts.Broker != nil {
		endpoint := opts.Refresh.Endpoint
		if endpoint == "" {
			endpoint = config.DefaultRefreshEndpoint
		}
		r.Handle(endpoint, opts.Broker)
	}
	r.Get(ScriptPath, h.script)
	if opts.Assets != nil {
		r.Get(assets.URLPath+"*", opts.Assets.ServeHTTP)
	}
	r.Get("/", h.page)
	r.Get("/*", h.page)

	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Export renders the document at subpath as a standalone page, without the
// refresh script, and writes it to w. Styles are inlined when
// Options.InlineStyles is set; otherwise the page links their remote URLs,
// since the local cache is not reachable from a saved file.
func (h *Handler) Export(ctx context.Context, w io.Writer, subpath string) error {
	content, err := h.renderDocument(ctx, subpath)
	if err != nil {
		return err
	}
	page := h.newPage(subpath, content, false)
	if a := h.opts.Assets; a != nil {
		if h.opts.InlineStyles {
			css, err := a.Inline(ctx)
			if err != nil {
				return err
			}
			for _, c := range css {
				page.InlineStyles = append(page.InlineStyles, template.CSS(c)) //nolint:gosec // fetched stylesheet text
			}
		} else {
			styles, err := a.Styles(ctx)
			if err != nil {
				return err
			}
			for _, s := range styles {
				if s.URL != "" {
					page.Styles = append(page.Styles, s.URL)
				}
			}
		}
	}
	return pageTemplate.Execute(w, page)
}

// --- route handlers ---------------------------------------------------------

// page returns GET / and GET /* — the rendered document, or the raw file for
// binary assets.
func (h *Handler) page(w http.ResponseWriter, r *http.Request) {
	subpath := chi.URLParam(r, "*")

	normalized, err := h.opts.Reader.NormalizeSubpath(subpath)
	if err != nil {
		h.notFound(w, subpath)
		return
	}
	if normalized != subpath {
		http.Redirect(w, r, "/"+normalized, http.StatusFound)
		return
	}

	if h.opts.Reader.IsBinary(subpath) {
		h.asset(w, subpath)
		return
	}

	content, err := h.renderDocument(r.Context(), subpath)
	switch {
	case errors.Is(err, reader.ErrNotFound):
		h.notFound(w, subpath)
		return
	case errors.Is(err, render.ErrRateLimited):
		h.logger.Warn("api: github rate limit reached", "subpath", subpath)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusForbidden)
		limitTemplate.Execute(w, h.opts.Render.Username != "") //nolint:errcheck
		return
	case errors.Is(err, render.ErrUpstream):
		h.logger.Warn("api: render failed", "subpath", subpath, "err", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	case err != nil:
		h.logger.Error("api: render failed", "subpath", subpath, "err", err)
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}

	page := h.newPage(subpath, content, h.opts.Refresh.Enabled)
	page.Styles = h.styleLinks(r.Context())

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplate.Execute(w, page); err != nil {
		h.logger.Warn("api: write page", "subpath", subpath, "err", err)
	}
}

// styleLinks returns the stylesheet hrefs for a served page. Pages still
// render, with the built-in style only, when styles cannot be retrieved.
func (h *Handler) styleLinks(ctx context.Context) []string {
	if h.opts.Assets == nil {
		return nil
	}
	styles, err := h.opts.Assets.Styles(ctx)
	if err != nil {
		h.logger.Warn("api: styles unavailable", "err", err)
	}
	links := make([]string, 0, len(styles))
	for _, s := range styles {
		links = append(links, s.Href())
	}
	return links
}

// asset writes a non-Markdown file unchanged.
func (h *Handler) asset(w http.ResponseWriter, subpath string) {
	data, err := h.opts.Reader.Read(subpath)
	if err != nil {
		h.notFound(w, subpath)
		return
	}
	w.Header().Set("Content-Type", h.opts.Reader.MimetypeFor(subpath))
	w.Write(data) //nolint:errcheck
}

// script returns GET /__/mdpreview/static/live-preview.js.
func (h *Handler) script(w http.ResponseWriter, _ *http.Request) {
	data, err := static.ReadFile("static/live-preview.js")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.Write(data) //nolint:errcheck
}

// health returns GET /api/v1/health — what is being served and how.
func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:     "ok",
		Filename:   h.opts.Reader.FilenameFor(""),
		RenderMode: h.opts.Render.Mode,
		Refresh:    h.opts.Refresh.Enabled,
	}
	if h.opts.Broker != nil {
		resp.Sessions = h.opts.Broker.Count()
	}
	if h.opts.Store != nil {
		stats := h.opts.Store.Stats()
		resp.CacheHits = stats.Hits
		resp.CacheMisses = stats.Misses
	}
	jsonResp(w, http.StatusOK, resp)
}

func (h *Handler) notFound(w http.ResponseWriter, subpath string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	notFoundTemplate.Execute(w, "/"+subpath) //nolint:errcheck
}

// --- rendering --------------------------------------------------------------

// renderDocument returns the HTML fragment for subpath, from the cache when
// the document has not changed since it was last rendered. Documents without
// a modification time are keyed by content.
func (h *Handler) renderDocument(ctx context.Context, subpath string) (string, error) {
	filename := h.opts.Reader.FilenameFor(subpath)

	var key string
	if modified, ok := h.opts.Reader.LastUpdated(subpath); ok {
		key = store.Key(filename, modified)
		if html, hit := h.cached(key); hit {
			return html, nil
		}
	}

	text, err := h.opts.Reader.Read(subpath)
	if err != nil {
		return "", err
	}
	if key == "" {
		key = store.ContentKey(filename, text)
		if html, hit := h.cached(key); hit {
			return html, nil
		}
	}

	html, err := h.opts.Renderer.Render(ctx, string(text))
	if err != nil {
		if h.opts.Metrics != nil {
			h.opts.Metrics.RenderErrors.Add(1)
		}
		return "", fmt.Errorf("api: render %s: %w", filename, err)
	}
	if h.opts.Metrics != nil {
		h.opts.Metrics.Renders.Add(1)
	}
	if h.opts.Store != nil {
		h.opts.Store.Put(key, html)
	}
	return html, nil
}

func (h *Handler) cached(key string) (string, bool) {
	if h.opts.Store == nil {
		return "", false
	}
	return h.opts.Store.Get(key)
}

// --- middleware -------------------------------------------------------------

// observe counts every response by status code and logs it at debug level.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			// Hijacked for a WebSocket upgrade, or nothing written.
			status = http.StatusOK
			if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
				status = http.StatusSwitchingProtocols
			}
		}
		if h.opts.Metrics != nil {
			h.opts.Metrics.ObserveRequest(status)
		}
		h.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
