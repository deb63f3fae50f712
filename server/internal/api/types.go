package api

import "html/template"

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status      string `json:"status"`
	Filename    string `json:"filename"`
	RenderMode  string `json:"render_mode"`
	Refresh     bool   `json:"refresh"`
	Sessions    int    `json:"sessions"`
	CacheHits   uint64 `json:"cache_hits"`
	CacheMisses uint64 `json:"cache_misses"`
}

// pageData fills the document template.
type pageData struct {
	Title    string
	Content  template.HTML
	Wide     bool
	Theme    string
	Refresh  bool
	Script   string
	Endpoint string
	Topic    string

	// Styles are stylesheet links; InlineStyles are embedded whole.
	Styles       []string
	InlineStyles []template.CSS
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
