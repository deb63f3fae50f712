package api

import (
	"html/template"

	"github.com/mdpreview/mdpreview/server/internal/config"
)

// newPage builds the template input for a rendered document.
func (h *Handler) newPage(subpath, content string, refresh bool) pageData {
	title := h.opts.Render.Title
	if title == "" {
		title = "mdpreview"
		if name := h.opts.Reader.FilenameFor(subpath); name != "" {
			title = name + " - mdpreview"
		}
	}
	theme := h.opts.Render.Theme
	if theme == "" {
		theme = "light"
	}
	endpoint, topic := h.opts.Refresh.Endpoint, h.opts.Refresh.Topic
	if endpoint == "" {
		endpoint = config.DefaultRefreshEndpoint
	}
	if topic == "" {
		topic = config.DefaultRefreshTopic
	}
	return pageData{
		Title:    title,
		Content:  template.HTML(content), //nolint:gosec // renderer output is trusted
		Wide:     h.opts.Render.Wide,
		Theme:    theme,
		Refresh:  refresh,
		Script:   ScriptPath,
		Endpoint: endpoint,
		Topic:    topic,
	}
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en" data-color-mode="{{.Theme}}" data-light-theme="light" data-dark-theme="dark">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>{{.Title}}</title>
{{- range .Styles}}
  <link rel="stylesheet" href="{{.}}">
{{- end}}
{{- range .InlineStyles}}
  <style>{{.}}</style>
{{- end}}
  <style>
    body { margin: 0; font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Helvetica, Arial, sans-serif; line-height: 1.5; }
    [data-color-mode="dark"] body { background: #0d1117; color: #e6edf3; }
    [data-color-mode="dark"] a { color: #4493f8; }
    .page { box-sizing: border-box; margin: 0 auto; padding: 32px; max-width: 980px; }
    .page.wide { max-width: none; }
    .markdown-body img { max-width: 100%; }
    .markdown-body pre { overflow: auto; padding: 16px; background: rgba(127, 127, 127, .1); border-radius: 6px; }
    .markdown-body table { border-collapse: collapse; }
    .markdown-body td, .markdown-body th { border: 1px solid rgba(127, 127, 127, .4); padding: 6px 13px; }
  </style>
</head>
<body>
  <div class="page{{if .Wide}} wide{{end}}">
    <article class="markdown-body">
{{.Content}}
    </article>
  </div>
{{- if .Refresh}}
  <script src="{{.Script}}" data-endpoint="{{.Endpoint}}" data-topic="{{.Topic}}"></script>
{{- end}}
</body>
</html>
`))

var notFoundTemplate = template.Must(template.New("404").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Not Found - mdpreview</title></head>
<body>
  <h1>Not Found</h1>
  <p>Nothing to preview at <code>{{.}}</code>.</p>
</body>
</html>
`))

// limitTemplate takes whether credentials were supplied.
var limitTemplate = template.Must(template.New("limit").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Rate Limit - mdpreview</title></head>
<body>
  <h1>GitHub rate limit reached</h1>
{{- if .}}
  <p>The GitHub API refused the supplied credentials' request. Wait for the limit to reset, or render with <code>--offline</code>.</p>
{{- else}}
  <p>Anonymous use of the GitHub Markdown API is limited to 60 requests an hour. Run with <code>--user</code> and a personal access token, or render with <code>--offline</code>.</p>
{{- end}}
</body>
</html>
`))
