package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/mdpreview/mdpreview/server/internal/config"
)

const (
	defaultRenderTimeout = 30 * time.Second

	// maxResponseSize caps the rendered HTML read from the API.
	maxResponseSize = 16 << 20
)

// GitHubOptions configures a GitHub renderer.
type GitHubOptions struct {
	// APIURL is the API base, e.g. https://api.github.com. Empty uses the
	// public API.
	APIURL string

	// Raw posts plain text to /markdown/raw and returns the result unpatched.
	Raw bool

	// UserContent renders in gfm mode, as GitHub does for issues and comments.
	UserContent bool

	// Context is the owner/repo used to resolve references in gfm mode.
	Context string

	Username string
	Password string

	// Transport overrides the HTTP transport. Nil uses http.DefaultTransport.
	Transport http.RoundTripper
}

// GitHub renders through the GitHub Markdown API.
type GitHub struct {
	opts   GitHubOptions
	client *http.Client
}

// NewGitHub creates a GitHub renderer.
func NewGitHub(opts GitHubOptions) *GitHub {
	if opts.APIURL == "" {
		opts.APIURL = config.DefaultAPIURL
	}
	opts.APIURL = strings.TrimRight(opts.APIURL, "/")

	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	var rt http.RoundTripper = base
	if opts.Username != "" || opts.Password != "" {
		rt = &authRoundTripper{base: base, user: opts.Username, pass: opts.Password}
	}
	return &GitHub{
		opts:   opts,
		client: &http.Client{Transport: rt, Timeout: defaultRenderTimeout},
	}
}

// authRoundTripper adds basic auth to every outgoing request.
type authRoundTripper struct {
	base       http.RoundTripper
	user, pass string
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.user, t.pass)
	return t.base.RoundTrip(req)
}

type markdownRequest struct {
	Text    string `json:"text"`
	Mode    string `json:"mode"`
	Context string `json:"context,omitempty"`
}

// Render implements Renderer.
func (g *GitHub) Render(ctx context.Context, text string) (string, error) {
	var (
		url         string
		body        []byte
		contentType string
	)
	if g.opts.Raw {
		url = g.opts.APIURL + "/markdown/raw"
		body = []byte(text)
		contentType = "text/x-markdown; charset=UTF-8"
	} else {
		req := markdownRequest{Text: text, Mode: "markdown"}
		if g.opts.UserContent {
			req.Mode = "gfm"
			req.Context = g.opts.Context
		}
		body, _ = json.Marshal(req)
		url = g.opts.APIURL + "/markdown"
		contentType = "application/json; charset=UTF-8"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("render: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "text/html")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("render: http post: %w", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("render: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		base := ErrUpstream
		if resp.StatusCode == http.StatusForbidden {
			base = ErrRateLimited
		}
		return "", fmt.Errorf("%w: HTTP %d from %s: %s",
			base, resp.StatusCode, url, strings.TrimSpace(string(truncate(out, 200))))
	}

	if g.opts.Raw {
		return string(out), nil
	}
	return Patch(string(out), g.opts.UserContent), nil
}

var (
	incompleteTaskRE = regexp.MustCompile(`(?s)<li>\[ \] (.*?)(<ul.*?>|</li>)`)
	completeTaskRE   = regexp.MustCompile(`(?s)<li>\[x\] (.*?)(<ul.*?>|</li>)`)
	headerPatchRE    = regexp.MustCompile(
		`<span>\{:"aria-hidden"=&gt;"true", :class=&gt;"octicon octicon-link"\}</span>`)
)

const (
	incompleteTaskSub = `<li class="task-list-item"><input type="checkbox" class="task-list-item-checkbox" disabled=""> ${1}${2}`
	completeTaskSub   = `<li class="task-list-item"><input type="checkbox" class="task-list-item-checkbox" checked="" disabled=""> ${1}${2}`
	headerPatchSub    = `<span class="octicon octicon-link"></span>`
)

// Patch fixes known defects in API output: task-list items come back as
// plain "[ ]" text in markdown mode, and heading anchors sometimes carry a
// serialized Ruby hash instead of the octicon span.
func Patch(html string, userContent bool) string {
	if strings.TrimSpace(html) == "" {
		return html
	}
	if !userContent {
		html = incompleteTaskRE.ReplaceAllString(html, incompleteTaskSub)
		html = completeTaskRE.ReplaceAllString(html, completeTaskSub)
	}
	return headerPatchRE.ReplaceAllString(html, headerPatchSub)
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
