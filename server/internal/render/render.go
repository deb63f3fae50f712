package render

import (
	"context"
	"errors"
	"fmt"

	"github.com/mdpreview/mdpreview/server/internal/config"
)

var (
	// ErrUpstream is returned when the GitHub API rejects a render request.
	ErrUpstream = errors.New("render: upstream error")

	// ErrRateLimited is the 403 flavour of ErrUpstream. Anonymous API use is
	// limited to 60 requests an hour.
	ErrRateLimited = fmt.Errorf("%w: rate limited", ErrUpstream)
)

// Renderer turns Markdown text into an HTML fragment.
type Renderer interface {
	Render(ctx context.Context, text string) (string, error)
}

// New returns the renderer selected by cfg.Mode.
func New(cfg config.RenderConfig) Renderer {
	if cfg.Mode == "offline" {
		return NewOffline()
	}
	user, pass := cfg.Credentials()
	return NewGitHub(GitHubOptions{
		APIURL:      cfg.APIURL,
		Raw:         cfg.Raw,
		UserContent: cfg.UserContent,
		Context:     cfg.Context,
		Username:    user,
		Password:    pass,
	})
}
