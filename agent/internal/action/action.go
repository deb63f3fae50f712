package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/mdpreview/mdpreview/agent/internal/config"
	"github.com/mdpreview/mdpreview/agent/internal/refresh"
	"github.com/mdpreview/mdpreview/pkg/stomp"
)

// New builds the reload action described by cfg.
func New(cfg config.ActionConfig, logger *slog.Logger) (refresh.Reloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Type {
	case "log":
		return &Log{logger: logger}, nil
	case "exec":
		if len(cfg.Command) == 0 {
			return nil, fmt.Errorf("action: exec needs a command")
		}
		return &Exec{Argv: cfg.Command, Timeout: cfg.Timeout, logger: logger}, nil
	case "webhook":
		url := cfg.URL()
		if url == "" {
			return nil, fmt.Errorf("action: webhook url env %q is empty", cfg.URLEnv)
		}
		return NewWebhook(url, cfg.Timeout, logger), nil
	default:
		return nil, fmt.Errorf("action: unknown type %q", cfg.Type)
	}
}

// Log records each refresh signal and does nothing else.
type Log struct {
	logger *slog.Logger
}

// Reload implements refresh.Reloader.
func (l *Log) Reload(_ context.Context, msg *stomp.Frame) error {
	l.logger.Info("action: reload",
		"destination", msg.Header.Get(stomp.HdrDestination),
		"message_id", msg.Header.Get(stomp.HdrMessageID),
	)
	return nil
}

// Exec runs a command on each refresh signal and waits for it to finish.
type Exec struct {
	Argv    []string
	Timeout time.Duration
	logger  *slog.Logger
}

// Reload implements refresh.Reloader.
func (e *Exec) Reload(ctx context.Context, _ *stomp.Frame) error {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, e.Argv[0], e.Argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("action: exec %s: %w (output: %q)", e.Argv[0], err, truncate(out, 256))
	}
	e.logger.Debug("action: exec finished", "command", e.Argv[0], "output_bytes", len(out))
	return nil
}

// Webhook POSTs a JSON notification for each refresh signal.
type Webhook struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhook creates a Webhook posting to url.
func NewWebhook(url string, timeout time.Duration, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Notification is the JSON body sent by Webhook.
type Notification struct {
	Event       string    `json:"event"`
	Destination string    `json:"destination"`
	MessageID   string    `json:"message_id,omitempty"`
	Body        string    `json:"body,omitempty"`
	Time        time.Time `json:"time"`
}

// Reload implements refresh.Reloader.
func (w *Webhook) Reload(ctx context.Context, msg *stomp.Frame) error {
	body, _ := json.Marshal(Notification{
		Event:       "refresh",
		Destination: msg.Header.Get(stomp.HdrDestination),
		MessageID:   msg.Header.Get(stomp.HdrMessageID),
		Body:        string(msg.Body),
		Time:        time.Now().UTC(),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("action: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("action: http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("action: webhook returned HTTP %d", resp.StatusCode)
	}
	w.logger.Debug("action: webhook delivered", "status", resp.StatusCode)
	return nil
}

// Switch is a Reloader whose target can be replaced while the listener
// runs, e.g. after a config reload.
type Switch struct {
	cur atomic.Pointer[holder]
}

type holder struct{ r refresh.Reloader }

// NewSwitch returns a Switch delegating to r.
func NewSwitch(r refresh.Reloader) *Switch {
	s := &Switch{}
	s.Set(r)
	return s
}

// Set replaces the target.
func (s *Switch) Set(r refresh.Reloader) {
	s.cur.Store(&holder{r: r})
}

// Reload implements refresh.Reloader.
func (s *Switch) Reload(ctx context.Context, msg *stomp.Frame) error {
	return s.cur.Load().r.Reload(ctx, msg)
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
