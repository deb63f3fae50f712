package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/mdpreview/mdpreview/pkg/stomp"
)

const (
	// Endpoint is the broker path, relative to the server base URL.
	Endpoint = "/ws"

	// Topic is the destination refresh signals are published on.
	Topic = "/topic/refresh"
)

var (
	// ErrAlreadyConnected is returned by Connect while another Connect is
	// dialing or the tracked session is still open.
	ErrAlreadyConnected = errors.New("refresh: already connected")

	// ErrDisconnected is returned by Connect when Disconnect ran while the
	// transport was being dialed. The new session is closed before the
	// handshake.
	ErrDisconnected = errors.New("refresh: disconnected while connecting")
)

// Session is the protocol client the listener drives. *stomp.Client
// satisfies it.
type Session interface {
	Connect(header stomp.Header, onConnected func(*stomp.Frame)) error
	Subscribe(destination string, h stomp.Handler) (string, error)
	Disconnect() error
	Done() <-chan struct{}
}

// Opener opens a transport to endpoint and wraps it in a Session.
type Opener func(ctx context.Context, endpoint string) (Session, error)

// DialSTOMP returns an Opener that dials a WebSocket with stomp.Dial and
// wraps it in a stomp.Client.
func DialSTOMP(logger *slog.Logger) Opener {
	return func(ctx context.Context, endpoint string) (Session, error) {
		conn, err := stomp.Dial(ctx, endpoint, nil)
		if err != nil {
			return nil, err
		}
		return stomp.Over(conn, logger), nil
	}
}

// Reloader performs the reload for one refresh signal.
type Reloader interface {
	Reload(ctx context.Context, msg *stomp.Frame) error
}

// ReloaderFunc adapts a function to Reloader.
type ReloaderFunc func(ctx context.Context, msg *stomp.Frame) error

// Reload calls f.
func (f ReloaderFunc) Reload(ctx context.Context, msg *stomp.Frame) error { return f(ctx, msg) }

// Listener holds at most one session to the broker and reloads on every
// message published to Topic.
type Listener struct {
	base   string
	open   Opener
	reload Reloader
	logger *slog.Logger

	mu         sync.Mutex
	session    Session
	connecting bool               // a dial is in flight
	cancelDial context.CancelFunc // set while connecting
	unloaded   bool               // Disconnect ran during the dial
}

// New creates a Listener for the server at baseURL. A nil logger uses
// slog.Default().
func New(baseURL string, open Opener, reload Reloader, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		base:   baseURL,
		open:   open,
		reload: reload,
		logger: logger,
	}
}

// EndpointURL joins Endpoint onto base, keeping any path prefix base has.
func EndpointURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("refresh: parse server url %q: %w", base, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("refresh: server url %q must be absolute", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + Endpoint
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Connect opens the transport, tracks the new session and starts the
// handshake. It returns once CONNECT is sent; the subscription to Topic is
// made when the CONNECTED frame arrives. ctx bounds the dial and is passed
// to every Reload.
//
// Only one Connect may be in flight. A dial failure is returned and nothing
// is tracked. A Disconnect during the dial cancels it; a session that lands
// anyway is tracked and closed, and Connect returns ErrDisconnected.
func (l *Listener) Connect(ctx context.Context) error {
	endpoint, err := EndpointURL(l.base)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.connecting || (l.session != nil && !isDone(l.session)) {
		l.mu.Unlock()
		return ErrAlreadyConnected
	}
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.connecting, l.cancelDial, l.unloaded = true, cancel, false
	l.mu.Unlock()

	s, err := l.open(dialCtx, endpoint)

	l.mu.Lock()
	unloaded := l.unloaded
	l.connecting, l.cancelDial = false, nil
	if err != nil {
		l.mu.Unlock()
		if unloaded {
			return ErrDisconnected
		}
		return fmt.Errorf("refresh: open %s: %w", endpoint, err)
	}
	l.session = s
	l.mu.Unlock()

	if unloaded {
		if err := s.Disconnect(); err != nil {
			l.logger.Debug("refresh: disconnect", "err", err)
		}
		return ErrDisconnected
	}

	if err := s.Connect(stomp.Header{}, func(f *stomp.Frame) {
		l.onConnected(ctx, s, f)
	}); err != nil {
		return fmt.Errorf("refresh: connect: %w", err)
	}
	return nil
}

// Disconnect ends the tracked session, if any, and cancels a dial in
// flight. The session stays tracked, so a second call reaches a closed
// session, which ignores it.
func (l *Listener) Disconnect() {
	l.mu.Lock()
	s := l.session
	if l.connecting {
		l.unloaded = true
		l.cancelDial()
	}
	l.mu.Unlock()

	if s != nil {
		if err := s.Disconnect(); err != nil {
			l.logger.Debug("refresh: disconnect", "err", err)
		}
	}
	l.logger.Info("Disconnected")
}

// Done is closed when the tracked session ends. It is nil, and so blocks
// forever, before the first Connect.
func (l *Listener) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return nil
	}
	return l.session.Done()
}

func (l *Listener) onConnected(ctx context.Context, s Session, f *stomp.Frame) {
	l.logger.Info("Connected: " + f.String())

	_, err := s.Subscribe(Topic, func(msg *stomp.Frame) {
		l.logger.Info("Received refresh signal")
		if err := l.reload.Reload(ctx, msg); err != nil {
			l.logger.Warn("refresh: reload failed", "err", err)
		}
	})
	if err != nil {
		l.logger.Warn("refresh: subscribe failed", "topic", Topic, "err", err)
	}
}

func isDone(s Session) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}
