package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mdpreview/mdpreview/pkg/stomp"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod controls how often the server sends WebSocket ping frames.
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing frame buffer depth.
	sendBufSize = 16

	// maxFrameSize caps inbound frames. Clients only send control frames and
	// small SENDs.
	maxFrameSize = 64 << 10

	// topicPrefix is the only destination namespace clients may SEND to.
	topicPrefix = "/topic/"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Allow all origins; the preview server binds to localhost by default.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub is a STOMP broker over WebSocket. It tracks sessions and their topic
// subscriptions and fans published messages out to subscribers.
type Hub struct {
	name   string
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// client is one connected WebSocket session.
type client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	session string

	// Guarded by hub.mu.
	connected bool
	subs      map[string]string // subscription id -> destination
	closing   bool
}

// New creates a Hub. name is reported in the CONNECTED frame's server header.
func New(name string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		name:    name,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Run blocks until ctx is cancelled, then closes all active connections.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// ServeHTTP upgrades the HTTP connection to WebSocket and serves one STOMP
// session. Blocks until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBufSize),
		session: uuid.NewString(),
		subs:    make(map[string]string),
	}
	if !h.register(c) {
		conn.Close()
		return
	}
	defer h.unregister(c)

	h.logger.Debug("ws: session opened", "session", c.session, "remote", r.RemoteAddr)

	go c.writePump()
	c.readPump() // blocks until connection closes
}

// Publish sends a MESSAGE to every subscriber of destination and returns the
// number of subscriptions it was delivered to. Subscribers whose buffer is
// full are disconnected.
func (h *Hub) Publish(destination, contentType string, body []byte) int {
	type target struct {
		c   *client
		sub string
	}

	h.mu.RLock()
	var targets []target
	for c := range h.clients {
		if !c.connected {
			continue
		}
		for id, dest := range c.subs {
			if dest == destination {
				targets = append(targets, target{c: c, sub: id})
			}
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, t := range targets {
		f := stomp.NewFrame(stomp.CmdMessage,
			stomp.HdrDestination, destination,
			stomp.HdrSubscription, t.sub,
			stomp.HdrMessageID, uuid.NewString(),
		)
		if contentType != "" {
			f.Header[stomp.HdrContentType] = contentType
		}
		f.Body = body

		switch t.c.enqueue(stomp.Marshal(f)) {
		case queued:
			delivered++
		case full:
			h.logger.Warn("ws: subscriber too slow, disconnecting", "session", t.c.session)
			h.unregister(t.c)
		}
	}
	return delivered
}

// Count returns the number of currently connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscribers returns the number of subscriptions on destination.
func (h *Hub) Subscribers(destination string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		for _, dest := range c.subs {
			if dest == destination {
				n++
			}
		}
	}
	return n
}

// --- internal ---------------------------------------------------------------

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

type enqueueResult int

const (
	queued enqueueResult = iota
	full
	gone
)

// enqueue hands data to the write pump without blocking. The read lock keeps
// unregister from closing send underneath the channel write.
func (c *client) enqueue(data []byte) enqueueResult {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, live := c.hub.clients[c]; !live {
		return gone
	}
	select {
	case c.send <- data:
		return queued
	default:
		return full
	}
}

// reply queues f for this client.
func (c *client) reply(f *stomp.Frame) {
	if c.enqueue(stomp.Marshal(f)) == full {
		c.hub.unregister(c)
	}
}

// fail sends an ERROR frame and ends the session after it is flushed.
func (c *client) fail(msg, detail string) {
	f := stomp.NewFrame(stomp.CmdError, stomp.HdrMessage, msg)
	f.Body = []byte(detail)
	c.reply(f)
	c.closeAfterFlush()
}

// closeAfterFlush marks the session so the read loop stops; unregistering
// closes send and the write pump exits once it has drained.
func (c *client) closeAfterFlush() {
	c.hub.mu.Lock()
	c.closing = true
	c.hub.mu.Unlock()
}

func (c *client) isClosing() bool {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	return c.closing
}

// handle processes one inbound frame.
func (c *client) handle(f *stomp.Frame) {
	c.hub.mu.RLock()
	connected := c.connected
	c.hub.mu.RUnlock()

	if !connected && f.Command != stomp.CmdConnect && f.Command != stomp.CmdStomp {
		c.fail("not connected", "first frame must be CONNECT, got "+f.Command)
		return
	}

	switch f.Command {
	case stomp.CmdConnect, stomp.CmdStomp:
		if connected {
			c.fail("already connected", "")
			return
		}
		if !acceptsVersion(f.Header.Get(stomp.HdrAcceptVersion)) {
			c.fail("unsupported protocol version", "supported versions: "+stomp.Version)
			return
		}
		c.hub.mu.Lock()
		c.connected = true
		c.hub.mu.Unlock()
		c.reply(stomp.NewFrame(stomp.CmdConnected,
			stomp.HdrVersion, stomp.Version,
			stomp.HdrServer, c.hub.name,
			stomp.HdrSession, c.session,
			stomp.HdrHeartBeat, "0,0",
		))

	case stomp.CmdSubscribe:
		id, dest := f.Header.Get(stomp.HdrID), f.Header.Get(stomp.HdrDestination)
		if id == "" || dest == "" {
			c.fail("malformed SUBSCRIBE", "id and destination headers are required")
			return
		}
		c.hub.mu.Lock()
		c.subs[id] = dest
		c.hub.mu.Unlock()
		c.hub.logger.Debug("ws: subscribed", "session", c.session, "id", id, "destination", dest)

	case stomp.CmdUnsubscribe:
		c.hub.mu.Lock()
		delete(c.subs, f.Header.Get(stomp.HdrID))
		c.hub.mu.Unlock()

	case stomp.CmdSend:
		dest := f.Header.Get(stomp.HdrDestination)
		if !strings.HasPrefix(dest, topicPrefix) {
			c.fail("invalid destination", "SEND is only allowed to "+topicPrefix+"*")
			return
		}
		c.hub.Publish(dest, f.Header.Get(stomp.HdrContentType), f.Body)

	case stomp.CmdDisconnect:
		if r := f.Header.Get(stomp.HdrReceipt); r != "" {
			c.reply(stomp.NewFrame(stomp.CmdReceipt, stomp.HdrReceiptID, r))
		}
		c.closeAfterFlush()
		return

	default:
		c.fail("unsupported command", f.Command)
		return
	}

	if r := f.Header.Get(stomp.HdrReceipt); r != "" {
		c.reply(stomp.NewFrame(stomp.CmdReceipt, stomp.HdrReceiptID, r))
	}
}

// acceptsVersion reports whether the client's accept-version header allows
// 1.2. A missing header means STOMP 1.0, whose frames are a subset of ours.
func acceptsVersion(h string) bool {
	if h == "" {
		return true
	}
	for _, v := range strings.Split(h, ",") {
		switch strings.TrimSpace(v) {
		case "1.0", "1.1", "1.2":
			return true
		}
	}
	return false
}

// writePump drains the client's send channel and forwards frames to the
// WebSocket connection. It also sends periodic ping frames. Runs in its own
// goroutine per client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				// Channel was closed (hub is shutting down or client removed).
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads STOMP frames until the connection closes or the session
// ends. Blocks until then.
func (c *client) readPump() {
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		f, err := stomp.Parse(data)
		if err != nil {
			c.fail("malformed frame", err.Error())
		} else if f != nil {
			c.handle(f)
		}
		if c.isClosing() {
			return
		}
	}
}
