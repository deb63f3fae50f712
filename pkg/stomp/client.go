package stomp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// handshakeTimeout bounds the WebSocket upgrade in Dial.
	handshakeTimeout = 10 * time.Second

	// receiptWait is how long Disconnect waits for the server's RECEIPT
	// before closing the transport anyway.
	receiptWait = 2 * time.Second
)

// Transport carries one frame per message. *websocket.Conn satisfies it.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Handler receives MESSAGE frames for one subscription.
type Handler func(*Frame)

// Dial opens a WebSocket transport to rawURL. http and https schemes are
// mapped to ws and wss.
func Dial(ctx context.Context, rawURL string, header http.Header) (*websocket.Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("stomp: parse url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("stomp: unsupported scheme %q", u.Scheme)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("stomp: dial %s: %w", u.Redacted(), err)
	}
	return conn, nil
}

// Client is a STOMP client over a message transport.
type Client struct {
	t      Transport
	logger *slog.Logger

	writeMu sync.Mutex

	mu          sync.Mutex
	started     bool
	connected   bool
	closed      bool
	onConnected func(*Frame)
	subs        map[string]Handler
	receipts    map[string]chan struct{}
	nextSub     int

	done      chan struct{}
	closeOnce sync.Once
}

// Over wraps t in a Client. Nothing is sent until Connect.
func Over(t Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		t:        t,
		logger:   logger,
		subs:     make(map[string]Handler),
		receipts: make(map[string]chan struct{}),
		done:     make(chan struct{}),
	}
}

// Connect sends CONNECT with the given extra headers and returns without
// waiting for the reply. onConnected runs once, on the read goroutine, when
// the CONNECTED frame arrives. An ERROR reply is logged and closes the
// client; onConnected is not called.
func (c *Client) Connect(header Header, onConnected func(*Frame)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.onConnected = onConnected
	c.mu.Unlock()

	f := NewFrame(CmdConnect,
		HdrAcceptVersion, "1.2,1.1,1.0",
		HdrHeartBeat, "0,0",
	)
	for k, v := range header {
		f.Header[k] = v
	}

	go c.readLoop()

	if err := c.write(f); err != nil {
		c.shutdown()
		return fmt.Errorf("stomp: send CONNECT: %w", err)
	}
	return nil
}

// Subscribe registers h for destination and sends SUBSCRIBE. It returns the
// subscription id. The handler is registered before the frame is written so
// no MESSAGE for the new id can be missed.
func (c *Client) Subscribe(destination string, h Handler) (string, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	c.nextSub++
	id := "sub-" + strconv.Itoa(c.nextSub)
	c.subs[id] = h
	c.mu.Unlock()

	err := c.write(NewFrame(CmdSubscribe,
		HdrID, id,
		HdrDestination, destination,
		HdrAck, "auto",
	))
	if err != nil {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		return "", fmt.Errorf("stomp: subscribe %s: %w", destination, err)
	}
	return id, nil
}

// Unsubscribe removes the subscription with the given id.
func (c *Client) Unsubscribe(id string) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	delete(c.subs, id)
	c.mu.Unlock()

	return c.write(NewFrame(CmdUnsubscribe, HdrID, id))
}

// Send publishes body to destination.
func (c *Client) Send(destination, contentType string, body []byte) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	f := NewFrame(CmdSend, HdrDestination, destination)
	if contentType != "" {
		f.Header[HdrContentType] = contentType
	}
	f.Body = body
	return c.write(f)
}

// Disconnect ends the session. When the handshake has completed it sends
// DISCONNECT with a receipt and waits briefly for the RECEIPT; otherwise it
// just closes the transport. Calling Disconnect on a closed client is a no-op.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	connected := c.connected
	var (
		receipt string
		ack     chan struct{}
	)
	if connected {
		receipt = uuid.NewString()
		ack = make(chan struct{})
		c.receipts[receipt] = ack
	}
	c.mu.Unlock()

	if connected {
		if err := c.write(NewFrame(CmdDisconnect, HdrReceipt, receipt)); err != nil {
			c.logger.Debug("stomp: send DISCONNECT failed", "err", err)
		} else {
			t := time.NewTimer(receiptWait)
			select {
			case <-ack:
			case <-c.done:
			case <-t.C:
				c.logger.Debug("stomp: no receipt for DISCONNECT", "receipt", receipt)
			}
			t.Stop()
		}
	}

	c.shutdown()
	return nil
}

// Connected reports whether the CONNECTED frame has been received and the
// client is still open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Done is closed when the client shuts down, locally or because the
// transport failed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// --- internal ---------------------------------------------------------------

func (c *Client) write(f *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.t.WriteMessage(websocket.TextMessage, Marshal(f))
}

func (c *Client) readLoop() {
	defer c.shutdown()

	for {
		_, data, err := c.t.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug("stomp: transport closed", "err", err)
			}
			return
		}

		f, err := Parse(data)
		if err != nil {
			c.logger.Warn("stomp: dropping unparseable frame", "err", err)
			continue
		}
		if f == nil {
			continue // heart-beat
		}
		if !c.dispatch(f) {
			return
		}
	}
}

// dispatch routes one inbound frame. It returns false when the session is
// over.
func (c *Client) dispatch(f *Frame) bool {
	switch f.Command {
	case CmdConnected:
		c.mu.Lock()
		if c.connected || c.closed {
			c.mu.Unlock()
			return true
		}
		c.connected = true
		cb := c.onConnected
		c.mu.Unlock()
		if cb != nil {
			cb(f)
		}

	case CmdMessage:
		id := f.Header.Get(HdrSubscription)
		c.mu.Lock()
		h, ok := c.subs[id]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("stomp: message for unknown subscription",
				"subscription", id, "destination", f.Header.Get(HdrDestination))
			return true
		}
		h(f)

	case CmdReceipt:
		id := f.Header.Get(HdrReceiptID)
		c.mu.Lock()
		ack, ok := c.receipts[id]
		delete(c.receipts, id)
		c.mu.Unlock()
		if ok {
			close(ack)
		}

	case CmdError:
		c.logger.Warn("stomp: error frame from server",
			"message", f.Header.Get(HdrMessage),
			"body", string(f.Body),
		)
		return false

	default:
		c.logger.Debug("stomp: ignoring frame", "command", f.Command)
	}
	return true
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.connected = false
		c.mu.Unlock()

		close(c.done)
		c.t.Close() //nolint:errcheck
	})
}
