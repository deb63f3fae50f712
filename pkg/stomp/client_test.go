package stomp

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// --- helpers ----------------------------------------------------------------

// pipeTransport is an in-memory Transport. Frames the client writes appear on
// out; frames pushed to in are read by the client.
type pipeTransport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipe() *pipeTransport {
	return &pipeTransport{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (p *pipeTransport) ReadMessage() (int, []byte, error) {
	select {
	case b := <-p.in:
		return websocket.TextMessage, b, nil
	case <-p.closed:
		return 0, nil, io.EOF
	}
}

func (p *pipeTransport) WriteMessage(_ int, data []byte) error {
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- data:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	}
}

func (p *pipeTransport) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeTransport) push(f *Frame) { p.in <- Marshal(f) }

// next reads the next frame written by the client.
func (p *pipeTransport) next(t *testing.T) *Frame {
	t.Helper()
	select {
	case b := <-p.out:
		f, err := Parse(b)
		if err != nil {
			t.Fatalf("Parse client frame: %v", err)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return nil
	}
}

func waitClosed(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not shut down")
	}
}

// connected drives a client through the handshake and returns it.
func connected(t *testing.T, p *pipeTransport) *Client {
	t.Helper()
	c := Over(p, nil)
	ready := make(chan struct{})
	if err := c.Connect(nil, func(*Frame) { close(ready) }); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	p.next(t) // CONNECT
	p.push(NewFrame(CmdConnected, HdrVersion, Version))
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("onConnected not called")
	}
	return c
}

// --- tests ------------------------------------------------------------------

func TestClient_ConnectSendsConnectFrame(t *testing.T) {
	p := newPipe()
	c := Over(p, nil)
	defer c.Disconnect() //nolint:errcheck

	if err := c.Connect(Header{"login": "guest"}, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	f := p.next(t)
	if f.Command != CmdConnect {
		t.Fatalf("command: got %q, want CONNECT", f.Command)
	}
	if f.Header.Get(HdrAcceptVersion) == "" {
		t.Error("accept-version: missing")
	}
	if f.Header.Get("login") != "guest" {
		t.Errorf("login: got %q, want guest", f.Header.Get("login"))
	}
	if c.Connected() {
		t.Error("Connected: true before CONNECTED frame")
	}
}

func TestClient_OnConnectedReceivesFrame(t *testing.T) {
	p := newPipe()
	c := Over(p, nil)
	defer c.Disconnect() //nolint:errcheck

	got := make(chan *Frame, 1)
	if err := c.Connect(nil, func(f *Frame) { got <- f }); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	p.next(t)
	p.push(NewFrame(CmdConnected, HdrVersion, "1.2", HdrSession, "abc"))

	select {
	case f := <-got:
		if f.Header.Get(HdrSession) != "abc" {
			t.Errorf("session: got %q, want abc", f.Header.Get(HdrSession))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onConnected not called")
	}
	if !c.Connected() {
		t.Error("Connected: false after CONNECTED frame")
	}
}

func TestClient_ConnectTwice(t *testing.T) {
	p := newPipe()
	c := Over(p, nil)
	defer c.Disconnect() //nolint:errcheck

	if err := c.Connect(nil, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Connect(nil, nil); err != ErrAlreadyStarted {
		t.Errorf("second Connect: got %v, want ErrAlreadyStarted", err)
	}
}

func TestClient_SubscribeBeforeConnected(t *testing.T) {
	c := Over(newPipe(), nil)
	if _, err := c.Subscribe("/topic/refresh", func(*Frame) {}); err != ErrNotConnected {
		t.Errorf("Subscribe: got %v, want ErrNotConnected", err)
	}
}

func TestClient_SubscribeAndReceive(t *testing.T) {
	p := newPipe()
	c := connected(t, p)
	defer c.Disconnect() //nolint:errcheck

	bodies := make(chan string, 2)
	id, err := c.Subscribe("/topic/refresh", func(f *Frame) { bodies <- string(f.Body) })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	sub := p.next(t)
	if sub.Command != CmdSubscribe || sub.Header.Get(HdrDestination) != "/topic/refresh" {
		t.Fatalf("subscribe frame: got %s", sub)
	}
	if sub.Header.Get(HdrID) != id {
		t.Errorf("id: got %q, want %q", sub.Header.Get(HdrID), id)
	}

	msg := NewFrame(CmdMessage, HdrSubscription, id, HdrDestination, "/topic/refresh")
	msg.Body = []byte("refresh")
	p.push(msg)
	// Messages for other subscriptions are ignored.
	p.push(NewFrame(CmdMessage, HdrSubscription, "other"))

	select {
	case b := <-bodies:
		if b != "refresh" {
			t.Errorf("body: got %q, want refresh", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
	select {
	case b := <-bodies:
		t.Errorf("unexpected second delivery %q", b)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClient_Unsubscribe(t *testing.T) {
	p := newPipe()
	c := connected(t, p)
	defer c.Disconnect() //nolint:errcheck

	id, err := c.Subscribe("/topic/a", func(*Frame) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	p.next(t)

	if err := c.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	f := p.next(t)
	if f.Command != CmdUnsubscribe || f.Header.Get(HdrID) != id {
		t.Errorf("unsubscribe frame: got %s", f)
	}
}

func TestClient_Send(t *testing.T) {
	p := newPipe()
	c := connected(t, p)
	defer c.Disconnect() //nolint:errcheck

	if err := c.Send("/topic/refresh", "text/plain", []byte("hi")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	f := p.next(t)
	if f.Command != CmdSend {
		t.Fatalf("command: got %q, want SEND", f.Command)
	}
	if f.Header.Get(HdrContentType) != "text/plain" || string(f.Body) != "hi" {
		t.Errorf("send frame: got %s body %q", f, f.Body)
	}
}

func TestClient_DisconnectWaitsForReceipt(t *testing.T) {
	p := newPipe()
	c := connected(t, p)

	done := make(chan struct{})
	go func() {
		c.Disconnect() //nolint:errcheck
		close(done)
	}()

	f := p.next(t)
	if f.Command != CmdDisconnect {
		t.Fatalf("command: got %q, want DISCONNECT", f.Command)
	}
	receipt := f.Header.Get(HdrReceipt)
	if receipt == "" {
		t.Fatal("receipt header: missing")
	}
	p.push(NewFrame(CmdReceipt, HdrReceiptID, receipt))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Disconnect did not return after RECEIPT")
	}
	waitClosed(t, c)
	if c.Connected() {
		t.Error("Connected: true after Disconnect")
	}
}

func TestClient_DisconnectBeforeHandshake(t *testing.T) {
	p := newPipe()
	c := Over(p, nil)
	if err := c.Connect(nil, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	p.next(t)

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	waitClosed(t, c)

	// Nothing but CONNECT was written.
	select {
	case b := <-p.out:
		t.Errorf("unexpected frame after pending handshake: %q", b)
	default:
	}
}

func TestClient_DisconnectIdempotent(t *testing.T) {
	c := Over(newPipe(), nil)
	if err := c.Disconnect(); err != nil {
		t.Fatalf("first Disconnect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Errorf("second Disconnect: %v", err)
	}
	if err := c.Connect(nil, nil); err != ErrAlreadyClosed {
		t.Errorf("Connect after Disconnect: got %v, want ErrAlreadyClosed", err)
	}
}

func TestClient_ErrorFrameClosesWithoutCallback(t *testing.T) {
	p := newPipe()
	c := Over(p, nil)

	called := make(chan struct{}, 1)
	if err := c.Connect(nil, func(*Frame) { called <- struct{}{} }); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	p.next(t)
	p.push(NewFrame(CmdError, HdrMessage, "bad login"))

	waitClosed(t, c)
	select {
	case <-called:
		t.Error("onConnected called after ERROR")
	default:
	}
}

func TestClient_TransportFailureClosesDone(t *testing.T) {
	p := newPipe()
	c := connected(t, p)

	p.Close()
	waitClosed(t, c)
	if err := c.Send("/topic/x", "", nil); err != ErrNotConnected {
		t.Errorf("Send after failure: got %v, want ErrNotConnected", err)
	}
}
