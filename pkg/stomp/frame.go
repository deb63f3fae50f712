package stomp

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Client and server commands.
const (
	CmdConnect     = "CONNECT"
	CmdStomp       = "STOMP"
	CmdConnected   = "CONNECTED"
	CmdSend        = "SEND"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdMessage     = "MESSAGE"
	CmdReceipt     = "RECEIPT"
	CmdError       = "ERROR"
	CmdDisconnect  = "DISCONNECT"
)

// Well-known header names.
const (
	HdrAcceptVersion = "accept-version"
	HdrVersion       = "version"
	HdrHost          = "host"
	HdrHeartBeat     = "heart-beat"
	HdrServer        = "server"
	HdrSession       = "session"
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrAck           = "ack"
	HdrSubscription  = "subscription"
	HdrMessageID     = "message-id"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrContentType   = "content-type"
	HdrContentLength = "content-length"
	HdrMessage       = "message"
)

// Version is the protocol version negotiated by both sides.
const Version = "1.2"

// Header holds frame headers. When a header repeats on the wire only the
// first occurrence is kept.
type Header map[string]string

// Get returns the value for key, or "" when absent.
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[key]
}

// Frame is a single STOMP frame.
type Frame struct {
	Command string
	Header  Header
	Body    []byte
}

// NewFrame builds a frame from alternating header key/value pairs.
func NewFrame(command string, kv ...string) *Frame {
	f := &Frame{Command: command, Header: make(Header, len(kv)/2)}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Header[kv[i]] = kv[i+1]
	}
	return f
}

// String renders the frame on one line for logs: the command, its headers
// in key order, and the body size. A frame without headers or body renders
// as its bare command.
func (f *Frame) String() string {
	var b strings.Builder
	b.WriteString(f.Command)
	for _, k := range f.keys() {
		fmt.Fprintf(&b, " %s=%s", k, f.Header[k])
	}
	if len(f.Body) > 0 {
		fmt.Fprintf(&b, " (%d bytes)", len(f.Body))
	}
	return b.String()
}

func (f *Frame) keys() []string {
	keys := make([]string, 0, len(f.Header))
	for k := range f.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// rawHeaders reports whether header escaping is disabled for the command.
// CONNECT and CONNECTED predate escaping and carry headers verbatim.
func rawHeaders(command string) bool {
	return command == CmdConnect || command == CmdConnected
}

var (
	headerEscaper   = strings.NewReplacer(`\`, `\\`, "\r", `\r`, "\n", `\n`, ":", `\c`)
	headerUnescaper = strings.NewReplacer(`\\`, `\`, `\r`, "\r", `\n`, "\n", `\c`, ":")
)

// Marshal encodes f in STOMP wire format. Frames with a body always carry a
// content-length header.
func Marshal(f *Frame) []byte {
	var b bytes.Buffer
	b.WriteString(f.Command)
	b.WriteByte('\n')

	raw := rawHeaders(f.Command)
	for _, k := range f.keys() {
		if k == HdrContentLength {
			continue
		}
		v := f.Header[k]
		if !raw {
			k, v = headerEscaper.Replace(k), headerEscaper.Replace(v)
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(v)
		b.WriteByte('\n')
	}
	if len(f.Body) > 0 {
		b.WriteString(HdrContentLength)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(len(f.Body)))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.Write(f.Body)
	b.WriteByte(0)
	return b.Bytes()
}

// Parse decodes one frame from data. A heart-beat (only EOLs) returns a nil
// frame and a nil error.
func Parse(data []byte) (*Frame, error) {
	data = bytes.TrimLeft(data, "\r\n")
	if len(data) == 0 {
		return nil, nil
	}

	line, rest, ok := cutLine(data)
	if !ok {
		return nil, fmt.Errorf("%w: missing command terminator", ErrMalformedFrame)
	}
	if line == "" || strings.ContainsAny(line, " :\x00") {
		return nil, fmt.Errorf("%w: bad command %q", ErrMalformedFrame, line)
	}

	f := &Frame{Command: line, Header: make(Header)}
	raw := rawHeaders(f.Command)
	for {
		line, rest, ok = cutLine(rest)
		if !ok {
			return nil, fmt.Errorf("%w: unterminated headers", ErrMalformedFrame)
		}
		if line == "" {
			break
		}
		k, v, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("%w: header without colon %q", ErrMalformedFrame, line)
		}
		if !raw {
			k, v = headerUnescaper.Replace(k), headerUnescaper.Replace(v)
		}
		if _, dup := f.Header[k]; !dup {
			f.Header[k] = v
		}
	}

	if cl := f.Header.Get(HdrContentLength); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad content-length %q", ErrMalformedFrame, cl)
		}
		// n >= len(rest) also rejects lengths near MaxInt, where n+1 overflows.
		if n >= len(rest) || rest[n] != 0 {
			return nil, fmt.Errorf("%w: body shorter than content-length %d", ErrMalformedFrame, n)
		}
		f.Body = rest[:n:n]
		return f, nil
	}

	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return nil, fmt.Errorf("%w: missing NUL terminator", ErrMalformedFrame)
	}
	if end > 0 {
		f.Body = rest[:end:end]
	}
	return f, nil
}

// cutLine splits data at the first LF, dropping an optional preceding CR.
func cutLine(data []byte) (string, []byte, bool) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return "", nil, false
	}
	line := data[:i]
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return string(line), data[i+1:], true
}
