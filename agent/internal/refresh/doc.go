// Package refresh implements the refresh listener: it connects to the
// mdpreview broker at /ws, subscribes to /topic/refresh once the STOMP
// handshake completes, and runs a Reloader for every message received there.
//
// Lifecycle:
//   - Connect is the "ready" hook. It dials, tracks the session, and sends
//     CONNECT without waiting for the reply.
//   - Disconnect is the "unload" hook. It disconnects the tracked session if
//     there is one and always logs "Disconnected".
//
// There is no reconnect. When the session drops, Done is closed and the
// listener stays silent until Connect is called again.
package refresh
