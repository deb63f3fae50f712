// Package stomp implements the subset of STOMP 1.2 used by the refresh
// channel between mdpreview-server and its listeners.
//
// Frame encoding:
//
//	COMMAND
//	header1:value1
//	header2:value2
//
//	body^@
//
// One frame travels in one WebSocket text message. A message consisting only
// of EOLs is a heart-beat and decodes to a nil frame.
//
// Client wraps any message transport (a *websocket.Conn from Dial in
// production) and provides an asynchronous CONNECT handshake, topic
// subscriptions with per-subscription handlers, SEND, and a receipted
// DISCONNECT. Handlers run on the client's read goroutine.
//
// The server side of the protocol lives in server/internal/ws.
package stomp
