// Package ws implements the refresh broker for mdpreview-server: a small
// STOMP 1.2 broker spoken over WebSocket.
//
// New(name, logger) creates a Hub. Hub.ServeHTTP upgrades a request and
// serves one STOMP session; the server mounts it at /ws. Hub.Run(ctx) blocks
// until ctx is cancelled, then closes every session.
//
// Session rules:
//   - the first frame must be CONNECT (or STOMP); the reply is CONNECTED with
//     version, server, session and heart-beat:0,0
//   - SUBSCRIBE requires id and destination; UNSUBSCRIBE removes by id
//   - SEND is accepted only for /topic/* and is re-published to subscribers
//   - DISCONNECT answers the receipt, then closes
//   - anything else gets an ERROR frame and the session is closed
//
// Hub.Publish(destination, contentType, body) is how the server pushes
// "refresh" on /topic/refresh when a watched file changes. Every subscriber
// receives a MESSAGE with subscription, message-id and destination headers.
// A subscriber whose outgoing buffer is full is disconnected.
//
// The upgrader accepts all origins.
package ws
