package stomp

import "errors"

var (
	ErrNotConnected   = errors.New("stomp: not connected")
	ErrAlreadyClosed  = errors.New("stomp: already closed")
	ErrAlreadyStarted = errors.New("stomp: connect already issued")
	ErrMalformedFrame = errors.New("stomp: malformed frame")
)
