package ws

import (
	"time"

	"golang.org/x/time/rate"
)

// SendBurst is how many commands may go out back to back. A voice handshake
// sends identify, select protocol and a speaking update in quick succession.
var SendBurst = 5

// SendInterval is the sustained interval between commands once the burst is
// spent. Heartbeats and speaking updates stay well under it.
var SendInterval = 500 * time.Millisecond

// NewSendLimiter returns a rate limiter for outgoing signaling commands.
func NewSendLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(SendInterval), SendBurst)
}

// DialInterval is the minimum interval between two websocket dials.
var DialInterval = 5 * time.Second

// NewDialLimiter returns a rate limiter for new signaling connections. The
// first dial is never throttled.
func NewDialLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(DialInterval), 1)
}
