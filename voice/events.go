package voice

import (
	"fmt"
	"time"

	"github.com/diamondburned/arivoice/utils/ws"
)

// StatusEvent is dispatched every time the status of a Session changes.
type StatusEvent struct {
	Old Status
	New Status
}

func (*StatusEvent) Op() ws.OpCode { return -1 }

// PingEvent is dispatched on every heartbeat acknowledgement.
type PingEvent struct {
	Latency time.Duration
}

func (*PingEvent) Op() ws.OpCode { return -1 }

// ReconnectError is dispatched when the session fails to reconnect to the
// voice gateway.
type ReconnectError struct {
	Err error
}

func (*ReconnectError) Op() ws.OpCode { return -1 }

func (e *ReconnectError) Error() string {
	return "voice reconnect error: " + e.Err.Error()
}

func (e *ReconnectError) Unwrap() error {
	return e.Err
}

// StatusError is returned by Connect when the handshake ends in a status
// other than Connected.
type StatusError struct {
	Status Status
	Err    error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("voice connection failed with %v: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("voice connection failed with %v", e.Status)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}
