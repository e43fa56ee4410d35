package ws

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// OpCode is the type for websocket Op codes. Op codes less than 0 are
// internal Op codes and should usually be ignored.
type OpCode int

// CloseEvent is an event that is given from ws when the websocket is closed.
type CloseEvent struct {
	// Err is the underlying error.
	Err error
	// Code is the websocket close code, if any. It is -1 otherwise.
	Code int
}

// Unwrap returns err.Err.
func (e *CloseEvent) Unwrap() error { return e.Err }

// Error formats the CloseEvent. A CloseEvent is also an error.
func (e *CloseEvent) Error() string {
	return fmt.Sprintf("websocket closed, reason: %s", e.Err)
}

// Op implements Event. It returns -1.
func (e *CloseEvent) Op() OpCode { return -1 }

// Event describes an Event data that comes from a gateway Operation.
type Event interface {
	Op() OpCode
}

// OpFunc is a constructor function for an Operation.
type OpFunc func() Event

// OpUnmarshalers contains a map of event constructor functions keyed by their
// Op codes.
type OpUnmarshalers struct {
	r map[OpCode]OpFunc
}

// NewOpUnmarshalers creates a new OpUnmarshalers instance from the given
// constructor functions.
func NewOpUnmarshalers(funcs ...OpFunc) OpUnmarshalers {
	m := OpUnmarshalers{r: make(map[OpCode]OpFunc, len(funcs))}
	m.Add(funcs...)
	return m
}

// Add adds the given functions into the unmarshaler registry.
func (m OpUnmarshalers) Add(funcs ...OpFunc) {
	for _, fn := range funcs {
		m.r[fn().Op()] = fn
	}
}

// Lookup searches the OpMarshalers map for the given constructor function.
func (m OpUnmarshalers) Lookup(op OpCode) OpFunc {
	return m.r[op]
}

// Op is a gateway Operation.
type Op struct {
	Code OpCode `json:"op"`
	Data Event  `json:"d,omitempty"`
}

// UnknownEventError is sent as a background error if an Op is encountered that
// is not known. It is not a fatal error.
type UnknownEventError struct {
	Op OpCode
}

// Error formats the unknown event error.
func (err UnknownEventError) Error() string {
	return fmt.Sprintf("unknown op %d", err.Op)
}

// IsUnknownEvent returns true if the error is an unknown event error.
func IsUnknownEvent(err error) bool {
	var uevent UnknownEventError
	return errors.As(err, &uevent)
}

// ReadOp reads a single Op.
func ReadOp(ctx context.Context, ch <-chan Op) (Op, error) {
	select {
	case <-ctx.Done():
		return Op{}, ctx.Err()
	case op, ok := <-ch:
		if !ok {
			return Op{}, ErrWebsocketClosed
		}
		return op, nil
	}
}
