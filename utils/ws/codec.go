package ws

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// Codec turns voice gateway text frames into Ops. Conn uses it for every
// frame it reads.
type Codec struct {
	Unmarshalers OpUnmarshalers
	// Headers are sent with the upgrade request.
	Headers http.Header
}

// NewCodec returns a Codec for the given opcode table.
func NewCodec(unmarshalers OpUnmarshalers) Codec {
	return Codec{
		Unmarshalers: unmarshalers,
		Headers:      http.Header{},
	}
}

// envelope is the {"op": N, "d": {...}} frame shape.
type envelope struct {
	Code OpCode          `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
}

// DecodeInto decodes one frame from r and delivers it to out. A malformed
// frame or an unknown opcode is delivered as a BackgroundErrorEvent so the
// session keeps running. The returned error is non-nil only when ctx is done
// before delivery.
func (c Codec) DecodeInto(ctx context.Context, r io.Reader, out chan<- Op) error {
	var env envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return deliver(ctx, out, errorOp(errors.Wrap(err, "malformed voice gateway frame")))
	}

	newEvent := c.Unmarshalers.Lookup(env.Code)
	if newEvent == nil {
		return deliver(ctx, out, errorOp(UnknownEventError{Op: env.Code}))
	}

	ev := newEvent()

	// Resumed carries a null payload.
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, ev); err != nil {
			err = errors.Wrapf(err, "bad payload for voice op %d", env.Code)
			return deliver(ctx, out, errorOp(err))
		}
	}

	return deliver(ctx, out, Op{Code: env.Code, Data: ev})
}

func deliver(ctx context.Context, out chan<- Op, op Op) error {
	select {
	case out <- op:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errorOp(err error) Op {
	ev := &BackgroundErrorEvent{Err: err}
	return Op{Code: ev.Op(), Data: ev}
}
