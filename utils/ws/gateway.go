package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/diamondburned/arivoice/internal/backoff"
)

// ConnectionError is given to the user if the gateway fails to connect to the
// gateway for any reason, including during an initial connection or a
// reconnection. To check for this error, use the errors.As function.
type ConnectionError struct {
	Err error
}

// Unwrap unwraps the ConnectionError.
func (err ConnectionError) Unwrap() error { return err.Err }

// Error formats the error.
func (err ConnectionError) Error() string {
	return fmt.Sprintf("error reconnecting: %s", err.Err)
}

// BackgroundErrorEvent describes an error that the gateway event loop might
// stumble upon while it's running. See Gateway's documentation for possible
// usages.
type BackgroundErrorEvent struct {
	Err error
}

var _ Event = (*BackgroundErrorEvent)(nil)

// Unwrap returns err.Err.
func (err *BackgroundErrorEvent) Unwrap() error { return err.Err }

// Error formats the BackgroundErrorEvent.
func (err *BackgroundErrorEvent) Error() string {
	return "background gateway error: " + err.Err.Error()
}

// Op implements Op. It returns -1.
func (err *BackgroundErrorEvent) Op() OpCode { return -1 }

// GatewayOpts describes the gateway event loop options.
type GatewayOpts struct {
	// ReconnectDelay determines the duration to idle after each failed retry.
	// The default is a jittered exponential backoff from 1 to 30 seconds.
	ReconnectDelay func(try int) time.Duration

	// FatalCloseCodes is a list of close codes that will cause the gateway to
	// exit out if it stumbles on one of these.
	FatalCloseCodes []int

	// DialTimeout is the timeout to wait for each websocket dial before failing
	// it and retrying. Default is 0.
	DialTimeout time.Duration

	// ReconnectAttempt is the maximum number of attempts made to Reconnect
	// before aborting the whole gateway. If this set to 0, unlimited attempts
	// will be made. Default is 0.
	ReconnectAttempt int

	// AlwaysCloseGracefully, if true, will always make the Gateway close
	// gracefully once the context given to Open is cancelled. It governs the
	// Close behavior. The default is true.
	AlwaysCloseGracefully bool
}

// DefaultGatewayOpts is the default event loop options.
var DefaultGatewayOpts = GatewayOpts{
	ReconnectDelay: func(try int) time.Duration {
		b := backoff.NewBackoff(time.Second, 30*time.Second)
		return b.ForAttempt(try)
	},
	DialTimeout:           0,
	ReconnectAttempt:      0,
	AlwaysCloseGracefully: true,
}

// ErrorIsFatalClose returns true if the error is a fatal close error. It uses
// opts.FatalCloseCodes to check for the codes.
func (opts GatewayOpts) ErrorIsFatalClose(err error) bool {
	var closeErr *CloseEvent
	if !errors.As(err, &closeErr) {
		return false
	}

	for _, code := range opts.FatalCloseCodes {
		if code == closeErr.Code {
			return true
		}
	}

	return false
}

// Gateway describes an instance that handles a signaling gateway. It is
// basically an abstracted concurrent event loop that the user could signal to
// start connecting to the gateway server.
type Gateway struct {
	ws *Websocket

	reconnect chan struct{}
	heart     heartTicker
	srcOp     <-chan Op // from WS
	outer     outerState
	lastError error

	opts GatewayOpts
}

// outerState holds gateway state that the caller may change concurrently. The
// event loop must never access the outerState directly except through the
// copied channel.
type outerState struct {
	sync.Mutex
	ch      chan Op
	started bool
}

// Handler describes a gateway handler. It describes the core that governs the
// behavior of the gateway event loop.
type Handler interface {
	// OnOp is called by the gateway event loop on every new Op. If the returned
	// boolean is false, then the loop fatally exits.
	OnOp(context.Context, Op) (canContinue bool)
	// SendHeartbeat is called by the gateway event loop everytime a heartbeat
	// needs to be sent over.
	SendHeartbeat(context.Context)
	// Close closes the handler.
	Close() error
}

// NewGateway creates a new Gateway with a custom gateway URL. If opts is nil,
// then DefaultGatewayOpts is used.
func NewGateway(ws *Websocket, opts *GatewayOpts) *Gateway {
	if opts == nil {
		opts = &DefaultGatewayOpts
	}

	cpy := *opts
	if cpy.ReconnectDelay == nil {
		cpy.ReconnectDelay = DefaultGatewayOpts.ReconnectDelay
	}

	return &Gateway{
		ws:        ws,
		reconnect: make(chan struct{}, 1),
		opts:      cpy,
	}
}

// Opts returns a copy of the gateway options. The options can only be changed
// during construction, so a copy is a must.
func (g *Gateway) Opts() *GatewayOpts {
	cpy := g.opts
	return &cpy
}

// Send is a function to send an Op payload to the Gateway.
func (g *Gateway) Send(ctx context.Context, data Event) error {
	op := Op{
		Code: data.Op(),
		Data: data,
	}

	WSDebug("sending command", "op", op.Code)

	b, err := json.Marshal(op)
	if err != nil {
		return errors.Wrap(err, "failed to encode payload")
	}

	// WS should already be thread-safe.
	return g.ws.Send(ctx, b)
}

// HasStarted returns true if the gateway event loop is currently spinning.
func (g *Gateway) HasStarted() bool {
	g.outer.Lock()
	defer g.outer.Unlock()

	return g.outer.started
}

// Connect starts the background goroutine that tries its best to maintain a
// stable connection to the Websocket gateway. The returned channel is closed
// once the event loop exits, which happens when ctx is cancelled, when a fatal
// close code is received, when the Handler refuses to continue or when the
// reconnect attempts are exhausted.
func (g *Gateway) Connect(ctx context.Context, h Handler) <-chan Op {
	g.outer.Lock()
	defer g.outer.Unlock()

	if !g.outer.started {
		g.outer.started = true
		g.outer.ch = make(chan Op, 1)
		go g.spin(ctx, h, g.outer.ch)
	}

	return g.outer.ch
}

// LastError returns the last error that the gateway has received. It must
// only be called after the event channel is closed.
func (g *Gateway) LastError() error {
	return g.lastError
}

// finalize closes the gateway permanently.
func (g *Gateway) finalize(h Handler, out chan Op) {
	var err error

	if g.opts.AlwaysCloseGracefully {
		err = g.ws.CloseGracefully()
	} else {
		err = g.ws.Close()
	}

	if err != nil && !errors.Is(err, ErrWebsocketClosed) {
		g.sendError(out, errors.Wrap(err, "failed to finalize websocket"))
	}

	if err := h.Close(); err != nil {
		g.sendError(out, err)
	}

	g.heart.Stop()

	g.outer.Lock()
	close(out)
	g.outer.started = false
	g.outer.Unlock()
}

// QueueReconnect queues a reconnection in the gateway loop. It is safe to call
// from any goroutine; multiple calls before the loop gets to it are coalesced.
func (g *Gateway) QueueReconnect() {
	select {
	case g.reconnect <- struct{}{}:
	default:
	}
}

// ResetHeartbeat resets the heartbeat to be the given duration. It must only
// be called from inside the event loop, i.e. from the Handler.
func (g *Gateway) ResetHeartbeat(d time.Duration) {
	g.heart.Reset(d)
}

func (g *Gateway) sendError(out chan Op, err error) {
	event := &BackgroundErrorEvent{err}
	out <- Op{Code: event.Op(), Data: event}
	g.lastError = err
}

func (g *Gateway) spin(ctx context.Context, h Handler, out chan Op) {
	// Always close the event channel once we exit.
	defer g.finalize(h, out)

	var retry retryTimer
	defer retry.Stop()

	g.QueueReconnect()

	for {
		select {
		case <-ctx.Done():
			return

		case op, ok := <-g.srcOp:
			if !ok {
				// The read loop is gone without a close event; wait for
				// whatever reconnect the handler queued.
				g.srcOp = nil
				continue
			}

			if data, ok := op.Data.(*CloseEvent); ok && g.opts.ErrorIsFatalClose(data) {
				// Pipe the error as-is through the channel.
				out <- op
				g.lastError = data
				return
			}

			ok = h.OnOp(ctx, op)
			out <- op
			if !ok {
				return
			}

		case <-g.heart.C:
			h.SendHeartbeat(ctx)

		case <-g.reconnect:
			g.heart.Stop()

			if err := g.ws.Close(); err != nil && !errors.Is(err, ErrWebsocketClosed) {
				g.sendError(out, errors.Wrap(err, "error closing before reconnecting"))
			}

			g.srcOp = nil

			var err error

		retryLoop:
			for try := 0; g.opts.ReconnectAttempt == 0 || try < g.opts.ReconnectAttempt; try++ {
				g.srcOp, err = g.dial(ctx)
				if err == nil {
					break
				}

				select {
				case <-ctx.Done():
					err = ctx.Err()
					break retryLoop
				default:
				}

				g.sendError(out, ConnectionError{err})

				retry.Reset(g.opts.ReconnectDelay(try))
				if err := retry.Wait(ctx); err != nil {
					return
				}
			}

			if g.srcOp == nil {
				err = errors.Wrap(err, "failed to reconnect after max attempts")
				g.sendError(out, ConnectionError{err})
				return
			}
		}
	}
}

func (g *Gateway) dial(ctx context.Context) (<-chan Op, error) {
	if g.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.DialTimeout)
		defer cancel()
	}

	return g.ws.Dial(ctx)
}
