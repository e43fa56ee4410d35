// Package ws provides abstractions around the voice signaling Websocket,
// including rate limits and a reconnecting event loop.
package ws

import (
	"context"
	"os"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Logger is the logger used by the default WSError and WSDebug hooks. Its
// level is Info, so WSDebug output is hidden unless raised.
var Logger = log.NewWithOptions(os.Stderr, log.Options{
	Prefix:          "ws",
	ReportTimestamp: true,
})

var (
	// WSError reports errors that have nowhere else to go, such as a failed
	// close frame.
	WSError = func(msg string, err error) { Logger.Error(msg, "err", err) }
	// WSDebug traces the connection. keyvals alternate keys and values.
	WSDebug = func(msg string, keyvals ...interface{}) { Logger.Debug(msg, keyvals...) }
)

// Websocket owns the Connection to one signaling address. Sends and dials are
// serialized and rate limited; the send limiter starts fresh on every dial.
type Websocket struct {
	mutex sync.Mutex
	conn  Connection
	addr  string

	sendLimiter *rate.Limiter
	dialLimiter *rate.Limiter
}

// NewWebsocket creates a default Websocket with the given address.
func NewWebsocket(c Codec, addr string) *Websocket {
	return NewCustomWebsocket(NewConn(c), addr)
}

// NewCustomWebsocket creates a new undialed Websocket.
func NewCustomWebsocket(conn Connection, addr string) *Websocket {
	return &Websocket{
		conn: conn,
		addr: addr,

		sendLimiter: NewSendLimiter(),
		dialLimiter: NewDialLimiter(),
	}
}

// Addr returns the address the Websocket dials.
func (ws *Websocket) Addr() string {
	return ws.addr
}

// Dial waits until the rate limiter allows then dials the websocket.
func (ws *Websocket) Dial(ctx context.Context) (<-chan Op, error) {
	if err := ws.dialLimiter.Wait(ctx); err != nil {
		// Expired, fatal error
		return nil, errors.Wrap(err, "failed to wait for dial rate limiter")
	}

	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	ws.sendLimiter = NewSendLimiter()

	return ws.conn.Dial(ctx, ws.addr)
}

// Send sends b over the Websocket with a deadline. It closes the internal
// Websocket if the Send method errors out.
func (ws *Websocket) Send(ctx context.Context, b []byte) error {
	ws.mutex.Lock()
	sendLimiter := ws.sendLimiter
	conn := ws.conn
	ws.mutex.Unlock()

	if err := sendLimiter.Wait(ctx); err != nil {
		WSDebug("send rate limiter timed out", "addr", ws.addr)
		return errors.Wrap(err, "SendLimiter failed")
	}

	return conn.Send(ctx, b)
}

// Close closes the websocket connection. It assumes that the Websocket is
// closed even when it returns an error. If the Websocket was already closed
// before, ErrWebsocketClosed will be returned.
func (ws *Websocket) Close() error {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	return ws.conn.Close(false)
}

// CloseGracefully is similar to Close, but a proper close frame is sent to
// the server, invalidating the session and voiding resumes.
func (ws *Websocket) CloseGracefully() error {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	return ws.conn.Close(true)
}
