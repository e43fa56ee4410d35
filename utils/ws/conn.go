package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// ErrWebsocketClosed is returned when sending on or closing a socket that is
// not dialed.
var ErrWebsocketClosed = errors.New("websocket is closed")

// Connection carries voice gateway frames for a Websocket. Implementations
// need not be safe for concurrent use.
type Connection interface {
	// Dial connects to the voice server and returns the decoded inbound ops.
	// The channel is closed once the socket stops reading. Dial may be
	// called again after Close.
	Dial(context.Context, string) (<-chan Op, error)
	// Send writes one JSON text frame.
	Send(context.Context, []byte) error
	// Close drops the socket. If gracefully is true, a normal-closure frame
	// is written first, which ends the voice session on the server.
	Close(gracefully bool) error
}

// Conn is the gorilla/websocket Connection used for voice signaling.
type Conn struct {
	// Dialer performs the upgrade. NewConn sets proxy and handshake
	// defaults.
	Dialer websocket.Dialer
	// CloseTimeout bounds writing the close frame. Defaults to 5s.
	CloseTimeout time.Duration

	codec Codec

	mu   sync.Mutex
	live *socket
}

// socket is one dialed websocket. writing serializes frame writes.
type socket struct {
	*websocket.Conn
	writing chan struct{}
	stop    context.CancelFunc
}

var _ Connection = (*Conn)(nil)

// NewConn returns an undialed Conn decoding frames with codec.
func NewConn(codec Codec) *Conn {
	return &Conn{
		Dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		CloseTimeout: 5 * time.Second,
		codec:        codec,
	}
}

// Dial implements Connection. A previously dialed socket is dropped first.
func (c *Conn) Dial(ctx context.Context, addr string) (<-chan Op, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.live != nil {
		c.live.shutdown(c.CloseTimeout, false)
		c.live = nil
	}

	conn, _, err := c.Dialer.DialContext(ctx, addr, c.codec.Headers)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial voice gateway")
	}

	readCtx, stop := context.WithCancel(context.Background())

	ops := make(chan Op, 1)
	go readLoop(readCtx, conn, c.codec, ops)

	c.live = &socket{
		Conn:    conn,
		writing: make(chan struct{}, 1),
		stop:    stop,
	}

	return ops, nil
}

// Close implements Connection.
func (c *Conn) Close(gracefully bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.live == nil {
		return ErrWebsocketClosed
	}

	err := c.live.shutdown(c.CloseTimeout, gracefully)
	c.live = nil
	return err
}

// Send implements Connection.
func (c *Conn) Send(ctx context.Context, b []byte) error {
	c.mu.Lock()
	s := c.live
	c.mu.Unlock()

	if s == nil {
		return ErrWebsocketClosed
	}

	select {
	case s.writing <- struct{}{}:
		defer func() { <-s.writing }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if d, ok := ctx.Deadline(); ok {
		s.SetWriteDeadline(d)
		defer s.SetWriteDeadline(time.Time{})
	}

	return s.WriteMessage(websocket.TextMessage, b)
}

// shutdown stops the read loop before closing, so a local close never
// surfaces as a CloseEvent.
func (s *socket) shutdown(timeout time.Duration, gracefully bool) error {
	WSDebug("closing voice websocket", "gracefully", gracefully)

	if gracefully {
		s.writeClose(timeout)
	}

	s.stop()

	err := s.Conn.Close()
	if err != nil {
		WSDebug("voice websocket closed with error", "err", err)
	}

	return err
}

// writeClose writes a normal-closure frame unless a pending Send holds the
// writer past timeout.
func (s *socket) writeClose(timeout time.Duration) {
	deadline := time.Now().Add(timeout)

	select {
	case s.writing <- struct{}{}:
	case <-time.After(timeout):
		return
	}
	defer func() { <-s.writing }()

	s.SetWriteDeadline(deadline)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := s.WriteMessage(websocket.CloseMessage, msg); err != nil {
		WSError("failed to send close frame", err)
	}
}

// readLoop decodes frames until the socket fails. A remote close becomes a
// CloseEvent carrying the voice close code, or -1 for transport errors.
func readLoop(ctx context.Context, conn *websocket.Conn, codec Codec, ops chan<- Op) {
	defer close(ops)

	for {
		err := readFrame(ctx, conn, codec, ops)
		if err == nil {
			continue
		}

		if ctx.Err() != nil {
			return
		}

		WSDebug("voice websocket read failed", "err", err)

		ev := &CloseEvent{Err: err, Code: -1}

		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			ev.Code = closeErr.Code
			ev.Err = fmt.Errorf("%d %s", closeErr.Code, closeErr.Text)
		}

		select {
		case ops <- Op{Code: ev.Op(), Data: ev}:
		case <-ctx.Done():
		}
		return
	}
}

// readFrame decodes the next text frame. Voice signaling never uses binary
// frames, so those are skipped.
func readFrame(ctx context.Context, conn *websocket.Conn, codec Codec, ops chan<- Op) error {
	t, r, err := conn.NextReader()
	if err != nil {
		return err
	}

	if t != websocket.TextMessage {
		WSDebug("skipping non-text voice frame", "type", t)
		return nil
	}

	return codec.DecodeInto(ctx, r, ops)
}
