// Package voice implements a client voice connection: the signaling session,
// UDP media transport and the audio pipelines on top of it.
//
// A Session is created from credentials handed out by the main gateway and
// connected with Connect. Status changes, pings and signaling events are
// dispatched to handlers added with the handler package:
//
//	handler.Add[ws.Event](session, func(ev *voice.StatusEvent) {
//		log.Println("voice status:", ev.New)
//	})
//
// Audio is sent by setting a SendHandler on the session's MediaConnection and
// running Pump, and received by setting a ReceiveHandler.
package voice

import (
	"context"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/sasha-s/go-csync"
	"go.uber.org/atomic"

	"github.com/diamondburned/arivoice/utils/handler"
	"github.com/diamondburned/arivoice/utils/ws"
	"github.com/diamondburned/arivoice/voice/udp"
	"github.com/diamondburned/arivoice/voice/voicegateway"
)

// ConnectTimeout is the default time Connect waits for the session to become
// ready.
const ConnectTimeout = 10 * time.Second

var (
	// ErrAlreadyConnected is returned by Connect if the session is already
	// connecting or connected.
	ErrAlreadyConnected = errors.New("voice session is already connected")
	// ErrNoGateway is returned when sending without a gateway connection.
	ErrNoGateway = errors.New("voice session has no gateway connection")
)

// Session is a voice connection to a single guild. Its handlers receive
// *StatusEvent, *PingEvent and *ReconnectError along with every voicegateway
// event.
type Session struct {
	*handler.Handlers[ws.Event]

	// DialUDP dials the media server and performs IP discovery. It may be
	// replaced before Connect.
	DialUDP udp.DialFunc
	// ConnectTimeout is how long Connect waits for the session to become
	// ready.
	ConnectTimeout time.Duration
	// GatewayOpts overrides voicegateway.DefaultGatewayOpts if non-nil.
	GatewayOpts *ws.GatewayOpts
	// Logger receives session diagnostics.
	Logger *log.Logger

	state voicegateway.State
	media *MediaConnection

	// mut guards the gateway fields and the handshake completion.
	mut      csync.Mutex
	gateway  *voicegateway.Gateway
	gwCancel context.CancelFunc
	gwDone   chan struct{}

	status        atomic.Int32
	closeReason   atomic.Int32
	closing       atomic.Bool
	autoReconnect atomic.Bool
	ssrc          atomic.Uint32
	ping          atomic.Duration

	infoMu   sync.RWMutex
	mode     udp.EncryptionMode
	external string
}

// NewSession creates a new voice session. The state is validated here, so a
// session missing its session ID, token or endpoint is never created.
func NewSession(state voicegateway.State) (*Session, error) {
	if err := state.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid voice state")
	}

	if _, err := voicegateway.EndpointURL(state.Endpoint); err != nil {
		return nil, err
	}

	s := &Session{
		Handlers:       new(handler.Handlers[ws.Event]),
		DialUDP:        udp.DialConnection,
		ConnectTimeout: ConnectTimeout,
		Logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix:          "voice",
			ReportTimestamp: true,
		}),
		state: state,
	}
	s.autoReconnect.Store(true)
	s.media = newMediaConnection(s.sendSpeaking, s.onMediaError)

	return s, nil
}

// State returns the credentials the session was created with.
func (s *Session) State() voicegateway.State {
	return s.state
}

// Media returns the media connection of the session. It lives as long as the
// session and survives reconnects.
func (s *Session) Media() *MediaConnection {
	return s.media
}

// Status returns the current status.
func (s *Session) Status() Status {
	return Status(s.status.Load())
}

// SSRC returns the local SSRC assigned by the last Ready.
func (s *Session) SSRC() uint32 {
	return s.ssrc.Load()
}

// Ping returns the last heartbeat round-trip time.
func (s *Session) Ping() time.Duration {
	return s.ping.Load()
}

// EncryptionMode returns the negotiated encryption mode.
func (s *Session) EncryptionMode() udp.EncryptionMode {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()

	return s.mode
}

// ExternalAddr returns this host's external UDP address as discovered.
func (s *Session) ExternalAddr() string {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()

	return s.external
}

// SetAutoReconnect sets whether a dropped connection is resumed. It applies
// to the current connection as well.
func (s *Session) SetAutoReconnect(auto bool) {
	s.autoReconnect.Store(auto)

	s.mut.Lock()
	if s.gateway != nil {
		s.gateway.SetAutoReconnect(auto)
	}
	s.mut.Unlock()
}

func (s *Session) setStatus(status Status) {
	old := Status(s.status.Swap(int32(status)))
	if old == status {
		return
	}

	s.Logger.Debug("status changed", "old", old, "new", status)
	s.Dispatch(&StatusEvent{Old: old, New: status})
}

func (s *Session) currentGateway() *voicegateway.Gateway {
	s.mut.Lock()
	defer s.mut.Unlock()

	return s.gateway
}

// Speaking sends a speaking update. MediaConnection does this on its own when
// sending audio.
func (s *Session) Speaking(ctx context.Context, flag voicegateway.SpeakingFlag) error {
	return s.sendSpeaking(ctx, flag)
}

func (s *Session) sendSpeaking(ctx context.Context, flag voicegateway.SpeakingFlag) error {
	gw := s.currentGateway()
	if gw == nil {
		return ErrNoGateway
	}
	return gw.Speaking(ctx, flag)
}

// onMediaError is called by the media connection when writing to the socket
// fails. A fresh Ready is requested so that discovery runs on a new socket.
func (s *Session) onMediaError(err error) {
	gw := s.currentGateway()
	if gw == nil {
		return
	}

	s.Logger.Warn("media connection lost", "err", err)

	if !s.autoReconnect.Load() {
		go s.Close(ErrorLostConnection)
		return
	}

	s.setStatus(ErrorLostConnection)
	gw.Reidentify()
}

// attempt tracks one call to Connect.
type attempt struct {
	done   chan struct{}
	once   sync.Once
	status Status
	err    error
}

func newAttempt() *attempt {
	return &attempt{done: make(chan struct{})}
}

func (a *attempt) finish(status Status, err error) {
	a.once.Do(func() {
		a.status = status
		a.err = err
		close(a.done)
	})
}

// Connect connects to the voice gateway and blocks until the session is
// ready, the handshake fails, ConnectTimeout passes or ctx is done. In all but
// the first case the session is closed and a *StatusError carrying the final
// status is returned.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.mut.CLock(ctx); err != nil {
		return err
	}

	if s.gateway != nil {
		s.mut.Unlock()
		return ErrAlreadyConnected
	}

	gw, err := voicegateway.New(s.state, s.GatewayOpts)
	if err != nil {
		s.mut.Unlock()
		return err
	}
	gw.Logger = s.Logger.WithPrefix("voicegateway")
	gw.SetAutoReconnect(s.autoReconnect.Load())

	gwctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	att := newAttempt()

	s.gateway = gw
	s.gwCancel = cancel
	s.gwDone = done
	s.closing.Store(false)
	s.closeReason.Store(int32(NotConnected))

	s.setStatus(ConnectingAwaitingWebsocketConnect)

	loop := &sessionLoop{
		s:      s,
		gw:     gw,
		att:    att,
		done:   done,
		cancel: cancel,
	}
	go loop.run(gwctx, gw.Connect(gwctx))

	s.mut.Unlock()

	timeout := s.ConnectTimeout
	if timeout <= 0 {
		timeout = ConnectTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-att.done:
	case <-timer.C:
		select {
		case <-att.done:
		default:
			s.close(ErrorConnectionTimeout, done)
		}
	case <-ctx.Done():
		s.close(NotConnected, done)
		<-att.done
		return ctx.Err()
	}

	<-att.done
	if att.status != Connected {
		return &StatusError{Status: att.status, Err: att.err}
	}
	return nil
}

// Leave closes the session normally.
func (s *Session) Leave() {
	s.Close(NotConnected)
}

// Close closes the session and waits for it to shut down. The session ends in
// the given status. It is safe to call more than once and concurrently with
// Connect.
func (s *Session) Close(reason Status) {
	s.mut.Lock()
	done := s.gwDone
	s.mut.Unlock()

	if done != nil {
		s.close(reason, done)
	}
}

// close tears down the connection identified by done.
func (s *Session) close(reason Status, done chan struct{}) {
	s.mut.Lock()
	if s.gwDone != done || s.gateway == nil {
		s.mut.Unlock()
		<-done
		return
	}

	cancel := s.gwCancel
	s.gateway = nil
	s.gwCancel = nil
	s.closing.Store(true)
	s.closeReason.Store(int32(reason))
	s.mut.Unlock()

	s.setStatus(ShuttingDown)
	cancel()
	<-done
}

// sessionLoop consumes the events of one gateway connection.
type sessionLoop struct {
	s      *Session
	gw     *voicegateway.Gateway
	att    *attempt
	done   chan struct{}
	cancel context.CancelFunc

	// terminal is the status a handshake failure or close code ended the
	// connection with.
	terminal    Status
	hasTerminal bool
	lastErr     error

	keepalive time.Duration
	pending   *udp.Connection
	mode      udp.EncryptionMode
}

func (l *sessionLoop) run(ctx context.Context, ops <-chan ws.Op) {
	defer l.finish()

	for op := range ops {
		switch data := op.Data.(type) {
		case *voicegateway.HelloEvent:
			l.keepalive = data.HeartbeatInterval.Duration()
			l.s.setStatus(ConnectingAwaitingAuthentication)

		case *voicegateway.ReadyEvent:
			l.onReady(ctx, data)

		case *voicegateway.SessionDescriptionEvent:
			l.onSessionDescription(ctx, data)

		case *voicegateway.ResumedEvent:
			if l.s.media.IsConnected() {
				l.s.setStatus(Connected)
			}

		case *voicegateway.HeartbeatACKEvent:
			latency := data.Latency(time.Now())
			l.s.ping.Store(latency)
			l.s.Dispatch(&PingEvent{Latency: latency})

		case *voicegateway.SpeakingEvent:
			l.s.media.BindSSRC(data.SSRC, data.UserID)

		case *voicegateway.ClientConnectEvent:
			if data.AudioSSRC != 0 {
				l.s.media.BindSSRC(data.AudioSSRC, data.UserID)
			}

		case *voicegateway.ClientDisconnectEvent:
			l.s.media.UnbindUser(data.UserID)

		case *ws.CloseEvent:
			l.onClose(data)

		case *ws.BackgroundErrorEvent:
			var connErr ws.ConnectionError
			if errors.As(data.Err, &connErr) {
				l.lastErr = connErr
				l.s.Dispatch(&ReconnectError{Err: connErr})
			}
		}

		l.s.Dispatch(op.Data)
	}
}

// fail ends the connection with status.
func (l *sessionLoop) fail(status Status, err error) {
	if !l.hasTerminal {
		l.terminal = status
		l.hasTerminal = true
		l.lastErr = err
	}
	l.cancel()
}

func (l *sessionLoop) onReady(ctx context.Context, ready *voicegateway.ReadyEvent) {
	if l.pending != nil {
		l.pending.Close()
		l.pending = nil
	}

	mode, err := udp.SelectMode(ready.Modes)
	if err != nil {
		l.fail(ErrorUnsupportedEncryptionModes, err)
		return
	}

	// A Ready after a media failure replaces the old socket.
	l.s.media.stop()

	l.s.setStatus(ConnectingAttemptingUDPDiscovery)

	conn, err := l.s.DialUDP(ctx, ready.Addr(), ready.SSRC)
	if err != nil {
		if ctx.Err() == nil {
			l.fail(ErrorUDPUnableToConnect, err)
		}
		return
	}

	l.s.ssrc.Store(ready.SSRC)
	l.pending = conn
	l.mode = mode

	l.s.infoMu.Lock()
	l.s.mode = mode
	l.s.external = net.JoinHostPort(conn.GatewayIP, strconv.Itoa(int(conn.GatewayPort)))
	l.s.infoMu.Unlock()

	l.s.setStatus(ConnectingAwaitingReady)

	sendCtx, cancel := context.WithTimeout(ctx, l.gw.Timeout)
	defer cancel()

	if err := l.gw.SelectProtocol(sendCtx, conn.GatewayIP, conn.GatewayPort, mode.String()); err != nil {
		// The gateway drops the websocket on send errors; the close event
		// decides what happens next.
		l.s.Logger.Error("failed to select protocol", "err", err)
	}
}

func (l *sessionLoop) onSessionDescription(ctx context.Context, desc *voicegateway.SessionDescriptionEvent) {
	conn := l.pending
	if conn == nil {
		l.s.Logger.Warn("session description without a pending UDP connection")
		return
	}
	l.pending = nil

	mode := l.mode
	if m, ok := udp.ParseEncryptionMode(desc.Mode); ok {
		mode = m
	}

	// Publish the socket and secret under the session guard so a concurrent
	// Close either sees the media running or prevents it from starting.
	if err := l.s.mut.CLock(ctx); err != nil {
		conn.Close()
		return
	}

	if l.s.gwDone != l.done || l.s.closing.Load() {
		l.s.mut.Unlock()
		conn.Close()
		return
	}

	conn.UseSecret(mode, desc.SecretKey)
	err := l.s.media.start(conn, l.keepalive)
	l.s.mut.Unlock()

	if err != nil {
		l.fail(NotConnected, err)
		return
	}

	l.s.setStatus(Connected)
	l.att.finish(Connected, nil)
}

func (l *sessionLoop) onClose(ev *ws.CloseEvent) {
	if status, ok := closeStatus(voicegateway.CloseCode(ev.Code)); ok {
		l.fail(status, ev)
		return
	}

	if l.s.closing.Load() {
		return
	}

	if l.gw.AutoReconnect() {
		// The gateway resumes on its own.
		l.s.setStatus(ErrorLostConnection)
		return
	}

	l.fail(NotConnected, ev)
}

// finish runs once the gateway loop has exited.
func (l *sessionLoop) finish() {
	if l.pending != nil {
		l.pending.Close()
		l.pending = nil
	}

	l.s.media.stop()

	final := NotConnected
	switch {
	case l.hasTerminal:
		final = l.terminal
	case l.s.closing.Load():
		final = Status(l.s.closeReason.Load())
	case l.lastErr != nil:
		final = ErrorWebsocketUnableToConnect
	}

	l.s.mut.Lock()
	if l.s.gwDone == l.done {
		l.s.gateway = nil
		l.s.gwCancel = nil
	}
	l.s.mut.Unlock()

	l.s.setStatus(final)
	l.att.finish(final, l.lastErr)
	close(l.done)
}
