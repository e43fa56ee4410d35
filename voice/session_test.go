package voice

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/charmbracelet/log"
	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/diamondburned/arivoice/discord"
	"github.com/diamondburned/arivoice/utils/ws"
	"github.com/diamondburned/arivoice/voice/udp"
	"github.com/diamondburned/arivoice/voice/voicegateway"
)

// fakeMediaServer answers IP discovery and records every other datagram.
type fakeMediaServer struct {
	conn    *net.UDPConn
	ip      string
	port    uint16
	packets chan []byte
	peer    chan *net.UDPAddr

	discoveries atomic.Int32
}

func newFakeMediaServer(t *testing.T, ip string, port uint16) *fakeMediaServer {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal("failed to listen UDP:", err)
	}
	t.Cleanup(func() { conn.Close() })

	return &fakeMediaServer{
		conn:    conn,
		ip:      ip,
		port:    port,
		packets: make(chan []byte, 256),
		peer:    make(chan *net.UDPAddr, 1),
	}
}

func (s *fakeMediaServer) Addr() string {
	return s.conn.LocalAddr().String()
}

func (s *fakeMediaServer) serve() {
	buf := make([]byte, 1500)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}

		b := append([]byte(nil), buf[:n]...)

		if n == 74 && binary.BigEndian.Uint16(b[0:2]) == 1 {
			ssrc := binary.BigEndian.Uint32(b[4:8])
			s.conn.WriteToUDP(udp.DiscoveryResponse(ssrc, s.ip, s.port), addr)
			s.discoveries.Inc()

			select {
			case s.peer <- addr:
			default:
			}
			continue
		}

		// Skip keepalives.
		if n == len(udp.KeepalivePacket) {
			continue
		}

		select {
		case s.packets <- b:
		default:
		}
	}
}

func recvTimeout(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()

	select {
	case b := <-ch:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
		return nil
	}
}

type gatewayOp struct {
	Code ws.OpCode      `json:"op"`
	Data json.RawMessage `json:"d"`
}

// gatewayPeer is the server side of one voice gateway websocket.
type gatewayPeer struct {
	t    *testing.T
	ctx  context.Context
	conn *websocket.Conn
}

func (p *gatewayPeer) send(code ws.OpCode, data interface{}) {
	p.t.Helper()

	err := wsjson.Write(p.ctx, p.conn, map[string]interface{}{"op": code, "d": data})
	if err != nil {
		p.t.Error("failed to write op:", err)
	}
}

// read returns the next op that is not a heartbeat.
func (p *gatewayPeer) read() (gatewayOp, error) {
	for {
		var op gatewayOp
		if err := wsjson.Read(p.ctx, p.conn, &op); err != nil {
			return op, err
		}
		if op.Code != voicegateway.HeartbeatOp {
			return op, nil
		}
	}
}

func (p *gatewayPeer) expect(code ws.OpCode, v interface{}) {
	p.t.Helper()

	op, err := p.read()
	if err != nil {
		p.t.Errorf("failed to read op %d: %v", code, err)
		return
	}

	if op.Code != code {
		p.t.Errorf("expected op %d, got op %d: %s", code, op.Code, op.Data)
		return
	}

	if v != nil {
		if err := json.Unmarshal(op.Data, v); err != nil {
			p.t.Errorf("failed to decode op %d: %v", code, err)
		}
	}
}

// drain reads until the client goes away.
func (p *gatewayPeer) drain(ops chan<- gatewayOp) {
	for {
		op, err := p.read()
		if err != nil {
			return
		}
		if ops != nil {
			ops <- op
		}
	}
}

// newFakeGateway serves script on every websocket connection and returns the
// endpoint to connect to.
func newFakeGateway(t *testing.T, script func(p *gatewayPeer)) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Error("failed to accept websocket:", err)
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		script(&gatewayPeer{t: t, ctx: r.Context(), conn: c})
	}))
	t.Cleanup(srv.Close)

	return "ws://" + strings.TrimPrefix(srv.URL, "http://")
}

func testState(endpoint string) voicegateway.State {
	return voicegateway.State{
		GuildID:   1,
		ChannelID: 2,
		UserID:    3,
		SessionID: "session",
		Token:     "token",
		Endpoint:  endpoint,
	}
}

func newTestSession(t *testing.T, endpoint string) *Session {
	t.Helper()

	s, err := NewSession(testState(endpoint))
	assert.NoError(t, err)

	s.Logger = log.New(io.Discard)
	s.media.Logger = s.Logger
	s.media.table.logger = s.Logger

	t.Cleanup(func() {
		s.Leave()
		s.Media().Shutdown()
	})

	return s
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
}

func recordStatuses(s *Session) *statusRecorder {
	r := &statusRecorder{}
	s.HandleSynchronousCallback(func(ev ws.Event) {
		if ev, ok := ev.(*StatusEvent); ok {
			r.mu.Lock()
			r.statuses = append(r.statuses, ev.New)
			r.mu.Unlock()
		}
	})
	return r
}

func (r *statusRecorder) get() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

// wait blocks until n statuses have been recorded.
func (r *statusRecorder) wait(t *testing.T, n int) []Status {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.get(); len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %d statuses:\n%s", n, spew.Sdump(r.get()))
	return nil
}

// fastRedial lowers the websocket dial interval for the duration of the test.
func fastRedial(t *testing.T) {
	old := ws.DialInterval
	ws.DialInterval = 10 * time.Millisecond
	t.Cleanup(func() { ws.DialInterval = old })
}

func TestNewSessionValidates(t *testing.T) {
	state := testState("voice.example.com")
	state.SessionID = ""

	_, err := NewSession(state)
	assert.True(t, errors.Is(err, voicegateway.ErrNoSessionID), "unexpected error: %v", err)

	state = testState("voice.example.com")
	state.Token = ""

	_, err = NewSession(state)
	assert.True(t, errors.Is(err, voicegateway.ErrMissingForIdentify), "unexpected error: %v", err)
}

func TestSessionConnect(t *testing.T) {
	secret := [32]byte{0: 0xDE, 1: 0xAD, 31: 0xFF}

	media := newFakeMediaServer(t, "203.0.113.9", 50021)
	go media.serve()

	var identify voicegateway.IdentifyCommand
	var selected voicegateway.SelectProtocolCommand
	ops := make(chan gatewayOp, 16)

	endpoint := newFakeGateway(t, func(p *gatewayPeer) {
		p.send(voicegateway.HelloOp, voicegateway.HelloEvent{HeartbeatInterval: 5000})
		p.expect(voicegateway.IdentifyOp, &identify)

		p.send(voicegateway.ReadyOp, voicegateway.ReadyEvent{
			SSRC:  1234,
			IP:    "203.0.113.5",
			Port:  50000,
			Modes: []string{"xsalsa20_poly1305_lite"},
		})
		p.expect(voicegateway.SelectProtocolOp, &selected)

		p.send(voicegateway.SessionDescriptionOp, voicegateway.SessionDescriptionEvent{
			Mode:      "xsalsa20_poly1305_lite",
			SecretKey: secret,
		})

		p.drain(ops)
	})

	s := newTestSession(t, endpoint)
	statuses := recordStatuses(s)

	dialed := make(chan string, 1)
	s.DialUDP = func(ctx context.Context, addr string, ssrc uint32) (*udp.Connection, error) {
		dialed <- addr
		return udp.DialConnection(ctx, media.Addr(), ssrc)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.Connect(ctx); err != nil {
		t.Fatal("failed to connect:", err)
	}

	assert.Equal(t, Connected, s.Status())
	assert.Equal(t, uint32(1234), s.SSRC())
	assert.Equal(t, udp.LiteMode, s.EncryptionMode())
	assert.Equal(t, "203.0.113.9:50021", s.ExternalAddr())
	assert.Equal(t, "203.0.113.5:50000", <-dialed)

	wantIdentify := voicegateway.IdentifyCommand{
		GuildID:   1,
		UserID:    3,
		SessionID: "session",
		Token:     "token",
	}
	if diff := cmp.Diff(wantIdentify, identify); diff != "" {
		t.Error("unexpected identify (-want +got):\n", diff)
	}

	wantSelected := voicegateway.SelectProtocolCommand{
		Protocol: "udp",
		Data: voicegateway.SelectProtocolData{
			Address: "203.0.113.9",
			Port:    50021,
			Mode:    "xsalsa20_poly1305_lite",
		},
	}
	if diff := cmp.Diff(wantSelected, selected); diff != "" {
		t.Error("unexpected select protocol (-want +got):\n", diff)
	}

	wantStatuses := []Status{
		ConnectingAwaitingWebsocketConnect,
		ConnectingAwaitingAuthentication,
		ConnectingAttemptingUDPDiscovery,
		ConnectingAwaitingReady,
		Connected,
	}
	if got := statuses.get(); !cmp.Equal(wantStatuses, got) {
		t.Fatalf("unexpected statuses:\n%s", spew.Sdump(got))
	}

	// Sending a frame announces speaking and writes a sealed packet.
	frame := []byte{0xFC, 0xAB, 0xCD}
	s.Media().SetSendHandler(&frameProvider{frames: [][]byte{frame}, opus: true})

	ok, err := s.Media().SendFrame(ctx)
	assert.NoError(t, err)
	assert.True(t, ok)

	b := recvTimeout(t, media.packets)
	opus, err := udp.NewCipher(udp.LiteMode, secret).Open(nil, b, udp.HeaderSize)
	assert.NoError(t, err)
	assert.Equal(t, frame, opus)

	select {
	case op := <-ops:
		assert.Equal(t, voicegateway.SpeakingOp, op.Code)

		var speaking voicegateway.SpeakingCommand
		assert.NoError(t, json.Unmarshal(op.Data, &speaking))
		assert.Equal(t, voicegateway.Microphone, speaking.Speaking)
		assert.Equal(t, uint32(1234), speaking.SSRC)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for speaking update")
	}

	s.Leave()
	assert.Equal(t, NotConnected, s.Status())

	// Leaving twice is fine.
	s.Leave()
}

// encodedReceiver forwards encoded audio to a channel.
type encodedReceiver struct {
	ch chan *EncodedAudio
}

func (r encodedReceiver) CanReceiveCombined() bool                       { return false }
func (r encodedReceiver) CanReceiveUser() bool                           { return false }
func (r encodedReceiver) CanReceiveEncoded() bool                        { return true }
func (r encodedReceiver) HandleCombinedAudio(*CombinedAudio)             {}
func (r encodedReceiver) HandleUserAudio(*UserAudio)                     {}
func (r encodedReceiver) IncludeUserInCombinedAudio(discord.UserID) bool { return true }

func (r encodedReceiver) HandleEncodedAudio(a *EncodedAudio) {
	select {
	case r.ch <- a:
	default:
	}
}

func TestSessionReceivesFromSpeakingUser(t *testing.T) {
	secret := [32]byte{7: 7}

	media := newFakeMediaServer(t, "203.0.113.9", 50021)
	go media.serve()

	endpoint := newFakeGateway(t, func(p *gatewayPeer) {
		p.send(voicegateway.HelloOp, voicegateway.HelloEvent{HeartbeatInterval: 5000})
		p.expect(voicegateway.IdentifyOp, nil)
		p.send(voicegateway.ReadyOp, voicegateway.ReadyEvent{
			SSRC:  1,
			IP:    "203.0.113.5",
			Port:  50000,
			Modes: []string{"xsalsa20_poly1305"},
		})
		p.expect(voicegateway.SelectProtocolOp, nil)
		p.send(voicegateway.SessionDescriptionOp, voicegateway.SessionDescriptionEvent{
			Mode:      "xsalsa20_poly1305",
			SecretKey: secret,
		})
		p.send(voicegateway.SpeakingOp, voicegateway.SpeakingEvent{
			UserID:   77,
			SSRC:     500,
			Speaking: voicegateway.Microphone,
		})
		p.drain(nil)
	})

	s := newTestSession(t, endpoint)
	s.DialUDP = func(ctx context.Context, _ string, ssrc uint32) (*udp.Connection, error) {
		return udp.DialConnection(ctx, media.Addr(), ssrc)
	}

	recv := encodedReceiver{ch: make(chan *EncodedAudio, 1)}
	s.Media().SetReceiveHandler(recv)

	speakingCh := make(chan *voicegateway.SpeakingEvent, 1)
	s.HandleCallback(func(ev ws.Event) {
		if ev, ok := ev.(*voicegateway.SpeakingEvent); ok {
			speakingCh <- ev
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	assert.NoError(t, s.Connect(ctx))

	var peer *net.UDPAddr
	select {
	case peer = <-media.peer:
	case <-ctx.Done():
		t.Fatal("media server never saw the client")
	}

	select {
	case ev := <-speakingCh:
		assert.Equal(t, discord.UserID(77), ev.UserID)
		assert.Equal(t, uint32(500), ev.SSRC)
	case <-ctx.Done():
		t.Fatal("timed out waiting for speaking event")
	}

	// The SSRC binding is queued before the event is dispatched, so the
	// packet below is attributed to the speaking user.
	opus := []byte{0xFC, 0x11, 0x22}
	header := udp.AppendHeader(nil, udp.NewHeader(10, 9600, 500))
	packet, err := udp.NewCipher(udp.NormalMode, secret).Seal(nil, header, opus)
	assert.NoError(t, err)

	_, err = media.conn.WriteToUDP(packet, peer)
	assert.NoError(t, err)

	select {
	case got := <-recv.ch:
		assert.Equal(t, discord.UserID(77), got.UserID)
		assert.Equal(t, uint32(500), got.SSRC)
		assert.Equal(t, uint16(10), got.Sequence)
		assert.Equal(t, opus, got.Opus)
	case <-ctx.Done():
		t.Fatal("timed out waiting for encoded audio")
	}
}

func TestSessionCloseCodes(t *testing.T) {
	tests := []struct {
		name   string
		code   websocket.StatusCode
		auto   bool
		status Status
	}{
		{"authentication failed", 4004, true, DisconnectedAuthenticationFailure},
		{"session no longer valid", 4006, true, ErrorCannotResume},
		{"server not found", 4011, true, ErrorCannotResume},
		{"kicked", 4014, true, DisconnectedKickedFromChannel},
		{"voice server crashed", 4015, true, ErrorCannotResume},
		{"other without reconnect", 4000, false, NotConnected},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			endpoint := newFakeGateway(t, func(p *gatewayPeer) {
				p.send(voicegateway.HelloOp, voicegateway.HelloEvent{HeartbeatInterval: 5000})
				p.expect(voicegateway.IdentifyOp, nil)
				p.conn.Close(test.code, test.name)
			})

			s := newTestSession(t, endpoint)
			s.SetAutoReconnect(test.auto)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			err := s.Connect(ctx)

			var statusErr *StatusError
			if !errors.As(err, &statusErr) {
				t.Fatalf("expected *StatusError, got %v", err)
			}

			assert.Equal(t, test.status, statusErr.Status)
			assert.Equal(t, test.status, s.Status())
		})
	}
}

func TestSessionUnsupportedModes(t *testing.T) {
	endpoint := newFakeGateway(t, func(p *gatewayPeer) {
		p.send(voicegateway.HelloOp, voicegateway.HelloEvent{HeartbeatInterval: 5000})
		p.expect(voicegateway.IdentifyOp, nil)
		p.send(voicegateway.ReadyOp, voicegateway.ReadyEvent{
			SSRC:  1,
			IP:    "203.0.113.5",
			Port:  50000,
			Modes: []string{"aead_aes256_gcm_rtpsize"},
		})
		p.drain(nil)
	})

	s := newTestSession(t, endpoint)
	s.DialUDP = func(context.Context, string, uint32) (*udp.Connection, error) {
		t.Error("UDP must not be dialed without a usable mode")
		return nil, errors.New("unexpected dial")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var statusErr *StatusError
	assert.True(t, errors.As(s.Connect(ctx), &statusErr))
	assert.Equal(t, ErrorUnsupportedEncryptionModes, statusErr.Status)
	assert.True(t, errors.Is(statusErr, udp.ErrUnsupportedModes))
}

func TestSessionUDPFailure(t *testing.T) {
	endpoint := newFakeGateway(t, func(p *gatewayPeer) {
		p.send(voicegateway.HelloOp, voicegateway.HelloEvent{HeartbeatInterval: 5000})
		p.expect(voicegateway.IdentifyOp, nil)
		p.send(voicegateway.ReadyOp, voicegateway.ReadyEvent{
			SSRC:  1,
			IP:    "203.0.113.5",
			Port:  50000,
			Modes: []string{"xsalsa20_poly1305_suffix"},
		})
		p.drain(nil)
	})

	s := newTestSession(t, endpoint)
	s.DialUDP = func(context.Context, string, uint32) (*udp.Connection, error) {
		return nil, udp.ErrDiscoveryFailed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var statusErr *StatusError
	assert.True(t, errors.As(s.Connect(ctx), &statusErr))
	assert.Equal(t, ErrorUDPUnableToConnect, statusErr.Status)
	assert.True(t, statusErr.Status.ShouldReconnect())
}

func TestSessionConnectTimeout(t *testing.T) {
	endpoint := newFakeGateway(t, func(p *gatewayPeer) {
		p.send(voicegateway.HelloOp, voicegateway.HelloEvent{HeartbeatInterval: 5000})
		p.drain(nil)
	})

	s := newTestSession(t, endpoint)
	s.ConnectTimeout = 200 * time.Millisecond

	err := s.Connect(context.Background())

	var statusErr *StatusError
	assert.True(t, errors.As(err, &statusErr), "unexpected error: %v", err)
	assert.Equal(t, ErrorConnectionTimeout, statusErr.Status)
	assert.Equal(t, ErrorConnectionTimeout, s.Status())
}

func TestSessionCloseBeforeConnect(t *testing.T) {
	s := newTestSession(t, "voice.example.com")

	// Closing an idle session does nothing.
	s.Close(NotConnected)
	s.Close(NotConnected)
	assert.Equal(t, NotConnected, s.Status())
}

func TestSessionResumesAfterDrop(t *testing.T) {
	fastRedial(t)

	media := newFakeMediaServer(t, "203.0.113.9", 50021)
	go media.serve()

	var conns atomic.Int32
	drop := make(chan struct{})
	resumes := make(chan voicegateway.ResumeCommand, 1)

	endpoint := newFakeGateway(t, func(p *gatewayPeer) {
		p.send(voicegateway.HelloOp, voicegateway.HelloEvent{HeartbeatInterval: 5000})

		if conns.Inc() > 1 {
			var resume voicegateway.ResumeCommand
			p.expect(voicegateway.ResumeOp, &resume)
			resumes <- resume

			p.send(voicegateway.ResumedOp, nil)
			p.drain(nil)
			return
		}

		p.expect(voicegateway.IdentifyOp, nil)
		p.send(voicegateway.ReadyOp, voicegateway.ReadyEvent{
			SSRC:  1234,
			IP:    "203.0.113.5",
			Port:  50000,
			Modes: []string{"xsalsa20_poly1305_lite"},
		})
		p.expect(voicegateway.SelectProtocolOp, nil)
		p.send(voicegateway.SessionDescriptionOp, voicegateway.SessionDescriptionEvent{
			Mode: "xsalsa20_poly1305_lite",
		})

		select {
		case <-drop:
		case <-p.ctx.Done():
			return
		}
		p.conn.Close(websocket.StatusCode(4000), "reset")
	})

	s := newTestSession(t, endpoint)
	statuses := recordStatuses(s)

	var dials atomic.Int32
	s.DialUDP = func(ctx context.Context, _ string, ssrc uint32) (*udp.Connection, error) {
		dials.Inc()
		return udp.DialConnection(ctx, media.Addr(), ssrc)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.Connect(ctx); err != nil {
		t.Fatal("failed to connect:", err)
	}

	close(drop)

	select {
	case resume := <-resumes:
		want := voicegateway.ResumeCommand{
			GuildID:   1,
			SessionID: "session",
			Token:     "token",
		}
		if diff := cmp.Diff(want, resume); diff != "" {
			t.Error("unexpected resume (-want +got):\n", diff)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for resume")
	}

	wantStatuses := []Status{
		ConnectingAwaitingWebsocketConnect,
		ConnectingAwaitingAuthentication,
		ConnectingAttemptingUDPDiscovery,
		ConnectingAwaitingReady,
		Connected,
		ErrorLostConnection,
		ConnectingAwaitingAuthentication,
		Connected,
	}
	if got := statuses.wait(t, len(wantStatuses)); !cmp.Equal(wantStatuses, got) {
		t.Fatalf("unexpected statuses:\n%s", spew.Sdump(got))
	}

	// Resuming keeps the media connection.
	assert.Equal(t, int32(1), dials.Load())
	assert.Equal(t, int32(1), media.discoveries.Load())
	assert.True(t, s.Media().IsConnected())
}

// brokenConn fails every write once broken is set.
type brokenConn struct {
	net.Conn
	broken *atomic.Bool
}

func (c brokenConn) Write(b []byte) (int, error) {
	if c.broken.Load() {
		return 0, errors.New("network is unreachable")
	}
	return c.Conn.Write(b)
}

func TestSessionReidentifiesOnMediaError(t *testing.T) {
	fastRedial(t)

	media := newFakeMediaServer(t, "203.0.113.9", 50021)
	go media.serve()

	var conns atomic.Int32
	identifies := make(chan int32, 2)

	endpoint := newFakeGateway(t, func(p *gatewayPeer) {
		n := conns.Inc()

		p.send(voicegateway.HelloOp, voicegateway.HelloEvent{HeartbeatInterval: 5000})
		p.expect(voicegateway.IdentifyOp, nil)
		identifies <- n

		p.send(voicegateway.ReadyOp, voicegateway.ReadyEvent{
			SSRC:  1234,
			IP:    "203.0.113.5",
			Port:  50000,
			Modes: []string{"xsalsa20_poly1305_lite"},
		})
		p.expect(voicegateway.SelectProtocolOp, nil)
		p.send(voicegateway.SessionDescriptionOp, voicegateway.SessionDescriptionEvent{
			Mode: "xsalsa20_poly1305_lite",
		})
		p.drain(nil)
	})

	s := newTestSession(t, endpoint)
	statuses := recordStatuses(s)

	var dials atomic.Int32
	broken := atomic.NewBool(false)

	s.DialUDP = func(ctx context.Context, _ string, ssrc uint32) (*udp.Connection, error) {
		conn, err := net.Dial("udp", media.Addr())
		if err != nil {
			return nil, err
		}

		// Only the first media connection breaks.
		if dials.Inc() == 1 {
			return udp.NewConnection(ctx, brokenConn{Conn: conn, broken: broken}, ssrc)
		}
		return udp.NewConnection(ctx, conn, ssrc)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.Connect(ctx); err != nil {
		t.Fatal("failed to connect:", err)
	}

	frame := []byte{0xFC, 0xAB, 0xCD}
	s.Media().SetSendHandler(&frameProvider{frames: [][]byte{frame, frame}, opus: true})

	broken.Store(true)

	_, err := s.Media().SendFrame(ctx)
	assert.Error(t, err)

	wantStatuses := []Status{
		ConnectingAwaitingWebsocketConnect,
		ConnectingAwaitingAuthentication,
		ConnectingAttemptingUDPDiscovery,
		ConnectingAwaitingReady,
		Connected,
		ErrorLostConnection,
		ConnectingAwaitingAuthentication,
		ConnectingAttemptingUDPDiscovery,
		ConnectingAwaitingReady,
		Connected,
	}
	if got := statuses.wait(t, len(wantStatuses)); !cmp.Equal(wantStatuses, got) {
		t.Fatalf("unexpected statuses:\n%s", spew.Sdump(got))
	}

	// Both gateway connections identified from scratch.
	assert.Equal(t, int32(1), <-identifies)
	assert.Equal(t, int32(2), <-identifies)

	assert.Equal(t, int32(2), dials.Load())
	assert.Equal(t, int32(2), media.discoveries.Load())

	// The new media connection carries audio.
	ok, err := s.Media().SendFrame(ctx)
	assert.NoError(t, err)
	assert.True(t, ok)

	opus, err := udp.NewCipher(udp.LiteMode, [32]byte{}).Open(nil, recvTimeout(t, media.packets), udp.HeaderSize)
	assert.NoError(t, err)
	assert.Equal(t, frame, opus)
}
