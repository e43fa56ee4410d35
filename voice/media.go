package voice

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/diamondburned/arivoice/discord"
	"github.com/diamondburned/arivoice/voice/mix"
	"github.com/diamondburned/arivoice/voice/opuscodec"
	"github.com/diamondburned/arivoice/voice/udp"
	"github.com/diamondburned/arivoice/voice/voicegateway"
)

const (
	// SilenceFrames is the number of silence frames sent after the send
	// handler runs dry, before the speaking state is cleared.
	SilenceFrames = 5
	// CombinedAudioTimeout is the default age after which a user's queued
	// frame is too old to be mixed.
	CombinedAudioTimeout = 100 * time.Millisecond
	// ReadTimeout is the default read deadline of the receive loop.
	ReadTimeout = 100 * time.Millisecond
)

// ErrMediaClosed is returned when starting a MediaConnection that was shut
// down.
var ErrMediaClosed = errors.New("media connection is shut down")

// speaker sends speaking updates over the signaling connection.
type speaker func(ctx context.Context, flag voicegateway.SpeakingFlag) error

type sendBox struct{ h SendHandler }
type recvBox struct{ h ReceiveHandler }

// MediaConnection owns the UDP socket of a voice session and the audio
// pipelines on top of it. The receive loop and mixer run on their own
// goroutines while connected; the send side is driven by the application
// calling SendFrame once per frame, usually through Pump.
type MediaConnection struct {
	// Logger receives media diagnostics.
	Logger *log.Logger
	// ReadTimeout is the read deadline of each receive loop iteration.
	ReadTimeout time.Duration

	speak   speaker
	onError func(error)

	send atomic.Value // sendBox
	recv atomic.Value // recvBox

	mu           sync.Mutex
	conn         *udp.Connection
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	mixCancel    context.CancelFunc
	mixWG        sync.WaitGroup
	speakingMode voicegateway.SpeakingFlag
	closed       bool

	// send pump state
	sendMu      sync.Mutex
	encoder     *opuscodec.Encoder
	speaking    bool
	silenceLeft int

	cmdMu sync.Mutex
	cmds  []func(*ssrcTable)
	table *ssrcTable // receive goroutine

	mixer *mix.Mixer
}

func newMediaConnection(speak speaker, onError func(error)) *MediaConnection {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Prefix:          "voice/media",
		ReportTimestamp: true,
	})

	m := &MediaConnection{
		Logger:       logger,
		ReadTimeout:  ReadTimeout,
		speak:        speak,
		onError:      onError,
		speakingMode: voicegateway.Microphone,
		table:        newSSRCTable(logger),
		mixer:        mix.NewMixer(opuscodec.FrameSamples, CombinedAudioTimeout),
	}
	m.send.Store(sendBox{})
	m.recv.Store(recvBox{})

	return m
}

// SetSendHandler sets the handler providing outgoing audio. A nil handler
// stops sending.
func (m *MediaConnection) SetSendHandler(h SendHandler) {
	m.send.Store(sendBox{h})
}

// SetReceiveHandler sets the handler consuming incoming audio. The mixer runs
// only while connected and the handler wants combined audio.
func (m *MediaConnection) SetReceiveHandler(h ReceiveHandler) {
	m.recv.Store(recvBox{h})

	m.mu.Lock()
	m.updateMixerLocked()
	m.mu.Unlock()
}

// SetCombinedAudioTimeout sets the age after which queued frames are dropped
// from the mix.
func (m *MediaConnection) SetCombinedAudioTimeout(d time.Duration) {
	m.mixer.SetTimeout(d)
}

// SetSpeakingMode sets the flags sent when speaking starts. If already
// speaking, the new flags are sent in the background.
func (m *MediaConnection) SetSpeakingMode(flag voicegateway.SpeakingFlag) {
	m.mu.Lock()
	m.speakingMode = flag
	m.mu.Unlock()

	m.sendMu.Lock()
	speaking := m.speaking
	m.sendMu.Unlock()

	if speaking {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := m.speak(ctx, flag); err != nil {
				m.Logger.Warn("failed to update speaking mode", "err", err)
			}
		}()
	}
}

// IsConnected returns true if the media socket is up.
func (m *MediaConnection) IsConnected() bool {
	return m.connection() != nil
}

func (m *MediaConnection) sendHandler() SendHandler {
	return m.send.Load().(sendBox).h
}

func (m *MediaConnection) receiveHandler() ReceiveHandler {
	return m.recv.Load().(recvBox).h
}

func (m *MediaConnection) connection() *udp.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.conn
}

// start takes ownership of conn, which must already have its secret, and
// starts the receive and keepalive loops. Any previous socket is closed.
func (m *MediaConnection) start(conn *udp.Connection, keepalive time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		conn.Close()
		return ErrMediaClosed
	}

	m.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	m.conn = conn
	m.cancel = cancel

	m.wg.Add(1)
	go m.receiveLoop(ctx, conn)

	if keepalive > 0 {
		m.wg.Add(1)
		go m.keepaliveLoop(ctx, conn, keepalive)
	}

	m.updateMixerLocked()
	return nil
}

// stop closes the socket and waits for the media goroutines. The SSRC table
// is cleared; the next session rebinds from speaking events.
func (m *MediaConnection) stop() {
	m.mu.Lock()
	m.stopLocked()
	m.mu.Unlock()
}

func (m *MediaConnection) stopLocked() {
	if m.conn == nil {
		return
	}

	m.cancel()
	m.conn.Close()
	m.wg.Wait()

	m.conn = nil
	m.cancel = nil
	m.updateMixerLocked()

	m.cmdMu.Lock()
	m.cmds = nil
	m.cmdMu.Unlock()
	m.table.reset()
}

// Shutdown stops the media connection permanently and releases the codecs.
// It is safe to call more than once.
func (m *MediaConnection) Shutdown() {
	m.mu.Lock()
	m.stopLocked()
	m.closed = true
	m.mu.Unlock()

	m.sendMu.Lock()
	if m.encoder != nil {
		m.encoder.Close()
		m.encoder = nil
	}
	m.speaking = false
	m.silenceLeft = 0
	m.sendMu.Unlock()
}

func (m *MediaConnection) updateMixerLocked() {
	recv := m.receiveHandler()
	want := m.conn != nil && recv != nil && recv.CanReceiveCombined()

	switch {
	case want && m.mixCancel == nil:
		ctx, cancel := context.WithCancel(context.Background())
		m.mixCancel = cancel
		m.mixWG.Add(1)
		go m.mixLoop(ctx)

	case !want && m.mixCancel != nil:
		m.mixCancel()
		m.mixWG.Wait()
		m.mixCancel = nil
	}
}

// BindSSRC binds a remote SSRC to a user. The change is applied by the
// receive goroutine before it handles the next packet.
func (m *MediaConnection) BindSSRC(ssrc uint32, user discord.UserID) {
	m.queue(func(t *ssrcTable) { t.bind(ssrc, user) })
}

// UnbindUser removes every SSRC bound to user along with its decoder and
// combined audio queue.
func (m *MediaConnection) UnbindUser(user discord.UserID) {
	m.queue(func(t *ssrcTable) { t.unbindUser(user) })
	m.mixer.Remove(user)
}

func (m *MediaConnection) queue(cmd func(*ssrcTable)) {
	m.cmdMu.Lock()
	m.cmds = append(m.cmds, cmd)
	m.cmdMu.Unlock()
}

func (m *MediaConnection) applyCommands() {
	m.cmdMu.Lock()
	cmds := m.cmds
	m.cmds = nil
	m.cmdMu.Unlock()

	for _, cmd := range cmds {
		cmd(m.table)
	}
}

// SendFrame sends at most one frame. It returns true if a packet was written.
// When the send handler runs dry, SilenceFrames silence frames are sent
// before the speaking state is cleared. Socket errors are reported to the
// session, which reconnects.
func (m *MediaConnection) SendFrame(ctx context.Context) (bool, error) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	conn := m.connection()
	if conn == nil {
		return false, nil
	}

	opus := m.provide()

	if opus == nil {
		if m.silenceLeft == 0 {
			return false, nil
		}
		opus = opuscodec.SilenceFrame
		m.silenceLeft--
	} else {
		if !m.speaking {
			m.setSpeaking(ctx, true)
		}
		m.silenceLeft = SilenceFrames
	}

	if err := conn.WriteOpus(opus); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return false, nil
		}

		err = errors.Wrap(err, "failed to write frame")
		if m.onError != nil {
			m.onError(err)
		}
		return false, err
	}

	if m.silenceLeft == 0 && m.speaking {
		m.setSpeaking(ctx, false)
	}

	return true, nil
}

// provide returns the next Opus frame from the send handler, or nil.
func (m *MediaConnection) provide() []byte {
	h := m.sendHandler()
	if h == nil || !h.CanProvide() {
		return nil
	}

	frame := h.Provide20MsAudio()
	if len(frame) == 0 {
		return nil
	}

	if h.IsOpus() {
		return frame
	}

	order := binary.ByteOrder(binary.BigEndian)
	if o, ok := h.(PCMByteOrderer); ok {
		order = o.PCMByteOrder()
	}

	if m.encoder == nil {
		enc, err := opuscodec.NewEncoder()
		if err != nil {
			m.Logger.Error("failed to create opus encoder", "err", err)
			return nil
		}
		m.encoder = enc
	}

	opus, err := m.encoder.Encode(frame, order)
	if err != nil {
		m.Logger.Warn("dropping unencodable frame", "err", err)
		return nil
	}

	return opus
}

func (m *MediaConnection) setSpeaking(ctx context.Context, speaking bool) {
	m.speaking = speaking

	flag := voicegateway.NotSpeaking
	if speaking {
		m.mu.Lock()
		flag = m.speakingMode
		m.mu.Unlock()
	}

	if err := m.speak(ctx, flag); err != nil {
		m.Logger.Warn("failed to send speaking update", "speaking", speaking, "err", err)
	}
}

func (m *MediaConnection) receiveLoop(ctx context.Context, conn *udp.Connection) {
	defer m.wg.Done()

	for ctx.Err() == nil {
		m.applyCommands()

		conn.SetReadDeadline(time.Now().Add(m.ReadTimeout))

		p, err := conn.ReadPacket()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, net.ErrClosed):
				return
			case errors.Is(err, udp.ErrDecryptionFailed):
				m.Logger.Debug("dropping undecryptable packet")
			case errors.As(err, &netErr) && netErr.Timeout():
			default:
				if ctx.Err() == nil {
					m.Logger.Debug("media read error", "err", err)
				}
			}
			continue
		}

		m.handlePacket(p, time.Now())
	}
}

// handlePacket runs one decrypted packet through the receive pipeline.
func (m *MediaConnection) handlePacket(p *udp.Packet, now time.Time) {
	m.applyCommands()

	entry := m.table.lookup(p.SSRC)
	if entry == nil {
		if !opuscodec.IsSilence(p.Opus) {
			m.Logger.Debug("dropping packet from unknown SSRC", "ssrc", p.SSRC)
		}
		return
	}

	recv := m.receiveHandler()
	if recv == nil {
		return
	}

	if recv.CanReceiveEncoded() {
		recv.HandleEncodedAudio(&EncodedAudio{
			UserID:    entry.user,
			SSRC:      p.SSRC,
			Sequence:  p.SequenceNumber,
			Timestamp: p.Timestamp,
			Opus:      append([]byte(nil), p.Opus...),
		})
	}

	wantUser := recv.CanReceiveUser()
	wantMix := recv.CanReceiveCombined() && recv.IncludeUserInCombinedAudio(entry.user)
	if !wantUser && !wantMix {
		return
	}

	dec, err := entry.decoderFor(p.SSRC)
	if err != nil {
		m.Logger.Error("failed to create opus decoder", "ssrc", p.SSRC, "err", err)
		return
	}

	if !dec.IsInOrder(p.SequenceNumber) {
		m.Logger.Debug("dropping out-of-order packet", "ssrc", p.SSRC, "seq", p.SequenceNumber)
		return
	}

	if dec.WasPacketLost(p.SequenceNumber) {
		pcm, err := dec.Conceal()
		if err != nil {
			m.Logger.Debug("failed to conceal lost packet", "ssrc", p.SSRC, "err", err)
		} else {
			m.deliver(recv, entry.user, p.SSRC, pcm, true, wantUser, wantMix, now)
		}
	}

	pcm, err := dec.Decode(p.SequenceNumber, p.Timestamp, p.Opus)
	if err != nil {
		m.Logger.Debug("failed to decode packet", "ssrc", p.SSRC, "err", err)
		return
	}

	m.deliver(recv, entry.user, p.SSRC, pcm, false, wantUser, wantMix, now)
}

func (m *MediaConnection) deliver(
	recv ReceiveHandler, user discord.UserID, ssrc uint32, pcm []int16,
	concealed, wantUser, wantMix bool, now time.Time) {

	if wantUser {
		recv.HandleUserAudio(&UserAudio{
			UserID:    user,
			SSRC:      ssrc,
			PCM:       append([]int16(nil), pcm...),
			Concealed: concealed,
		})
	}

	if wantMix {
		m.mixer.Push(user, pcm, now)
	}
}

func (m *MediaConnection) mixLoop(ctx context.Context) {
	defer m.mixWG.Done()

	ticker := time.NewTicker(opuscodec.FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			recv := m.receiveHandler()
			if recv == nil || !recv.CanReceiveCombined() {
				continue
			}

			frame := m.mixer.Mix(now)
			recv.HandleCombinedAudio(&CombinedAudio{
				Users: frame.Users,
				PCM:   frame.PCM,
			})
		}
	}
}

func (m *MediaConnection) keepaliveLoop(ctx context.Context, conn *udp.Connection, interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteKeepalive(); err != nil && !errors.Is(err, net.ErrClosed) {
				m.Logger.Debug("failed to send keepalive", "err", err)
			}
		}
	}
}
