// Package voicegateway implements the voice signaling protocol on top of the
// ws event loop.
package voicegateway

import (
	"context"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/schema"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/diamondburned/arivoice/discord"
	"github.com/diamondburned/arivoice/utils/ws"
)

// Version represents the voice gateway version this package uses.
const Version = 4

var (
	ErrNoSessionID = errors.New("no sessionID was received")
	ErrNoEndpoint  = errors.New("no endpoint was received")
)

// State contains state information of a voice gateway.
type State struct {
	GuildID   discord.GuildID
	ChannelID discord.ChannelID
	UserID    discord.UserID

	SessionID string
	Token     string
	Endpoint  string
}

// Validate returns an error if the state is missing anything required to
// identify.
func (s State) Validate() error {
	if s.SessionID == "" {
		return ErrNoSessionID
	}
	if s.Endpoint == "" {
		return ErrNoEndpoint
	}
	if !s.GuildID.IsValid() || !s.UserID.IsValid() || s.Token == "" {
		return ErrMissingForIdentify
	}
	return nil
}

var endpointEncoder = schema.NewEncoder()

type endpointQuery struct {
	Version int `schema:"v"`
}

// EndpointURL returns the websocket URL for the given voice server endpoint.
// Endpoints without a scheme are dialed over wss.
//
// https://discord.com/developers/docs/topics/voice-connections#establishing-a-voice-websocket-connection
func EndpointURL(endpoint string) (string, error) {
	if endpoint == "" {
		return "", ErrNoEndpoint
	}

	if !strings.Contains(endpoint, "://") {
		endpoint = "wss://" + strings.TrimSuffix(endpoint, ":80")
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", errors.Wrap(err, "invalid endpoint")
	}

	if u.Path == "" {
		u.Path = "/"
	}

	q := u.Query()
	if err := endpointEncoder.Encode(endpointQuery{Version: Version}, q); err != nil {
		return "", errors.Wrap(err, "failed to encode endpoint query")
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// DefaultGatewayOpts contains the default options of the voice gateway loop.
var DefaultGatewayOpts = ws.GatewayOpts{
	ReconnectDelay:        ws.DefaultGatewayOpts.ReconnectDelay,
	FatalCloseCodes:       FatalCloseCodes,
	DialTimeout:           10 * time.Second,
	ReconnectAttempt:      5,
	AlwaysCloseGracefully: true,
}

// Gateway is a voice gateway connection. Its Handler identifies or resumes on
// every Hello and keeps the heartbeat going; everything else is passed
// through to the channel returned by Connect.
type Gateway struct {
	gateway *ws.Gateway
	state   State // constant

	mutex sync.RWMutex
	ready *ReadyEvent

	// Timeout is the timeout for sending commands from inside the event loop.
	Timeout time.Duration
	// Logger receives protocol diagnostics.
	Logger *log.Logger

	autoReconnect atomic.Bool
	resume        atomic.Bool
}

// New creates a new voice gateway. If opts is nil, DefaultGatewayOpts is used.
func New(state State, opts *ws.GatewayOpts) (*Gateway, error) {
	if err := state.Validate(); err != nil {
		return nil, err
	}

	addr, err := EndpointURL(state.Endpoint)
	if err != nil {
		return nil, err
	}

	if opts == nil {
		opts = &DefaultGatewayOpts
	}

	socket := ws.NewWebsocket(ws.NewCodec(OpUnmarshalers), addr)

	g := &Gateway{
		gateway: ws.NewGateway(socket, opts),
		state:   state,
		Timeout: 10 * time.Second,
		Logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix:          "voicegateway",
			ReportTimestamp: true,
		}),
	}
	g.autoReconnect.Store(true)

	return g, nil
}

// State returns the constant state of the gateway.
func (g *Gateway) State() State {
	return g.state
}

// Ready returns the last Ready event, or nil if the gateway has not received
// one yet.
func (g *Gateway) Ready() *ReadyEvent {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	return g.ready
}

// SetAutoReconnect sets whether a dropped connection is resumed.
func (g *Gateway) SetAutoReconnect(auto bool) {
	g.autoReconnect.Store(auto)
}

// AutoReconnect returns whether a dropped connection is resumed.
func (g *Gateway) AutoReconnect() bool {
	return g.autoReconnect.Load()
}

// Connect starts the event loop. The returned channel carries every Op,
// including *ws.CloseEvent and *ws.BackgroundErrorEvent, and is closed when
// the loop exits.
func (g *Gateway) Connect(ctx context.Context) <-chan ws.Op {
	return g.gateway.Connect(ctx, (*gatewayImpl)(g))
}

// Reconnect drops the current websocket and resumes the session on a new one.
func (g *Gateway) Reconnect() {
	g.resume.Store(g.Ready() != nil)
	g.gateway.QueueReconnect()
}

// Reidentify drops the current websocket and identifies again on a new one,
// which makes the server send a fresh Ready.
func (g *Gateway) Reidentify() {
	g.mutex.Lock()
	g.ready = nil
	g.mutex.Unlock()

	g.resume.Store(false)
	g.gateway.QueueReconnect()
}

// Send sends a command to the gateway.
func (g *Gateway) Send(ctx context.Context, cmd ws.Event) error {
	return g.gateway.Send(ctx, cmd)
}

// Speaking sends a speaking update for the local SSRC.
func (g *Gateway) Speaking(ctx context.Context, flag SpeakingFlag) error {
	ready := g.Ready()
	if ready == nil {
		return errors.New("speaking update before Ready")
	}

	return g.Send(ctx, &SpeakingCommand{
		Speaking: flag,
		Delay:    0,
		SSRC:     ready.SSRC,
	})
}

// SelectProtocol sends the discovered external address and chosen mode.
func (g *Gateway) SelectProtocol(ctx context.Context, addr string, port uint16, mode string) error {
	return g.Send(ctx, &SelectProtocolCommand{
		Protocol: "udp",
		Data: SelectProtocolData{
			Address: addr,
			Port:    port,
			Mode:    mode,
		},
	})
}

type gatewayImpl Gateway

func (g *gatewayImpl) OnOp(ctx context.Context, op ws.Op) bool {
	switch data := op.Data.(type) {
	case *HelloEvent:
		g.gateway.ResetHeartbeat(data.HeartbeatInterval.Duration())

		ctx, cancel := context.WithTimeout(ctx, g.Timeout)
		defer cancel()

		if err := g.identifyOrResume(ctx); err != nil {
			g.Logger.Error("failed to authenticate", "err", err)
			return g.dropped()
		}

	case *ReadyEvent:
		g.mutex.Lock()
		g.ready = data
		g.mutex.Unlock()

	case *ResumedEvent:
		g.Logger.Debug("voice gateway resumed")

	case *ws.CloseEvent:
		g.Logger.Warn("voice gateway closed", "code", data.Code, "err", data.Err)
		return g.dropped()

	case *ws.BackgroundErrorEvent:
		g.Logger.Debug("voice gateway error", "err", data.Err)
	}

	return true
}

// dropped queues a resume if auto-reconnect is on. It returns false if the
// loop should exit instead.
func (g *gatewayImpl) dropped() bool {
	if !g.autoReconnect.Load() {
		return false
	}

	(*Gateway)(g).Reconnect()
	return true
}

func (g *gatewayImpl) identifyOrResume(ctx context.Context) error {
	if g.resume.Swap(false) {
		if !g.state.GuildID.IsValid() || g.state.SessionID == "" || g.state.Token == "" {
			return ErrMissingForResume
		}

		return g.gateway.Send(ctx, &ResumeCommand{
			GuildID:   g.state.GuildID,
			SessionID: g.state.SessionID,
			Token:     g.state.Token,
		})
	}

	return g.gateway.Send(ctx, &IdentifyCommand{
		GuildID:   g.state.GuildID,
		UserID:    g.state.UserID,
		SessionID: g.state.SessionID,
		Token:     g.state.Token,
	})
}

func (g *gatewayImpl) SendHeartbeat(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	nonce := HeartbeatCommand(time.Now().UnixMilli())

	if err := g.gateway.Send(ctx, &nonce); err != nil {
		g.Logger.Error("failed to send heartbeat", "err", err)
		if g.autoReconnect.Load() {
			(*Gateway)(g).Reconnect()
		}
	}
}

func (g *gatewayImpl) Close() error {
	return nil
}
