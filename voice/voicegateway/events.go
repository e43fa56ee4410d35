package voicegateway

import (
	"net"
	"strconv"
	"time"

	"github.com/diamondburned/arivoice/discord"
	"github.com/diamondburned/arivoice/utils/ws"
)

// ReadyEvent is an event for Op 2.
//
// https://discord.com/developers/docs/topics/voice-connections#establishing-a-voice-websocket-connection-example-voice-ready-payload
type ReadyEvent struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`

	// From Discord's API Docs:
	//
	// `heartbeat_interval` here is an erroneous field and should be ignored.
	// The correct `heartbeat_interval` value comes from the Hello payload.
}

// Op implements ws.Event.
func (*ReadyEvent) Op() ws.OpCode { return ReadyOp }

// Addr returns the address of the media server.
func (r ReadyEvent) Addr() string {
	return net.JoinHostPort(r.IP, strconv.Itoa(r.Port))
}

// SessionDescriptionEvent is an event for Op 4.
//
// https://discord.com/developers/docs/topics/voice-connections#establishing-a-voice-udp-connection-example-session-description-payload
type SessionDescriptionEvent struct {
	Mode      string   `json:"mode"`
	SecretKey [32]byte `json:"secret_key"`
}

// Op implements ws.Event.
func (*SessionDescriptionEvent) Op() ws.OpCode { return SessionDescriptionOp }

// SpeakingEvent is an event for Op 5. It binds an SSRC to a user.
type SpeakingEvent struct {
	UserID   discord.UserID `json:"user_id"`
	SSRC     uint32         `json:"ssrc"`
	Speaking SpeakingFlag   `json:"speaking"`
}

// Op implements ws.Event.
func (*SpeakingEvent) Op() ws.OpCode { return SpeakingOp }

// HeartbeatACKEvent is an event for Op 6. It echoes the nonce of the
// acknowledged HeartbeatCommand.
//
// https://discord.com/developers/docs/topics/voice-connections#heartbeating-example-heartbeat-ack-payload
type HeartbeatACKEvent uint64

// Op implements ws.Event.
func (*HeartbeatACKEvent) Op() ws.OpCode { return HeartbeatAckOp }

// Latency returns the round trip time of the acknowledged heartbeat.
func (e HeartbeatACKEvent) Latency(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(int64(e)))
}

// HelloEvent is an event for Op 8.
//
// https://discord.com/developers/docs/topics/voice-connections#heartbeating-example-hello-payload-since-v3
type HelloEvent struct {
	HeartbeatInterval discord.Milliseconds `json:"heartbeat_interval"`
}

// Op implements ws.Event.
func (*HelloEvent) Op() ws.OpCode { return HelloOp }

// ResumedEvent is an event for Op 9.
//
// https://discord.com/developers/docs/topics/voice-connections#resuming-voice-connection-example-resumed-payload
type ResumedEvent struct{}

// Op implements ws.Event.
func (*ResumedEvent) Op() ws.OpCode { return ResumedOp }

// ClientConnectEvent is an event for Op 12.
// (undocumented)
type ClientConnectEvent struct {
	UserID    discord.UserID `json:"user_id"`
	AudioSSRC uint32         `json:"audio_ssrc"`
	VideoSSRC uint32         `json:"video_ssrc"`
}

// Op implements ws.Event.
func (*ClientConnectEvent) Op() ws.OpCode { return ClientConnectOp }

// ClientDisconnectEvent is an event for Op 13.
// Undocumented, existence mentioned in below issue
// https://github.com/discord/discord-api-docs/issues/510
type ClientDisconnectEvent struct {
	UserID discord.UserID `json:"user_id"`
}

// Op implements ws.Event.
func (*ClientDisconnectEvent) Op() ws.OpCode { return ClientDisconnectOp }
