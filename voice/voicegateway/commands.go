package voicegateway

import (
	"github.com/pkg/errors"

	"github.com/diamondburned/arivoice/discord"
	"github.com/diamondburned/arivoice/utils/ws"
)

var (
	// ErrMissingForIdentify is an error when we are missing information to identify.
	ErrMissingForIdentify = errors.New("missing GuildID, UserID, SessionID, or Token for identify")

	// ErrMissingForResume is an error when we are missing information to resume.
	ErrMissingForResume = errors.New("missing GuildID, SessionID, or Token for resuming")
)

// IdentifyCommand is a command for Op 0.
//
// https://discord.com/developers/docs/topics/voice-connections#establishing-a-voice-websocket-connection-example-voice-identify-payload
type IdentifyCommand struct {
	GuildID   discord.GuildID `json:"server_id"` // yes, this should be "server_id"
	UserID    discord.UserID  `json:"user_id"`
	SessionID string          `json:"session_id"`
	Token     string          `json:"token"`
}

// Op implements ws.Event.
func (*IdentifyCommand) Op() ws.OpCode { return IdentifyOp }

// SelectProtocolCommand is a command for Op 1.
//
// https://discord.com/developers/docs/topics/voice-connections#establishing-a-voice-udp-connection-example-select-protocol-payload
type SelectProtocolCommand struct {
	Protocol string             `json:"protocol"`
	Data     SelectProtocolData `json:"data"`
}

// SelectProtocolData is the payload of SelectProtocolCommand.
type SelectProtocolData struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

// Op implements ws.Event.
func (*SelectProtocolCommand) Op() ws.OpCode { return SelectProtocolOp }

// HeartbeatCommand is a command for Op 3. Its value is a nonce that the server
// echoes back in HeartbeatACKEvent; it is the send time in Unix milliseconds.
//
// https://discord.com/developers/docs/topics/voice-connections#heartbeating-example-heartbeat-payload
type HeartbeatCommand uint64

// Op implements ws.Event.
func (*HeartbeatCommand) Op() ws.OpCode { return HeartbeatOp }

// SpeakingFlag is a bitmask of the speaking modes.
//
// https://discord.com/developers/docs/topics/voice-connections#speaking
type SpeakingFlag uint64

const (
	Microphone SpeakingFlag = 1 << iota
	Soundshare
	Priority
)

// NotSpeaking is the zero speaking mode.
const NotSpeaking SpeakingFlag = 0

// SpeakingCommand is a command for Op 5.
//
// https://discord.com/developers/docs/topics/voice-connections#speaking-example-speaking-payload
type SpeakingCommand struct {
	Speaking SpeakingFlag `json:"speaking"`
	Delay    int          `json:"delay"`
	SSRC     uint32       `json:"ssrc"`
}

// Op implements ws.Event.
func (*SpeakingCommand) Op() ws.OpCode { return SpeakingOp }

// ResumeCommand is a command for Op 7.
//
// https://discord.com/developers/docs/topics/voice-connections#resuming-voice-connection-example-resume-connection-payload
type ResumeCommand struct {
	GuildID   discord.GuildID `json:"server_id"` // yes, this should be "server_id"
	SessionID string          `json:"session_id"`
	Token     string          `json:"token"`
}

// Op implements ws.Event.
func (*ResumeCommand) Op() ws.OpCode { return ResumeOp }
