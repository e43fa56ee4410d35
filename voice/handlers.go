package voice

import (
	"encoding/binary"

	"github.com/diamondburned/arivoice/discord"
)

// SendHandler provides outgoing audio. Provide20MsAudio is called once per
// frame from the goroutine that drives MediaConnection.SendFrame.
type SendHandler interface {
	// CanProvide returns true if a frame is ready.
	CanProvide() bool
	// Provide20MsAudio returns one 20ms frame, either an Opus packet or
	// 48kHz stereo 16-bit PCM, or nil if there is nothing to send after all.
	Provide20MsAudio() []byte
	// IsOpus returns true if the frames are already Opus encoded.
	IsOpus() bool
}

// PCMByteOrderer may be implemented by a SendHandler that provides PCM in an
// order other than big endian.
type PCMByteOrderer interface {
	PCMByteOrder() binary.ByteOrder
}

// ReceiveHandler consumes incoming audio. Its methods are called from the
// receive goroutine, except HandleCombinedAudio, which is called from the
// mixer goroutine.
type ReceiveHandler interface {
	CanReceiveCombined() bool
	CanReceiveUser() bool
	CanReceiveEncoded() bool

	HandleCombinedAudio(*CombinedAudio)
	HandleUserAudio(*UserAudio)
	HandleEncodedAudio(*EncodedAudio)

	// IncludeUserInCombinedAudio filters which users are mixed.
	IncludeUserInCombinedAudio(discord.UserID) bool
}

// UserAudio is one decoded 20ms frame from a single user. PCM is interleaved
// stereo and owned by the handler.
type UserAudio struct {
	UserID discord.UserID
	SSRC   uint32
	PCM    []int16
	// Concealed is true if the frame was synthesized for a lost packet.
	Concealed bool
}

// CombinedAudio is the 20ms mix of every included user who spoke recently.
// Users is empty and PCM is silent if nobody did.
type CombinedAudio struct {
	Users []discord.UserID
	PCM   []int16
}

// EncodedAudio is an Opus packet as received, before decoding. Opus is owned
// by the handler.
type EncodedAudio struct {
	UserID    discord.UserID
	SSRC      uint32
	Sequence  uint16
	Timestamp uint32
	Opus      []byte
}
