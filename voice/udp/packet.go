package udp

import (
	"encoding/binary"

	"github.com/pion/rtp"
)

const (
	// HeaderSize is the size of the fixed RTP header.
	HeaderSize = 12
	// PayloadType is the RTP payload type of voice packets.
	PayloadType = 0x78
	// ExtensionProfile is the profile of the one-byte header extension that
	// the media server prepends to the encrypted payload.
	ExtensionProfile = 0xBEDE
	// TimestampIncrement is the RTP timestamp increment of one 20ms frame at
	// 48kHz.
	TimestampIncrement = 960
)

// Packet represents a voice packet.
//
// Partial structure of the RTP header for reference
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|V=2|P|X|  CC   |M|     PT      |       sequence number         |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                           timestamp                           |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|           synchronization source (SSRC) identifier            |
//	+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+
//
// https://tools.ietf.org/html/rfc3550#section-5.1
type Packet struct {
	rtp.Header
	Opus []byte
}

// NewHeader returns the header of an outbound voice packet.
func NewHeader(sequence uint16, timestamp, ssrc uint32) rtp.Header {
	return rtp.Header{
		Version:        2,
		PayloadType:    PayloadType,
		SequenceNumber: sequence,
		Timestamp:      timestamp,
		SSRC:           ssrc,
	}
}

// Sequence returns the packet sequence.
func (p *Packet) Sequence() uint16 { return p.SequenceNumber }

// Copy copies the current packet into the given packet.
func (p *Packet) Copy(dst *Packet) {
	dst.Header = p.Header
	dst.Opus = append(dst.Opus[:0], p.Opus...)
}

// Marshal appends the wire form of the packet to dst. The header is always
// written without CSRCs or extension.
func (p *Packet) Marshal(dst []byte) []byte {
	dst = AppendHeader(dst, p.Header)
	return append(dst, p.Opus...)
}

// AppendHeader appends the fixed 12-byte header built from h to dst.
func AppendHeader(dst []byte, h rtp.Header) []byte {
	out := NewHeader(h.SequenceNumber, h.Timestamp, h.SSRC)

	var buf [HeaderSize]byte
	// The header has no CSRCs or extension, so it always fits.
	out.MarshalTo(buf[:])

	return append(dst, buf[:]...)
}

// ParsePacket parses a plaintext voice packet. It returns false if b is not a
// voice packet. The returned packet's Opus slice shares b's backing array.
func ParsePacket(b []byte) (Packet, bool) {
	h, n, ok := parseHeader(b)
	if !ok {
		return Packet{}, false
	}

	payload := b[n:]
	if h.Extension {
		payload = StripExtension(payload)
	}

	return Packet{Header: h, Opus: payload}, true
}

// parseHeader parses the fixed header and returns the offset of the payload.
// CSRC identifiers are skipped and not kept.
func parseHeader(b []byte) (rtp.Header, int, bool) {
	if len(b) < HeaderSize || b[1] != PayloadType {
		return rtp.Header{}, 0, false
	}

	h := rtp.Header{
		Version:        b[0] >> 6,
		Padding:        b[0]&0x20 != 0,
		Extension:      b[0]&0x10 != 0,
		PayloadType:    b[1],
		SequenceNumber: binary.BigEndian.Uint16(b[2:4]),
		Timestamp:      binary.BigEndian.Uint32(b[4:8]),
		SSRC:           binary.BigEndian.Uint32(b[8:12]),
	}

	if h.Version != 2 {
		return rtp.Header{}, 0, false
	}

	n := HeaderSize + 4*int(b[0]&0x0F)
	if len(b) < n {
		return rtp.Header{}, 0, false
	}

	return h, n, true
}

// StripExtension skips the header extension at the start of payload if it has
// the ExtensionProfile, along with any zero padding after it. The payload is
// returned as-is otherwise.
func StripExtension(payload []byte) []byte {
	if len(payload) < 4 || binary.BigEndian.Uint16(payload[0:2]) != ExtensionProfile {
		return payload
	}

	shift := 4 + 4*int(binary.BigEndian.Uint16(payload[2:4]))
	if shift > len(payload) {
		return payload
	}

	payload = payload[shift:]
	for len(payload) > 0 && payload[0] == 0 {
		payload = payload[1:]
	}

	return payload
}
