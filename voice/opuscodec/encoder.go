package opuscodec

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"gopkg.in/hraban/opus.v2"
)

// Encoder encodes 20ms PCM frames into Opus. It is not thread-safe.
type Encoder struct {
	enc *opus.Encoder
	pcm []int16
	buf []byte
}

// NewEncoder creates a new encoder for music-grade audio.
func NewEncoder() (*Encoder, error) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppAudio)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create opus encoder")
	}

	return &Encoder{
		enc: enc,
		pcm: make([]int16, FrameSamples),
		buf: make([]byte, maxPacketSize),
	}, nil
}

// SetBitrate sets the target bitrate in bits per second.
func (e *Encoder) SetBitrate(bitrate int) error {
	if e.enc == nil {
		return ErrClosed
	}
	return e.enc.SetBitrate(bitrate)
}

// Encode encodes one frame of 16-bit stereo PCM in the given byte order. The
// frame must be exactly FrameBytes long. The returned packet is only valid
// until the next call.
func (e *Encoder) Encode(pcm []byte, order binary.ByteOrder) ([]byte, error) {
	if e.enc == nil {
		return nil, ErrClosed
	}

	if len(pcm) != FrameBytes {
		return nil, errors.Errorf("expected %d bytes of PCM, got %d", FrameBytes, len(pcm))
	}

	e.pcm = PCMToInt16(e.pcm, pcm, order)

	n, err := e.enc.Encode(e.pcm, e.buf)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode frame")
	}

	return e.buf[:n], nil
}

// EncodeInt16 encodes one frame of interleaved samples.
func (e *Encoder) EncodeInt16(pcm []int16) ([]byte, error) {
	if e.enc == nil {
		return nil, ErrClosed
	}

	n, err := e.enc.Encode(pcm, e.buf)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode frame")
	}

	return e.buf[:n], nil
}

// Close releases the encoder. It is safe to call more than once.
func (e *Encoder) Close() error {
	e.enc = nil
	return nil
}
