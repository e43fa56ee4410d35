package opuscodec

import (
	"github.com/pkg/errors"
	"gopkg.in/hraban/opus.v2"
)

// ErrClosed is returned when a closed Decoder or Encoder is used.
var ErrClosed = errors.New("opus codec is closed")

// Decoder decodes the packets of a single SSRC. It keeps the last sequence and
// timestamp to detect lost and reordered packets. It is not thread-safe.
type Decoder struct {
	dec  *opus.Decoder
	ssrc uint32
	pcm  []int16

	lastSeq       uint16
	lastTimestamp uint32
	tracking      bool
}

// NewDecoder creates a new decoder for the given SSRC.
func NewDecoder(ssrc uint32) (*Decoder, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create opus decoder")
	}

	return &Decoder{
		dec:  dec,
		ssrc: ssrc,
		pcm:  make([]int16, FrameSamples),
	}, nil
}

// SSRC returns the SSRC the decoder was created for.
func (d *Decoder) SSRC() uint32 {
	return d.ssrc
}

// LastSequence returns the sequence of the last decoded packet. ok is false
// if nothing was decoded since creation or since the last concealment.
func (d *Decoder) LastSequence() (seq uint16, ok bool) {
	return d.lastSeq, d.tracking
}

// IsInOrder returns false if seq is not newer than the last decoded packet.
// Sequence numbers wrap at 65536.
func (d *Decoder) IsInOrder(seq uint16) bool {
	if !d.tracking {
		return true
	}
	delta := int16(seq - d.lastSeq)
	return delta > 0
}

// WasPacketLost returns true if the packet with seq does not directly follow
// the last decoded packet.
func (d *Decoder) WasPacketLost(seq uint16) bool {
	return d.tracking && seq != d.lastSeq+1
}

// Decode decodes one Opus packet. The returned frame is only valid until the
// next call.
func (d *Decoder) Decode(seq uint16, timestamp uint32, data []byte) ([]int16, error) {
	if d.dec == nil {
		return nil, ErrClosed
	}

	n, err := d.dec.Decode(data, d.pcm)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode packet from ssrc %d", d.ssrc)
	}

	d.lastSeq = seq
	d.lastTimestamp = timestamp
	d.tracking = true

	return d.pcm[:n*Channels], nil
}

// Conceal synthesizes one frame for a lost packet, then resets the sequence
// tracking. The returned frame is only valid until the next call.
func (d *Decoder) Conceal() ([]int16, error) {
	if d.dec == nil {
		return nil, ErrClosed
	}

	d.tracking = false

	if err := d.dec.DecodePLC(d.pcm); err != nil {
		return nil, errors.Wrapf(err, "failed to conceal loss from ssrc %d", d.ssrc)
	}

	return d.pcm, nil
}

// Close releases the decoder. It is safe to call more than once.
func (d *Decoder) Close() error {
	d.dec = nil
	d.pcm = nil
	return nil
}
