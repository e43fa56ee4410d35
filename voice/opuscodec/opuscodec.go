// Package opuscodec adapts libopus to the 20ms stereo frames used by voice
// connections.
package opuscodec

import (
	"bytes"
	"encoding/binary"
	"time"
)

const (
	// SampleRate is the sample rate of every frame.
	SampleRate = 48000
	// Channels is the number of interleaved channels of every frame.
	Channels = 2
	// FrameSize is the number of samples per channel in one frame.
	FrameSize = 960
	// FrameDuration is the duration of one frame.
	FrameDuration = 20 * time.Millisecond
	// FrameSamples is the number of interleaved samples in one frame.
	FrameSamples = FrameSize * Channels
	// FrameBytes is the size of one frame of 16-bit PCM.
	FrameBytes = FrameSamples * 2

	// maxPacketSize is the largest Opus packet the encoder may produce.
	maxPacketSize = 4000
)

// SilenceFrame is the Opus frame of silence.
var SilenceFrame = []byte{0xF8, 0xFF, 0xFE}

// IsSilence returns true if opus is the silence frame.
func IsSilence(opus []byte) bool {
	return bytes.Equal(opus, SilenceFrame)
}

// PCMToInt16 decodes 16-bit PCM in the given byte order into dst, growing it
// if needed. A trailing odd byte is ignored.
func PCMToInt16(dst []int16, src []byte, order binary.ByteOrder) []int16 {
	n := len(src) / 2
	if cap(dst) < n {
		dst = make([]int16, n)
	}
	dst = dst[:n]

	for i := range dst {
		dst[i] = int16(order.Uint16(src[i*2:]))
	}

	return dst
}

// Int16ToPCM appends samples as 16-bit PCM in the given byte order to dst.
func Int16ToPCM(dst []byte, samples []int16, order binary.ByteOrder) []byte {
	n := len(dst)
	if cap(dst)-n < len(samples)*2 {
		grown := make([]byte, n, n+len(samples)*2)
		copy(grown, dst)
		dst = grown
	}
	dst = dst[:n+len(samples)*2]

	for i, s := range samples {
		order.PutUint16(dst[n+i*2:], uint16(s))
	}
	return dst
}
