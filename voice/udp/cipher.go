package udp

import (
	"crypto/rand"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
)

// EncryptionMode is one of the xsalsa20_poly1305 modes. Each mode builds the
// 24-byte nonce differently and appends a different trailer to the packet.
type EncryptionMode uint8

const (
	// NormalMode uses the RTP header, zero-padded, as the nonce. Nothing is
	// appended.
	NormalMode EncryptionMode = iota
	// SuffixMode uses 24 random bytes as the nonce and appends them.
	SuffixMode
	// LiteMode uses a 32-bit big-endian counter as the first 4 nonce bytes and
	// appends those 4 bytes.
	LiteMode
)

// ModePreference lists the encryption modes from most to least preferred.
var ModePreference = []EncryptionMode{LiteMode, SuffixMode, NormalMode}

var modeNames = [...]string{
	NormalMode: "xsalsa20_poly1305",
	SuffixMode: "xsalsa20_poly1305_suffix",
	LiteMode:   "xsalsa20_poly1305_lite",
}

// String returns the protocol name of the mode.
func (m EncryptionMode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return "unknown"
}

// TrailerSize returns the number of bytes appended after the ciphertext.
func (m EncryptionMode) TrailerSize() int {
	switch m {
	case SuffixMode:
		return 24
	case LiteMode:
		return 4
	default:
		return 0
	}
}

// ParseEncryptionMode parses the protocol name of a mode.
func ParseEncryptionMode(name string) (EncryptionMode, bool) {
	for mode, modeName := range modeNames {
		if modeName == name {
			return EncryptionMode(mode), true
		}
	}
	return 0, false
}

// ErrUnsupportedModes is returned by SelectMode if none of the offered modes
// are supported.
var ErrUnsupportedModes = errors.New("no supported encryption mode offered")

// SelectMode picks the most preferred mode out of the offered mode names.
func SelectMode(offered []string) (EncryptionMode, error) {
	for _, mode := range ModePreference {
		for _, name := range offered {
			if name == mode.String() {
				return mode, nil
			}
		}
	}
	return 0, ErrUnsupportedModes
}

// ErrDecryptionFailed is returned from Open and ReadPacket if the received
// packet fails to decrypt.
var ErrDecryptionFailed = errors.New("decryption failed")

// Cipher seals and opens voice packets with a session's secret key. Seal and
// Open may be called from different goroutines, but neither may be called
// concurrently with itself.
type Cipher struct {
	mode    EncryptionMode
	secret  [32]byte
	counter uint32

	// Rand is the source of suffix nonces.
	Rand io.Reader
}

// NewCipher creates a new Cipher.
func NewCipher(mode EncryptionMode, secret [32]byte) *Cipher {
	return &Cipher{
		mode:   mode,
		secret: secret,
		Rand:   rand.Reader,
	}
}

// Mode returns the cipher's mode.
func (c *Cipher) Mode() EncryptionMode {
	return c.mode
}

// Seal appends header, the encrypted payload and the mode's trailer to dst.
// header must be the fixed 12-byte RTP header.
func (c *Cipher) Seal(dst, header, payload []byte) ([]byte, error) {
	var nonce [24]byte

	switch c.mode {
	case NormalMode:
		copy(nonce[:], header)
	case SuffixMode:
		if _, err := io.ReadFull(c.Rand, nonce[:]); err != nil {
			return dst, errors.Wrap(err, "failed to generate nonce")
		}
	case LiteMode:
		binary.BigEndian.PutUint32(nonce[:4], c.counter)
		c.counter++
	}

	dst = append(dst, header...)
	dst = secretbox.Seal(dst, payload, &nonce, &c.secret)
	dst = append(dst, nonce[:c.mode.TrailerSize()]...)

	return dst, nil
}

// Open decrypts packet, whose payload starts at headerSize, and appends the
// plaintext to dst. It returns ErrDecryptionFailed if the packet is too short
// or fails authentication.
func (c *Cipher) Open(dst, packet []byte, headerSize int) ([]byte, error) {
	trailer := c.mode.TrailerSize()
	if len(packet) < headerSize+secretbox.Overhead+trailer || headerSize < HeaderSize {
		return dst, ErrDecryptionFailed
	}

	var nonce [24]byte
	box := packet[headerSize : len(packet)-trailer]

	switch c.mode {
	case NormalMode:
		copy(nonce[:], packet[:HeaderSize])
	default:
		copy(nonce[:], packet[len(packet)-trailer:])
	}

	out, ok := secretbox.Open(dst, box, &nonce, &c.secret)
	if !ok {
		return dst, ErrDecryptionFailed
	}

	return out, nil
}
