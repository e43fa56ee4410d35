package udp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Dialer is the default dialer that this package uses for all its dialing.
var Dialer = net.Dialer{
	Timeout: 10 * time.Second,
}

// ErrNoSecret is returned if the connection is used for media before
// UseSecret is called.
var ErrNoSecret = errors.New("UDP connection has no secret")

// KeepalivePacket is the datagram sent periodically to keep the NAT mapping
// of the connection alive.
var KeepalivePacket = [9]byte{0xC9}

const maxPacketSize = 1500

// Connection represents a voice UDP connection. Writes must not be called
// concurrently with other writes, and reads must not be called concurrently
// with other reads; a single writer and a single reader may run at the same
// time.
type Connection struct {
	// GatewayIP and GatewayPort are this host's external address, as
	// discovered through the media server.
	GatewayIP   string
	GatewayPort uint16

	conn net.Conn
	ssrc uint32

	cipher *Cipher

	sequence  uint16
	timestamp uint32
	sendBuf   []byte

	recvBuf    []byte
	recvOpus   []byte
	recvPacket Packet

	closeOnce sync.Once
	closeErr  error
}

// DialFunc is the UDP dialer function type. It's the function signature for
// udp.DialConnection.
type DialFunc = func(ctx context.Context, addr string, ssrc uint32) (*Connection, error)

// Assert that this is the same.
var _ DialFunc = DialConnection

// DialConnection dials the UDP connection using the given address and SSRC
// number, then performs IP discovery on it.
func DialConnection(ctx context.Context, addr string, ssrc uint32) (*Connection, error) {
	return DialConnectionCustom(ctx, &Dialer, addr, ssrc)
}

// DialConnectionCustom dials the UDP connection with a custom dialer.
func DialConnectionCustom(
	ctx context.Context, dialer *net.Dialer, addr string, ssrc uint32) (*Connection, error) {

	conn, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial host")
	}

	c, err := NewConnection(ctx, conn, ssrc)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return c, nil
}

// NewConnection performs IP discovery over an already dialed conn and wraps
// it.
func NewConnection(ctx context.Context, conn net.Conn, ssrc uint32) (*Connection, error) {
	ip, port, err := Discover(ctx, conn, ssrc)
	if err != nil {
		return nil, err
	}

	return &Connection{
		GatewayIP:   ip,
		GatewayPort: port,
		conn:        conn,
		ssrc:        ssrc,
		sendBuf:     make([]byte, 0, maxPacketSize),
		recvBuf:     make([]byte, maxPacketSize),
		recvOpus:    make([]byte, 0, maxPacketSize),
	}, nil
}

// SSRC returns the SSRC the connection sends as.
func (c *Connection) SSRC() uint32 {
	return c.ssrc
}

// UseSecret sets the cipher. This method is not thread-safe, so it should only
// be used right after initialization, before any read or write.
func (c *Connection) UseSecret(mode EncryptionMode, secret [32]byte) {
	c.cipher = NewCipher(mode, secret)
}

// Cipher returns the connection's cipher, or nil if UseSecret hasn't been
// called.
func (c *Connection) Cipher() *Cipher {
	return c.cipher
}

// SetWriteDeadline sets the UDP connection's write deadline.
func (c *Connection) SetWriteDeadline(deadline time.Time) {
	c.conn.SetWriteDeadline(deadline)
}

// SetReadDeadline sets the UDP connection's read deadline.
func (c *Connection) SetReadDeadline(deadline time.Time) {
	c.conn.SetReadDeadline(deadline)
}

// Close closes the connection. It is safe to call more than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.conn.Close() })
	return c.closeErr
}

// WriteOpus seals one Opus frame into a voice packet and sends it. The
// sequence is incremented by one and the timestamp by TimestampIncrement.
func (c *Connection) WriteOpus(opus []byte) error {
	if c.cipher == nil {
		return ErrNoSecret
	}

	var buf [HeaderSize]byte
	header := AppendHeader(buf[:0], NewHeader(c.sequence, c.timestamp, c.ssrc))
	c.sequence++
	c.timestamp += TimestampIncrement

	packet, err := c.cipher.Seal(c.sendBuf[:0], header, opus)
	if err != nil {
		return err
	}
	c.sendBuf = packet[:0]

	_, err = c.conn.Write(packet)
	return err
}

// WriteKeepalive sends a keepalive datagram.
func (c *Connection) WriteKeepalive() error {
	_, err := c.conn.Write(KeepalivePacket[:])
	return err
}

// ReadPacket reads the UDP connection and returns a packet if successful. The
// returned packet is invalidated once ReadPacket is called again. To avoid
// this, manually Copy the packet. Datagrams that are not voice packets are
// skipped; ErrDecryptionFailed is returned for voice packets that fail to
// open.
func (c *Connection) ReadPacket() (*Packet, error) {
	if c.cipher == nil {
		return nil, ErrNoSecret
	}

	for {
		n, err := c.conn.Read(c.recvBuf)
		if err != nil {
			return nil, err
		}

		b := c.recvBuf[:n]

		h, headerSize, ok := parseHeader(b)
		if !ok {
			continue
		}

		opus, err := c.cipher.Open(c.recvOpus[:0], b, headerSize)
		if err != nil {
			return nil, err
		}

		// The extension header is encrypted along with the payload.
		if h.Extension {
			opus = StripExtension(opus)
		}

		c.recvPacket = Packet{Header: h, Opus: opus}
		return &c.recvPacket, nil
	}
}
