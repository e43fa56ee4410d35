package udp

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"time"

	"github.com/pkg/errors"
)

const (
	discoveryPacketSize = 74
	discoveryRequest    = 1
	discoveryResponse   = 2
)

var (
	// DiscoveryAttempts is the number of IP discovery requests sent before
	// giving up.
	DiscoveryAttempts = 5
	// DiscoveryTimeout is how long each IP discovery request waits for its
	// response.
	DiscoveryTimeout = time.Second
)

// ErrDiscoveryFailed is returned if IP discovery gets no valid response after
// DiscoveryAttempts requests.
var ErrDiscoveryFailed = errors.New("UDP IP discovery failed")

// Discover performs IP discovery over conn, returning the external address of
// this host as seen by the media server.
//
// https://discord.com/developers/docs/topics/voice-connections#ip-discovery
func Discover(ctx context.Context, conn net.Conn, ssrc uint32) (ip string, port uint16, err error) {
	request := discoveryPacket(ssrc)
	var response [discoveryPacketSize]byte

	defer conn.SetReadDeadline(time.Time{})

	lastErr := ErrDiscoveryFailed

	for try := 0; try < DiscoveryAttempts; try++ {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}

		if _, err := conn.Write(request[:]); err != nil {
			return "", 0, errors.Wrap(err, "failed to write discovery request")
		}

		deadline := time.Now().Add(DiscoveryTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		conn.SetReadDeadline(deadline)

		for {
			n, err := conn.Read(response[:])
			if err != nil {
				lastErr = err
				break
			}

			ip, port, err = parseDiscoveryResponse(response[:n])
			if err == nil {
				return ip, port, nil
			}
			lastErr = err
		}

		if errors.Is(lastErr, net.ErrClosed) {
			return "", 0, errors.Wrap(lastErr, "failed to read discovery response")
		}
	}

	return "", 0, errors.Wrap(ErrDiscoveryFailed, lastErr.Error())
}

func discoveryPacket(ssrc uint32) [discoveryPacketSize]byte {
	var b [discoveryPacketSize]byte
	binary.BigEndian.PutUint16(b[0:2], discoveryRequest)
	binary.BigEndian.PutUint16(b[2:4], discoveryPacketSize-4)
	binary.BigEndian.PutUint32(b[4:8], ssrc)
	return b
}

// DiscoveryResponse builds the response a media server sends for an IP
// discovery request.
func DiscoveryResponse(ssrc uint32, ip string, port uint16) []byte {
	b := make([]byte, discoveryPacketSize)
	binary.BigEndian.PutUint16(b[0:2], discoveryResponse)
	binary.BigEndian.PutUint16(b[2:4], discoveryPacketSize-4)
	binary.BigEndian.PutUint32(b[4:8], ssrc)
	copy(b[8:72], ip)
	binary.BigEndian.PutUint16(b[72:74], port)
	return b
}

func parseDiscoveryResponse(b []byte) (string, uint16, error) {
	if len(b) != discoveryPacketSize {
		return "", 0, errors.Errorf("unexpected discovery response size %d", len(b))
	}

	if binary.BigEndian.Uint16(b[0:2]) != discoveryResponse {
		return "", 0, errors.New("datagram is not a discovery response")
	}

	ipbody := b[8:72]

	nullPos := bytes.IndexByte(ipbody, 0)
	if nullPos < 0 {
		return "", 0, errors.New("UDP IP discovery did not contain a null terminator")
	}

	return string(ipbody[:nullPos]), binary.BigEndian.Uint16(b[72:74]), nil
}
