package tracker

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/magnetgo/magnet2torrent/peerwire"
)

// BEP 15 constants
const (
	connectMagic     = 0x41727101980
	actionConnect    = 0
	actionAnnounce   = 1
	udpBaseTimeout   = 3 * time.Second
	udpMaxAttempts   = 3
	announceNumWant  = 100
	maxResponseBytes = 2048
)

// announceUDP runs the BEP 15 connect/announce handshake. Each request
// is retried with a doubling timeout up to udpMaxAttempts before the
// tracker is abandoned for this resolution.
func announceUDP(ctx context.Context, hostPort string, infoHash [20]byte, peerID [20]byte, port int) (*Response, error) {
	conn, err := net.Dial("udp", hostPort)
	if err != nil {
		return nil, fmt.Errorf("failed to reach tracker: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	connectionID, err := connect(conn)
	if err != nil {
		return nil, err
	}
	return announce(conn, connectionID, infoHash, peerID, port)
}

func connect(conn net.Conn) (uint64, error) {
	transactionID := randomUint32()
	request := make([]byte, 16)
	binary.BigEndian.PutUint64(request[0:8], connectMagic)
	binary.BigEndian.PutUint32(request[8:12], actionConnect)
	binary.BigEndian.PutUint32(request[12:16], transactionID)

	response, err := exchange(conn, request, 16)
	if err != nil {
		return 0, fmt.Errorf("connect failed: %w", err)
	}
	if binary.BigEndian.Uint32(response[0:4]) != actionConnect {
		return 0, fmt.Errorf("unexpected connect action")
	}
	if binary.BigEndian.Uint32(response[4:8]) != transactionID {
		return 0, fmt.Errorf("connect transaction id mismatch")
	}
	return binary.BigEndian.Uint64(response[8:16]), nil
}

func announce(conn net.Conn, connectionID uint64, infoHash [20]byte, peerID [20]byte, port int) (*Response, error) {
	transactionID := randomUint32()

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, connectionID)
	binary.Write(&buf, binary.BigEndian, uint32(actionAnnounce))
	binary.Write(&buf, binary.BigEndian, transactionID)
	buf.Write(infoHash[:])
	buf.Write(peerID[:])
	binary.Write(&buf, binary.BigEndian, uint64(0)) // downloaded
	binary.Write(&buf, binary.BigEndian, uint64(0)) // left
	binary.Write(&buf, binary.BigEndian, uint64(0)) // uploaded
	binary.Write(&buf, binary.BigEndian, uint32(0)) // event
	binary.Write(&buf, binary.BigEndian, uint32(0)) // IP: default
	binary.Write(&buf, binary.BigEndian, randomUint32())
	binary.Write(&buf, binary.BigEndian, uint32(announceNumWant))
	binary.Write(&buf, binary.BigEndian, uint16(port))

	response, err := exchange(conn, buf.Bytes(), 20)
	if err != nil {
		return nil, fmt.Errorf("announce failed: %w", err)
	}
	if binary.BigEndian.Uint32(response[0:4]) != actionAnnounce {
		return nil, fmt.Errorf("unexpected announce action")
	}
	if binary.BigEndian.Uint32(response[4:8]) != transactionID {
		return nil, fmt.Errorf("announce transaction id mismatch")
	}

	return &Response{
		Interval: time.Duration(binary.BigEndian.Uint32(response[8:12])) * time.Second,
		Leechers: int(binary.BigEndian.Uint32(response[12:16])),
		Seeders:  int(binary.BigEndian.Uint32(response[16:20])),
		Peers:    peerwire.ParseCompact(response[20:]),
	}, nil
}

// exchange sends request and waits for a response of at least minLen
// bytes, doubling the timeout on every retry.
func exchange(conn net.Conn, request []byte, minLen int) ([]byte, error) {
	timeout := udpBaseTimeout
	response := make([]byte, maxResponseBytes)

	for attempt := 0; attempt < udpMaxAttempts; attempt++ {
		if attempt > 0 {
			zap.L().Debug("retrying udp tracker request",
				zap.Int("attempt", attempt),
				zap.Duration("timeout", timeout))
		}
		if _, err := conn.Write(request); err != nil {
			return nil, err
		}
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
		n, err := conn.Read(response)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				timeout *= 2
				continue
			}
			return nil, err
		}
		if n < minLen {
			return nil, fmt.Errorf("short response of %d bytes", n)
		}
		return response[:n], nil
	}
	return nil, fmt.Errorf("no response after %d attempts", udpMaxAttempts)
}

func randomUint32() uint32 {
	var b [4]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}
