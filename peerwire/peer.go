package peerwire

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
)

// Peer is a candidate metadata source discovered by a tracker or the DHT.
type Peer struct {
	IP   net.IP
	Port uint16
}

func (p Peer) Addr() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// NewPeerID generates a peer id with an Azureus-style client prefix
// followed by random bytes.
func NewPeerID() [20]byte {
	var id [20]byte
	copy(id[:], "-MG0001-")
	rand.Read(id[8:])
	return id
}

// ParseCompact splits a compact peer blob into peers, 6 bytes each
// (4-byte IPv4 + 2-byte big-endian port). Trailing partial records are
// ignored.
func ParseCompact(data []byte) []Peer {
	peers := make([]Peer, 0, len(data)/6)
	for i := 0; i+6 <= len(data); i += 6 {
		peers = append(peers, Peer{
			IP:   net.IPv4(data[i], data[i+1], data[i+2], data[i+3]),
			Port: binary.BigEndian.Uint16(data[i+4 : i+6]),
		})
	}
	return peers
}

// Compact packs a peer into its 6-byte wire form. Returns nil for
// non-IPv4 addresses.
func (p Peer) Compact() []byte {
	ip4 := p.IP.To4()
	if ip4 == nil {
		return nil
	}
	out := make([]byte, 6)
	copy(out, ip4)
	binary.BigEndian.PutUint16(out[4:], p.Port)
	return out
}
