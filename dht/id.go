// Package dht implements the client side of BEP 5: a Kademlia routing
// table over 160-bit identifiers, the KRPC query/response layer, and an
// iterative get_peers lookup used to discover peers for an infohash.
package dht

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// IDLength is the number of bytes in a node id or infohash.
const IDLength = 20

// ID is a 160-bit identifier. Node ids and infohashes share this type:
// both live in the same XOR metric space.
type ID [IDLength]byte

// NewRandomID returns a cryptographically random ID.
func NewRandomID() ID {
	var id ID
	rand.Read(id[:])
	return id
}

// IDFromBytes copies a 20-byte slice into an ID.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != IDLength {
		return id, fmt.Errorf("invalid id length %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// IDFromHex parses a 40-character hex string.
func IDFromHex(s string) (ID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("invalid hex id: %w", err)
	}
	return IDFromBytes(raw)
}

// Distance is the XOR metric between two ids.
func (id ID) Distance(other ID) ID {
	var result ID
	for i := 0; i < IDLength; i++ {
		result[i] = id[i] ^ other[i]
	}
	return result
}

// Less compares ids lexicographically, which orders XOR distances.
func (id ID) Less(other ID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

func (id ID) IsZero() bool {
	return id == ID{}
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}
