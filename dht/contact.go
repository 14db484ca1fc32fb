package dht

import (
	"encoding/binary"
	"fmt"
	"net"
)

// compactNodeLen is the wire size of one node record: 20-byte id,
// 4-byte IPv4, 2-byte port.
const compactNodeLen = IDLength + 6

// Contact is a known DHT node. A contact is owned by exactly one bucket
// in the routing table at a time.
type Contact struct {
	ID   ID
	IP   net.IP
	Port int
}

func (c Contact) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: c.IP, Port: c.Port}
}

func (c Contact) String() string {
	return fmt.Sprintf("%s@%s:%d", c.ID, c.IP, c.Port)
}

// packed returns the 26-byte compact form, or nil for non-IPv4 contacts.
func (c Contact) packed() []byte {
	ip4 := c.IP.To4()
	if ip4 == nil {
		return nil
	}
	out := make([]byte, compactNodeLen)
	copy(out, c.ID[:])
	copy(out[IDLength:], ip4)
	binary.BigEndian.PutUint16(out[IDLength+4:], uint16(c.Port))
	return out
}

// packContacts concatenates contacts into the compact "nodes" blob.
func packContacts(contacts []Contact) []byte {
	out := make([]byte, 0, len(contacts)*compactNodeLen)
	for _, c := range contacts {
		out = append(out, c.packed()...)
	}
	return out
}

// unpackContacts splits a compact "nodes" blob. A blob whose length is
// not a multiple of 26 is rejected outright.
func unpackContacts(data []byte) ([]Contact, error) {
	if len(data)%compactNodeLen != 0 {
		return nil, fmt.Errorf("compact node data of %d bytes is not a multiple of %d", len(data), compactNodeLen)
	}
	contacts := make([]Contact, 0, len(data)/compactNodeLen)
	for i := 0; i < len(data); i += compactNodeLen {
		record := data[i : i+compactNodeLen]
		id, _ := IDFromBytes(record[:IDLength])
		contacts = append(contacts, Contact{
			ID:   id,
			IP:   net.IPv4(record[IDLength], record[IDLength+1], record[IDLength+2], record[IDLength+3]),
			Port: int(binary.BigEndian.Uint16(record[IDLength+4:])),
		})
	}
	return contacts, nil
}
