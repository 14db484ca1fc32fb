package peerwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

const protocolIdentifier = "BitTorrent protocol"

// Reserved bytes with the extended-messaging bit (BEP 10) set
var reservedBytes = []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00}

type message struct {
	ID      byte
	Payload []byte
	keep    bool // false only for keep-alives
}

// performHandshake sends the fixed 68-byte handshake and validates the
// peer's reply against the expected infohash.
func performHandshake(conn net.Conn, infoHash [20]byte, peerID [20]byte) error {
	handshake := make([]byte, 0, 68)
	handshake = append(handshake, byte(len(protocolIdentifier)))
	handshake = append(handshake, protocolIdentifier...)
	handshake = append(handshake, reservedBytes...)
	handshake = append(handshake, infoHash[:]...)
	handshake = append(handshake, peerID[:]...)

	if _, err := conn.Write(handshake); err != nil {
		return fmt.Errorf("failed to send handshake: %w", err)
	}

	response := make([]byte, 68)
	if _, err := io.ReadFull(conn, response); err != nil {
		return fmt.Errorf("failed to receive handshake: %w", err)
	}
	if string(response[1:20]) != protocolIdentifier {
		return fmt.Errorf("invalid handshake response")
	}
	if response[25]&0x10 == 0 {
		return fmt.Errorf("peer does not support extension protocol")
	}
	if !bytes.Equal(response[28:48], infoHash[:]) {
		return fmt.Errorf("handshake infohash mismatch")
	}
	return nil
}

func readMessage(conn net.Conn) (*message, error) {
	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read message length: %w", err)
	}
	if length == 0 {
		return &message{}, nil
	}
	if length > maxMessageSize {
		return nil, fmt.Errorf("message of %d bytes exceeds limit", length)
	}

	msg := &message{keep: true}
	id := make([]byte, 1)
	if _, err := io.ReadFull(conn, id); err != nil {
		return nil, fmt.Errorf("failed to read message ID: %w", err)
	}
	msg.ID = id[0]

	if payloadLen := int(length - 1); payloadLen > 0 {
		msg.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(conn, msg.Payload); err != nil {
			return nil, fmt.Errorf("failed to read message payload: %w", err)
		}
	}
	return msg, nil
}

func sendMessage(conn net.Conn, id byte, payload []byte) error {
	var buf bytes.Buffer

	length := uint32(1 + len(payload))
	if err := binary.Write(&buf, binary.BigEndian, length); err != nil {
		return fmt.Errorf("failed to write message length: %w", err)
	}
	buf.WriteByte(id)
	buf.Write(payload)

	if _, err := conn.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func sendExtended(conn net.Conn, extID byte, payload []byte) error {
	return sendMessage(conn, msgExtended, append([]byte{extID}, payload...))
}
