// Package peerwire pulls torrent metadata from individual peers over
// the BitTorrent extension protocol (BEP 9/10). Only the info
// dictionary is exchanged, never file content.
package peerwire

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/magnetgo/magnet2torrent/bencode"
)

const (
	msgExtended     = 20
	extHandshakeID  = 0
	localMetadataID = 1 // the id we advertise for ut_metadata
	metadataBlock   = 16384
	maxMetadataSize = 8 << 20 // largest info dictionary we accept
	maxMessageSize  = 1 << 20
	dialTimeout     = 7 * time.Second
	exchangeTimeout = 30 * time.Second
)

const (
	metadataMsgRequest = 0
	metadataMsgData    = 1
	metadataMsgReject  = 2
)

type extendedHandshake struct {
	M            map[string]any `bencode:"m"`
	MetadataSize int64          `bencode:"metadata_size"`
}

type metadataHeader struct {
	MsgType int   `bencode:"msg_type"`
	Piece   int   `bencode:"piece"`
	Total   int64 `bencode:"total_size"`
}

// FetchMetadata connects to a single peer and pulls the complete info
// dictionary for infoHash. The returned bytes are verified: SHA1 of the
// buffer equals infoHash. Any I/O failure, protocol violation or hash
// mismatch abandons just this peer.
func FetchMetadata(ctx context.Context, peer Peer, infoHash [20]byte, peerID [20]byte) ([]byte, error) {
	logger := zap.L().With(zap.String("peer", peer.Addr()))

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", peer.Addr())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to peer: %w", err)
	}
	defer conn.Close()

	// Unblock reads when the resolution is cancelled from outside.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := conn.SetDeadline(time.Now().Add(exchangeTimeout)); err != nil {
		return nil, err
	}
	if err := performHandshake(conn, infoHash, peerID); err != nil {
		return nil, err
	}

	size, remoteID, err := exchangeExtendedHandshake(conn)
	if err != nil {
		return nil, err
	}
	logger.Debug("peer advertises metadata", zap.Int64("size", size), zap.Uint8("ut_metadata", remoteID))

	metadata, err := downloadMetadata(conn, remoteID, size)
	if err != nil {
		return nil, err
	}

	if sum := sha1.Sum(metadata); !bytes.Equal(sum[:], infoHash[:]) {
		return nil, fmt.Errorf("metadata hash mismatch: got %x", sum)
	}
	return metadata, nil
}

// exchangeExtendedHandshake advertises ut_metadata support and waits for
// the peer's extended handshake to learn its extension id and the total
// metadata size.
func exchangeExtendedHandshake(conn net.Conn) (int64, byte, error) {
	payload, err := bencode.Encode(map[string]any{
		"m": map[string]any{"ut_metadata": localMetadataID},
	})
	if err != nil {
		return 0, 0, err
	}
	if err := sendExtended(conn, extHandshakeID, payload); err != nil {
		return 0, 0, err
	}

	for {
		msg, err := readMessage(conn)
		if err != nil {
			return 0, 0, err
		}
		if !msg.keep || msg.ID != msgExtended || len(msg.Payload) < 1 {
			continue // bitfield, have, keep-alive: irrelevant here
		}
		if msg.Payload[0] != extHandshakeID {
			continue
		}

		var hs extendedHandshake
		if err := bencode.Unmarshal(msg.Payload[1:], &hs); err != nil {
			return 0, 0, fmt.Errorf("invalid extended handshake: %w", err)
		}
		remoteID, ok := hs.M["ut_metadata"].(int64)
		if !ok || remoteID <= 0 || remoteID > 255 {
			return 0, 0, fmt.Errorf("peer does not support metadata exchange")
		}
		if hs.MetadataSize <= 0 {
			return 0, 0, fmt.Errorf("peer did not advertise metadata size")
		}
		if hs.MetadataSize > maxMetadataSize {
			return 0, 0, fmt.Errorf("advertised metadata size %d exceeds limit", hs.MetadataSize)
		}
		return hs.MetadataSize, byte(remoteID), nil
	}
}

// downloadMetadata requests 16 KiB blocks by increasing piece index and
// assembles them into a buffer of the advertised size.
func downloadMetadata(conn net.Conn, remoteID byte, size int64) ([]byte, error) {
	numPieces := int((size + metadataBlock - 1) / metadataBlock)
	metadata := make([]byte, 0, size)

	for piece := 0; piece < numPieces; piece++ {
		request, err := bencode.Encode(map[string]any{
			"msg_type": metadataMsgRequest,
			"piece":    piece,
		})
		if err != nil {
			return nil, err
		}
		if err := sendExtended(conn, remoteID, request); err != nil {
			return nil, err
		}

		data, err := readMetadataPiece(conn, piece)
		if err != nil {
			return nil, err
		}
		metadata = append(metadata, data...)
	}

	if int64(len(metadata)) != size {
		return nil, fmt.Errorf("assembled %d bytes, peer advertised %d", len(metadata), size)
	}
	return metadata, nil
}

func readMetadataPiece(conn net.Conn, piece int) ([]byte, error) {
	for {
		msg, err := readMessage(conn)
		if err != nil {
			return nil, err
		}
		if !msg.keep || msg.ID != msgExtended || len(msg.Payload) < 1 {
			continue
		}
		if msg.Payload[0] != localMetadataID {
			continue
		}

		// The data message is a bencoded header immediately followed by
		// the raw block bytes.
		value, n, err := bencode.DecodeFirst(msg.Payload[1:])
		if err != nil {
			return nil, fmt.Errorf("invalid metadata message: %w", err)
		}
		var header metadataHeader
		if err := bencode.Remap(value, &header); err != nil {
			return nil, fmt.Errorf("invalid metadata header: %w", err)
		}

		switch header.MsgType {
		case metadataMsgData:
			if header.Piece != piece {
				return nil, fmt.Errorf("received piece %d, requested %d", header.Piece, piece)
			}
			return msg.Payload[1+n:], nil
		case metadataMsgReject:
			return nil, fmt.Errorf("peer rejected request for piece %d", piece)
		default:
			continue
		}
	}
}
