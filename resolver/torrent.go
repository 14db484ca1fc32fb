package resolver

import (
	"fmt"

	"github.com/magnetgo/magnet2torrent/bencode"
)

// Torrent is verified magnet metadata: the raw info dictionary (whose
// SHA1 equals the infohash) plus the announce list assembled from the
// magnet's trackers.
type Torrent struct {
	InfoHash    [20]byte
	Name        string
	Length      int64
	PieceLength int64
	InfoBytes   []byte
	Trackers    []string

	info any // decoded info dictionary, kept for re-encoding
}

type infoDict struct {
	Name        string `bencode:"name"`
	Length      int64  `bencode:"length"`
	PieceLength int64  `bencode:"piece length"`
}

func newTorrent(infoHash [20]byte, infoBytes []byte, trackers []string) (*Torrent, error) {
	value, err := bencode.Decode(infoBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid info dictionary: %w", err)
	}
	var info infoDict
	if err := bencode.Remap(value, &info); err != nil {
		return nil, fmt.Errorf("invalid info dictionary: %w", err)
	}

	return &Torrent{
		InfoHash:    infoHash,
		Name:        info.Name,
		Length:      info.Length,
		PieceLength: info.PieceLength,
		InfoBytes:   infoBytes,
		Trackers:    trackers,
		info:        value,
	}, nil
}

// Encode serializes a complete .torrent file: announce, announce-list
// and the verified info dictionary.
func (t *Torrent) Encode() ([]byte, error) {
	data := map[string]any{"info": t.info}
	if len(t.Trackers) > 0 {
		data["announce"] = t.Trackers[0]
		announceList := make([]any, 0, len(t.Trackers))
		for _, tracker := range t.Trackers {
			announceList = append(announceList, []any{tracker})
		}
		data["announce-list"] = announceList
	}
	return bencode.Encode(data)
}

// FileName is the suggested output name for the encoded torrent.
func (t *Torrent) FileName() string {
	name := t.Name
	if name == "" {
		name = fmt.Sprintf("%x", t.InfoHash)
	}
	return name + ".torrent"
}
