package tracker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/magnetgo/magnet2torrent/bencode"
	"github.com/magnetgo/magnet2torrent/peerwire"
)

const httpTimeout = 15 * time.Second

type httpResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int64  `bencode:"interval"`
	Complete      int64  `bencode:"complete"`
	Incomplete    int64  `bencode:"incomplete"`
	Peers         any    `bencode:"peers"`
}

type dictPeer struct {
	IP   string `bencode:"ip"`
	Port int64  `bencode:"port"`
}

func announceHTTP(ctx context.Context, trackerURL string, infoHash [20]byte, peerID [20]byte, port int) (*Response, error) {
	params := url.Values{
		"info_hash":  []string{string(infoHash[:])},
		"peer_id":    []string{string(peerID[:])},
		"port":       []string{strconv.Itoa(port)},
		"uploaded":   []string{"0"},
		"downloaded": []string{"0"},
		"left":       []string{"0"},
		"compact":    []string{"1"},
		"event":      []string{"started"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s?%s", trackerURL, params.Encode()), nil)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to contact tracker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read tracker response: %w", err)
	}

	var decoded httpResponse
	if err := bencode.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode tracker response: %w", err)
	}
	if decoded.FailureReason != "" {
		return nil, fmt.Errorf("tracker failure: %s", decoded.FailureReason)
	}

	peers, err := parsePeerList(decoded.Peers)
	if err != nil {
		return nil, err
	}

	return &Response{
		Interval: time.Duration(decoded.Interval) * time.Second,
		Seeders:  int(decoded.Complete),
		Leechers: int(decoded.Incomplete),
		Peers:    peers,
	}, nil
}

// parsePeerList accepts both wire forms of the peers key: the compact
// byte-string of 6-byte records and the older list of dicts.
func parsePeerList(raw any) ([]peerwire.Peer, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return peerwire.ParseCompact([]byte(v)), nil
	case []any:
		peers := make([]peerwire.Peer, 0, len(v))
		for _, entry := range v {
			var dp dictPeer
			if err := bencode.Remap(entry, &dp); err != nil {
				return nil, fmt.Errorf("invalid peer entry: %w", err)
			}
			ip := net.ParseIP(dp.IP)
			if ip == nil {
				continue
			}
			peers = append(peers, peerwire.Peer{IP: ip, Port: uint16(dp.Port)})
		}
		return peers, nil
	default:
		return nil, fmt.Errorf("invalid peers data format %T", raw)
	}
}
