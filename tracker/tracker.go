// Package tracker implements the client side of the HTTP and UDP
// BitTorrent tracker announce protocols. Trackers are one of several
// peer sources during a resolution; a failing tracker is reported as an
// error and skipped, never fatal.
package tracker

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/magnetgo/magnet2torrent/peerwire"
)

// Response is the outcome of a single announce round-trip. Interval is
// the tracker-advertised delay before a re-announce is welcome (zero
// when the tracker did not say).
type Response struct {
	Interval time.Duration
	Seeders  int
	Leechers int
	Peers    []peerwire.Peer
}

// Announce performs one announce against rawURL, choosing the HTTP or
// UDP client by scheme.
func Announce(ctx context.Context, rawURL string, infoHash [20]byte, peerID [20]byte, port int) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid tracker URL %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "http", "https":
		return announceHTTP(ctx, rawURL, infoHash, peerID, port)
	case "udp":
		return announceUDP(ctx, u.Host, infoHash, peerID, port)
	default:
		return nil, fmt.Errorf("unsupported tracker scheme %q", u.Scheme)
	}
}
