package dht

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/magnetgo/magnet2torrent/peerwire"
)

// alpha is the lookup concurrency factor from the Kademlia paper.
const alpha = 3

// FindPeers runs an iterative get_peers lookup for infoHash. It starts
// from the closest known contacts and keeps narrowing until a round
// yields no node closer than what was already queried. All peers
// reported along the way are returned; an empty result is not an error.
func (n *Node) FindPeers(ctx context.Context, infoHash ID) ([]peerwire.Peer, error) {
	shortlist := n.table.FindNeighbors(infoHash, nil, K)
	queried := make(map[ID]bool)
	seen := make(map[string]bool)
	var peers []peerwire.Peer

	for len(shortlist) > 0 {
		if err := ctx.Err(); err != nil {
			return peers, err
		}

		batch := make([]Contact, 0, alpha)
		for _, c := range shortlist {
			if queried[c.ID] {
				continue
			}
			batch = append(batch, c)
			if len(batch) == alpha {
				break
			}
		}
		if len(batch) == 0 {
			break
		}

		var mu sync.Mutex
		var discovered []Contact
		var wg sync.WaitGroup
		for _, contact := range batch {
			queried[contact.ID] = true
			wg.Add(1)
			go func(contact Contact) {
				defer wg.Done()
				result, err := n.GetPeers(ctx, contact, infoHash)
				if err != nil {
					n.logger.Debug("get_peers failed", zap.Stringer("contact", contact), zap.Error(err))
					return
				}
				mu.Lock()
				defer mu.Unlock()
				for _, peer := range result.Peers {
					if addr := peer.Addr(); !seen[addr] {
						seen[addr] = true
						peers = append(peers, peer)
					}
				}
				discovered = append(discovered, result.Nodes...)
			}(contact)
		}
		wg.Wait()

		for _, c := range discovered {
			if !queried[c.ID] {
				shortlist = append(shortlist, c)
			}
		}
		sortByDistance(shortlist, infoHash)
		if len(shortlist) > K {
			shortlist = shortlist[:K]
		}

		// Converged once every remaining candidate was already asked.
		done := true
		for _, c := range shortlist {
			if !queried[c.ID] {
				done = false
				break
			}
		}
		if done {
			break
		}
	}

	n.logger.Debug("lookup finished",
		zap.Stringer("infohash", infoHash),
		zap.Int("peers", len(peers)),
		zap.Int("queried", len(queried)))
	return peers, nil
}
