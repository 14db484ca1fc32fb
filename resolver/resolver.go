// Package resolver turns magnet links into verified torrent metadata
// by racing trackers, the DHT and direct peer connections against each
// other. The first peer whose metadata hashes to the infohash wins;
// every other in-flight task is cancelled.
package resolver

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/magnetgo/magnet2torrent/dht"
	"github.com/magnetgo/magnet2torrent/magnet"
	"github.com/magnetgo/magnet2torrent/peerwire"
	"github.com/magnetgo/magnet2torrent/tracker"
)

// ErrResolutionFailed is the only failure surfaced to callers: every
// per-source error is absorbed and merely shrinks the set of remaining
// sources.
var ErrResolutionFailed = errors.New("could not resolve magnet link within available sources")

// PeerFinder is the DHT face the resolver needs; nil means resolve
// from trackers alone.
type PeerFinder interface {
	FindPeers(ctx context.Context, infoHash dht.ID) ([]peerwire.Peer, error)
}

// Collector receives resolution outcomes for metrics.
type Collector interface {
	ResolutionFinished(status string)
	CacheHit()
}

type Config struct {
	// CacheDir holds resolved info dictionaries; empty disables caching.
	CacheDir string
	// UseAdditionalTrackers extends each magnet's tracker hints with
	// DefaultTrackers.
	UseAdditionalTrackers bool
	// Port is the port announced to trackers.
	Port   int
	Logger *zap.Logger
}

type Resolver struct {
	cache         *Cache
	finder        PeerFinder
	collector     Collector
	useAdditional bool
	peerID        [20]byte
	port          int
	logger        *zap.Logger
	group         singleflight.Group
}

func New(cfg Config, finder PeerFinder, collector Collector) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.L()
	}
	port := cfg.Port
	if port == 0 {
		port = 6881
	}
	return &Resolver{
		cache:         NewCache(cfg.CacheDir),
		finder:        finder,
		collector:     collector,
		useAdditional: cfg.UseAdditionalTrackers,
		peerID:        peerwire.NewPeerID(),
		port:          port,
		logger:        logger.Named("resolver"),
	}
}

// Resolve parses a magnet URI and returns its verified metadata.
// Concurrent resolutions of the same infohash are collapsed into one.
func (r *Resolver) Resolve(ctx context.Context, magnetURI string) (*Torrent, error) {
	link, err := magnet.Parse(magnetURI)
	if err != nil {
		return nil, err
	}

	key := hex.EncodeToString(link.InfoHash[:])
	result, err, _ := r.group.Do(key, func() (any, error) {
		return r.resolve(ctx, link)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Torrent), nil
}

// event is one completion in the race loop.
type event struct {
	// exactly one of these is meaningful
	peers    []peerwire.Peer
	metadata []byte
	err      error

	// for tracker events that want a re-announce
	trackerURL string
	interval   time.Duration
}

func (r *Resolver) resolve(ctx context.Context, link *magnet.Link) (*Torrent, error) {
	logger := r.logger.With(zap.String("infohash", hex.EncodeToString(link.InfoHash[:])))

	trackers := link.Trackers
	if r.useAdditional {
		trackers = mergeTrackers(trackers, DefaultTrackers)
	}

	if data, err := r.cache.Get(link.InfoHash); err == nil {
		logger.Debug("cache hit")
		r.finished("cached")
		if r.collector != nil {
			r.collector.CacheHit()
		}
		return newTorrent(link.InfoHash, data, trackers)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan event)
	active := 0
	spawn := func(task func() event) {
		active++
		go func() {
			select {
			case events <- task():
			case <-ctx.Done():
			}
		}()
	}

	for _, trackerURL := range trackers {
		trackerURL := trackerURL
		spawn(func() event { return r.announce(ctx, trackerURL, link.InfoHash) })
	}
	if r.finder != nil {
		spawn(func() event {
			peers, err := r.finder.FindPeers(ctx, dht.ID(link.InfoHash))
			return event{peers: peers, err: err}
		})
	}

	seen := make(map[string]bool)
	var sourceErrs error

	for active > 0 {
		var ev event
		select {
		case ev = <-events:
		case <-ctx.Done():
			r.finished("failed")
			return nil, fmt.Errorf("%w: %v", ErrResolutionFailed, multierr.Append(sourceErrs, ctx.Err()))
		}
		active--

		if ev.err != nil {
			logger.Debug("source failed", zap.Error(ev.err))
			sourceErrs = multierr.Append(sourceErrs, ev.err)
		}

		if ev.metadata != nil {
			// First verified fetch wins; everything else is cancelled.
			cancel()
			if err := r.cache.Put(link.InfoHash, ev.metadata); err != nil {
				logger.Warn("failed to write cache", zap.Error(err))
			}
			r.finished("resolved")
			return newTorrent(link.InfoHash, ev.metadata, trackers)
		}

		for _, peer := range ev.peers {
			if seen[peer.Addr()] {
				continue
			}
			seen[peer.Addr()] = true
			peer := peer
			spawn(func() event {
				metadata, err := peerwire.FetchMetadata(ctx, peer, link.InfoHash, r.peerID)
				return event{metadata: metadata, err: err}
			})
		}

		if ev.interval > 0 {
			trackerURL, interval := ev.trackerURL, ev.interval
			spawn(func() event {
				select {
				case <-time.After(interval):
					return r.announce(ctx, trackerURL, link.InfoHash)
				case <-ctx.Done():
					return event{err: ctx.Err()}
				}
			})
		}
	}

	logger.Debug("all sources exhausted", zap.Int("peers_tried", len(seen)))
	r.finished("failed")
	return nil, fmt.Errorf("%w: %v", ErrResolutionFailed, sourceErrs)
}

func (r *Resolver) announce(ctx context.Context, trackerURL string, infoHash [20]byte) event {
	response, err := tracker.Announce(ctx, trackerURL, infoHash, r.peerID, r.port)
	if err != nil {
		return event{err: fmt.Errorf("tracker %s: %w", trackerURL, err)}
	}
	return event{
		peers:      response.Peers,
		trackerURL: trackerURL,
		interval:   response.Interval,
	}
}

func (r *Resolver) finished(status string) {
	if r.collector != nil {
		r.collector.ResolutionFinished(status)
	}
}
