// Package collectors holds the Prometheus metrics for the resolver and
// the DHT crawler.
package collectors

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/magnetgo/magnet2torrent/dht"
)

// CrawlerCollector counts what the crawler observes on the wire. It
// satisfies dht.Collector.
type CrawlerCollector struct {
	infohashes *prometheus.CounterVec
	datagrams  prometheus.Counter
}

var _ dht.Collector = (*CrawlerCollector)(nil)

func NewCrawlerCollector(registerer prometheus.Registerer) *CrawlerCollector {
	c := &CrawlerCollector{
		infohashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magnet2torrent_crawler_infohashes_total",
			Help: "Number of infohashes observed, by source message type",
		}, []string{"source"}),
		datagrams: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "magnet2torrent_crawler_datagrams_total",
			Help: "Number of UDP datagrams received by the crawler",
		}),
	}
	registerer.MustRegister(c.infohashes, c.datagrams)
	return c
}

func (c *CrawlerCollector) ObservedInfoHash(source string, infoHash dht.ID) {
	c.infohashes.WithLabelValues(source).Inc()
}

func (c *CrawlerCollector) ObservedDatagram() {
	c.datagrams.Inc()
}

// ResolverCollector counts resolution outcomes and cache hits.
type ResolverCollector struct {
	resolutions *prometheus.CounterVec
	cacheHits   prometheus.Counter
}

func NewResolverCollector(registerer prometheus.Registerer) *ResolverCollector {
	c := &ResolverCollector{
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magnet2torrent_resolutions_total",
			Help: "Number of finished resolutions, by status",
		}, []string{"status"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "magnet2torrent_cache_hits_total",
			Help: "Number of resolutions served from the metadata cache",
		}),
	}
	registerer.MustRegister(c.resolutions, c.cacheHits)
	return c
}

func (c *ResolverCollector) ResolutionFinished(status string) {
	c.resolutions.WithLabelValues(status).Inc()
}

func (c *ResolverCollector) CacheHit() {
	c.cacheHits.Inc()
}
