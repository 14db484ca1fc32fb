// The dhtcrawler binary passively maps the DHT: it walks the network
// with find_node queries and counts the infohashes other nodes mention
// in get_peers and announce_peer traffic, exposing everything as
// Prometheus metrics.
package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/magnetgo/magnet2torrent/collectors"
	"github.com/magnetgo/magnet2torrent/config"
	"github.com/magnetgo/magnet2torrent/dht"
)

func init() {
	zapConfig := zap.NewDevelopmentConfig()
	zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := zapConfig.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)
}

func main() {
	logger := zap.L()

	cfg, err := config.Load(os.Getenv("MAGNET2TORRENT_CONFIG"))
	if err != nil {
		logger.Error("Failed to load config", zap.Error(err))
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	collector := collectors.NewCrawlerCollector(registry)

	crawler, err := dht.NewCrawler(dht.CrawlerConfig{
		ListenAddr: cfg.DHTListenAddr,
		Bootstrap:  cfg.Bootstrap,
		Collector:  collector,
	})
	if err != nil {
		logger.Error("Failed to start crawler", zap.Error(err))
		os.Exit(1)
	}
	// Run blocks until Close, so it gets its own goroutine; the signal
	// wait below keeps the process alive.
	go crawler.Run()
	defer crawler.Close()

	metricsAddr := cfg.MetricsAddr
	if metricsAddr == "" {
		metricsAddr = "0.0.0.0:9150"
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("Metrics endpoint stopped", zap.Error(err))
			os.Exit(1)
		}
	}()
	logger.Info("Crawler running", zap.String("metrics", metricsAddr))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("Shutting down")
}
