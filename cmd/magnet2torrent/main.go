package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/magnetgo/magnet2torrent/bencode"
	"github.com/magnetgo/magnet2torrent/collectors"
	"github.com/magnetgo/magnet2torrent/config"
	"github.com/magnetgo/magnet2torrent/dht"
	"github.com/magnetgo/magnet2torrent/magnet"
	"github.com/magnetgo/magnet2torrent/resolver"
	"github.com/magnetgo/magnet2torrent/server"
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
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: magnet2torrent <fetch|serve|parse|decode> ...")
		os.Exit(2)
	}

	switch command := os.Args[1]; command {
	case "fetch":
		if err := handleFetch(os.Args); err != nil {
			logger.Error("Failed to fetch metadata", zap.Error(err))
			os.Exit(1)
		}
	case "serve":
		if err := handleServe(); err != nil {
			logger.Error("Server stopped", zap.Error(err))
			os.Exit(1)
		}
	case "parse":
		if err := handleParse(os.Args); err != nil {
			logger.Error("Failed to parse magnet link", zap.Error(err))
			os.Exit(1)
		}
	case "decode":
		if err := handleDecode(os.Args); err != nil {
			logger.Error("Failed to decode", zap.Error(err))
			os.Exit(1)
		}
	default:
		logger.Error("Unknown command", zap.String("command", command))
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(os.Getenv("MAGNET2TORRENT_CONFIG"))
}

// buildResolver assembles the resolver and, unless disabled, a running
// DHT node behind it.
func buildResolver(cfg *config.Config, collector resolver.Collector) (*resolver.Resolver, func(), error) {
	var finder resolver.PeerFinder
	cleanup := func() {}

	if !cfg.DisableDHT {
		node, err := dht.NewNode(dht.Config{
			ListenAddr: cfg.DHTListenAddr,
			Bootstrap:  cfg.Bootstrap,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to start DHT node: %w", err)
		}
		node.Start()
		finder = node
		cleanup = func() { node.Close() }
	}

	res := resolver.New(resolver.Config{
		CacheDir:              cfg.CacheDir,
		UseAdditionalTrackers: cfg.UseAdditionalTrackers,
		Port:                  cfg.Port,
	}, finder, collector)
	return res, cleanup, nil
}

// Command handlers

func handleFetch(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("magnet link required")
	}
	magnetURI := args[2]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	res, cleanup, err := buildResolver(cfg, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	torrent, err := res.Resolve(ctx, magnetURI)
	if err != nil {
		return err
	}

	encoded, err := torrent.Encode()
	if err != nil {
		return err
	}
	if err := os.WriteFile(torrent.FileName(), encoded, 0o644); err != nil {
		return err
	}
	fmt.Printf("Wrote %s (%d bytes)\n", torrent.FileName(), len(encoded))
	return nil
}

func handleServe() error {
	logger := zap.L()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	collector := collectors.NewResolverCollector(registry)

	res, cleanup, err := buildResolver(cfg, collector)
	if err != nil {
		return err
	}
	defer cleanup()

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error("Metrics endpoint stopped", zap.Error(err))
			}
		}()
	}

	return server.New(res, cfg.APIKey, logger).ListenAndServe(cfg.ServeAddr)
}

func handleParse(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("magnet link required")
	}
	link, err := magnet.Parse(args[2])
	if err != nil {
		return err
	}

	fmt.Printf("Info Hash: %x\n", link.InfoHash)
	if link.Name != "" {
		fmt.Printf("Name: %s\n", link.Name)
	}
	for _, tracker := range link.Trackers {
		fmt.Printf("Tracker: %s\n", tracker)
	}
	return nil
}

func handleDecode(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("bencoded value required")
	}
	decoded, err := bencode.Decode([]byte(args[2]))
	if err != nil {
		return err
	}
	jsonOutput, err := json.Marshal(decoded)
	if err != nil {
		return err
	}
	fmt.Println(string(jsonOutput))
	return nil
}
