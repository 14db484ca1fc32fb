// Package config loads settings from magnet2torrent.yaml and the
// MAGNET2TORRENT_* environment, with sensible defaults for running
// without any configuration at all.
package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	// CacheDir stores resolved metadata; empty disables the cache.
	CacheDir string `mapstructure:"cache_dir"`
	// Port is announced to trackers as our listening port.
	Port int `mapstructure:"port"`
	// DHTListenAddr is the UDP address the DHT node binds.
	DHTListenAddr string `mapstructure:"dht_listen_addr"`
	// Bootstrap overrides the well-known DHT bootstrap nodes.
	Bootstrap []string `mapstructure:"bootstrap"`
	// DisableDHT resolves from trackers only.
	DisableDHT bool `mapstructure:"disable_dht"`
	// UseAdditionalTrackers extends magnets with the built-in tracker
	// list.
	UseAdditionalTrackers bool `mapstructure:"use_additional_trackers"`

	ServeAddr   string `mapstructure:"serve_addr"`
	APIKey      string `mapstructure:"apikey"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("magnet2torrent")
	v.AddConfigPath("/etc/magnet2torrent/")
	v.AddConfigPath("$HOME/.magnet2torrent")
	v.AddConfigPath(".")

	v.SetDefault("cache_dir", defaultCacheDir())
	v.SetDefault("port", 6881)
	v.SetDefault("dht_listen_addr", "0.0.0.0:6881")
	v.SetDefault("bootstrap", []string{})
	v.SetDefault("disable_dht", false)
	v.SetDefault("use_additional_trackers", true)
	v.SetDefault("serve_addr", "0.0.0.0:18667")
	v.SetDefault("apikey", "")
	v.SetDefault("metrics_addr", "")

	v.SetEnvPrefix("MAGNET2TORRENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		// Running without any config file at all is fine. An
		// explicitly named file that cannot be read is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, err
	}
	return c, nil
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/magnet2torrent"
	}
	return ""
}
