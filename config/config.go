// Package config builds the flat Config struct the engine and CLI
// front-end share, constructed from command-line flags the way the
// teacher builds its TorrentFile — a plain struct with sensible
// defaults, no configuration-file layer.
package config

import (
	"crypto/rand"
	"flag"
	"fmt"
	"time"
)

// Config holds every tunable named in §6's "Configuration options".
type Config struct {
	ClientID               [20]byte
	OutputDir              string
	ListenAddr             string
	AnnounceIntervalDefault time.Duration
	MaxPeers               int
	MinPeers               int
	CacheCapacity          int
	OutboundWindow         int
}

// Defaults returns a Config with every field set to its spec-named
// default and a freshly generated client ID.
func Defaults() *Config {
	return &Config{
		ClientID:               newClientID(),
		OutputDir:              ".",
		ListenAddr:             ":6881",
		AnnounceIntervalDefault: 30 * time.Minute,
		MaxPeers:               50,
		MinPeers:               10,
		CacheCapacity:          500,
		OutboundWindow:         20,
	}
}

// clientIDPrefix identifies this client in the Azureus peer-id style
// used by most trackers and clients in the wild.
const clientIDPrefix = "-GT0001-"

func newClientID() [20]byte {
	var id [20]byte
	copy(id[:], clientIDPrefix)
	rand.Read(id[len(clientIDPrefix):])
	return id
}

// Parse builds a Config from args (the CLI passes os.Args[2:]), starting
// from Defaults and overriding with any flags present.
func Parse(args []string) (*Config, error) {
	cfg := Defaults()

	fs := flag.NewFlagSet("gotorrent", flag.ContinueOnError)
	fs.StringVar(&cfg.OutputDir, "out", cfg.OutputDir, "directory to write downloaded files into")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "address to accept inbound peer connections on")
	fs.DurationVar(&cfg.AnnounceIntervalDefault, "announce-interval", cfg.AnnounceIntervalDefault, "fallback announce interval when a tracker omits one")
	fs.IntVar(&cfg.MaxPeers, "max-peers", cfg.MaxPeers, "maximum simultaneous peer connections")
	fs.IntVar(&cfg.MinPeers, "min-peers", cfg.MinPeers, "minimum peer count below which a tracker re-announce is forced")
	fs.IntVar(&cfg.CacheCapacity, "cache-pieces", cfg.CacheCapacity, "number of recently-read pieces kept in the disk read cache")
	fs.IntVar(&cfg.OutboundWindow, "request-window", cfg.OutboundWindow, "target number of outstanding block requests per peer")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.MinPeers > cfg.MaxPeers {
		return nil, fmt.Errorf("config: min-peers (%d) exceeds max-peers (%d)", cfg.MinPeers, cfg.MaxPeers)
	}
	return cfg, nil
}
