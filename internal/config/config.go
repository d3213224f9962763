// Package config loads daemon-level settings from a TOML file, the same
// format and library the relay's own internal/config uses. Every field
// has a zero-value-safe default so a daemon can run from flags alone
// with no file at all; File only overrides what it sets.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	DataDir         string `toml:"data_dir"`
	SignalingServer string `toml:"signaling_server"`
	FilesDir        string `toml:"files_dir"`
	LogLevel        string `toml:"log_level"`
	WebRTC          WebRTC `toml:"webrtc"`
}

type WebRTC struct {
	STUNServers []string `toml:"stun_servers"`
}

// Default returns the zero-configuration daemon settings: an ed25519
// identity stored under ./noctua-data, no signalling server configured,
// info-level logging, and Google's public STUN server.
func Default() Config {
	return Config{
		DataDir:  "./noctua-data",
		LogLevel: "info",
		WebRTC:   WebRTC{STUNServers: []string{"stun:stun.l.google.com:19302"}},
	}
}

// Load reads a TOML file at path and merges it over Default. A missing
// file is not an error: Load returns the defaults unchanged, so
// daemons that prefer flags over a config file can skip -config
// entirely.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return cfg, fmt.Errorf("decoding config file: %w", err)
	}
	return cfg, nil
}
