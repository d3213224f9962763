package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.Equal(t, "./noctua-data", cfg.DataDir)
	require.Equal(t, "info", cfg.LogLevel)
	require.NotEmpty(t, cfg.WebRTC.STUNServers)
}

func TestLoadNoPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noctuad.toml")
	contents := `
data_dir = "/var/lib/noctua"
signaling_server = "wss://signal.example.com/ws"
log_level = "debug"

[webrtc]
stun_servers = ["stun:stun.example.com:3478"]
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/noctua", cfg.DataDir)
	require.Equal(t, "wss://signal.example.com/ws", cfg.SignalingServer)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, []string{"stun:stun.example.com:3478"}, cfg.WebRTC.STUNServers)
}

func TestLoadInvalidTOMLErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("this is not = [valid toml"), 0600))

	_, err := Load(path)
	require.Error(t, err)
}
