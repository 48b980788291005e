package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimspell/lobbylink/internal/lobbyserver"
	"github.com/dimspell/lobbylink/internal/transport"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	opts, err := cfg.TransportOptions()
	require.NoError(t, err)

	tc := transport.DefaultConfig()
	for _, opt := range opts {
		require.NoError(t, opt(&tc))
	}
	assert.Equal(t, transport.DefaultConfig(), tc)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lobbylink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
transport:
  callback_timeout: 5s
  capacity: 4
  lobby_type: public
  kick_timeout: 3s
server:
  relay_rate: 10
  relay_burst: 2
  cors_allowed_origins: ["https://example.com"]
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Transport.CallbackTimeout)
	assert.Equal(t, uint32(4), cfg.Transport.Capacity)
	assert.Equal(t, "public", cfg.Transport.LobbyType)
	assert.Equal(t, 3*time.Second, cfg.Transport.KickTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Transport.PumpInterval, "default kept")
	assert.Equal(t, 1200, cfg.Transport.MaxPacketSize, "default kept")

	sc := lobbyserver.DefaultConfig()
	for _, opt := range cfg.ServerOptions() {
		require.NoError(t, opt(sc))
	}
	assert.Equal(t, 10.0, sc.RelayRate)
	assert.Equal(t, 2, sc.RelayBurst)
	assert.Equal(t, []string{"https://example.com"}, sc.CORSAllowedOrigins)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("LOBBYLINK_TRANSPORT_CALLBACK_TIMEOUT", "750ms")
	t.Setenv("LOBBYLINK_TRANSPORT_CAPACITY", "3")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, cfg.Transport.CallbackTimeout)
	assert.Equal(t, uint32(3), cfg.Transport.Capacity)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	cfg := Default()
	cfg.Transport.LobbyType = "secret"
	_, err = cfg.TransportOptions()
	assert.Error(t, err)

	cfg = Default()
	cfg.Transport.Capacity = 1
	_, err = cfg.TransportOptions()
	assert.Error(t, err)
}
