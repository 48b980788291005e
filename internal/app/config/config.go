// Package config loads the optional tuning file of the lobbylink commands.
// Every key may be overridden by an environment variable with the LOBBYLINK
// prefix, e.g. LOBBYLINK_TRANSPORT_CALLBACK_TIMEOUT=5s.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dimspell/lobbylink/internal/lobbyserver"
	"github.com/dimspell/lobbylink/internal/lobbysvc"
	"github.com/dimspell/lobbylink/internal/transport"
)

const EnvPrefix = "LOBBYLINK"

type Config struct {
	Transport TransportConfig `mapstructure:"transport"`
	Server    ServerConfig    `mapstructure:"server"`
}

type TransportConfig struct {
	CallbackTimeout time.Duration `mapstructure:"callback_timeout"`
	PumpInterval    time.Duration `mapstructure:"pump_interval"`
	Capacity        uint32        `mapstructure:"capacity"`
	LobbyType       string        `mapstructure:"lobby_type"`
	MaxPacketSize   int           `mapstructure:"max_packet_size"`
	KickTimeout     time.Duration `mapstructure:"kick_timeout"`
}

type ServerConfig struct {
	RelayRate          float64  `mapstructure:"relay_rate"`
	RelayBurst         int      `mapstructure:"relay_burst"`
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins"`
}

func Default() *Config {
	tc := transport.DefaultConfig()
	sc := lobbyserver.DefaultConfig()
	return &Config{
		Transport: TransportConfig{
			CallbackTimeout: tc.CallbackTimeout,
			PumpInterval:    tc.PumpInterval,
			Capacity:        tc.Capacity,
			LobbyType:       tc.LobbyType.String(),
			MaxPacketSize:   tc.MaxPacketSize,
			KickTimeout:     tc.KickTimeout,
		},
		Server: ServerConfig{
			RelayRate:          sc.RelayRate,
			RelayBurst:         sc.RelayBurst,
			CORSAllowedOrigins: sc.CORSAllowedOrigins,
		},
	}
}

// Load reads the configuration file at path (YAML, TOML or JSON, picked by
// the extension). An empty path loads the defaults and the environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only sees the keys viper knows about.
	v.SetDefault("transport.callback_timeout", cfg.Transport.CallbackTimeout)
	v.SetDefault("transport.pump_interval", cfg.Transport.PumpInterval)
	v.SetDefault("transport.capacity", cfg.Transport.Capacity)
	v.SetDefault("transport.lobby_type", cfg.Transport.LobbyType)
	v.SetDefault("transport.max_packet_size", cfg.Transport.MaxPacketSize)
	v.SetDefault("transport.kick_timeout", cfg.Transport.KickTimeout)
	v.SetDefault("server.relay_rate", cfg.Server.RelayRate)
	v.SetDefault("server.relay_burst", cfg.Server.RelayBurst)
	v.SetDefault("server.cors_allowed_origins", cfg.Server.CORSAllowedOrigins)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("could not read config file %q: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("could not decode config: %w", err)
	}
	return cfg, nil
}

// TransportOptions converts the transport section into transport options.
func (c *Config) TransportOptions() ([]transport.Option, error) {
	lobbyType, err := lobbysvc.ParseLobbyType(c.Transport.LobbyType)
	if err != nil {
		return nil, err
	}

	opts := []transport.Option{
		transport.WithCallbackTimeout(c.Transport.CallbackTimeout),
		transport.WithPumpInterval(c.Transport.PumpInterval),
		transport.WithCapacity(c.Transport.Capacity),
		transport.WithLobbyType(lobbyType),
		transport.WithMaxPacketSize(c.Transport.MaxPacketSize),
		transport.WithKickTimeout(c.Transport.KickTimeout),
	}

	// Fail early rather than on the first transport.New.
	tc := transport.DefaultConfig()
	for _, opt := range opts {
		if err := opt(&tc); err != nil {
			return nil, err
		}
	}
	if err := tc.Validate(); err != nil {
		return nil, errors.Join(errors.New("invalid transport section"), err)
	}
	return opts, nil
}

func (c *Config) ServerOptions() []lobbyserver.Option {
	return []lobbyserver.Option{
		lobbyserver.WithRelayRate(c.Server.RelayRate, c.Server.RelayBurst),
		lobbyserver.WithCORSAllowedOrigins(c.Server.CORSAllowedOrigins),
	}
}
