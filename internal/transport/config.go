package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dimspell/lobbylink/internal/lobbysvc"
)

// Logical network channels opened on every lobby.
const (
	ChannelReliable   uint8 = 0
	ChannelUnreliable uint8 = 1
)

// KickedKey is the member metadata key marking a kicked member.
const KickedKey = "kicked"

type Config struct {
	// CallbackTimeout bounds every awaited lobby service request.
	CallbackTimeout time.Duration
	// PumpInterval is the longest pause between two pumps while waiting.
	PumpInterval time.Duration

	Capacity  uint32
	LobbyType lobbysvc.LobbyType

	MaxPacketSize int

	// KickTimeout drops a kicked peer locally if it has not left the lobby
	// in time. Zero waits for the peer indefinitely.
	KickTimeout time.Duration

	Logger *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		CallbackTimeout: 20 * time.Second,
		PumpInterval:    100 * time.Millisecond,
		Capacity:        8,
		LobbyType:       lobbysvc.LobbyPrivate,
		MaxPacketSize:   1200,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.CallbackTimeout < 0 {
		errs = append(errs, fmt.Errorf("callback timeout must not be negative: %s", c.CallbackTimeout))
	}
	if c.PumpInterval <= 0 {
		errs = append(errs, fmt.Errorf("pump interval must be positive: %s", c.PumpInterval))
	}
	if c.Capacity < 2 {
		errs = append(errs, fmt.Errorf("capacity must allow at least two members: %d", c.Capacity))
	}
	if c.LobbyType != lobbysvc.LobbyPrivate && c.LobbyType != lobbysvc.LobbyPublic {
		errs = append(errs, fmt.Errorf("unknown lobby type: %d", c.LobbyType))
	}
	if c.MaxPacketSize <= 0 {
		errs = append(errs, fmt.Errorf("max packet size must be positive: %d", c.MaxPacketSize))
	}
	if c.KickTimeout < 0 {
		errs = append(errs, fmt.Errorf("kick timeout must not be negative: %s", c.KickTimeout))
	}
	return errors.Join(errs...)
}

type Option func(*Config) error

func WithCallbackTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		c.CallbackTimeout = timeout
		return nil
	}
}

func WithPumpInterval(interval time.Duration) Option {
	return func(c *Config) error {
		c.PumpInterval = interval
		return nil
	}
}

func WithCapacity(capacity uint32) Option {
	return func(c *Config) error {
		c.Capacity = capacity
		return nil
	}
}

func WithLobbyType(lobbyType lobbysvc.LobbyType) Option {
	return func(c *Config) error {
		c.LobbyType = lobbyType
		return nil
	}
}

func WithMaxPacketSize(size int) Option {
	return func(c *Config) error {
		c.MaxPacketSize = size
		return nil
	}
}

func WithKickTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		c.KickTimeout = timeout
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		c.Logger = logger
		return nil
	}
}
