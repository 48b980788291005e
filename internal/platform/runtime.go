// Package platform wires a lobby service client and a transport together
// and drives them from a single event loop goroutine.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dimspell/lobbylink/internal/app/logger/logging"
	"github.com/dimspell/lobbylink/internal/lobbysvc"
	"github.com/dimspell/lobbylink/internal/transport"
)

// Runtime owns the lobby service client and the transport built on top of
// it. Every transport call made from another goroutine goes through Do.
type Runtime struct {
	client    lobbysvc.Client
	transport *transport.Transport
	logger    *slog.Logger

	calls   chan func()
	running atomic.Bool
}

func New(client lobbysvc.Client, sink transport.Sink, opts ...transport.Option) (*Runtime, error) {
	tr, err := transport.New(client, sink, opts...)
	if err != nil {
		return nil, err
	}
	return &Runtime{
		client:    client,
		transport: tr,
		logger:    tr.Config().Logger.With(slog.String("component", "runtime")),
		calls:     make(chan func()),
	}, nil
}

func (r *Runtime) Client() lobbysvc.Client { return r.client }

// Transport returns the transport. Outside of Do it may only be used while
// Run is not.
func (r *Runtime) Transport() *transport.Transport { return r.transport }

// Run drives the event loop until ctx is done or the lobby service is gone.
// On every tick the client is pumped and the host and client messages are
// flushed.
func (r *Runtime) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("runtime is already running")
	}
	defer r.running.Store(false)

	var ready <-chan struct{}
	if n, ok := r.client.(lobbysvc.Notifier); ok {
		ready = n.Ready()
	}

	ticker := time.NewTicker(r.transport.Config().PumpInterval)
	defer ticker.Stop()

	r.logger.Debug("Started the event loop")
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("Stopped the event loop")
			return nil
		case fn := <-r.calls:
			fn()
		case <-ready:
			if err := r.tick(); err != nil {
				return err
			}
		case <-ticker.C:
			if err := r.tick(); err != nil {
				return err
			}
		}
	}
}

func (r *Runtime) tick() error {
	if err := r.transport.Pump(); err != nil {
		if errors.Is(err, lobbysvc.ErrNotConnected) {
			r.logger.Warn("Lobby service is gone, stopping the event loop", logging.Error(err))
			return err
		}
		r.logger.Warn("Could not pump the lobby service", logging.Error(err))
	}
	r.transport.ServerLateUpdate()
	r.transport.ClientLateUpdate()
	return nil
}

// Do runs fn on the event loop goroutine and returns its error. It blocks
// until Run picks the call up or ctx is done, so it must not be called from
// the loop itself.
func (r *Runtime) Do(ctx context.Context, fn func(*transport.Transport) error) error {
	result := make(chan error, 1)
	call := func() { result <- fn(r.transport) }

	select {
	case r.calls <- call:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type LobbyInfo struct {
	LobbyID   int64
	OwnerID   int64
	OwnerName string
	Address   string
}

// LogLobbyInfo logs the active lobby with the name of its owner and the
// address to join it with. Like every transport call it runs on the loop
// goroutine.
func (r *Runtime) LogLobbyInfo(ctx context.Context) (LobbyInfo, error) {
	tr := r.transport
	lobby := tr.Lobby()
	if lobby.ID == 0 {
		return LobbyInfo{}, transport.ErrNotActive
	}

	info := LobbyInfo{
		LobbyID: lobby.ID,
		OwnerID: lobby.OwnerID,
		Address: lobby.ActivitySecret(),
	}

	bridge := transport.NewBridge(r.client, tr.Config().PumpInterval, r.logger)
	req := bridge.Begin("get user")
	r.client.GetUser(lobby.OwnerID, func(res lobbysvc.Result, user lobbysvc.User) {
		if !bridge.Current(req) {
			return
		}
		if res != lobbysvc.ResultOk {
			bridge.Complete(req, &transport.RemoteError{Op: "get user", Result: res})
			return
		}
		info.OwnerName = user.Username
		bridge.Complete(req, nil)
	})
	if err := bridge.Wait(ctx, req, tr.Config().CallbackTimeout); err != nil {
		return info, fmt.Errorf("could not get lobby owner: %w", err)
	}

	secret, err := r.client.GetLobbyActivitySecret(lobby.ID)
	if err != nil {
		return info, fmt.Errorf("could not get activity secret: %w", err)
	}
	if secret != info.Address {
		r.logger.Warn("Activity secret differs from the lobby address", "secret", secret, "address", info.Address)
	}

	r.logger.Info("Lobby info",
		logging.LobbyID(info.LobbyID),
		logging.UserID(info.OwnerID),
		slog.String("owner", info.OwnerName),
		slog.String("address", info.Address),
	)
	return info, nil
}
