package platform

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/dimspell/lobbylink/internal/app/logger"
	"github.com/dimspell/lobbylink/internal/lobbysvc"
	"github.com/dimspell/lobbylink/internal/lobbysvc/memory"
	"github.com/dimspell/lobbylink/internal/transport"
)

func init() {
	logger.SetDiscardLogger()
}

func newRuntime(t *testing.T, hub *memory.Hub, user lobbysvc.User) (*Runtime, chan transport.Event) {
	t.Helper()

	events := make(chan transport.Event, 64)
	c := hub.NewClient(user)
	t.Cleanup(func() { _ = c.Close() })

	rt, err := New(c, transport.SinkFunc(func(ev transport.Event) { events <- ev }),
		transport.WithPumpInterval(5*time.Millisecond),
		transport.WithCallbackTimeout(time.Second),
	)
	require.NoError(t, err)
	return rt, events
}

func expect[T transport.Event](t *testing.T, events <-chan transport.Event) T {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if e, ok := ev.(T); ok {
				return e
			}
		case <-timeout:
			var zero T
			t.Fatalf("no %T event", zero)
			return zero
		}
	}
}

func TestRuntime_DoWaitsForRun(t *testing.T) {
	rt, _ := newRuntime(t, memory.NewHub(), lobbysvc.User{ID: 1})

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	err := rt.Do(ctx, func(*transport.Transport) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRuntime_HostAndClient(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := memory.NewHub()
	host, hostEvents := newRuntime(t, hub, lobbysvc.User{ID: 1, Username: "host"})
	client, clientEvents := newRuntime(t, hub, lobbysvc.User{ID: 2, Username: "guest"})

	ctx, cancel := context.WithCancel(t.Context())
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return host.Run(groupCtx) })
	group.Go(func() error { return client.Run(groupCtx) })

	var addr string
	require.NoError(t, host.Do(ctx, func(tr *transport.Transport) error {
		if err := tr.StartHost(ctx); err != nil {
			return err
		}
		a, err := tr.ServerAddress()
		addr = a.String()
		return err
	}))

	require.NoError(t, client.Do(ctx, func(tr *transport.Transport) error {
		return tr.Connect(ctx, addr)
	}))
	expect[transport.Connected](t, clientEvents)
	assert.Error(t, client.Run(ctx), "second loop")
	assert.Equal(t, 1, expect[transport.PeerConnected](t, hostEvents).ConnID)

	// Flushing happens on the loop ticks.
	require.NoError(t, client.Do(ctx, func(tr *transport.Transport) error {
		return tr.ClientSend([]byte("ready"), transport.ChannelReliable)
	}))
	received := expect[transport.DataReceived](t, hostEvents)
	assert.Equal(t, transport.DataReceived{Side: transport.SideServer, ConnID: 1, Channel: transport.ChannelReliable, Data: []byte("ready")}, received)

	var info LobbyInfo
	require.NoError(t, client.Do(ctx, func(*transport.Transport) error {
		var err error
		info, err = client.LogLobbyInfo(ctx)
		return err
	}))
	assert.Equal(t, LobbyInfo{LobbyID: info.LobbyID, OwnerID: 1, OwnerName: "host", Address: addr}, info)

	require.NoError(t, host.Do(ctx, func(tr *transport.Transport) error { return tr.StopHost(ctx) }))
	expect[transport.Disconnected](t, clientEvents)

	cancel()
	assert.NoError(t, group.Wait())
}

func TestRuntime_LogLobbyInfoWithoutLobby(t *testing.T) {
	rt, _ := newRuntime(t, memory.NewHub(), lobbysvc.User{ID: 1})

	_, err := rt.LogLobbyInfo(t.Context())
	assert.ErrorIs(t, err, transport.ErrNotActive)
}

func TestRuntime_StopsWhenServiceIsGone(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := memory.NewHub()
	c := hub.NewClient(lobbysvc.User{ID: 1})
	rt, err := New(c, nil, transport.WithPumpInterval(5*time.Millisecond))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- rt.Run(t.Context()) }()
	require.NoError(t, rt.Do(t.Context(), func(*transport.Transport) error { return nil }))

	require.NoError(t, c.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, lobbysvc.ErrNotConnected)
	case <-time.After(2 * time.Second):
		t.Fatal("event loop did not stop")
	}
}
