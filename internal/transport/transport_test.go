package transport

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dimspell/lobbylink/internal/address"
	"github.com/dimspell/lobbylink/internal/lobbysvc"
	"github.com/dimspell/lobbylink/internal/lobbysvc/memory"
)

type recorder struct {
	events []Event
}

func (r *recorder) Emit(ev Event) { r.events = append(r.events, ev) }

func (r *recorder) count(typ uint32) int {
	n := 0
	for _, ev := range r.events {
		if ev.Type() == typ {
			n++
		}
	}
	return n
}

func (r *recorder) reset() { r.events = nil }

func eventsOf[T Event](r *recorder) []T {
	var out []T
	for _, ev := range r.events {
		if e, ok := ev.(T); ok {
			out = append(out, e)
		}
	}
	return out
}

type peer struct {
	*Transport
	client *memory.Client
	rec    *recorder
}

func newPeer(t *testing.T, hub *memory.Hub, id int64, opts ...Option) *peer {
	t.Helper()

	c := hub.NewClient(lobbysvc.User{ID: id})
	t.Cleanup(func() { _ = c.Close() })

	rec := &recorder{}
	opts = append([]Option{
		WithPumpInterval(5 * time.Millisecond),
		WithCallbackTimeout(time.Second),
	}, opts...)
	tr, err := New(c, rec, opts...)
	require.NoError(t, err)
	return &peer{Transport: tr, client: c, rec: rec}
}

func (p *peer) pump(t *testing.T) {
	t.Helper()
	require.NoError(t, p.Pump())
}

// hostWithClients starts a host (member 1) and connects one client per id.
func hostWithClients(t *testing.T, hub *memory.Hub, ids ...int64) (*peer, []*peer) {
	t.Helper()
	ctx := context.Background()

	host := newPeer(t, hub, 1)
	require.NoError(t, host.StartHost(ctx))

	addr, err := host.ServerAddress()
	require.NoError(t, err)

	var clients []*peer
	for _, id := range ids {
		c := newPeer(t, hub, id)
		require.NoError(t, c.Connect(ctx, addr.String()))
		host.pump(t)
		clients = append(clients, c)
	}
	return host, clients
}

func TestNew_InvalidConfig(t *testing.T) {
	hub := memory.NewHub()
	c := hub.NewClient(lobbysvc.User{ID: 1})

	_, err := New(c, nil, WithCapacity(1))
	assert.Error(t, err)

	_, err = New(c, nil, WithMaxPacketSize(0))
	assert.Error(t, err)

	_, err = New(c, nil, WithLogger(nil))
	assert.Error(t, err)
}

func TestTransport_StartHost(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := memory.NewHub()
	host := newPeer(t, hub, 1, WithCapacity(8))

	assert.True(t, host.Available())
	assert.Equal(t, StateIdle, host.State())
	_, err := host.ServerAddress()
	assert.ErrorIs(t, err, ErrNotActive)

	require.NoError(t, host.StartHost(context.Background()))
	assert.Equal(t, StateHosting, host.State())
	assert.True(t, host.IsHosting())
	assert.False(t, host.IsClientConnected())
	assert.Empty(t, host.Peers())

	lobby := host.Lobby()
	assert.Equal(t, int64(1), lobby.OwnerID)
	assert.Equal(t, uint32(8), lobby.Capacity)
	assert.Equal(t, lobbysvc.LobbyPrivate, lobby.Type)

	uri, err := host.ServerURI()
	require.NoError(t, err)
	assert.Equal(t, address.Scheme, uri.Scheme)

	t.Run("starting twice is a no-op", func(t *testing.T) {
		require.NoError(t, host.StartHost(context.Background()))
		assert.Equal(t, lobby, host.Lobby())
		assert.Equal(t, 1, hub.Registry().Len())
	})

	t.Run("connecting while hosting is a no-op", func(t *testing.T) {
		require.NoError(t, host.Connect(context.Background(), lobby.ActivitySecret()))
		assert.Equal(t, StateHosting, host.State())
	})
}

func TestTransport_HostAssignsConnectionIDs(t *testing.T) {
	hub := memory.NewHub()
	host, clients := hostWithClients(t, hub, 555, 777)

	assert.Equal(t, []PeerConnected{{ConnID: 1}, {ConnID: 2}}, eventsOf[PeerConnected](host.rec))
	assert.Equal(t, []int{1, 2}, host.Peers())
	assert.Equal(t, "555", host.ServerClientAddress(1))
	assert.Equal(t, "777", host.ServerClientAddress(2))
	assert.Equal(t, "", host.ServerClientAddress(3))

	for _, c := range clients {
		assert.Equal(t, StateClientConnected, c.State())
		assert.Equal(t, 1, c.rec.count(TypeConnected))
		assert.Equal(t, 0, c.rec.count(TypeDisconnected))
	}
}

func TestTransport_Relay(t *testing.T) {
	hub := memory.NewHub()
	host, clients := hostWithClients(t, hub, 555)
	client := clients[0]

	require.NoError(t, client.ClientSend([]byte("ping"), ChannelReliable))
	assert.Equal(t, []DataSent{{Side: SideClient, Channel: ChannelReliable, Data: []byte("ping")}}, eventsOf[DataSent](client.rec))

	host.pump(t)
	assert.Empty(t, eventsOf[DataReceived](host.rec), "messages travel on flush")

	client.ClientLateUpdate()
	host.pump(t)
	assert.Equal(t,
		[]DataReceived{{Side: SideServer, ConnID: 1, Channel: ChannelReliable, Data: []byte("ping")}},
		eventsOf[DataReceived](host.rec))

	require.NoError(t, host.ServerSend(1, []byte("pong"), ChannelUnreliable))
	host.ServerLateUpdate()
	client.pump(t)
	assert.Equal(t,
		[]DataReceived{{Side: SideClient, Channel: ChannelUnreliable, Data: []byte("pong")}},
		eventsOf[DataReceived](client.rec))
}

func TestTransport_SendErrors(t *testing.T) {
	hub := memory.NewHub()
	host, clients := hostWithClients(t, hub, 555)
	client := clients[0]

	t.Run("unknown connection", func(t *testing.T) {
		host.rec.reset()
		err := host.ServerSend(9, []byte("x"), ChannelReliable)
		assert.ErrorIs(t, err, ErrNotFound)

		errs := eventsOf[ErrorEvent](host.rec)
		require.Len(t, errs, 1)
		assert.Equal(t, ErrorInvalidSend, errs[0].Code)
		assert.Equal(t, 9, errs[0].ConnID)
	})

	t.Run("packet too large", func(t *testing.T) {
		client.rec.reset()
		err := client.ClientSend(make([]byte, client.MaxPacketSize(ChannelReliable)+1), ChannelReliable)
		assert.ErrorIs(t, err, ErrPacketTooLarge)
		assert.Equal(t, 1, client.rec.count(TypeError))
		assert.Equal(t, 0, client.rec.count(TypeDataSent))
	})

	t.Run("closed channel", func(t *testing.T) {
		err := client.ClientSend([]byte("x"), 7)
		assert.ErrorIs(t, err, lobbysvc.ErrChannelNotOpen)
	})

	t.Run("no session", func(t *testing.T) {
		idle := newPeer(t, hub, 900)
		assert.ErrorIs(t, idle.ClientSend([]byte("x"), ChannelReliable), ErrNotActive)
		assert.ErrorIs(t, idle.ServerSend(1, []byte("x"), ChannelReliable), ErrNotActive)
		assert.ErrorIs(t, idle.ServerDisconnect(1), ErrNotActive)
		assert.Empty(t, idle.rec.events)
	})
}

func TestTransport_Connect(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid address", func(t *testing.T) {
		hub := memory.NewHub()
		client := newPeer(t, hub, 555)

		for _, addr := range []string{"123", "abc:def", "123:abc:def", "kcp://123/?abc"} {
			err := client.Connect(ctx, addr)
			assert.ErrorIs(t, err, address.ErrInvalidAddress, addr)
		}
		assert.Equal(t, StateIdle, client.State())
		assert.Empty(t, client.rec.events)
	})

	t.Run("wrong secret", func(t *testing.T) {
		hub := memory.NewHub()
		host, _ := hostWithClients(t, hub)
		client := newPeer(t, hub, 555)

		err := client.Connect(ctx, address.Address{LobbyID: host.Lobby().ID, Secret: "nope"}.String())
		assert.ErrorIs(t, err, ErrRemoteRejected)
		assert.Equal(t, StateIdle, client.State())

		errs := eventsOf[ErrorEvent](client.rec)
		require.Len(t, errs, 1)
		assert.Equal(t, ErrorRemoteRejected, errs[0].Code)
		assert.Equal(t, SideClient, errs[0].Side)
		assert.Equal(t, 1, client.rec.count(TypeDisconnected))
		assert.Equal(t, 0, client.rec.count(TypeConnected))
	})

	t.Run("by uri", func(t *testing.T) {
		hub := memory.NewHub()
		host, _ := hostWithClients(t, hub)
		client := newPeer(t, hub, 555)

		uri, err := host.ServerURI()
		require.NoError(t, err)
		require.NoError(t, client.ConnectURI(ctx, uri))
		assert.Equal(t, StateClientConnected, client.State())

		t.Run("again is a no-op", func(t *testing.T) {
			require.NoError(t, client.Connect(ctx, uri.String()))
			require.NoError(t, client.StartHost(ctx))
			assert.Equal(t, StateClientConnected, client.State())
			assert.Equal(t, 1, client.rec.count(TypeConnected))
		})
	})
}

func TestTransport_Timeout(t *testing.T) {
	ctx := context.Background()

	t.Run("zero timeout", func(t *testing.T) {
		hub := memory.NewHub()
		host := newPeer(t, hub, 1, WithCallbackTimeout(0))

		err := host.StartHost(ctx)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Equal(t, StateIdle, host.State())

		errs := eventsOf[ErrorEvent](host.rec)
		require.Len(t, errs, 1)
		assert.Equal(t, ErrorTimeout, errs[0].Code)

		// The lobby created for the abandoned request is deleted once its
		// callback finally runs.
		assert.Equal(t, 1, hub.Registry().Len())
		host.pump(t)
		assert.Equal(t, 0, hub.Registry().Len())
		assert.Equal(t, StateIdle, host.State())
	})

	t.Run("late join is undone", func(t *testing.T) {
		hub := memory.NewHub()
		host, _ := hostWithClients(t, hub)
		client := newPeer(t, hub, 555, WithCallbackTimeout(30*time.Millisecond))

		client.client.Hold()
		addr, err := host.ServerAddress()
		require.NoError(t, err)

		err = client.Connect(ctx, addr.String())
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Equal(t, StateIdle, client.State())
		assert.Equal(t, 1, client.rec.count(TypeDisconnected))

		client.client.Release()
		client.pump(t)
		assert.Equal(t, StateIdle, client.State())
		assert.Equal(t, 0, client.rec.count(TypeConnected))
		assert.Equal(t, []int64{1}, hub.Registry().Members(addr.LobbyID))
	})
}

func TestTransport_Kick(t *testing.T) {
	hub := memory.NewHub()
	host, clients := hostWithClients(t, hub, 555, 777)
	kicked, other := clients[0], clients[1]
	lobbyID := host.Lobby().ID

	t.Run("other metadata values are ignored", func(t *testing.T) {
		var txn lobbysvc.MemberTransaction
		txn.SetMetadata(KickedKey, "false")
		host.client.UpdateMember(lobbyID, 555, txn, func(res lobbysvc.Result) {
			assert.Equal(t, lobbysvc.ResultOk, res)
		})
		host.pump(t)
		kicked.pump(t)
		other.pump(t)
		assert.Equal(t, StateClientConnected, kicked.State())
		assert.Equal(t, 0, kicked.rec.count(TypeDisconnected))
	})

	t.Run("updates of another member are ignored", func(t *testing.T) {
		_, res := hub.Registry().UpdateMember(lobbyID, 1, 555, map[string]string{KickedKey: "true"})
		require.Equal(t, lobbysvc.ResultOk, res)

		other.onMemberUpdate(lobbyID, 555)
		assert.Equal(t, StateClientConnected, other.State())
		assert.Equal(t, 0, other.rec.count(TypeDisconnected))
	})

	require.NoError(t, host.ServerDisconnect(1))
	assert.ErrorIs(t, host.ServerDisconnect(9), ErrNotFound)

	kicked.pump(t)
	assert.Equal(t, StateIdle, kicked.State())
	assert.Equal(t, 1, kicked.rec.count(TypeDisconnected))

	other.pump(t)
	assert.Equal(t, StateClientConnected, other.State())

	host.pump(t)
	assert.Equal(t, []PeerDisconnected{{ConnID: 1}}, eventsOf[PeerDisconnected](host.rec))
	assert.Equal(t, []int{2}, host.Peers())
}

func TestTransport_RedundantStartIsLogged(t *testing.T) {
	var logs bytes.Buffer
	hub := memory.NewHub()
	host := newPeer(t, hub, 1, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	require.NoError(t, host.StartHost(context.Background()))
	require.NoError(t, host.StartHost(context.Background()))
	require.NoError(t, host.Connect(context.Background(), host.Lobby().ActivitySecret()))
	assert.Equal(t, 2, strings.Count(logs.String(), `error="already active"`))
}

func TestTransport_KickTimeout(t *testing.T) {
	hub := memory.NewHub()
	host := newPeer(t, hub, 1, WithKickTimeout(time.Second))
	require.NoError(t, host.StartHost(context.Background()))

	client := newPeer(t, hub, 555)
	require.NoError(t, client.Connect(context.Background(), host.Lobby().ActivitySecret()))
	host.pump(t)

	now := time.Now()
	host.now = func() time.Time { return now }

	client.client.Hold()
	require.NoError(t, host.ServerDisconnect(1))
	host.pump(t)

	host.ServerLateUpdate()
	assert.Equal(t, 0, host.rec.count(TypePeerDisconnected))

	now = now.Add(2 * time.Second)
	host.ServerLateUpdate()
	assert.Equal(t, []PeerDisconnected{{ConnID: 1}}, eventsOf[PeerDisconnected](host.rec))
	assert.Empty(t, host.Peers())

	// The peer leaving later is not reported again.
	client.client.Release()
	client.pump(t)
	host.pump(t)
	assert.Equal(t, 1, host.rec.count(TypePeerDisconnected))
}

func TestTransport_Disconnect(t *testing.T) {
	hub := memory.NewHub()
	host, clients := hostWithClients(t, hub, 555)
	client := clients[0]

	require.NoError(t, client.Disconnect(context.Background()))
	assert.Equal(t, StateIdle, client.State())
	assert.Equal(t, 1, client.rec.count(TypeDisconnected))

	require.NoError(t, client.Disconnect(context.Background()))
	assert.Equal(t, 1, client.rec.count(TypeDisconnected))

	host.pump(t)
	assert.Equal(t, []PeerDisconnected{{ConnID: 1}}, eventsOf[PeerDisconnected](host.rec))
}

func TestTransport_DisconnectUnconfirmed(t *testing.T) {
	ctx := context.Background()

	t.Run("late confirmation ends the session", func(t *testing.T) {
		hub := memory.NewHub()
		host, _ := hostWithClients(t, hub)
		client := newPeer(t, hub, 555, WithCallbackTimeout(30*time.Millisecond))
		require.NoError(t, client.Connect(ctx, host.Lobby().ActivitySecret()))

		client.client.Hold()
		err := client.Disconnect(ctx)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Equal(t, StateClientConnected, client.State())
		assert.Equal(t, 0, client.rec.count(TypeDisconnected))

		client.client.Release()
		client.pump(t)
		assert.Equal(t, StateIdle, client.State())
		assert.Equal(t, 1, client.rec.count(TypeDisconnected))
		assert.Equal(t, []int64{1}, hub.Registry().Members(host.Lobby().ID))

		other := newPeer(t, hub, 2)
		require.NoError(t, other.StartHost(ctx))
		require.NoError(t, client.Connect(ctx, other.Lobby().ActivitySecret()))
		assert.Equal(t, StateClientConnected, client.State())
		assert.Equal(t, other.Lobby().ID, client.Lobby().ID)
	})

	t.Run("membership already gone", func(t *testing.T) {
		hub := memory.NewHub()
		host, clients := hostWithClients(t, hub, 555)
		client := clients[0]

		_, res := hub.Registry().Disconnect(host.Lobby().ID, 555)
		require.Equal(t, lobbysvc.ResultOk, res)

		require.NoError(t, client.Disconnect(ctx))
		assert.Equal(t, StateIdle, client.State())
		assert.Equal(t, 1, client.rec.count(TypeDisconnected))
	})
}

func TestTransport_StopHost(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := memory.NewHub()
	host, clients := hostWithClients(t, hub, 555, 777)

	require.NoError(t, host.StopHost(context.Background()))
	assert.Equal(t, StateIdle, host.State())
	assert.Empty(t, host.Peers())
	assert.Equal(t, 0, hub.Registry().Len())

	for _, c := range clients {
		c.pump(t)
		assert.Equal(t, StateIdle, c.State())
		assert.Equal(t, 1, c.rec.count(TypeConnected))
		assert.Equal(t, 1, c.rec.count(TypeDisconnected), "disconnected fires once per session")
	}

	t.Run("host again starts from the first connection id", func(t *testing.T) {
		host.rec.reset()
		require.NoError(t, host.StartHost(context.Background()))

		c := clients[0]
		require.NoError(t, c.Connect(context.Background(), host.Lobby().ActivitySecret()))
		host.pump(t)
		assert.Equal(t, []PeerConnected{{ConnID: 1}}, eventsOf[PeerConnected](host.rec))
	})
}

func TestTransport_StopHostLobbyGone(t *testing.T) {
	hub := memory.NewHub()
	host, _ := hostWithClients(t, hub)

	_, res := hub.Registry().Delete(host.Lobby().ID, 1)
	require.Equal(t, lobbysvc.ResultOk, res)

	require.NoError(t, host.StopHost(context.Background()))
	assert.Equal(t, StateIdle, host.State())
	assert.Empty(t, eventsOf[ErrorEvent](host.rec))
}

func TestTransport_LobbyDeleted(t *testing.T) {
	t.Run("client", func(t *testing.T) {
		hub := memory.NewHub()
		_, clients := hostWithClients(t, hub, 555)
		client := clients[0]

		client.onLobbyDelete(client.Lobby().ID, lobbysvc.DeleteReasonOwnerLeft)
		assert.Equal(t, StateIdle, client.State())
		assert.Equal(t, 1, client.rec.count(TypeDisconnected))

		client.onLobbyDelete(client.Lobby().ID, lobbysvc.DeleteReasonOwnerLeft)
		assert.Equal(t, 1, client.rec.count(TypeDisconnected))
	})

	t.Run("host", func(t *testing.T) {
		hub := memory.NewHub()
		host, _ := hostWithClients(t, hub, 555, 777)

		host.onLobbyDelete(host.Lobby().ID, lobbysvc.DeleteReasonOwnerRequest)
		assert.Equal(t, StateIdle, host.State())
		assert.Equal(t, []PeerDisconnected{{ConnID: 1}, {ConnID: 2}}, eventsOf[PeerDisconnected](host.rec))
		assert.Empty(t, host.Peers())
	})

	t.Run("host client closes", func(t *testing.T) {
		hub := memory.NewHub()
		host, clients := hostWithClients(t, hub, 555)

		require.NoError(t, host.client.Close())
		clients[0].pump(t)
		assert.Equal(t, StateIdle, clients[0].State())
		assert.Equal(t, 1, clients[0].rec.count(TypeDisconnected))
	})
}

func TestTransport_Shutdown(t *testing.T) {
	hub := memory.NewHub()
	host, clients := hostWithClients(t, hub, 555)

	require.NoError(t, clients[0].Shutdown(context.Background()))
	assert.Equal(t, StateIdle, clients[0].State())

	require.NoError(t, host.Shutdown(context.Background()))
	assert.Equal(t, StateIdle, host.State())

	require.NoError(t, host.Shutdown(context.Background()))
}
