// Package transport runs a peer-to-peer game session on top of the lobby
// service. The host owns a lobby and sees every other member as a numbered
// connection; a client joins the host's lobby through its address and talks
// to the host only.
//
// A Transport is driven by a single goroutine: every exported method, and
// every event it raises, happens on the goroutine that also pumps the lobby
// service through it.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/dimspell/lobbylink/internal/address"
	"github.com/dimspell/lobbylink/internal/app/logger/logging"
	"github.com/dimspell/lobbylink/internal/lobbysvc"
)

type State uint8

const (
	StateIdle State = iota
	StateHosting
	StateClientConnecting
	StateClientConnected
)

func (s State) String() string {
	switch s {
	case StateHosting:
		return "Hosting"
	case StateClientConnecting:
		return "ClientConnecting"
	case StateClientConnected:
		return "ClientConnected"
	default:
		return "Idle"
	}
}

type Transport struct {
	client lobbysvc.Client
	sink   Sink
	config Config
	logger *slog.Logger
	bridge *Bridge
	now    func() time.Time

	selfID  int64
	session Session

	// Host side.
	clients    *IdentityMap
	nextConnID int
	kicks      map[int]time.Time

	// Client side.
	connecting    bool
	targetLobbyID int64
	live          bool
	connectedSent bool
}

func New(client lobbysvc.Client, sink Sink, opts ...Option) (*Transport, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transport config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if sink == nil {
		sink = discardSink{}
	}

	logger := cfg.Logger.With(slog.String("component", "transport"))
	t := &Transport{
		client:     client,
		sink:       sink,
		config:     cfg,
		logger:     logger,
		bridge:     NewBridge(client, cfg.PumpInterval, logger),
		now:        time.Now,
		clients:    NewIdentityMap(),
		nextConnID: 1,
		kicks:      make(map[int]time.Time),
	}
	client.SetHandlers(lobbysvc.Handlers{
		OnMemberConnect:    t.onMemberConnect,
		OnMemberDisconnect: t.onMemberDisconnect,
		OnMemberUpdate:     t.onMemberUpdate,
		OnLobbyDelete:      t.onLobbyDelete,
		OnNetworkMessage:   t.onNetworkMessage,
	})
	return t, nil
}

// Available reports whether the transport can run on this platform.
func (t *Transport) Available() bool { return true }

func (t *Transport) Config() Config { return t.config }

func (t *Transport) State() State {
	switch {
	case t.session.IsHosting():
		return StateHosting
	case t.session.IsClient():
		return StateClientConnected
	case t.connecting:
		return StateClientConnecting
	default:
		return StateIdle
	}
}

func (t *Transport) IsHosting() bool { return t.session.IsHosting() }

func (t *Transport) IsClientConnected() bool { return t.session.IsClient() }

// Lobby returns the lobby of the active session, or the zero Lobby.
func (t *Transport) Lobby() lobbysvc.Lobby { return t.session.Lobby }

// Peers returns the connection ids of the members connected to the host.
func (t *Transport) Peers() []int { return t.clients.LocalIDs() }

func (t *Transport) MaxPacketSize(channel uint8) int { return t.config.MaxPacketSize }

// Pump delivers the pending lobby service callbacks and events.
func (t *Transport) Pump() error { return t.bridge.Pump() }

// StartHost creates a lobby owned by the local member.
func (t *Transport) StartHost(ctx context.Context) error {
	if t.session.IsHosting() {
		t.logger.Warn("Server already started", logging.Error(ErrAlreadyActive))
		return nil
	}
	if t.session.IsClient() || t.connecting {
		t.logger.Warn("Trying to start server, but client already is started", logging.Error(ErrAlreadyActive))
		return nil
	}

	self, err := t.currentUserID()
	if err != nil {
		t.raiseError(SideServer, 0, ErrorUnexpected, "Unable to start server", err)
		return err
	}

	t.resetHost()

	req := t.bridge.Begin("create lobby")
	txn := lobbysvc.LobbyTransaction{Type: t.config.LobbyType, Capacity: t.config.Capacity}
	t.client.CreateLobby(txn, func(res lobbysvc.Result, lobby lobbysvc.Lobby) {
		if !t.bridge.Current(req) {
			t.discardLateLobby(res, lobby)
			return
		}
		if res != lobbysvc.ResultOk {
			t.bridge.Complete(req, remoteError("create lobby", res))
			return
		}
		t.session.Set(lobby, self)
		if err := t.openNetwork(lobby.ID); err != nil {
			t.client.DeleteLobby(lobby.ID, t.logResult("delete lobby", lobby.ID))
			t.session.Clear()
			t.bridge.Complete(req, err)
			return
		}
		t.bridge.Complete(req, nil)
	})

	if err := t.bridge.Wait(ctx, req, t.config.CallbackTimeout); err != nil {
		t.raiseError(SideServer, 0, codeOf(err), "Unable to start server", err)
		return err
	}
	t.logger.Info("Hosting lobby",
		logging.LobbyID(t.session.Lobby.ID),
		slog.String("address", t.session.Address().String()))
	return nil
}

// StopHost leaves and deletes the hosted lobby.
func (t *Transport) StopHost(ctx context.Context) error {
	if !t.session.IsHosting() {
		return nil
	}
	lobbyID := t.session.Lobby.ID

	if err := t.client.DisconnectNetwork(lobbyID); err != nil {
		t.logger.Warn("Could not disconnect from lobby network", logging.LobbyID(lobbyID), logging.Error(err))
	}
	t.client.DisconnectLobby(lobbyID, func(res lobbysvc.Result) {
		if !membershipGone(res) {
			t.raiseError(SideServer, 0, ErrorRemoteRejected, "Unable to leave hosted lobby", remoteError("disconnect lobby", res))
		}
	})

	req := t.bridge.Begin("delete lobby")
	t.client.DeleteLobby(lobbyID, func(res lobbysvc.Result) {
		gone := lobbyGone(res)
		if !t.bridge.Current(req) {
			if gone && t.session.IsHosting() && t.session.Lobby.ID == lobbyID {
				t.logger.Info("Hosted lobby deleted after the request was abandoned", logging.LobbyID(lobbyID))
				t.resetHost()
			}
			return
		}
		if !gone {
			t.bridge.Complete(req, remoteError("delete lobby", res))
			return
		}
		t.resetHost()
		t.bridge.Complete(req, nil)
	})

	if err := t.bridge.Wait(ctx, req, t.config.CallbackTimeout); err != nil {
		t.raiseError(SideServer, 0, codeOf(err), "Unable to stop server", err)
		return err
	}
	t.logger.Info("Stopped hosting lobby", logging.LobbyID(lobbyID))
	return nil
}

// Connect joins the lobby at addr, given either as "<lobbyId>:<secret>" or
// as a URI.
func (t *Transport) Connect(ctx context.Context, addr string) error {
	a, err := address.Parse(addr)
	if err != nil {
		t.logger.Warn("Invalid lobby address", slog.String("address", addr), logging.Error(err))
		return err
	}
	return t.connect(ctx, a)
}

func (t *Transport) ConnectURI(ctx context.Context, uri *url.URL) error {
	a, err := address.ParseURI(uri)
	if err != nil {
		t.logger.Warn("Invalid lobby URI", logging.Error(err))
		return err
	}
	return t.connect(ctx, a)
}

func (t *Transport) connect(ctx context.Context, a address.Address) error {
	if t.session.IsClient() || t.connecting {
		t.logger.Warn("Client already connected", logging.Error(ErrAlreadyActive))
		return nil
	}
	if t.session.IsHosting() {
		t.logger.Warn("Trying to connect, but server already is started", logging.Error(ErrAlreadyActive))
		return nil
	}

	self, err := t.currentUserID()
	if err != nil {
		t.raiseError(SideClient, 0, ErrorUnexpected, "Unable to connect", err)
		return err
	}

	t.connecting = true
	t.targetLobbyID = a.LobbyID
	t.live = true
	t.connectedSent = false

	req := t.bridge.Begin("connect lobby")
	t.client.ConnectLobbyWithActivitySecret(a.String(), func(res lobbysvc.Result, lobby lobbysvc.Lobby) {
		if !t.bridge.Current(req) {
			t.discardLateMembership(res, lobby)
			return
		}
		t.connecting = false
		if res != lobbysvc.ResultOk {
			t.bridge.Complete(req, remoteError("connect lobby", res))
			return
		}
		t.session.Set(lobby, self)
		if err := t.openNetwork(lobby.ID); err != nil {
			t.client.DisconnectLobby(lobby.ID, t.logResult("disconnect lobby", lobby.ID))
			t.session.Clear()
			t.bridge.Complete(req, err)
			return
		}
		t.raiseConnected()
		t.bridge.Complete(req, nil)
	})

	err = t.bridge.Wait(ctx, req, t.config.CallbackTimeout)
	t.connecting = false
	t.targetLobbyID = 0
	if err != nil {
		t.raiseError(SideClient, 0, codeOf(err), "Unable to connect", err)
		t.endClientSession()
		return err
	}
	t.logger.Info("Connected to lobby", logging.LobbyID(t.session.Lobby.ID), logging.UserID(t.session.Lobby.OwnerID))
	return nil
}

// Disconnect leaves the joined lobby and waits for the confirmation. The
// session is kept when the service rejects the request, and ended by a
// confirmation that arrives after the wait gave up.
func (t *Transport) Disconnect(ctx context.Context) error {
	if !t.session.IsClient() {
		return nil
	}
	lobbyID := t.session.Lobby.ID

	if err := t.client.DisconnectNetwork(lobbyID); err != nil {
		t.logger.Warn("Could not disconnect from lobby network", logging.LobbyID(lobbyID), logging.Error(err))
	}

	req := t.bridge.Begin("disconnect lobby")
	t.client.DisconnectLobby(lobbyID, func(res lobbysvc.Result) {
		gone := membershipGone(res)
		if !t.bridge.Current(req) {
			if gone && t.session.IsClient() && t.session.Lobby.ID == lobbyID {
				t.logger.Info("Left lobby after the request was abandoned", logging.LobbyID(lobbyID), "result", res.String())
				t.session.Clear()
				t.endClientSession()
			}
			return
		}
		if !gone && t.session.Lobby.ID == lobbyID {
			t.bridge.Complete(req, remoteError("disconnect lobby", res))
			return
		}
		if t.session.Lobby.ID == lobbyID {
			t.session.Clear()
		}
		t.endClientSession()
		t.bridge.Complete(req, nil)
	})

	if err := t.bridge.Wait(ctx, req, t.config.CallbackTimeout); err != nil {
		t.raiseError(SideClient, 0, codeOf(err), "Unable to disconnect from server", err)
		return err
	}
	t.logger.Info("Disconnected from lobby", logging.LobbyID(lobbyID))
	return nil
}

// Shutdown ends whatever session is active.
func (t *Transport) Shutdown(ctx context.Context) error {
	switch {
	case t.session.IsHosting():
		return t.StopHost(ctx)
	case t.session.IsClient():
		return t.Disconnect(ctx)
	}
	return nil
}

// ServerSend sends data to the member behind connID.
func (t *Transport) ServerSend(connID int, data []byte, channel uint8) error {
	if !t.session.IsHosting() {
		return ErrNotActive
	}
	if err := t.checkSize(data); err != nil {
		t.raiseError(SideServer, connID, ErrorInvalidSend, "Unable to send from server", err)
		return err
	}
	remoteID, err := t.clients.LookupByLocal(connID)
	if err != nil {
		t.raiseError(SideServer, connID, ErrorInvalidSend, "Unable to send from server", err)
		return err
	}
	if err := t.client.SendNetworkMessage(t.session.Lobby.ID, remoteID, channel, data); err != nil {
		err = fmt.Errorf("could not send to member %d: %w", remoteID, err)
		t.raiseError(SideServer, connID, ErrorInvalidSend, "Unable to send from server", err)
		return err
	}
	t.sink.Emit(DataSent{Side: SideServer, ConnID: connID, Channel: channel, Data: data})
	return nil
}

// ClientSend sends data to the host.
func (t *Transport) ClientSend(data []byte, channel uint8) error {
	if !t.session.IsClient() {
		return ErrNotActive
	}
	if err := t.checkSize(data); err != nil {
		t.raiseError(SideClient, 0, ErrorInvalidSend, "Unable to send from client", err)
		return err
	}
	lobby := t.session.Lobby
	if err := t.client.SendNetworkMessage(lobby.ID, lobby.OwnerID, channel, data); err != nil {
		err = fmt.Errorf("could not send to host %d: %w", lobby.OwnerID, err)
		t.raiseError(SideClient, 0, ErrorInvalidSend, "Unable to send from client", err)
		return err
	}
	t.sink.Emit(DataSent{Side: SideClient, Channel: channel, Data: data})
	return nil
}

// ServerDisconnect kicks the member behind connID. The peer is reported as
// disconnected once it has left the lobby, or after KickTimeout.
func (t *Transport) ServerDisconnect(connID int) error {
	if !t.session.IsHosting() {
		return ErrNotActive
	}
	remoteID, err := t.clients.LookupByLocal(connID)
	if err != nil {
		return err
	}

	lobbyID := t.session.Lobby.ID
	var txn lobbysvc.MemberTransaction
	txn.SetMetadata(KickedKey, "true")
	t.client.UpdateMember(lobbyID, remoteID, txn, func(res lobbysvc.Result) {
		if res != lobbysvc.ResultOk {
			t.raiseError(SideServer, connID, ErrorRemoteRejected, "Unable to kick client", remoteError("update member", res))
		}
	})
	if t.config.KickTimeout > 0 {
		t.kicks[connID] = t.now().Add(t.config.KickTimeout)
	}
	t.logger.Info("Kicking client", logging.ConnID(connID), logging.UserID(remoteID))
	return nil
}

// ServerClientAddress returns the member id behind connID, or an empty
// string for unknown connections.
func (t *Transport) ServerClientAddress(connID int) string {
	remoteID, err := t.clients.LookupByLocal(connID)
	if err != nil {
		return ""
	}
	return strconv.FormatInt(remoteID, 10)
}

// ServerAddress returns the address clients join the hosted lobby with.
func (t *Transport) ServerAddress() (address.Address, error) {
	if !t.session.IsHosting() {
		return address.Address{}, ErrNotActive
	}
	return t.session.Address(), nil
}

func (t *Transport) ServerURI() (*url.URL, error) {
	a, err := t.ServerAddress()
	if err != nil {
		return nil, err
	}
	return a.URI(), nil
}

// ServerLateUpdate flushes the messages sent by the host and drops the
// kicked peers that outstayed KickTimeout.
func (t *Transport) ServerLateUpdate() {
	if !t.session.IsHosting() {
		return
	}
	t.flush(SideServer)
	t.expireKicks()
}

// ClientLateUpdate flushes the messages sent by the client.
func (t *Transport) ClientLateUpdate() {
	if !t.session.IsClient() {
		return
	}
	t.flush(SideClient)
}

func (t *Transport) flush(side Side) {
	if err := t.client.FlushNetwork(); err != nil {
		t.logger.Warn("Could not flush lobby network", slog.String("side", side.String()), logging.Error(err))
	}
}

func (t *Transport) expireKicks() {
	if len(t.kicks) == 0 {
		return
	}
	now := t.now()
	for _, connID := range slices.Sorted(maps.Keys(t.kicks)) {
		if now.Before(t.kicks[connID]) {
			continue
		}
		delete(t.kicks, connID)

		remoteID, err := t.clients.LookupByLocal(connID)
		if err != nil {
			continue
		}
		t.logger.Warn("Kicked client did not leave in time", logging.ConnID(connID), logging.UserID(remoteID))
		t.sink.Emit(PeerDisconnected{ConnID: connID})
		t.clients.RemoveByLocal(connID)
	}
}

func (t *Transport) checkSize(data []byte) error {
	if len(data) > t.config.MaxPacketSize {
		return fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, len(data), t.config.MaxPacketSize)
	}
	return nil
}

func (t *Transport) currentUserID() (int64, error) {
	if t.selfID != 0 {
		return t.selfID, nil
	}
	id, err := t.client.CurrentUserID()
	if err != nil {
		return 0, fmt.Errorf("could not get current user: %w", err)
	}
	t.selfID = id
	return id, nil
}

func (t *Transport) openNetwork(lobbyID int64) error {
	if err := t.client.ConnectNetwork(lobbyID); err != nil {
		return fmt.Errorf("could not connect to lobby network: %w", err)
	}
	if err := t.client.OpenNetworkChannel(lobbyID, ChannelReliable, true); err != nil {
		return fmt.Errorf("could not open reliable channel: %w", err)
	}
	if err := t.client.OpenNetworkChannel(lobbyID, ChannelUnreliable, false); err != nil {
		return fmt.Errorf("could not open unreliable channel: %w", err)
	}
	return nil
}

func (t *Transport) resetHost() {
	t.session.Clear()
	t.clients.Reset()
	t.nextConnID = 1
	clear(t.kicks)
}

// dropClient ends the client session without waiting for the service.
func (t *Transport) dropClient(reason string) {
	lobbyID := t.session.Lobby.ID
	t.logger.Info("Leaving lobby", logging.LobbyID(lobbyID), slog.String("reason", reason))

	if err := t.client.DisconnectNetwork(lobbyID); err != nil {
		t.logger.Debug("Could not disconnect from lobby network", logging.LobbyID(lobbyID), logging.Error(err))
	}
	t.client.DisconnectLobby(lobbyID, t.logResult("disconnect lobby", lobbyID))
	t.session.Clear()
	t.endClientSession()
}

func (t *Transport) raiseConnected() {
	if !t.live || t.connectedSent {
		return
	}
	t.connectedSent = true
	t.sink.Emit(Connected{})
}

func (t *Transport) endClientSession() {
	if !t.live {
		return
	}
	t.live = false
	t.connectedSent = false
	t.sink.Emit(Disconnected{})
}

func (t *Transport) raiseError(side Side, connID int, code ErrorCode, message string, err error) {
	t.logger.Error(message, slog.String("side", side.String()), slog.String("code", code.String()), logging.Error(err))
	t.sink.Emit(ErrorEvent{Side: side, ConnID: connID, Code: code, Message: message, Err: err})
}

// membershipGone reports whether a leave result means the local member is no
// longer in the lobby.
func membershipGone(res lobbysvc.Result) bool {
	switch res {
	case lobbysvc.ResultOk, lobbysvc.ResultNotConnected, lobbysvc.ResultNotFound:
		return true
	}
	return false
}

func lobbyGone(res lobbysvc.Result) bool {
	return res == lobbysvc.ResultOk || res == lobbysvc.ResultNotFound
}

func (t *Transport) logResult(op string, lobbyID int64) func(lobbysvc.Result) {
	return func(res lobbysvc.Result) {
		if res != lobbysvc.ResultOk {
			t.logger.Debug("Lobby service request failed", "op", op, logging.LobbyID(lobbyID), "result", res.String())
		}
	}
}

// discardLateLobby deletes a lobby created for an abandoned request.
func (t *Transport) discardLateLobby(res lobbysvc.Result, lobby lobbysvc.Lobby) {
	if res != lobbysvc.ResultOk {
		return
	}
	t.logger.Warn("Deleting lobby created after the request was abandoned", logging.LobbyID(lobby.ID))
	t.client.DeleteLobby(lobby.ID, t.logResult("delete lobby", lobby.ID))
}

// discardLateMembership leaves a lobby joined for an abandoned request.
func (t *Transport) discardLateMembership(res lobbysvc.Result, lobby lobbysvc.Lobby) {
	if res != lobbysvc.ResultOk {
		return
	}
	t.logger.Warn("Leaving lobby joined after the request was abandoned", logging.LobbyID(lobby.ID))
	t.client.DisconnectLobby(lobby.ID, t.logResult("disconnect lobby", lobby.ID))
}
