// Package remote is a lobby service client talking to a lobby server over
// WebSocket. Frames received in the background are queued and only handed
// to callbacks and handlers by RunCallbacks.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/eapache/queue"

	"github.com/dimspell/lobbylink/internal/app/logger/logging"
	"github.com/dimspell/lobbylink/internal/lobbysvc"
	"github.com/dimspell/lobbylink/internal/wire"
)

var _ lobbysvc.Client = (*Client)(nil)
var _ lobbysvc.Notifier = (*Client)(nil)

type Option func(*Config) error

type Config struct {
	Codec *wire.Codec
	// DialTimeout bounds the retries of Dial.
	DialTimeout time.Duration
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// MaxBuffered is the number of network messages held until FlushNetwork.
	// Unreliable messages beyond it are dropped.
	MaxBuffered int
	Logger      *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		Codec:        wire.DefaultCodec,
		DialTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Second,
		MaxBuffered:  256,
	}
}

func WithCodec(codec *wire.Codec) Option {
	return func(c *Config) error {
		if codec == nil {
			return errors.New("codec must not be nil")
		}
		c.Codec = codec
		return nil
	}
}

func WithDialTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		c.DialTimeout = timeout
		return nil
	}
}

func WithMaxBuffered(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("max buffered must be positive: %d", n)
		}
		c.MaxBuffered = n
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) error {
		c.Logger = logger
		return nil
	}
}

// frame is a decoded server frame waiting for RunCallbacks.
type frame struct {
	et       wire.EventType
	seq      uint64
	response wire.ResponseContent
	member   wire.MemberEvent
	deleted  wire.LobbyDeleteEvent
	relay    wire.Relay
}

type Client struct {
	config Config
	conn   *websocket.Conn
	user   lobbysvc.User
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	ready  chan struct{}

	mu       sync.Mutex
	inbound  *queue.Queue
	seq      uint64
	pending  map[uint64]func(wire.ResponseContent)
	handlers lobbysvc.Handlers
	readErr  error
	closed   bool

	// Local view of the joined lobbies, kept in sync by responses and
	// events as they are delivered.
	lobbies  map[int64]lobbysvc.Lobby
	members  map[int64]map[int64]map[string]string
	networks map[int64]map[uint8]bool
	outgoing []wire.Relay
}

// Dial connects to the lobby server at wsURL, retrying with an exponential
// backoff until DialTimeout elapses. A handshake rejected by the server is not
// retried. A user with ID 0 gets an id assigned by the server.
func Dial(ctx context.Context, wsURL string, user lobbysvc.User, opts ...Option) (*Client, error) {
	config := DefaultConfig()
	for _, fn := range opts {
		if err := fn(&config); err != nil {
			return nil, err
		}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	var (
		conn    *websocket.Conn
		welcome wire.User
	)
	operation := func() error {
		var err error
		conn, welcome, err = wire.Connect(ctx, wsURL, config.Codec, wire.User{UserID: user.ID, Username: user.Username})
		if errors.Is(err, wire.ErrRejected) {
			return backoff.Permanent(err)
		}
		return err
	}

	exponentialBackOff := backoff.NewExponentialBackOff()
	exponentialBackOff.MaxElapsedTime = config.DialTimeout

	err := backoff.RetryNotify(
		operation,
		backoff.WithContext(exponentialBackOff, ctx),
		func(err error, duration time.Duration) {
			config.Logger.Warn("Retrying connection to the lobby server",
				"duration", duration.String(),
				logging.Error(err))
		},
	)
	if err != nil {
		return nil, fmt.Errorf("could not connect to the lobby server: %w", err)
	}

	return newClient(conn, lobbysvc.User{ID: welcome.UserID, Username: welcome.Username}, config), nil
}

func newClient(conn *websocket.Conn, user lobbysvc.User, config Config) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config:   config,
		conn:     conn,
		user:     user,
		logger:   config.Logger.With(slog.String("component", "lobby-client"), logging.UserID(user.ID)),
		cancel:   cancel,
		done:     make(chan struct{}),
		ready:    make(chan struct{}, 1),
		inbound:  queue.New(),
		pending:  make(map[uint64]func(wire.ResponseContent)),
		lobbies:  make(map[int64]lobbysvc.Lobby),
		members:  make(map[int64]map[int64]map[string]string),
		networks: make(map[int64]map[uint8]bool),
	}
	go c.readLoop(ctx)
	return c
}

func (c *Client) User() lobbysvc.User { return c.user }

func (c *Client) Ready() <-chan struct{} { return c.ready }

func (c *Client) notify() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.done)

	for {
		_, payload, err := c.conn.Read(ctx)
		if err != nil {
			c.connectionLost(err)
			return
		}

		f, err := c.decode(payload)
		if err != nil {
			c.logger.Warn("Could not decode the message", "type", wire.ParseEventType(payload).String(), logging.Error(err))
			continue
		}

		c.mu.Lock()
		c.inbound.Add(f)
		c.mu.Unlock()
		c.notify()
	}
}

func (c *Client) decode(payload []byte) (frame, error) {
	codec := c.config.Codec
	f := frame{et: wire.ParseEventType(payload)}

	switch f.et {
	case wire.Response:
		_, m, err := wire.DecodeTyped[wire.ResponseContent](codec, payload)
		if err != nil {
			return f, err
		}
		f.seq, f.response = m.Seq, m.Content
	case wire.MemberConnect, wire.MemberDisconnect, wire.MemberUpdate:
		_, m, err := wire.DecodeTyped[wire.MemberEvent](codec, payload)
		if err != nil {
			return f, err
		}
		f.member = m.Content
	case wire.LobbyDelete:
		_, m, err := wire.DecodeTyped[wire.LobbyDeleteEvent](codec, payload)
		if err != nil {
			return f, err
		}
		f.deleted = m.Content
	case wire.NetworkMessage:
		_, m, err := wire.DecodeTyped[wire.Relay](codec, payload)
		if err != nil {
			return f, err
		}
		f.relay = m.Content
	default:
		return f, fmt.Errorf("unexpected event type %s", f.et)
	}
	return f, nil
}

// connectionLost fails the requests in flight and reports every joined lobby
// as deleted.
func (c *Client) connectionLost(err error) {
	c.mu.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	for _, seq := range slices.Sorted(maps.Keys(c.pending)) {
		c.inbound.Add(frame{et: wire.Response, seq: seq, response: wire.ResponseContent{Result: lobbysvc.ResultServiceUnavailable}})
	}
	for _, lobbyID := range slices.Sorted(maps.Keys(c.lobbies)) {
		c.inbound.Add(frame{et: wire.LobbyDelete, deleted: wire.LobbyDeleteEvent{LobbyID: lobbyID, Reason: lobbysvc.DeleteReasonConnectionLost}})
	}
	closed := c.closed
	c.mu.Unlock()

	if !closed {
		c.logger.Warn("Lost connection to the lobby server", logging.Error(err))
	}
	c.notify()
}

// Close disconnects from the lobby server. The server removes the user from
// every lobby and deletes the owned ones.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		c.logger.Debug("Could not close the websocket gracefully", logging.Error(err))
	}
	c.cancel()
	<-c.done
	return nil
}

func (c *Client) CurrentUserID() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, lobbysvc.ErrNotConnected
	}
	return c.user.ID, nil
}

func (c *Client) write(payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.WriteTimeout)
	defer cancel()
	return wire.Write(ctx, c.config.Codec, c.conn, payload)
}

// request sends a request frame. The callback runs from RunCallbacks once
// the response arrives, or with ResultServiceUnavailable when it cannot be
// sent.
func request[T any](c *Client, et wire.EventType, content T, cb func(wire.ResponseContent)) {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	failed := c.readErr != nil || c.closed
	if !failed {
		c.pending[seq] = cb
	}
	c.mu.Unlock()

	if failed {
		c.failRequest(seq, cb)
		return
	}

	payload, err := wire.ComposeTyped(c.config.Codec, et, seq, content)
	if err == nil {
		err = c.write(payload)
	}
	if err != nil {
		c.logger.Warn("Could not send the request", "type", et.String(), logging.Error(err))

		// A lost connection has already failed every pending request.
		c.mu.Lock()
		lost := c.readErr != nil
		if !lost {
			c.inbound.Add(frame{et: wire.Response, seq: seq, response: wire.ResponseContent{Result: lobbysvc.ResultServiceUnavailable}})
		}
		c.mu.Unlock()
		c.notify()
	}
}

func (c *Client) failRequest(seq uint64, cb func(wire.ResponseContent)) {
	c.mu.Lock()
	c.pending[seq] = cb
	c.inbound.Add(frame{et: wire.Response, seq: seq, response: wire.ResponseContent{Result: lobbysvc.ResultServiceUnavailable}})
	c.mu.Unlock()
	c.notify()
}

func (c *Client) GetUser(userID int64, cb func(lobbysvc.Result, lobbysvc.User)) {
	request(c, wire.GetUser, wire.GetUserRequest{UserID: userID}, func(resp wire.ResponseContent) {
		cb(resp.Result, resp.User)
	})
}

func (c *Client) CreateLobby(txn lobbysvc.LobbyTransaction, cb func(lobbysvc.Result, lobbysvc.Lobby)) {
	req := wire.CreateLobbyRequest{Type: txn.Type, Capacity: txn.Capacity, Metadata: txn.Metadata}
	request(c, wire.CreateLobby, req, func(resp wire.ResponseContent) {
		if resp.Result == lobbysvc.ResultOk {
			c.trackLobby(resp.Lobby, resp.Members)
		}
		cb(resp.Result, resp.Lobby)
	})
}

func (c *Client) ConnectLobbyWithActivitySecret(activitySecret string, cb func(lobbysvc.Result, lobbysvc.Lobby)) {
	request(c, wire.ConnectLobby, wire.ConnectLobbyRequest{ActivitySecret: activitySecret}, func(resp wire.ResponseContent) {
		if resp.Result == lobbysvc.ResultOk {
			c.trackLobby(resp.Lobby, resp.Members)
		}
		cb(resp.Result, resp.Lobby)
	})
}

func (c *Client) DisconnectLobby(lobbyID int64, cb func(lobbysvc.Result)) {
	c.dropNetwork(lobbyID)
	request(c, wire.DisconnectLobby, wire.LobbyRequest{LobbyID: lobbyID}, func(resp wire.ResponseContent) {
		if resp.Result == lobbysvc.ResultOk {
			c.forgetLobby(lobbyID)
		}
		cb(resp.Result)
	})
}

func (c *Client) DeleteLobby(lobbyID int64, cb func(lobbysvc.Result)) {
	request(c, wire.DeleteLobby, wire.LobbyRequest{LobbyID: lobbyID}, func(resp wire.ResponseContent) {
		if resp.Result == lobbysvc.ResultOk {
			c.forgetLobby(lobbyID)
		}
		cb(resp.Result)
	})
}

func (c *Client) UpdateMember(lobbyID, userID int64, txn lobbysvc.MemberTransaction, cb func(lobbysvc.Result)) {
	req := wire.UpdateMemberRequest{LobbyID: lobbyID, UserID: userID, Metadata: txn.Metadata}
	request(c, wire.UpdateMember, req, func(resp wire.ResponseContent) {
		cb(resp.Result)
	})
}

func (c *Client) GetMemberMetadataValue(lobbyID, userID int64, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	members, ok := c.members[lobbyID]
	if !ok {
		return "", lobbysvc.ErrUnknownLobby
	}
	md, ok := members[userID]
	if !ok {
		return "", lobbysvc.ErrUnknownMember
	}
	value, ok := md[key]
	if !ok {
		return "", lobbysvc.ErrUnknownKey
	}
	return value, nil
}

func (c *Client) GetLobbyActivitySecret(lobbyID int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lobby, ok := c.lobbies[lobbyID]
	if !ok {
		return "", lobbysvc.ErrUnknownLobby
	}
	return lobby.ActivitySecret(), nil
}

func (c *Client) trackLobby(lobby lobbysvc.Lobby, members map[int64]map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lobbies[lobby.ID] = lobby
	if members == nil {
		members = make(map[int64]map[string]string)
	}
	for id, md := range members {
		if md == nil {
			members[id] = make(map[string]string)
		}
	}
	c.members[lobby.ID] = members
}

func (c *Client) forgetLobby(lobbyID int64) {
	c.mu.Lock()
	delete(c.lobbies, lobbyID)
	delete(c.members, lobbyID)
	delete(c.networks, lobbyID)
	c.mu.Unlock()
}

func (c *Client) ConnectNetwork(lobbyID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.lobbies[lobbyID]; !ok {
		return lobbysvc.ErrUnknownLobby
	}
	if _, ok := c.networks[lobbyID]; !ok {
		c.networks[lobbyID] = make(map[uint8]bool)
	}
	return nil
}

func (c *Client) DisconnectNetwork(lobbyID int64) error {
	c.dropNetwork(lobbyID)
	return nil
}

func (c *Client) dropNetwork(lobbyID int64) {
	c.mu.Lock()
	delete(c.networks, lobbyID)
	c.outgoing = slices.DeleteFunc(c.outgoing, func(msg wire.Relay) bool { return msg.LobbyID == lobbyID })
	c.mu.Unlock()
}

func (c *Client) OpenNetworkChannel(lobbyID int64, channel uint8, reliable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	channels, ok := c.networks[lobbyID]
	if !ok {
		return lobbysvc.ErrNetworkClosed
	}
	channels[channel] = reliable
	return nil
}

func (c *Client) SendNetworkMessage(lobbyID, userID int64, channel uint8, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	channels, ok := c.networks[lobbyID]
	if !ok {
		return lobbysvc.ErrNetworkClosed
	}
	reliable, open := channels[channel]
	if !open {
		return lobbysvc.ErrChannelNotOpen
	}
	if _, member := c.members[lobbyID][userID]; !member {
		return lobbysvc.ErrUnknownMember
	}

	if !reliable && len(c.outgoing) >= c.config.MaxBuffered {
		c.logger.Debug("Dropping unreliable message, the buffer is full", logging.LobbyID(lobbyID), logging.UserID(userID))
		return nil
	}
	c.outgoing = append(c.outgoing, wire.Relay{
		LobbyID: lobbyID,
		To:      userID,
		Channel: channel,
		Data:    slices.Clone(data),
	})
	return nil
}

func (c *Client) FlushNetwork() error {
	c.mu.Lock()
	out := c.outgoing
	c.outgoing = nil
	c.mu.Unlock()

	for i, msg := range out {
		payload, err := wire.ComposeTyped(c.config.Codec, wire.NetworkMessage, 0, msg)
		if err == nil {
			err = c.write(payload)
		}
		if err != nil {
			return fmt.Errorf("could not flush network messages, %d dropped: %w", len(out)-i, err)
		}
	}
	return nil
}

// Pending returns the number of frames waiting for RunCallbacks.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inbound.Length()
}

func (c *Client) RunCallbacks() error {
	for {
		c.mu.Lock()
		if c.inbound.Length() == 0 {
			err := c.readErr
			closed := c.closed
			c.mu.Unlock()

			switch {
			case err != nil && !closed:
				return fmt.Errorf("%w: %w", lobbysvc.ErrNotConnected, err)
			case err != nil || closed:
				return lobbysvc.ErrNotConnected
			}
			return nil
		}
		f := c.inbound.Remove().(frame)
		handlers := c.handlers
		c.mu.Unlock()

		c.dispatch(f, handlers)
	}
}

func (c *Client) dispatch(f frame, h lobbysvc.Handlers) {
	switch f.et {
	case wire.Response:
		c.mu.Lock()
		cb, ok := c.pending[f.seq]
		delete(c.pending, f.seq)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("Dropping response to an unknown request", "seq", f.seq)
			return
		}
		cb(f.response)

	case wire.MemberConnect:
		ev := f.member
		c.mu.Lock()
		if members, ok := c.members[ev.LobbyID]; ok {
			if _, known := members[ev.UserID]; !known {
				members[ev.UserID] = make(map[string]string)
			}
		}
		c.mu.Unlock()
		if h.OnMemberConnect != nil {
			h.OnMemberConnect(ev.LobbyID, ev.UserID)
		}

	case wire.MemberDisconnect:
		ev := f.member
		c.mu.Lock()
		delete(c.members[ev.LobbyID], ev.UserID)
		c.mu.Unlock()
		if h.OnMemberDisconnect != nil {
			h.OnMemberDisconnect(ev.LobbyID, ev.UserID)
		}

	case wire.MemberUpdate:
		ev := f.member
		c.mu.Lock()
		if members, ok := c.members[ev.LobbyID]; ok {
			md := maps.Clone(ev.Metadata)
			if md == nil {
				md = make(map[string]string)
			}
			members[ev.UserID] = md
		}
		c.mu.Unlock()
		if h.OnMemberUpdate != nil {
			h.OnMemberUpdate(ev.LobbyID, ev.UserID)
		}

	case wire.LobbyDelete:
		ev := f.deleted
		c.mu.Lock()
		_, known := c.lobbies[ev.LobbyID]
		c.mu.Unlock()
		if !known {
			return
		}
		c.forgetLobby(ev.LobbyID)
		if h.OnLobbyDelete != nil {
			h.OnLobbyDelete(ev.LobbyID, ev.Reason)
		}

	case wire.NetworkMessage:
		ev := f.relay
		c.mu.Lock()
		_, open := c.networks[ev.LobbyID]
		c.mu.Unlock()
		if !open {
			return
		}
		if h.OnNetworkMessage != nil {
			h.OnNetworkMessage(ev.LobbyID, ev.From, ev.Channel, ev.Data)
		}
	}
}

func (c *Client) SetHandlers(h lobbysvc.Handlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}
