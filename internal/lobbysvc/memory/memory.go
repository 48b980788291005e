// Package memory is an in-process lobby service. Clients of the same Hub
// share one lobby registry, and every callback or event is queued on the
// receiving client until it calls RunCallbacks.
package memory

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/dimspell/lobbylink/internal/app/logger/logging"
	"github.com/dimspell/lobbylink/internal/lobbysvc"
)

type Hub struct {
	registry *lobbysvc.Registry
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[int64]*Client
}

func NewHub() *Hub {
	return &Hub{
		registry: lobbysvc.NewRegistry(),
		logger:   slog.With(slog.String("component", "memory-hub")),
		clients:  make(map[int64]*Client),
	}
}

func (h *Hub) Registry() *lobbysvc.Registry { return h.registry }

// NewClient connects a user to the hub. A second client of the same user
// replaces the first one.
func (h *Hub) NewClient(user lobbysvc.User) *Client {
	c := &Client{
		hub:      h,
		user:     user,
		ready:    make(chan struct{}, 1),
		networks: make(map[int64]map[uint8]bool),
	}

	h.mu.Lock()
	h.clients[user.ID] = c
	h.mu.Unlock()
	return c
}

func (h *Hub) client(userID int64) (*Client, bool) {
	h.mu.RLock()
	c, ok := h.clients[userID]
	h.mu.RUnlock()
	return c, ok
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if h.clients[c.user.ID] == c {
		delete(h.clients, c.user.ID)
	}
	h.mu.Unlock()
}

func (h *Hub) deliver(notices []lobbysvc.Notice) {
	for _, n := range notices {
		c, ok := h.client(n.To)
		if !ok {
			h.logger.Debug("Dropping notice for a user without a client", logging.UserID(n.To), "kind", n.Kind.String())
			continue
		}
		c.enqueue(c.noticeFunc(n))
	}
}

type outgoing struct {
	lobbyID int64
	to      int64
	channel uint8
	data    []byte
}

var _ lobbysvc.Client = (*Client)(nil)
var _ lobbysvc.Notifier = (*Client)(nil)

type Client struct {
	hub  *Hub
	user lobbysvc.User

	mu       sync.Mutex
	pending  []func()
	held     bool
	closed   bool
	handlers lobbysvc.Handlers
	// key: lobbyID, value: channel => reliable
	networks map[int64]map[uint8]bool
	outgoing []outgoing

	ready chan struct{}
}

func (c *Client) enqueue(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.pending = append(c.pending, fn)
	c.mu.Unlock()

	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func (c *Client) noticeFunc(n lobbysvc.Notice) func() {
	return func() {
		h := c.currentHandlers()
		switch n.Kind {
		case lobbysvc.EventMemberConnect:
			if h.OnMemberConnect != nil {
				h.OnMemberConnect(n.LobbyID, n.UserID)
			}
		case lobbysvc.EventMemberDisconnect:
			if h.OnMemberDisconnect != nil {
				h.OnMemberDisconnect(n.LobbyID, n.UserID)
			}
		case lobbysvc.EventMemberUpdate:
			if h.OnMemberUpdate != nil {
				h.OnMemberUpdate(n.LobbyID, n.UserID)
			}
		case lobbysvc.EventLobbyDelete:
			c.dropNetwork(n.LobbyID)
			if h.OnLobbyDelete != nil {
				h.OnLobbyDelete(n.LobbyID, n.Reason)
			}
		}
	}
}

func (c *Client) currentHandlers() lobbysvc.Handlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers
}

// Hold stops delivering callbacks and events until Release is called,
// imitating a stalled service.
func (c *Client) Hold() {
	c.mu.Lock()
	c.held = true
	c.mu.Unlock()
}

func (c *Client) Release() {
	c.mu.Lock()
	c.held = false
	c.mu.Unlock()

	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued callbacks and events.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close disconnects the user from the hub, leaving every lobby and deleting
// the owned ones.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.pending = nil
	c.mu.Unlock()

	c.hub.remove(c)
	c.hub.deliver(c.hub.registry.Drop(c.user.ID))
	return nil
}

func (c *Client) Ready() <-chan struct{} { return c.ready }

func (c *Client) CurrentUserID() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, lobbysvc.ErrNotConnected
	}
	return c.user.ID, nil
}

func (c *Client) GetUser(userID int64, cb func(lobbysvc.Result, lobbysvc.User)) {
	other, ok := c.hub.client(userID)
	c.enqueue(func() {
		if !ok {
			cb(lobbysvc.ResultNotFound, lobbysvc.User{})
			return
		}
		cb(lobbysvc.ResultOk, other.user)
	})
}

func (c *Client) CreateLobby(txn lobbysvc.LobbyTransaction, cb func(lobbysvc.Result, lobbysvc.Lobby)) {
	lobby, res := c.hub.registry.Create(c.user.ID, txn)
	c.enqueue(func() { cb(res, lobby) })
}

func (c *Client) ConnectLobbyWithActivitySecret(activitySecret string, cb func(lobbysvc.Result, lobbysvc.Lobby)) {
	lobby, notices, res := c.hub.registry.Connect(c.user.ID, activitySecret)
	c.enqueue(func() { cb(res, lobby) })
	c.hub.deliver(notices)
}

func (c *Client) DisconnectLobby(lobbyID int64, cb func(lobbysvc.Result)) {
	notices, res := c.hub.registry.Disconnect(lobbyID, c.user.ID)
	if res == lobbysvc.ResultOk {
		c.dropNetwork(lobbyID)
	}
	c.enqueue(func() { cb(res) })
	c.hub.deliver(notices)
}

func (c *Client) DeleteLobby(lobbyID int64, cb func(lobbysvc.Result)) {
	notices, res := c.hub.registry.Delete(lobbyID, c.user.ID)
	if res == lobbysvc.ResultOk {
		c.dropNetwork(lobbyID)
	}
	c.enqueue(func() { cb(res) })
	c.hub.deliver(notices)
}

func (c *Client) UpdateMember(lobbyID, userID int64, txn lobbysvc.MemberTransaction, cb func(lobbysvc.Result)) {
	notices, res := c.hub.registry.UpdateMember(lobbyID, c.user.ID, userID, txn.Metadata)
	c.enqueue(func() { cb(res) })
	c.hub.deliver(notices)
}

func (c *Client) GetMemberMetadataValue(lobbyID, userID int64, key string) (string, error) {
	members := c.hub.registry.Metadata(lobbyID)
	if members == nil {
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
	lobby, ok := c.hub.registry.Lobby(lobbyID)
	if !ok {
		return "", lobbysvc.ErrUnknownLobby
	}
	return lobby.ActivitySecret(), nil
}

func (c *Client) ConnectNetwork(lobbyID int64) error {
	if !slices.Contains(c.hub.registry.Members(lobbyID), c.user.ID) {
		return lobbysvc.ErrUnknownLobby
	}
	c.mu.Lock()
	defer c.mu.Unlock()
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
	channels, ok := c.networks[lobbyID]
	if !ok {
		c.mu.Unlock()
		return lobbysvc.ErrNetworkClosed
	}
	if _, open := channels[channel]; !open {
		c.mu.Unlock()
		return lobbysvc.ErrChannelNotOpen
	}
	c.mu.Unlock()

	if res := c.hub.registry.Route(lobbyID, c.user.ID, userID); res != lobbysvc.ResultOk {
		return lobbysvc.ErrUnknownMember
	}

	c.mu.Lock()
	c.outgoing = append(c.outgoing, outgoing{lobbyID: lobbyID, to: userID, channel: channel, data: slices.Clone(data)})
	c.mu.Unlock()
	return nil
}

func (c *Client) FlushNetwork() error {
	c.mu.Lock()
	out := c.outgoing
	c.outgoing = nil
	c.mu.Unlock()

	for _, msg := range out {
		if res := c.hub.registry.Route(msg.lobbyID, c.user.ID, msg.to); res != lobbysvc.ResultOk {
			c.hub.logger.Debug("Dropping network message", logging.LobbyID(msg.lobbyID), logging.UserID(msg.to), "result", res.String())
			continue
		}
		target, ok := c.hub.client(msg.to)
		if !ok {
			continue
		}
		from := c.user.ID
		target.enqueue(func() {
			if !target.networkOpen(msg.lobbyID) {
				return
			}
			if h := target.currentHandlers(); h.OnNetworkMessage != nil {
				h.OnNetworkMessage(msg.lobbyID, from, msg.channel, msg.data)
			}
		})
	}
	return nil
}

func (c *Client) networkOpen(lobbyID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.networks[lobbyID]
	return ok
}

func (c *Client) RunCallbacks() error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return lobbysvc.ErrNotConnected
		}
		if c.held || len(c.pending) == 0 {
			c.mu.Unlock()
			return nil
		}
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
	}
}

func (c *Client) SetHandlers(h lobbysvc.Handlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}
