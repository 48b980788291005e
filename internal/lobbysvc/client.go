package lobbysvc

// Client is the SDK-shaped surface of the lobby service. Every callback and
// every Handlers function is invoked from inside RunCallbacks, on the
// goroutine that calls it.
type Client interface {
	// CurrentUserID returns the member id of the local user.
	CurrentUserID() (int64, error)
	GetUser(userID int64, cb func(Result, User))

	CreateLobby(txn LobbyTransaction, cb func(Result, Lobby))
	ConnectLobbyWithActivitySecret(activitySecret string, cb func(Result, Lobby))
	DisconnectLobby(lobbyID int64, cb func(Result))
	DeleteLobby(lobbyID int64, cb func(Result))

	UpdateMember(lobbyID, userID int64, txn MemberTransaction, cb func(Result))
	GetMemberMetadataValue(lobbyID, userID int64, key string) (string, error)
	GetLobbyActivitySecret(lobbyID int64) (string, error)

	ConnectNetwork(lobbyID int64) error
	DisconnectNetwork(lobbyID int64) error
	OpenNetworkChannel(lobbyID int64, channel uint8, reliable bool) error
	SendNetworkMessage(lobbyID, userID int64, channel uint8, data []byte) error
	// FlushNetwork pushes the buffered outgoing network messages.
	FlushNetwork() error

	// RunCallbacks drains the pending callbacks and events.
	RunCallbacks() error
	SetHandlers(h Handlers)
}

// Notifier is implemented by clients able to signal that RunCallbacks has
// work to do, so that a waiting caller does not need to poll blindly.
type Notifier interface {
	Ready() <-chan struct{}
}
