package wire

type EventType uint8

const (
	_ EventType = iota
	Hello
	Welcome
	GetUser
	CreateLobby
	ConnectLobby
	DisconnectLobby
	DeleteLobby
	UpdateMember
	Response
	MemberConnect
	MemberDisconnect
	MemberUpdate
	LobbyDelete
	NetworkMessage
)

func (e EventType) String() string {
	switch e {
	case Hello:
		return "Hello"
	case Welcome:
		return "Welcome"
	case GetUser:
		return "GetUser"
	case CreateLobby:
		return "CreateLobby"
	case ConnectLobby:
		return "ConnectLobby"
	case DisconnectLobby:
		return "DisconnectLobby"
	case DeleteLobby:
		return "DeleteLobby"
	case UpdateMember:
		return "UpdateMember"
	case Response:
		return "Response"
	case MemberConnect:
		return "MemberConnect"
	case MemberDisconnect:
		return "MemberDisconnect"
	case MemberUpdate:
		return "MemberUpdate"
	case LobbyDelete:
		return "LobbyDelete"
	case NetworkMessage:
		return "NetworkMessage"
	default:
		return "Unknown"
	}
}

// IsRequest reports whether a client expects a Response to the event.
func (e EventType) IsRequest() bool {
	return e >= GetUser && e <= UpdateMember
}
