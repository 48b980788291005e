package wire

import (
	"github.com/dimspell/lobbylink/internal/lobbysvc"
)

// MessageContent is the body of every frame. Seq pairs a request with its
// response and is 0 on events.
type MessageContent[T any] struct {
	Seq     uint64    `json:"seq,omitempty" cbor:"1,keyasint,omitempty"`
	Type    EventType `json:"type" cbor:"2,keyasint"`
	Content T         `json:"content" cbor:"3,keyasint"`
}

type User struct {
	UserID   int64  `json:"userID" cbor:"1,keyasint"`
	Username string `json:"username" cbor:"2,keyasint"`
	Version  string `json:"version,omitempty" cbor:"3,keyasint,omitempty"`
}

type GetUserRequest struct {
	UserID int64 `json:"userID" cbor:"1,keyasint"`
}

type CreateLobbyRequest struct {
	Type     lobbysvc.LobbyType `json:"type" cbor:"1,keyasint"`
	Capacity uint32             `json:"capacity" cbor:"2,keyasint"`
	Metadata map[string]string  `json:"metadata,omitempty" cbor:"3,keyasint,omitempty"`
}

type ConnectLobbyRequest struct {
	ActivitySecret string `json:"activitySecret" cbor:"1,keyasint"`
}

// LobbyRequest addresses a lobby, used to leave or delete it.
type LobbyRequest struct {
	LobbyID int64 `json:"lobbyID" cbor:"1,keyasint"`
}

type UpdateMemberRequest struct {
	LobbyID  int64             `json:"lobbyID" cbor:"1,keyasint"`
	UserID   int64             `json:"userID" cbor:"2,keyasint"`
	Metadata map[string]string `json:"metadata" cbor:"3,keyasint"`
}

type ResponseContent struct {
	Result lobbysvc.Result `json:"result" cbor:"1,keyasint"`
	Lobby  lobbysvc.Lobby  `json:"lobby,omitzero" cbor:"2,keyasint,omitempty"`
	User   lobbysvc.User   `json:"user,omitzero" cbor:"3,keyasint,omitempty"`
	// Members holds the metadata of every member of the joined lobby.
	Members map[int64]map[string]string `json:"members,omitempty" cbor:"4,keyasint,omitempty"`
}

type MemberEvent struct {
	LobbyID  int64             `json:"lobbyID" cbor:"1,keyasint"`
	UserID   int64             `json:"userID" cbor:"2,keyasint"`
	Metadata map[string]string `json:"metadata,omitempty" cbor:"3,keyasint,omitempty"`
}

type LobbyDeleteEvent struct {
	LobbyID int64  `json:"lobbyID" cbor:"1,keyasint"`
	Reason  uint32 `json:"reason" cbor:"2,keyasint"`
}

// Relay carries a network message between two members of a lobby. From is
// set by the server.
type Relay struct {
	LobbyID int64  `json:"lobbyID" cbor:"1,keyasint"`
	From    int64  `json:"from,omitempty" cbor:"2,keyasint,omitempty"`
	To      int64  `json:"to" cbor:"3,keyasint"`
	Channel uint8  `json:"channel" cbor:"4,keyasint"`
	Data    []byte `json:"data" cbor:"5,keyasint"`
}
