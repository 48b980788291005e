// Package lobbysvc describes the remote lobby service consumed by the
// transport: lobbies guarded by a join secret, member metadata and relayed
// network messages between members.
//
// The service is callback driven. Requests complete through callbacks and
// remote events are delivered through Handlers, but neither fires until the
// owner of the client pumps it with RunCallbacks.
package lobbysvc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type LobbyType uint8

const (
	LobbyPrivate LobbyType = iota + 1
	LobbyPublic
)

func (t LobbyType) String() string {
	switch t {
	case LobbyPrivate:
		return "private"
	case LobbyPublic:
		return "public"
	default:
		return "unknown"
	}
}

// ParseLobbyType accepts the names returned by LobbyType.String.
func ParseLobbyType(s string) (LobbyType, error) {
	switch strings.ToLower(s) {
	case "private":
		return LobbyPrivate, nil
	case "public":
		return LobbyPublic, nil
	default:
		return 0, fmt.Errorf("unknown lobby type: %q", s)
	}
}

// Lobby is a snapshot of a lobby as seen by a member. The zero value, with
// ID equal to 0, means "no lobby".
type Lobby struct {
	ID       int64     `json:"id" cbor:"1,keyasint"`
	OwnerID  int64     `json:"ownerId" cbor:"2,keyasint"`
	Secret   string    `json:"secret" cbor:"3,keyasint"`
	Capacity uint32    `json:"capacity" cbor:"4,keyasint"`
	Type     LobbyType `json:"type" cbor:"5,keyasint"`
	Locked   bool      `json:"locked,omitempty" cbor:"6,keyasint,omitempty"`
}

// ActivitySecret returns the "<lobbyId>:<secret>" form used to join a lobby.
func (l Lobby) ActivitySecret() string {
	return FormatActivitySecret(l.ID, l.Secret)
}

func FormatActivitySecret(lobbyID int64, secret string) string {
	return strconv.FormatInt(lobbyID, 10) + ":" + secret
}

// SplitActivitySecret is the inverse of FormatActivitySecret.
func SplitActivitySecret(activitySecret string) (lobbyID int64, secret string, err error) {
	id, secret, ok := strings.Cut(activitySecret, ":")
	if !ok {
		return 0, "", ErrInvalidSecret
	}
	lobbyID, err = strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, "", ErrInvalidSecret
	}
	return lobbyID, secret, nil
}

type User struct {
	ID       int64  `json:"id" cbor:"1,keyasint"`
	Username string `json:"username" cbor:"2,keyasint"`
}

// LobbyTransaction carries the parameters of a lobby creation.
type LobbyTransaction struct {
	Type     LobbyType
	Capacity uint32
	Metadata map[string]string
}

// MemberTransaction carries the metadata changes of a member update.
type MemberTransaction struct {
	Metadata map[string]string
}

func (txn *MemberTransaction) SetMetadata(key, value string) {
	if txn.Metadata == nil {
		txn.Metadata = make(map[string]string)
	}
	txn.Metadata[key] = value
}

// Handlers receive the remote lifecycle notifications. A nil field ignores
// the event.
type Handlers struct {
	OnMemberConnect    func(lobbyID, userID int64)
	OnMemberDisconnect func(lobbyID, userID int64)
	OnMemberUpdate     func(lobbyID, userID int64)
	OnLobbyDelete      func(lobbyID int64, reason uint32)
	OnNetworkMessage   func(lobbyID, userID int64, channel uint8, data []byte)
}

// Reasons of a lobby deletion.
const (
	DeleteReasonOwnerRequest uint32 = iota
	DeleteReasonOwnerLeft
	// DeleteReasonConnectionLost is reported locally by clients that lost
	// their connection to the service.
	DeleteReasonConnectionLost
)

var (
	ErrNotConnected   = errors.New("not connected to the lobby service")
	ErrUnknownLobby   = errors.New("unknown lobby")
	ErrUnknownMember  = errors.New("unknown lobby member")
	ErrUnknownKey     = errors.New("unknown metadata key")
	ErrChannelNotOpen = errors.New("network channel is not open")
	ErrNetworkClosed  = errors.New("lobby network is not connected")
	ErrInvalidSecret  = errors.New("invalid activity secret")
)
