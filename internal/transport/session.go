package transport

import (
	"github.com/dimspell/lobbylink/internal/address"
	"github.com/dimspell/lobbylink/internal/lobbysvc"
)

// Session is the single active lobby of a process, with the role the local
// member plays in it.
type Session struct {
	Lobby lobbysvc.Lobby

	hosting bool
	client  bool
}

// Set makes lobby the active session. The local member hosts it when it is
// the owner and is a client otherwise.
func (s *Session) Set(lobby lobbysvc.Lobby, self int64) {
	s.Lobby = lobby
	s.hosting = lobby.ID != 0 && lobby.OwnerID == self
	s.client = lobby.ID != 0 && !s.hosting
}

func (s *Session) Clear() { *s = Session{} }

func (s *Session) Active() bool { return s.Lobby.ID != 0 }

func (s *Session) IsHosting() bool { return s.Active() && s.hosting }

func (s *Session) IsClient() bool { return s.Active() && s.client }

func (s *Session) Address() address.Address {
	return address.Address{LobbyID: s.Lobby.ID, Secret: s.Lobby.Secret}
}
