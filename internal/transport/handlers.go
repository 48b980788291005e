package transport

import (
	"fmt"

	"github.com/dimspell/lobbylink/internal/app/logger/logging"
)

func (t *Transport) onMemberConnect(lobbyID, userID int64) {
	if t.session.IsHosting() && lobbyID == t.session.Lobby.ID {
		if userID == t.selfID {
			return
		}
		if connID, err := t.clients.LookupByRemote(userID); err == nil {
			t.logger.Warn("Member connected twice", logging.UserID(userID), logging.ConnID(connID))
			return
		}

		connID := t.nextConnID
		if err := t.clients.Add(userID, connID); err != nil {
			t.logger.Error("Could not register member", logging.UserID(userID), logging.Error(err))
			return
		}
		t.nextConnID++
		t.logger.Info("Client connected", logging.UserID(userID), logging.ConnID(connID))
		t.sink.Emit(PeerConnected{ConnID: connID})
		return
	}

	if userID != t.selfID {
		return
	}
	if lobbyID == t.session.Lobby.ID || (t.connecting && lobbyID == t.targetLobbyID) {
		t.raiseConnected()
	}
}

func (t *Transport) onMemberDisconnect(lobbyID, userID int64) {
	if !t.session.Active() || lobbyID != t.session.Lobby.ID {
		return
	}

	if t.session.IsHosting() {
		connID, err := t.clients.LookupByRemote(userID)
		if err != nil {
			return
		}
		t.logger.Info("Client disconnected", logging.UserID(userID), logging.ConnID(connID))
		t.sink.Emit(PeerDisconnected{ConnID: connID})
		t.clients.RemoveByRemote(userID)
		delete(t.kicks, connID)
		return
	}

	if userID == t.session.Lobby.OwnerID {
		t.dropClient("host left the lobby")
	}
}

func (t *Transport) onMemberUpdate(lobbyID, userID int64) {
	if !t.session.IsClient() || lobbyID != t.session.Lobby.ID || userID != t.selfID {
		return
	}
	kicked, err := t.client.GetMemberMetadataValue(lobbyID, userID, KickedKey)
	if err != nil || kicked != "true" {
		return
	}
	t.dropClient("kicked by the host")
}

func (t *Transport) onLobbyDelete(lobbyID int64, reason uint32) {
	if !t.session.Active() || lobbyID != t.session.Lobby.ID {
		return
	}

	if t.session.IsHosting() {
		t.logger.Warn("Hosted lobby deleted by the lobby service", logging.LobbyID(lobbyID), "reason", reason)
		for _, connID := range t.clients.LocalIDs() {
			t.sink.Emit(PeerDisconnected{ConnID: connID})
		}
		t.resetHost()
		return
	}

	t.logger.Info("Lobby deleted", logging.LobbyID(lobbyID), "reason", reason)
	if err := t.client.DisconnectNetwork(lobbyID); err != nil {
		t.logger.Debug("Could not disconnect from lobby network", logging.LobbyID(lobbyID), logging.Error(err))
	}
	t.session.Clear()
	t.endClientSession()
}

func (t *Transport) onNetworkMessage(lobbyID, userID int64, channel uint8, data []byte) {
	if !t.session.Active() || lobbyID != t.session.Lobby.ID {
		return
	}

	if t.session.IsHosting() {
		connID, err := t.clients.LookupByRemote(userID)
		if err != nil {
			t.raiseError(SideServer, 0, ErrorInvalidReceive, "Message from an unknown member",
				fmt.Errorf("member %d: %w", userID, err))
			return
		}
		t.sink.Emit(DataReceived{Side: SideServer, ConnID: connID, Channel: channel, Data: data})
		return
	}

	if userID != t.session.Lobby.OwnerID {
		t.logger.Debug("Ignoring message from a member other than the host", logging.UserID(userID), logging.Channel(channel))
		return
	}
	t.sink.Emit(DataReceived{Side: SideClient, Channel: channel, Data: data})
}
