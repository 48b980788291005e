package lobbyserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/dimspell/lobbylink/internal/app/logger/logging"
	"github.com/dimspell/lobbylink/internal/lobbysvc"
	"github.com/dimspell/lobbylink/internal/metrics"
	"github.com/dimspell/lobbylink/internal/wire"
)

const firstUserID = 1_000_000

var errUserConnected = errors.New("user is already connected")

func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	version := r.Header.Get("X-Version")
	if version != wire.ProtoVersion {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wire.SupportedRealm, wire.SupportedRealmJSON},
	})
	if err != nil {
		metrics.ConnectionErrs.Inc()
		s.logger.Error("Could not accept the connection", logging.Error(err), "origin", r.Header.Get("Origin"))
		return
	}
	defer conn.CloseNow()

	codec, err := wire.CodecFor(conn.Subprotocol())
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "client must speak the right subprotocol")
		return
	}
	conn.SetReadLimit(s.Config.ReadLimit)

	session := NewUserSession(conn, codec, s.newLimiter())
	if err := s.HandleSession(r.Context(), session); err != nil {
		switch {
		case errors.Is(err, errUserConnected):
			_ = conn.Close(websocket.StatusPolicyViolation, err.Error())
		case errors.Is(err, context.Canceled):
		default:
			_ = conn.Close(websocket.StatusUnsupportedData, "invalid message")
		}
	}
}

func (s *Server) newLimiter() *rate.Limiter {
	if s.Config.RelayRate == 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(s.Config.RelayRate), max(s.Config.RelayBurst, 1))
}

func (s *Server) HandleSession(ctx context.Context, session *UserSession) error {
	// Expect the "hello" and send back "welcome" message.
	if err := s.HandleHello(ctx, session); err != nil {
		return err
	}

	metrics.ActiveSessions.Inc()
	metrics.TotalSessions.Inc()
	s.logger.Info("User connected", logging.UserID(session.UserID), "username", session.Username, "codec", session.codec.Name)

	defer s.SetUserDisconnected(session)

	// Handle all the incoming messages.
	for {
		payload, err := session.ReadNext(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}

			switch state := websocket.CloseStatus(err); state {
			case -1:
				// connection reset by peer
				metrics.WebSocketDisconnects.WithLabelValues("reset").Inc()
				return nil
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				metrics.WebSocketDisconnects.WithLabelValues("closed").Inc()
				return nil
			default:
				metrics.WebSocketDisconnects.WithLabelValues(strconv.Itoa(int(state))).Inc()
				s.logger.Warn("Could not read the message", logging.UserID(session.UserID), logging.Error(err))
				return nil
			}
		}

		if err := s.HandleIncomingMessage(ctx, session, payload); err != nil {
			metrics.InvalidPayloads.Inc()
			s.logger.Error("Could not handle the message", logging.UserID(session.UserID), logging.Error(err))
			return err
		}
	}
}

func (s *Server) HandleHello(ctx context.Context, session *UserSession) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	payload, err := session.ReadNext(ctx)
	if err != nil {
		return err
	}
	et, m, err := wire.DecodeTyped[wire.User](session.codec, payload)
	if err != nil {
		return err
	}
	if et != wire.Hello {
		return fmt.Errorf("expected hello, got %s", et)
	}

	user := m.Content
	if user.UserID == 0 {
		user.UserID = s.nextUserID.Add(1)
	}
	if user.Username == "" {
		user.Username = "user-" + strconv.FormatInt(user.UserID, 10)
	}
	session.UserID = user.UserID
	session.Username = user.Username

	if !s.addUserSession(session) {
		return fmt.Errorf("%w: %d", errUserConnected, user.UserID)
	}

	user.Version = s.Config.Version
	SendTyped(ctx, session, wire.Welcome, 0, user)
	return nil
}

// SetUserDisconnected removes the user from every lobby, deleting the lobbies
// it owned.
func (s *Server) SetUserDisconnected(session *UserSession) {
	s.deleteUserSession(session)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.deliver(ctx, s.Registry.Drop(session.UserID))

	metrics.ActiveSessions.Dec()
	metrics.ActiveLobbies.Set(float64(s.Registry.Len()))
	metrics.SessionDuration.Observe(time.Since(session.ConnectedAt).Seconds())
	s.logger.Info("User disconnected", logging.UserID(session.UserID))
}

// HandleIncomingMessage dispatches a frame based on its event type.
func (s *Server) HandleIncomingMessage(ctx context.Context, session *UserSession, payload []byte) error {
	et := wire.ParseEventType(payload)
	slog.Debug("Received a lobby message", "type", et.String(), "from", session.UserID)

	switch et {
	case wire.GetUser:
		seq, req, err := decodeRequest[wire.GetUserRequest](session, payload)
		if err != nil {
			return err
		}
		resp := wire.ResponseContent{Result: lobbysvc.ResultNotFound}
		if other, ok := s.GetUserSession(req.UserID); ok {
			resp.Result = lobbysvc.ResultOk
			resp.User = lobbysvc.User{ID: other.UserID, Username: other.Username}
		}
		s.respond(ctx, session, et, seq, resp)

	case wire.CreateLobby:
		seq, req, err := decodeRequest[wire.CreateLobbyRequest](session, payload)
		if err != nil {
			return err
		}
		lobby, res := s.Registry.Create(session.UserID, lobbysvc.LobbyTransaction{
			Type:     req.Type,
			Capacity: req.Capacity,
			Metadata: req.Metadata,
		})
		resp := wire.ResponseContent{Result: res, Lobby: lobby}
		if res == lobbysvc.ResultOk {
			resp.Members = s.Registry.Metadata(lobby.ID)
		}
		s.respond(ctx, session, et, seq, resp)
		metrics.ActiveLobbies.Set(float64(s.Registry.Len()))

	case wire.ConnectLobby:
		seq, req, err := decodeRequest[wire.ConnectLobbyRequest](session, payload)
		if err != nil {
			return err
		}
		lobby, notices, res := s.Registry.Connect(session.UserID, req.ActivitySecret)
		resp := wire.ResponseContent{Result: res, Lobby: lobby}
		if res == lobbysvc.ResultOk {
			resp.Members = s.Registry.Metadata(lobby.ID)
		}
		s.respond(ctx, session, et, seq, resp)
		s.deliver(ctx, notices)

	case wire.DisconnectLobby:
		seq, req, err := decodeRequest[wire.LobbyRequest](session, payload)
		if err != nil {
			return err
		}
		notices, res := s.Registry.Disconnect(req.LobbyID, session.UserID)
		s.respond(ctx, session, et, seq, wire.ResponseContent{Result: res})
		s.deliver(ctx, notices)

	case wire.DeleteLobby:
		seq, req, err := decodeRequest[wire.LobbyRequest](session, payload)
		if err != nil {
			return err
		}
		notices, res := s.Registry.Delete(req.LobbyID, session.UserID)
		s.respond(ctx, session, et, seq, wire.ResponseContent{Result: res})
		s.deliver(ctx, notices)
		metrics.ActiveLobbies.Set(float64(s.Registry.Len()))

	case wire.UpdateMember:
		seq, req, err := decodeRequest[wire.UpdateMemberRequest](session, payload)
		if err != nil {
			return err
		}
		notices, res := s.Registry.UpdateMember(req.LobbyID, session.UserID, req.UserID, req.Metadata)
		s.respond(ctx, session, et, seq, wire.ResponseContent{Result: res})
		s.deliver(ctx, notices)

	case wire.NetworkMessage:
		_, m, err := wire.DecodeTyped[wire.Relay](session.codec, payload)
		if err != nil {
			return err
		}
		s.relay(ctx, session, m.Content)

	default:
		// Do nothing but log the event type
		s.logger.Warn("Unhandled event type", "type", et.String(), logging.UserID(session.UserID))
		metrics.InvalidPayloads.Inc()
	}
	return nil
}

func decodeRequest[T any](session *UserSession, payload []byte) (uint64, T, error) {
	_, m, err := wire.DecodeTyped[T](session.codec, payload)
	if err != nil {
		var zero T
		return 0, zero, fmt.Errorf("could not decode %s: %w", wire.ParseEventType(payload), err)
	}
	return m.Seq, m.Content, nil
}

func (s *Server) respond(ctx context.Context, session *UserSession, et wire.EventType, seq uint64, resp wire.ResponseContent) {
	metrics.Requests.WithLabelValues(et.String(), resp.Result.String()).Inc()
	SendTyped(ctx, session, wire.Response, seq, resp)
}

func (s *Server) relay(ctx context.Context, from *UserSession, msg wire.Relay) {
	if !from.AllowRelay() {
		metrics.PacketsDropped.WithLabelValues("rate_limited").Inc()
		return
	}
	if res := s.Registry.Route(msg.LobbyID, from.UserID, msg.To); res != lobbysvc.ResultOk {
		metrics.PacketsDropped.WithLabelValues("no_route").Inc()
		s.logger.Debug("Dropping network message", logging.LobbyID(msg.LobbyID), logging.UserID(msg.To), "result", res.String())
		return
	}
	target, ok := s.GetUserSession(msg.To)
	if !ok {
		metrics.PacketsDropped.WithLabelValues("offline").Inc()
		return
	}

	msg.From = from.UserID
	SendTyped(ctx, target, wire.NetworkMessage, 0, msg)

	metrics.PacketsRelayed.WithLabelValues(strconv.Itoa(int(msg.Channel))).Inc()
	metrics.BytesRelayed.Add(float64(len(msg.Data)))
}

// deliver sends the lobby notifications to the connected recipients.
func (s *Server) deliver(ctx context.Context, notices []lobbysvc.Notice) {
	for _, n := range notices {
		session, ok := s.GetUserSession(n.To)
		if !ok {
			continue
		}

		switch n.Kind {
		case lobbysvc.EventMemberConnect:
			SendTyped(ctx, session, wire.MemberConnect, 0, wire.MemberEvent{LobbyID: n.LobbyID, UserID: n.UserID})
		case lobbysvc.EventMemberDisconnect:
			SendTyped(ctx, session, wire.MemberDisconnect, 0, wire.MemberEvent{LobbyID: n.LobbyID, UserID: n.UserID})
		case lobbysvc.EventMemberUpdate:
			SendTyped(ctx, session, wire.MemberUpdate, 0, wire.MemberEvent{LobbyID: n.LobbyID, UserID: n.UserID, Metadata: n.Metadata})
		case lobbysvc.EventLobbyDelete:
			SendTyped(ctx, session, wire.LobbyDelete, 0, wire.LobbyDeleteEvent{LobbyID: n.LobbyID, Reason: n.Reason})
		}
	}
}
