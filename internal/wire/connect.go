package wire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

var ProtoVersion = "dev"

// ErrRejected marks a handshake refused by the server. Dialing again with the
// same parameters fails the same way.
var ErrRejected = errors.New("handshake rejected by the lobby server")

var _ WebSocketWriter = (*websocket.Conn)(nil)

type WebSocketWriter interface {
	Write(ctx context.Context, messageType websocket.MessageType, payload []byte) error
}

// Write sends a composed frame using the message type of the codec.
func Write(ctx context.Context, c *Codec, wsConn WebSocketWriter, payload []byte) error {
	return wsConn.Write(ctx, c.MessageType, payload)
}

// Connect dials the lobby server and performs the Hello/Welcome handshake.
// The returned user carries the id assigned by the server when user.UserID
// is 0.
func Connect(ctx context.Context, wsURL string, c *Codec, user User) (*websocket.Conn, User, error) {
	slog.Debug("Connecting to the lobby server", "userID", user.UserID, "url", wsURL, "codec", c.Name)

	// Give 5 seconds to establish WebSocket connection.
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	headers := http.Header{}
	headers.Set("X-Version", ProtoVersion)

	ws, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{c.Subprotocol},
		HTTPHeader:   headers,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError {
			return nil, User{}, fmt.Errorf("%w: %w", ErrRejected, err)
		}
		return nil, User{}, err
	}
	if ws.Subprotocol() != c.Subprotocol {
		_ = ws.Close(websocket.StatusPolicyViolation, "unexpected subprotocol")
		return nil, User{}, fmt.Errorf("%w: server did not accept subprotocol %q", ErrRejected, c.Subprotocol)
	}

	user.Version = ProtoVersion
	hello, err := ComposeTyped(c, Hello, 0, user)
	if err != nil {
		ws.CloseNow()
		return nil, User{}, err
	}
	if err := Write(ctx, c, ws, hello); err != nil {
		ws.CloseNow()
		return nil, User{}, err
	}

	// Expect to receive the welcome message.
	_, p, err := ws.Read(ctx)
	if err != nil {
		ws.CloseNow()
		switch websocket.CloseStatus(err) {
		case websocket.StatusPolicyViolation, websocket.StatusUnsupportedData:
			return nil, User{}, fmt.Errorf("%w: %w", ErrRejected, err)
		}
		return nil, User{}, err
	}
	et, welcome, err := DecodeTyped[User](c, p)
	if err != nil || et != Welcome {
		ws.CloseNow()
		return nil, User{}, fmt.Errorf("%w: expected welcome message, got %s: %v", ErrRejected, et, err)
	}
	return ws, welcome.Content, nil
}
