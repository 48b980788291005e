package lobbyserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/dimspell/lobbylink/internal/app/logger/logging"
	"github.com/dimspell/lobbylink/internal/metrics"
	"github.com/dimspell/lobbylink/internal/wire"
)

var _ ConnReadWriter = (*websocket.Conn)(nil)

type ConnReadWriter interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
}

type UserSession struct {
	UserID      int64
	Username    string
	ConnectedAt time.Time

	wsConn  ConnReadWriter
	codec   *wire.Codec
	limiter *rate.Limiter
}

func NewUserSession(conn ConnReadWriter, codec *wire.Codec, limiter *rate.Limiter) *UserSession {
	return &UserSession{
		ConnectedAt: time.Now().In(time.UTC),
		wsConn:      conn,
		codec:       codec,
		limiter:     limiter,
	}
}

func (us *UserSession) ReadNext(ctx context.Context) ([]byte, error) {
	if us.wsConn == nil {
		return nil, fmt.Errorf("not connected")
	}
	_, payload, err := us.wsConn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (us *UserSession) Send(ctx context.Context, payload []byte) {
	if len(payload) < 1 {
		slog.Debug("payload is too short", "length", len(payload))
		metrics.FailedMessageSends.WithLabelValues("payload_too_short").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := wire.Write(ctx, us.codec, us.wsConn, payload); err != nil {
		slog.Warn("Could not send a WS message", logging.UserID(us.UserID), "type", wire.ParseEventType(payload).String(), logging.Error(err))
		metrics.FailedMessageSends.WithLabelValues("write_error").Inc()
	}
}

// SendTyped composes a frame with the codec negotiated by the session.
func SendTyped[T any](ctx context.Context, us *UserSession, et wire.EventType, seq uint64, content T) {
	payload, err := wire.ComposeTyped(us.codec, et, seq, content)
	if err != nil {
		metrics.FailedMessageSends.WithLabelValues("encode_error").Inc()
		return
	}
	us.Send(ctx, payload)
}

// AllowRelay takes a token from the relay bucket of the session.
func (us *UserSession) AllowRelay() bool {
	return us.limiter == nil || us.limiter.Allow()
}
