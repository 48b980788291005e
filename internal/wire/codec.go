package wire

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/coder/websocket"
	"github.com/fxamacker/cbor/v2"

	"github.com/dimspell/lobbylink/internal/app/logger/logging"
)

// Subprotocols negotiated on the lobby endpoint, one per codec.
const (
	SupportedRealm     = "lobbylink"
	SupportedRealmJSON = "lobbylink.json"
)

var DefaultCodec = NewCBORCodec()

type Codec struct {
	Name        string
	Subprotocol string
	MessageType websocket.MessageType
	Marshal     func(v any) ([]byte, error)
	Unmarshal   func(data []byte, v any) error
}

func NewJSONCodec() *Codec {
	return &Codec{
		Name:        "json",
		Subprotocol: SupportedRealmJSON,
		MessageType: websocket.MessageText,
		Marshal:     json.Marshal,
		Unmarshal:   json.Unmarshal,
	}
}

func NewCBORCodec() *Codec {
	return &Codec{
		Name:        "cbor",
		Subprotocol: SupportedRealm,
		MessageType: websocket.MessageBinary,
		Marshal:     cbor.Marshal,
		Unmarshal:   cbor.Unmarshal,
	}
}

// CodecFor returns the codec spoken on a negotiated subprotocol.
func CodecFor(subprotocol string) (*Codec, error) {
	switch subprotocol {
	case SupportedRealm:
		return NewCBORCodec(), nil
	case SupportedRealmJSON:
		return NewJSONCodec(), nil
	default:
		return nil, fmt.Errorf("unsupported subprotocol: %q", subprotocol)
	}
}

// ParseCodec accepts the codec names used in configuration.
func ParseCodec(name string) (*Codec, error) {
	switch name {
	case "", "cbor":
		return NewCBORCodec(), nil
	case "json":
		return NewJSONCodec(), nil
	default:
		return nil, fmt.Errorf("unknown codec: %q", name)
	}
}

// ComposeTyped encodes a frame: the event type byte followed by the encoded
// message.
func ComposeTyped[T any](c *Codec, msgType EventType, seq uint64, content T) ([]byte, error) {
	msg := MessageContent[T]{Seq: seq, Type: msgType, Content: content}

	body, err := c.Marshal(msg)
	if err != nil {
		slog.Error("Could not marshal the websocket message", "type", msgType.String(), logging.Error(err))
		return nil, err
	}
	return append([]byte{byte(msgType)}, body...), nil
}

func DecodeTyped[T any](c *Codec, payload []byte) (et EventType, m MessageContent[T], err error) {
	if len(payload) == 0 {
		return et, m, io.ErrShortBuffer
	}
	if err = c.Unmarshal(payload[1:], &m); err != nil {
		return et, m, err
	}
	return EventType(payload[0]), m, nil
}

func ParseEventType(payload []byte) EventType {
	if len(payload) == 0 {
		return 0
	}
	return EventType(payload[0])
}
