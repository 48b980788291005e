package transport

import (
	"github.com/kelindar/event"
)

// Event types published by the transport.
const (
	TypeConnected uint32 = iota + 1
	TypeDisconnected
	TypePeerConnected
	TypePeerDisconnected
	TypeDataReceived
	TypeDataSent
	TypeError
)

// Side tells whether an event concerns the hosting or the joining end.
type Side uint8

const (
	SideServer Side = iota
	SideClient
)

func (s Side) String() string {
	if s == SideClient {
		return "client"
	}
	return "server"
}

type Event interface {
	Type() uint32
}

// Connected is raised on the client once it has joined the host's lobby.
type Connected struct{}

// Disconnected is raised on the client when its session ends, whatever the
// reason.
type Disconnected struct{}

type PeerConnected struct {
	ConnID int
}

type PeerDisconnected struct {
	ConnID int
}

// DataReceived carries a network message. ConnID is 0 on the client side.
type DataReceived struct {
	Side    Side
	ConnID  int
	Channel uint8
	Data    []byte
}

type DataSent struct {
	Side    Side
	ConnID  int
	Channel uint8
	Data    []byte
}

type ErrorEvent struct {
	Side    Side
	ConnID  int
	Code    ErrorCode
	Message string
	Err     error
}

func (Connected) Type() uint32        { return TypeConnected }
func (Disconnected) Type() uint32     { return TypeDisconnected }
func (PeerConnected) Type() uint32    { return TypePeerConnected }
func (PeerDisconnected) Type() uint32 { return TypePeerDisconnected }
func (DataReceived) Type() uint32     { return TypeDataReceived }
func (DataSent) Type() uint32         { return TypeDataSent }
func (ErrorEvent) Type() uint32       { return TypeError }

// Sink receives the events raised by a Transport, on the goroutine that
// drives it.
type Sink interface {
	Emit(ev Event)
}

type SinkFunc func(ev Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

// DispatcherSink republishes every event on an event dispatcher, where
// subscribers receive them asynchronously.
type DispatcherSink struct {
	Dispatcher *event.Dispatcher
}

func NewDispatcherSink() *DispatcherSink {
	return &DispatcherSink{Dispatcher: event.NewDispatcher()}
}

func (s *DispatcherSink) Emit(ev Event) {
	switch e := ev.(type) {
	case Connected:
		event.Publish(s.Dispatcher, e)
	case Disconnected:
		event.Publish(s.Dispatcher, e)
	case PeerConnected:
		event.Publish(s.Dispatcher, e)
	case PeerDisconnected:
		event.Publish(s.Dispatcher, e)
	case DataReceived:
		event.Publish(s.Dispatcher, e)
	case DataSent:
		event.Publish(s.Dispatcher, e)
	case ErrorEvent:
		event.Publish(s.Dispatcher, e)
	}
}

func (s *DispatcherSink) Close() error {
	return s.Dispatcher.Close()
}

type discardSink struct{}

func (discardSink) Emit(Event) {}
