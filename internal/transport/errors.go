package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/dimspell/lobbylink/internal/address"
	"github.com/dimspell/lobbylink/internal/lobbysvc"
)

var (
	ErrTimeout        = errors.New("timeout while waiting for lobby service callbacks to complete")
	ErrRemoteRejected = errors.New("rejected by the lobby service")
	ErrNotFound       = errors.New("not found")
	ErrDuplicateKey   = errors.New("duplicate key")
	ErrAlreadyActive  = errors.New("already active")
	ErrNotActive      = errors.New("no active session")
	ErrPacketTooLarge = errors.New("packet exceeds the maximum size")
	ErrBridgeBusy     = errors.New("another lobby service request is being awaited")
)

// RemoteError is a non-successful result code returned by the lobby service.
type RemoteError struct {
	Op     string
	Result lobbysvc.Result
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Result)
}

func (e *RemoteError) Is(target error) bool { return target == ErrRemoteRejected }

func (e *RemoteError) Unwrap() error { return e.Result.Err() }

func remoteError(op string, res lobbysvc.Result) error {
	if res == lobbysvc.ResultOk {
		return nil
	}
	return &RemoteError{Op: op, Result: res}
}

// ErrorCode is the coarse category carried by an ErrorEvent.
type ErrorCode uint8

const (
	ErrorUnexpected ErrorCode = iota
	ErrorTimeout
	ErrorInvalidAddress
	ErrorRemoteRejected
	ErrorInvalidSend
	ErrorInvalidReceive
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorTimeout:
		return "Timeout"
	case ErrorInvalidAddress:
		return "InvalidAddress"
	case ErrorRemoteRejected:
		return "RemoteRejected"
	case ErrorInvalidSend:
		return "InvalidSend"
	case ErrorInvalidReceive:
		return "InvalidReceive"
	default:
		return "Unexpected"
	}
}

func codeOf(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorTimeout
	case errors.Is(err, address.ErrInvalidAddress):
		return ErrorInvalidAddress
	case errors.Is(err, ErrRemoteRejected):
		return ErrorRemoteRejected
	default:
		return ErrorUnexpected
	}
}
