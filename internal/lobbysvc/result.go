package lobbysvc

import "fmt"

// Result is the completion code of a lobby service request.
type Result uint16

const (
	ResultOk Result = iota
	ResultServiceUnavailable
	ResultInternalError
	ResultInvalidPayload
	ResultNotFound
	ResultInvalidSecret
	ResultLobbyFull
	ResultInvalidPermissions
	ResultAlreadyConnected
	ResultNotConnected
	ResultInvalidCapacity
)

func (r Result) String() string {
	switch r {
	case ResultOk:
		return "Ok"
	case ResultServiceUnavailable:
		return "ServiceUnavailable"
	case ResultInternalError:
		return "InternalError"
	case ResultInvalidPayload:
		return "InvalidPayload"
	case ResultNotFound:
		return "NotFound"
	case ResultInvalidSecret:
		return "InvalidSecret"
	case ResultLobbyFull:
		return "LobbyFull"
	case ResultInvalidPermissions:
		return "InvalidPermissions"
	case ResultAlreadyConnected:
		return "AlreadyConnected"
	case ResultNotConnected:
		return "NotConnected"
	case ResultInvalidCapacity:
		return "InvalidCapacity"
	default:
		return fmt.Sprintf("Result(%d)", uint16(r))
	}
}

// Err returns nil for ResultOk and a ResultError otherwise.
func (r Result) Err() error {
	if r == ResultOk {
		return nil
	}
	return ResultError{Result: r}
}

type ResultError struct {
	Result Result
}

func (e ResultError) Error() string {
	return "lobby service: " + e.Result.String()
}
