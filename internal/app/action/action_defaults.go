package action

import "fmt"

var (
	// Lobby server
	defaultServerAddr = "127.0.0.1:2137"
	defaultLobbyAddr  = fmt.Sprintf("ws://%s/lobby", defaultServerAddr)

	// Wire codec ("cbor" or "json")
	defaultCodec = "cbor"
)

var (
	// Demo
	defaultDemoMessage = "hello from the client"
)
