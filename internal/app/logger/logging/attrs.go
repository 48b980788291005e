package logging

import (
	"log/slog"
)

func Error(err error) slog.Attr {
	if err == nil {
		slog.Error("Going to log nil error")
		return slog.String("error", "<nil>")
	}
	return slog.String("error", err.Error())
}

func LobbyID(lobbyID int64) slog.Attr {
	return slog.Int64("lobbyId", lobbyID)
}

func UserID(userID int64) slog.Attr {
	return slog.Int64("userId", userID)
}

func ConnID(connID int) slog.Attr {
	return slog.Int("connId", connID)
}

func Channel(channel uint8) slog.Attr {
	return slog.Int("channel", int(channel))
}
