package action

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/dimspell/lobbylink/internal/app/config"
	"github.com/dimspell/lobbylink/internal/app/logger/logging"
	"github.com/dimspell/lobbylink/internal/lobbysvc"
	"github.com/dimspell/lobbylink/internal/lobbysvc/remote"
	"github.com/dimspell/lobbylink/internal/platform"
	"github.com/dimspell/lobbylink/internal/transport"
	"github.com/dimspell/lobbylink/internal/wire"
)

var configFlag = &cli.StringFlag{
	Name:  "config",
	Usage: "Path to a YAML, TOML or JSON tuning file (keys may be overridden with LOBBYLINK_* env variables)",
}

func clientFlags() []cli.Flag {
	return []cli.Flag{
		configFlag,
		&cli.StringFlag{
			Name:  "lobby-addr",
			Value: defaultLobbyAddr,
			Usage: "WebSocket address of the lobby server",
		},
		&cli.StringFlag{
			Name:  "codec",
			Value: defaultCodec,
			Usage: "Wire codec (cbor, json)",
		},
		&cli.Int64Flag{
			Name:  "user-id",
			Usage: "Member id to use in the lobby service, 0 lets the server assign one",
		},
		&cli.StringFlag{
			Name:  "username",
			Usage: "Name shown to the other members",
		},
	}
}

func loadConfig(c *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// newRemoteRuntime connects to the lobby server and builds the runtime
// driving a transport over it.
func newRemoteRuntime(ctx context.Context, c *cli.Command, sink transport.Sink) (*platform.Runtime, *remote.Client, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}
	opts, err := cfg.TransportOptions()
	if err != nil {
		return nil, nil, err
	}

	codec, err := wire.ParseCodec(c.String("codec"))
	if err != nil {
		return nil, nil, err
	}

	user := lobbysvc.User{ID: c.Int64("user-id"), Username: c.String("username")}
	client, err := remote.Dial(ctx, c.String("lobby-addr"), user, remote.WithCodec(codec))
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Connected to the lobby server", logging.UserID(client.User().ID), "username", client.User().Username)

	rt, err := platform.New(client, sink, opts...)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("could not create transport: %w", err)
	}
	return rt, client, nil
}

// shutdown ends the session on a fresh context, the command one being
// already cancelled at this point.
func shutdown(tr *transport.Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), tr.Config().CallbackTimeout)
	defer cancel()
	if err := tr.Shutdown(ctx); err != nil {
		slog.Warn("Could not end the session", logging.Error(err))
	}
}
