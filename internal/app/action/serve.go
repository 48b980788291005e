package action

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/dimspell/lobbylink/internal/lobbyserver"
)

func ServeCommand(version string) *cli.Command {
	cmd := &cli.Command{
		Name:        "serve",
		Description: "Start the lobby server",
		Flags: []cli.Flag{
			configFlag,
			&cli.StringFlag{
				Name:  "addr",
				Value: defaultServerAddr,
				Usage: "Address the lobby server binds to",
			},
			&cli.StringFlag{
				Name:  "public-addr",
				Usage: "WebSocket address advertised to the clients (defaults to ws://<addr>/lobby)",
			},
			&cli.StringSliceFlag{
				Name:  "cors-allowed-origins",
				Usage: "Origins allowed to read the discovery endpoint",
			},
		},
	}

	cmd.Action = func(ctx context.Context, c *cli.Command) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		bindAddr := c.String("addr")
		publicAddr := fallbackString(c.String("public-addr"), fmt.Sprintf("ws://%s/lobby", bindAddr))

		options := cfg.ServerOptions()
		options = append(options,
			lobbyserver.WithAddr(bindAddr, publicAddr),
			lobbyserver.WithVersion(version),
		)
		if origins := c.StringSlice("cors-allowed-origins"); len(origins) > 0 {
			options = append(options, lobbyserver.WithCORSAllowedOrigins(origins))
		}

		srv, err := lobbyserver.NewServer(options...)
		if err != nil {
			return err
		}

		start, stop := srv.Handlers()
		return srv.Graceful(ctx, start, stop)
	}

	return cmd
}

func fallbackString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
