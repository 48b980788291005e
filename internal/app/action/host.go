package action

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kelindar/event"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/dimspell/lobbylink/internal/app/logger/logging"
	"github.com/dimspell/lobbylink/internal/transport"
)

func HostCommand() *cli.Command {
	cmd := &cli.Command{
		Name:        "host",
		Description: "Host a session in the lobby service and echo every payload back to its sender",
		Flags:       clientFlags(),
	}

	cmd.Action = func(ctx context.Context, c *cli.Command) error {
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		sink := transport.NewDispatcherSink()
		defer sink.Close()

		rt, client, err := newRemoteRuntime(ctx, c, sink)
		if err != nil {
			return err
		}
		defer client.Close()

		group, groupCtx := errgroup.WithContext(ctx)

		defer event.Subscribe(sink.Dispatcher, func(ev transport.PeerConnected) {
			slog.Info("Peer connected", logging.ConnID(ev.ConnID))
		})()
		defer event.Subscribe(sink.Dispatcher, func(ev transport.PeerDisconnected) {
			slog.Info("Peer disconnected", logging.ConnID(ev.ConnID))
		})()
		defer event.Subscribe(sink.Dispatcher, func(ev transport.DataReceived) {
			err := rt.Do(groupCtx, func(tr *transport.Transport) error {
				return tr.ServerSend(ev.ConnID, ev.Data, ev.Channel)
			})
			if err != nil {
				slog.Warn("Could not echo the payload", logging.ConnID(ev.ConnID), logging.Error(err))
			}
		})()

		group.Go(func() error {
			return rt.Run(groupCtx)
		})
		group.Go(func() error {
			err := rt.Do(groupCtx, func(tr *transport.Transport) error {
				if err := tr.StartHost(groupCtx); err != nil {
					return err
				}
				uri, err := tr.ServerURI()
				if err != nil {
					return err
				}
				fmt.Fprintln(c.Root().Writer, uri.String())

				_, err = rt.LogLobbyInfo(groupCtx)
				return err
			})
			if err != nil {
				return err
			}
			<-groupCtx.Done()
			return nil
		})

		err = group.Wait()
		shutdown(rt.Transport())
		return err
	}

	return cmd
}
