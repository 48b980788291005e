package action

import (
	"bufio"
	"context"
	"errors"
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

var errSessionEnded = errors.New("session ended")

func JoinCommand() *cli.Command {
	cmd := &cli.Command{
		Name:        "join",
		Description: "Join a hosted session, send every line read from stdin and print the received payloads",
		ArgsUsage:   "<lobbyID:secret | discord://lobbyID/?secret>",
		Flags:       clientFlags(),
	}

	cmd.Action = func(ctx context.Context, c *cli.Command) error {
		addr := c.Args().First()
		if addr == "" {
			return errors.New("missing the address of the session")
		}

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		sink := transport.NewDispatcherSink()
		defer sink.Close()

		rt, client, err := newRemoteRuntime(ctx, c, sink)
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)

		out := c.Root().Writer
		defer event.Subscribe(sink.Dispatcher, func(ev transport.DataReceived) {
			fmt.Fprintln(out, string(ev.Data))
		})()
		defer event.Subscribe(sink.Dispatcher, func(ev transport.ErrorEvent) {
			slog.Warn("Transport error", "code", ev.Code.String(), "message", ev.Message, logging.Error(ev.Err))
		})()
		defer event.Subscribe(sink.Dispatcher, func(transport.Disconnected) {
			cancel(errSessionEnded)
		})()

		// The scanner cannot be interrupted, so it lives outside of the group.
		lines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				select {
				case lines <- scanner.Text():
				case <-ctx.Done():
					return
				}
			}
		}()

		group, groupCtx := errgroup.WithContext(ctx)
		group.Go(func() error {
			return rt.Run(groupCtx)
		})
		group.Go(func() error {
			err := rt.Do(groupCtx, func(tr *transport.Transport) error {
				return tr.Connect(groupCtx, addr)
			})
			if err != nil {
				return err
			}
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case line := <-lines:
					err := rt.Do(groupCtx, func(tr *transport.Transport) error {
						return tr.ClientSend([]byte(line), transport.ChannelReliable)
					})
					if err != nil && !errors.Is(err, context.Canceled) {
						slog.Warn("Could not send the line", logging.Error(err))
					}
				}
			}
		})

		err = group.Wait()
		shutdown(rt.Transport())
		if errors.Is(context.Cause(ctx), errSessionEnded) && (err == nil || errors.Is(err, context.Canceled)) {
			slog.Info("The session has ended")
			return nil
		}
		return err
	}

	return cmd
}
