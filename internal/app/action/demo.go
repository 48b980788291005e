package action

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/dimspell/lobbylink/internal/lobbysvc"
	"github.com/dimspell/lobbylink/internal/lobbysvc/memory"
	"github.com/dimspell/lobbylink/internal/platform"
	"github.com/dimspell/lobbylink/internal/transport"
)

func DemoCommand() *cli.Command {
	cmd := &cli.Command{
		Name:        "demo",
		Description: "Run a host and a client against an in-process lobby service: exchange a message, then kick the client",
		Flags: []cli.Flag{
			configFlag,
			&cli.StringFlag{
				Name:  "message",
				Value: defaultDemoMessage,
				Usage: "Payload sent by the client",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 10 * time.Second,
				Usage: "Time limit of the whole demo",
			},
		},
	}

	cmd.Action = func(ctx context.Context, c *cli.Command) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		opts, err := cfg.TransportOptions()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(ctx, c.Duration("timeout"))
		defer cancel()
		return runDemo(ctx, c.Root().Writer, c.String("message"), opts...)
	}

	return cmd
}

type demoPeer struct {
	rt     *platform.Runtime
	events chan transport.Event
}

func newDemoPeer(hub *memory.Hub, user lobbysvc.User, opts ...transport.Option) (*demoPeer, error) {
	events := make(chan transport.Event, 32)
	rt, err := platform.New(hub.NewClient(user), transport.SinkFunc(func(ev transport.Event) {
		events <- ev
	}), opts...)
	if err != nil {
		return nil, err
	}
	return &demoPeer{rt: rt, events: events}, nil
}

func waitFor[T transport.Event](ctx context.Context, p *demoPeer) (T, error) {
	var zero T
	for {
		select {
		case ev := <-p.events:
			if e, ok := ev.(T); ok {
				return e, nil
			}
			if e, ok := ev.(transport.ErrorEvent); ok {
				return zero, fmt.Errorf("%s: %w", e.Message, e.Err)
			}
		case <-ctx.Done():
			return zero, fmt.Errorf("waiting for %T: %w", zero, ctx.Err())
		}
	}
}

func runDemo(ctx context.Context, w io.Writer, message string, opts ...transport.Option) error {
	hub := memory.NewHub()

	host, err := newDemoPeer(hub, lobbysvc.User{ID: 1, Username: "host"}, opts...)
	if err != nil {
		return err
	}
	guest, err := newDemoPeer(hub, lobbysvc.User{ID: 2, Username: "guest"}, opts...)
	if err != nil {
		return err
	}

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()

	group, groupCtx := errgroup.WithContext(loopCtx)
	group.Go(func() error { return host.rt.Run(groupCtx) })
	group.Go(func() error { return guest.rt.Run(groupCtx) })
	group.Go(func() error {
		defer stopLoops()
		return demoScript(groupCtx, w, host, guest, message)
	})
	return group.Wait()
}

func demoScript(ctx context.Context, w io.Writer, host, guest *demoPeer, message string) error {
	var addr string
	err := host.rt.Do(ctx, func(tr *transport.Transport) error {
		if err := tr.StartHost(ctx); err != nil {
			return err
		}
		uri, err := tr.ServerURI()
		if err != nil {
			return err
		}
		addr = uri.String()
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "host: lobby at %s\n", addr)

	if err := guest.rt.Do(ctx, func(tr *transport.Transport) error { return tr.Connect(ctx, addr) }); err != nil {
		return err
	}
	peer, err := waitFor[transport.PeerConnected](ctx, host)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "host: peer %d connected\n", peer.ConnID)

	err = guest.rt.Do(ctx, func(tr *transport.Transport) error {
		return tr.ClientSend([]byte(message), transport.ChannelReliable)
	})
	if err != nil {
		return err
	}
	received, err := waitFor[transport.DataReceived](ctx, host)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "host: received %q from peer %d\n", received.Data, received.ConnID)

	reply := fmt.Sprintf("welcome, peer %d", received.ConnID)
	err = host.rt.Do(ctx, func(tr *transport.Transport) error {
		return tr.ServerSend(received.ConnID, []byte(reply), transport.ChannelReliable)
	})
	if err != nil {
		return err
	}
	answer, err := waitFor[transport.DataReceived](ctx, guest)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "guest: received %q\n", answer.Data)

	err = host.rt.Do(ctx, func(*transport.Transport) error {
		_, err := host.rt.LogLobbyInfo(ctx)
		return err
	})
	if err != nil {
		return err
	}

	if err := host.rt.Do(ctx, func(tr *transport.Transport) error { return tr.ServerDisconnect(peer.ConnID) }); err != nil {
		return err
	}
	if _, err := waitFor[transport.Disconnected](ctx, guest); err != nil {
		return err
	}
	fmt.Fprintln(w, "guest: kicked by the host")
	left, err := waitFor[transport.PeerDisconnected](ctx, host)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "host: peer %d left\n", left.ConnID)

	if err := host.rt.Do(ctx, func(tr *transport.Transport) error { return tr.StopHost(ctx) }); err != nil {
		return err
	}
	fmt.Fprintln(w, "host: stopped")
	return nil
}
