package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dimspell/lobbylink/internal/app/logger/logging"
	"github.com/dimspell/lobbylink/internal/lobbysvc"
)

// Request is one awaited lobby service call. It completes at most once.
type Request struct {
	op   string
	gen  uint64
	done chan struct{}
	err  error
}

func (r *Request) Op() string { return r.op }

func (r *Request) completed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Bridge turns the callback driven lobby service into blocking calls by
// pumping the client until the awaited callback fires or the timeout
// elapses. Only the newest request is current: callbacks of older requests
// are reported as stale so their effects can be undone.
//
// A Bridge is not safe for concurrent use. It belongs to the goroutine that
// pumps the client.
type Bridge struct {
	client   lobbysvc.Client
	ready    <-chan struct{}
	interval time.Duration
	logger   *slog.Logger

	gen     uint64
	current *Request
	waiting bool
}

func NewBridge(client lobbysvc.Client, interval time.Duration, logger *slog.Logger) *Bridge {
	b := &Bridge{
		client:   client,
		interval: interval,
		logger:   logger,
	}
	if n, ok := client.(lobbysvc.Notifier); ok {
		b.ready = n.Ready()
	}
	return b
}

// Begin starts a new request and makes it the current one. Any request
// started before is abandoned.
func (b *Bridge) Begin(op string) *Request {
	b.gen++
	req := &Request{op: op, gen: b.gen, done: make(chan struct{})}
	b.current = req
	return req
}

// Current reports whether callbacks of req may still change state.
func (b *Bridge) Current(req *Request) bool {
	return b.current != nil && b.current == req && !req.completed()
}

// Complete resolves req with err. It returns false for stale requests.
func (b *Bridge) Complete(req *Request, err error) bool {
	if !b.Current(req) {
		b.logger.Debug("Ignoring completion of a stale request", "op", req.op, "generation", req.gen)
		return false
	}
	req.err = err
	close(req.done)
	return true
}

// Wait pumps the client until req completes, the timeout elapses or ctx is
// done. A non-positive timeout only reports an already completed request.
func (b *Bridge) Wait(ctx context.Context, req *Request, timeout time.Duration) error {
	if b.waiting {
		return ErrBridgeBusy
	}
	b.waiting = true
	defer func() {
		b.waiting = false
		if b.current == req {
			b.current = nil
		}
	}()

	if req.completed() {
		return req.err
	}
	if timeout <= 0 {
		return fmt.Errorf("%w: %s", ErrTimeout, req.op)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	start := time.Now()
	for {
		if err := b.client.RunCallbacks(); err != nil {
			return fmt.Errorf("could not run lobby service callbacks: %w", err)
		}
		if req.completed() {
			b.logger.Debug("Request completed", "op", req.op, "elapsed", time.Since(start))
			return req.err
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				b.logger.Warn("Timed out waiting for lobby service", "op", req.op, "timeout", timeout)
				return fmt.Errorf("%w: %s after %s", ErrTimeout, req.op, timeout)
			}
			return ctx.Err()
		case <-b.ready:
		case <-ticker.C:
		}
	}
}

// Pump runs the pending callbacks once, outside of any request.
func (b *Bridge) Pump() error {
	if err := b.client.RunCallbacks(); err != nil {
		b.logger.Debug("Could not run lobby service callbacks", logging.Error(err))
		return err
	}
	return nil
}
