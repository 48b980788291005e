package transport

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dimspell/lobbylink/internal/app/logger"
	"github.com/dimspell/lobbylink/internal/lobbysvc"
	"github.com/dimspell/lobbylink/internal/lobbysvc/memory"
)

func init() {
	logger.SetDiscardLogger()
}

func newTestBridge(t *testing.T) (*Bridge, *memory.Client) {
	t.Helper()
	hub := memory.NewHub()
	c := hub.NewClient(lobbysvc.User{ID: 1, Username: "host"})
	t.Cleanup(func() { _ = c.Close() })
	return NewBridge(c, 5*time.Millisecond, slog.Default()), c
}

func TestBridge_Wait(t *testing.T) {
	defer goleak.VerifyNone(t)

	b, c := newTestBridge(t)

	req := b.Begin("get user")
	var user lobbysvc.User
	c.GetUser(1, func(res lobbysvc.Result, u lobbysvc.User) {
		user = u
		b.Complete(req, remoteError("get user", res))
	})

	require.NoError(t, b.Wait(context.Background(), req, time.Second))
	assert.Equal(t, "host", user.Username)
	assert.Equal(t, 0, c.Pending())
}

func TestBridge_WaitReportsRemoteError(t *testing.T) {
	b, c := newTestBridge(t)

	req := b.Begin("get user")
	c.GetUser(42, func(res lobbysvc.Result, _ lobbysvc.User) {
		b.Complete(req, remoteError("get user", res))
	})

	err := b.Wait(context.Background(), req, time.Second)
	assert.ErrorIs(t, err, ErrRemoteRejected)

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, lobbysvc.ResultNotFound, remote.Result)
}

func TestBridge_ZeroTimeout(t *testing.T) {
	b, c := newTestBridge(t)

	req := b.Begin("get user")
	c.GetUser(1, func(lobbysvc.Result, lobbysvc.User) {
		b.Complete(req, nil)
	})

	err := b.Wait(context.Background(), req, 0)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, c.Pending(), "a zero timeout must not pump")

	// The request is abandoned, so its callback no longer completes it.
	require.NoError(t, b.Pump())
	assert.False(t, req.completed())
}

func TestBridge_Timeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	b, c := newTestBridge(t)
	c.Hold()

	req := b.Begin("get user")
	c.GetUser(1, func(lobbysvc.Result, lobbysvc.User) {
		b.Complete(req, nil)
	})

	start := time.Now()
	err := b.Wait(context.Background(), req, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestBridge_ReleasedWhileWaiting(t *testing.T) {
	defer goleak.VerifyNone(t)

	b, c := newTestBridge(t)
	c.Hold()

	req := b.Begin("get user")
	c.GetUser(1, func(lobbysvc.Result, lobbysvc.User) {
		b.Complete(req, nil)
	})

	timer := time.AfterFunc(20*time.Millisecond, c.Release)
	defer timer.Stop()

	require.NoError(t, b.Wait(context.Background(), req, time.Second))
}

func TestBridge_ContextCancelled(t *testing.T) {
	b, c := newTestBridge(t)
	c.Hold()

	req := b.Begin("get user")
	c.GetUser(1, func(lobbysvc.Result, lobbysvc.User) {})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Wait(ctx, req, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBridge_StaleRequest(t *testing.T) {
	b, _ := newTestBridge(t)

	first := b.Begin("first")
	second := b.Begin("second")

	assert.False(t, b.Current(first))
	assert.True(t, b.Current(second))
	assert.False(t, b.Complete(first, nil))
	assert.True(t, b.Complete(second, nil))
	assert.False(t, b.Complete(second, nil), "a request completes once")
}

func TestBridge_Busy(t *testing.T) {
	b, c := newTestBridge(t)

	outer := b.Begin("outer")
	var nested error
	c.GetUser(1, func(lobbysvc.Result, lobbysvc.User) {
		inner := &Request{op: "inner", done: make(chan struct{})}
		nested = b.Wait(context.Background(), inner, time.Second)
		b.Complete(outer, nil)
	})

	require.NoError(t, b.Wait(context.Background(), outer, time.Second))
	assert.ErrorIs(t, nested, ErrBridgeBusy)
}
