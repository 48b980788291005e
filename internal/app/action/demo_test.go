package action

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dimspell/lobbylink/internal/app/logger"
	"github.com/dimspell/lobbylink/internal/transport"
)

func init() {
	logger.SetDiscardLogger()
}

func TestRunDemo(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	err := runDemo(ctx, &out, "ping", transport.WithPumpInterval(5*time.Millisecond))
	require.NoError(t, err)

	assert.Contains(t, out.String(), "host: lobby at discord://")
	assert.Contains(t, out.String(), "host: peer 1 connected\n")
	assert.Contains(t, out.String(), "host: received \"ping\" from peer 1\n")
	assert.Contains(t, out.String(), "guest: received \"welcome, peer 1\"\n")
	assert.Contains(t, out.String(), "guest: kicked by the host\n")
	assert.Contains(t, out.String(), "host: peer 1 left\n")
	assert.Contains(t, out.String(), "host: stopped\n")
}

func TestRunDemo_Timeout(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := runDemo(ctx, &bytes.Buffer{}, "ping")
	assert.Error(t, err)
}
