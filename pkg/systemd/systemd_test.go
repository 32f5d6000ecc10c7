package systemd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	sent, err := Ready()
	require.NoError(t, err)
	assert.False(t, sent)

	sent, err = Status("running %d tasks", 3)
	require.NoError(t, err)
	assert.False(t, sent)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, Watchdog(ctx))
	assert.NoError(t, ctx.Err(), "watchdog must return at once when disabled")
}
