package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgemux/cdpmux/log"
	"github.com/edgemux/cdpmux/tests/ws"
)

func TestNewConnectOptionsDefaults(t *testing.T) {
	t.Parallel()

	opts := NewConnectOptions("ws://127.0.0.1:9222")
	assert.Equal(t, "ws://127.0.0.1:9222", opts.WSURL)
	assert.Equal(t, DefaultTimeout, opts.DefaultTimeout)
	assert.Nil(t, opts.TargetFilter)
	assert.False(t, opts.Debug)
}

func TestConnectOptionsFromEnv(t *testing.T) {
	t.Setenv(EnvWSURL, "ws://10.0.0.1:9222")
	t.Setenv(EnvDefaultTimeout, "90s")
	t.Setenv(EnvDebug, "true")

	opts := NewConnectOptions("")
	require.NoError(t, opts.FromEnv())
	assert.Equal(t, "ws://10.0.0.1:9222", opts.WSURL)
	assert.Equal(t, 90*time.Second, opts.DefaultTimeout)
	assert.True(t, opts.Debug)
}

func TestConnectOptionsFromEnvInvalid(t *testing.T) {
	t.Setenv(EnvDefaultTimeout, "ninety seconds")

	opts := NewConnectOptions("ws://127.0.0.1:9222")
	assert.Error(t, opts.FromEnv())
}

func TestConnectOptionsValidate(t *testing.T) {
	t.Parallel()

	assert.Error(t, NewConnectOptions("").validate())

	opts := NewConnectOptions("ws://127.0.0.1:9222")
	opts.DefaultTimeout = -time.Second
	assert.Error(t, opts.validate())

	assert.NoError(t, NewConnectOptions("ws://127.0.0.1:9222").validate())
}

func TestConnect(t *testing.T) {
	t.Parallel()

	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", ws.EchoReplyHandler, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, tm, err := Connect(ctx, NewConnectOptions(server.URL("/cdp")), log.Null)
	require.NoError(t, err)
	defer conn.Close()
	require.NotNil(t, tm)
	assert.Empty(t, tm.Targets())
}

func TestConnectBadURL(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, _, err := Connect(ctx, NewConnectOptions("ws://127.0.0.1:1/nope"), log.Null)
	require.Error(t, err)
}
