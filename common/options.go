package common

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/edgemux/cdpmux/log"
)

// Environment variables read by ConnectOptions.FromEnv.
const (
	EnvWSURL          = "CDPMUX_WS_URL"
	EnvDefaultTimeout = "CDPMUX_TIMEOUT"
	EnvDebug          = "CDPMUX_DEBUG"
)

// ConnectOptions configure a browser connection.
type ConnectOptions struct {
	// WSURL is the browser's DevTools WebSocket endpoint.
	WSURL string

	// DefaultTimeout applies to protocol commands and navigations unless
	// overridden per page or per call. Zero keeps DefaultTimeout.
	DefaultTimeout time.Duration

	// TargetFilter decides which attached targets are exposed. Nil
	// exposes everything.
	TargetFilter TargetFilterFunc

	// Debug enables debug-level protocol logging.
	Debug bool
}

// NewConnectOptions returns options with the defaults applied.
func NewConnectOptions(wsURL string) *ConnectOptions {
	return &ConnectOptions{
		WSURL:          wsURL,
		DefaultTimeout: DefaultTimeout,
	}
}

// FromEnv overlays the options with values from the process environment.
// Unset variables leave the current values untouched.
func (o *ConnectOptions) FromEnv() error {
	if v := os.Getenv(EnvWSURL); v != "" {
		o.WSURL = v
	}
	if v := os.Getenv(EnvDefaultTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", EnvDefaultTimeout, err)
		}
		o.DefaultTimeout = d
	}
	if v := os.Getenv(EnvDebug); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", EnvDebug, err)
		}
		o.Debug = b
	}
	return nil
}

func (o *ConnectOptions) validate() error {
	if o.WSURL == "" {
		return fmt.Errorf("WSURL must be set")
	}
	if o.DefaultTimeout < 0 {
		return fmt.Errorf("DefaultTimeout must not be negative")
	}
	return nil
}

// Connect dials the browser, sets up session multiplexing and target
// tracking, and attaches to the targets that already exist. The returned
// TargetManager has announced every pre-existing page by the time Connect
// returns.
func Connect(
	ctx context.Context, opts *ConnectOptions, logger *log.Logger,
) (*Connection, *TargetManager, error) {
	if err := opts.validate(); err != nil {
		return nil, nil, err
	}
	if logger == nil {
		logger = log.Null
	}
	if opts.Debug {
		if err := logger.SetLevel("debug"); err != nil {
			return nil, nil, err
		}
	}

	conn, err := NewConnection(ctx, opts.WSURL, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to browser: %w", err)
	}
	if opts.DefaultTimeout > 0 {
		conn.timeoutSettings.SetDefaultTimeout(opts.DefaultTimeout)
	}

	tm := NewTargetManager(ctx, conn, opts.TargetFilter, logger)
	if err := tm.Initialize(ctx); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("initializing target tracking: %w", err)
	}
	return conn, tm, nil
}
