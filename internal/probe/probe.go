// Package probe implements bounded readiness polling for external processes.
package probe

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config bounds a poll: a fixed interval between attempts and a total attempt
// count.
type Config struct {
	Interval time.Duration
	Attempts int
}

// Default matches the device-bridge startup budget: one probe every 100ms for
// up to 50 attempts, about five seconds total.
func Default() Config {
	return Config{Interval: 100 * time.Millisecond, Attempts: 50}
}

// TimeoutError reports an exhausted port poll.
type TimeoutError struct {
	Port     int
	Attempts int
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for port %d after %d attempts: %v", e.Port, e.Attempts, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// Until runs fn at a fixed interval until it succeeds, the attempt budget is
// exhausted, or ctx is cancelled. The first attempt runs immediately.
func Until(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.Interval <= 0 {
		cfg.Interval = Default().Interval
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = Default().Attempts
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.Interval), uint64(cfg.Attempts-1)),
		ctx,
	)
	return backoff.Retry(func() error { return fn(ctx) }, policy)
}

// WaitForPort polls 127.0.0.1:port with a connect-and-close probe until the
// port accepts a connection. On exhaustion it returns a *TimeoutError naming
// the port and attempt count.
func WaitForPort(ctx context.Context, port int, cfg Config) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = Default().Attempts
	}
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	err := Until(ctx, cfg, func(ctx context.Context) error {
		var d net.Dialer
		conn, dialErr := d.DialContext(ctx, "tcp", addr)
		if dialErr != nil {
			return dialErr
		}
		return conn.Close()
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &TimeoutError{Port: port, Attempts: cfg.Attempts, Err: err}
}
