// Package logstream follows the device console log for one bundle and feeds
// it into the log hub.
package logstream

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/workspace/debug-agent/internal/loghub"
)

// Options configures the console log follower.
type Options struct {
	// Bin is the wrapper binary, e.g. "xcrun".
	Bin string
	// Subcommand is passed first when non-empty, e.g. "devicectl".
	Subcommand string
	// Device is the target device identifier.
	Device string
	// Predicate filters the device log, e.g. a subsystem match for the
	// bundle. Empty streams everything.
	Predicate string
}

// Stream owns one log-follow child process.
type Stream struct {
	opts Options
	hub  *loghub.Hub

	mu    sync.Mutex
	child *exec.Cmd
}

// New returns a stream that is not yet running.
func New(opts Options, hub *loghub.Hub) (*Stream, error) {
	if opts.Bin == "" {
		return nil, fmt.Errorf("log stream binary not configured")
	}
	if opts.Device == "" {
		return nil, fmt.Errorf("log stream requires a device identifier")
	}
	return &Stream{opts: opts, hub: hub}, nil
}

func (s *Stream) args() []string {
	var args []string
	if s.opts.Subcommand != "" {
		args = append(args, s.opts.Subcommand)
	}
	args = append(args, "device", "log", "stream", "--device", s.opts.Device)
	if s.opts.Predicate != "" {
		args = append(args, "--predicate", s.opts.Predicate)
	}
	return args
}

// Start spawns the follower. Its stdout runs on a pty so the child flushes
// per line instead of block-buffering; stdout lines are published under the
// "log" tag and stderr under "log-err". The child dies with ctx.
func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child != nil {
		return nil
	}

	cmd := exec.CommandContext(ctx, s.opts.Bin, s.args()...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("log stream stderr pipe: %w", err)
	}

	ptmx, tty, err := pty.Open()
	if err != nil {
		return fmt.Errorf("open log stream pty: %w", err)
	}
	cmd.Stdout = tty
	cmd.Stdin = tty

	slog.Info("starting device log stream", "device", s.opts.Device, "predicate", s.opts.Predicate)
	if err := cmd.Start(); err != nil {
		ptmx.Close()
		tty.Close()
		return fmt.Errorf("start log stream: %w", err)
	}
	tty.Close()

	go func() {
		s.hub.Pipe(ptmx, "log")
		ptmx.Close()
	}()
	go s.hub.Pipe(stderr, "log-err")
	go func() {
		err := cmd.Wait()
		if err != nil && ctx.Err() == nil {
			s.hub.Publish("log-err", fmt.Sprintf("log stream exited: %v", err))
			slog.Warn("device log stream exited", "error", err)
		}
	}()

	s.child = cmd
	return nil
}

// Stop kills the follower if it is running.
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child == nil {
		return
	}
	_ = s.child.Process.Kill()
	s.child = nil
}
