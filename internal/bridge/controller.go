// Package bridge supervises the device-bridge helper process and implements
// the stdio to TCP tunnel the helper uses to expose the on-device debugserver.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/workspace/debug-agent/internal/loghub"
	"github.com/workspace/debug-agent/internal/probe"
)

// Options configures a bridge child process.
type Options struct {
	// Bin is the bridge binary to spawn.
	Bin string
	// Device is the target device identifier. Required.
	Device string
	// BundleID is the app bundle to launch. Required.
	BundleID string
	// ListenPort is the local TCP port the bridge exposes debugserver on.
	ListenPort int
	// InstallApp, when non-empty, is a .app path installed before launch.
	InstallApp string
	// StateFile, when non-empty, overrides where the bridge records launch
	// state.
	StateFile string
	// Probe overrides the readiness poll parameters. Zero value means
	// defaults.
	Probe probe.Config
}

// Controller spawns the bridge child, forwards its output into the log hub,
// and waits for the debug port to accept connections before reporting the
// bridge ready. At most one child is alive at a time.
type Controller struct {
	opts Options
	hub  *loghub.Hub

	mu    sync.Mutex
	child *child
}

// child pairs the running command with the reaper's result so nobody has to
// touch cmd.ProcessState while Wait is in flight.
type child struct {
	cmd    *exec.Cmd
	exited chan error
}

// NewController validates opts and returns a controller. No process is
// spawned until EnsureRunning.
func NewController(opts Options, hub *loghub.Hub) (*Controller, error) {
	if opts.Bin == "" {
		return nil, fmt.Errorf("bridge binary not configured")
	}
	if opts.Device == "" {
		return nil, fmt.Errorf("bridge requires a device identifier")
	}
	if opts.BundleID == "" {
		return nil, fmt.Errorf("bridge requires a bundle id")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("bridge requires a listen port, got %d", opts.ListenPort)
	}
	if opts.Probe == (probe.Config{}) {
		opts.Probe = probe.Default()
	}
	return &Controller{opts: opts, hub: hub}, nil
}

func (c *Controller) args() []string {
	args := []string{
		"--device", c.opts.Device,
		"--bundle-id", c.opts.BundleID,
		"--listen-port", strconv.Itoa(c.opts.ListenPort),
	}
	if c.opts.InstallApp != "" {
		args = append(args, "--install-app", c.opts.InstallApp)
	}
	if c.opts.StateFile != "" {
		args = append(args, "--state-file", c.opts.StateFile)
	}
	return args
}

// EnsureRunning spawns the bridge child if none is alive, then waits for the
// debug port to become reachable. Calling it while a child is already running
// is a no-op.
func (c *Controller) EnsureRunning(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.child != nil {
		return nil
	}
	return c.spawnLocked(ctx)
}

// Restart stops any running child and spawns a fresh one.
func (c *Controller) Restart(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	return c.spawnLocked(ctx)
}

// Stop kills the current child, if any. Errors from the dying process are
// ignored; the handle is always cleared.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

// Port returns the local TCP port the bridge exposes.
func (c *Controller) Port() int { return c.opts.ListenPort }

func (c *Controller) spawnLocked(ctx context.Context) error {
	cmd := exec.Command(c.opts.Bin, c.args()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("bridge stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("bridge stderr pipe: %w", err)
	}

	slog.Info("starting bridge", "bin", c.opts.Bin, "device", c.opts.Device, "bundleId", c.opts.BundleID, "port", c.opts.ListenPort)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}

	go c.hub.Pipe(stdout, "bridge")
	go c.hub.Pipe(stderr, "bridge-err")

	// Reap the child whenever it exits so it never lingers as a zombie. The
	// result lands on exited for whoever stops the bridge.
	exited := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		if err != nil {
			slog.Warn("bridge exited", "error", err)
		} else {
			slog.Info("bridge exited")
		}
		exited <- err
	}()

	if err := probe.WaitForPort(ctx, c.opts.ListenPort, c.opts.Probe); err != nil {
		slog.Error("bridge port never became ready, killing child", "port", c.opts.ListenPort, "error", err)
		_ = cmd.Process.Kill()
		<-exited
		return fmt.Errorf("bridge did not expose port %d: %w", c.opts.ListenPort, err)
	}

	slog.Info("bridge ready", "port", c.opts.ListenPort)
	c.child = &child{cmd: cmd, exited: exited}
	return nil
}

func (c *Controller) stopLocked() {
	if c.child == nil {
		return
	}
	pid := c.child.cmd.Process.Pid
	slog.Info("stopping bridge", "pid", pid)
	_ = c.child.cmd.Process.Kill()

	// Wait is owned by the reaper goroutine; block on its result rather
	// than peeking at ProcessState.
	select {
	case <-c.child.exited:
	case <-time.After(2 * time.Second):
		slog.Warn("bridge still running after kill", "pid", pid)
	}
	c.child = nil
}
