// Package devicectl wraps the external device-management tool: installing the
// app, launching it suspended, and building the debugserver attach command.
// The tool is opaque; only its argument vector and JSON output format are
// known here.
package devicectl

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
)

// Runner invokes the device-management tool, usually `xcrun devicectl`.
type Runner struct {
	// Bin is the wrapper binary, e.g. "xcrun".
	Bin string
	// Subcommand is passed first when non-empty, e.g. "devicectl".
	Subcommand string
}

// LaunchResult carries what the launch JSON output revealed.
type LaunchResult struct {
	PID       int64
	AppBinary string
}

func (r *Runner) command(ctx context.Context, args ...string) *exec.Cmd {
	if r.Subcommand != "" {
		args = append([]string{r.Subcommand}, args...)
	}
	return exec.CommandContext(ctx, r.Bin, args...)
}

// Install installs the .app bundle onto the device.
func (r *Runner) Install(ctx context.Context, device, appPath string) error {
	slog.Info("installing app", "app", appPath, "device", device)
	cmd := r.command(ctx, "device", "install", "--device", device, appPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("devicectl install failed: %w", err)
	}
	return nil
}

// LaunchWaiting launches the bundle suspended (--start-stopped) and probes the
// tool's JSON output for the process identifier and app binary path.
func (r *Runner) LaunchWaiting(ctx context.Context, device, bundleID string, extraArgs []string) (*LaunchResult, error) {
	jsonFile, err := os.CreateTemp("", "debug_agent_launch_*.json")
	if err != nil {
		return nil, fmt.Errorf("create launch output file: %w", err)
	}
	jsonPath := jsonFile.Name()
	jsonFile.Close()
	defer os.Remove(jsonPath)

	args := []string{
		"device", "process", "launch",
		"--device", device,
		"--start-stopped",
		"--terminate-existing",
	}
	args = append(args, extraArgs...)
	args = append(args, "-j", jsonPath, bundleID)

	cmd := r.command(ctx, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("devicectl launch failed: %w", err)
	}

	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, fmt.Errorf("read launch output %s: %w", jsonPath, err)
	}

	pid, ok := ExtractProcessIdentifier(data)
	if !ok {
		return nil, fmt.Errorf("launch output missing process identifier")
	}
	binary, _ := ExtractAppBinary(data)
	return &LaunchResult{PID: pid, AppBinary: binary}, nil
}

// DebugServerCommand builds the command that runs debugserver on the device,
// attached to pid, with its gdb-remote protocol on stdio. The command is not
// started; the tunnel owns its lifecycle.
func (r *Runner) DebugServerCommand(ctx context.Context, device, debugserverPath string, pid int64) *exec.Cmd {
	return r.command(ctx,
		"device", "process", "launch",
		"--device", device,
		"--console",
		debugserverPath,
		"stdio",
		fmt.Sprintf("--attach=%d", pid),
	)
}
