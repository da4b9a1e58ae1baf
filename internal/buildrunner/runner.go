// Package buildrunner executes a configured external build command to
// completion and captures its output.
package buildrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// ErrNoCommand is returned when the runner was constructed with an empty
// command vector.
var ErrNoCommand = errors.New("build command requires at least one argument")

// Result is the fully materialized outcome of one build run. A nonzero exit
// code is reported here, not as an error from Run.
type Result struct {
	Success  bool   `json:"ok"`
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Runner executes a fixed command vector.
type Runner struct {
	command []string
}

// New creates a runner for the given command vector.
func New(command []string) *Runner {
	return &Runner{command: command}
}

// Run executes the command and waits for it to exit. It fails only when the
// command vector is empty or the process cannot be spawned.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if len(r.command) == 0 {
		return nil, ErrNoCommand
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, r.command[0], r.command[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn build command: %w", err)
	}

	exitCode := 0
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to run build command: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	slog.Info("build command finished",
		"command", r.command[0],
		"exitCode", exitCode,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	return &Result{
		Success:  exitCode == 0,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}
