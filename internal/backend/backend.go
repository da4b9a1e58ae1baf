// Package backend exposes low-level debug-stub operations to the session
// layer through a Debug Adapter Protocol client, without revealing the
// gdb-remote wire protocol the stub itself speaks.
package backend

import (
	"fmt"
	"os"

	"github.com/google/go-dap"
)

// StopEvent describes an execution halt reported by the adapter.
type StopEvent struct {
	Reason      string
	Description string
	ThreadID    int
}

// Backend is the capability set the debug session consumes. Read-only queries
// (StackTrace, Threads, Scopes, Variables) degrade to empty sequences on
// failure; mutating operations surface errors.
type Backend interface {
	// Connect establishes the debug connection through the local tunnel port.
	Connect(port int) error
	// StackTrace returns the frames of threadID, innermost first.
	StackTrace(threadID int) []dap.StackFrame
	// Threads returns the adapter-reported thread list.
	Threads() []dap.Thread
	// Scopes returns the variable scopes of the top frame.
	Scopes() []dap.Scope
	// Variables returns the variables of a reference handle.
	Variables(reference int) []dap.Variable
	// Continue resumes threadID. A nil StopEvent means the target did not
	// produce a new stop.
	Continue(threadID int) (*StopEvent, error)
	// StepOver steps threadID over the current line.
	StepOver(threadID int) (*StopEvent, error)
	// StepIn steps threadID into the current call.
	StepIn(threadID int) (*StopEvent, error)
	// UpdateBreakpoints replaces the full breakpoint set for file.
	UpdateBreakpoints(file string, lines []int) error
	// Disconnect tears down the debug connection. Safe to call when no
	// connection is open.
	Disconnect() error
	// ProgramPath returns the program binary this backend was built for.
	ProgramPath() string
}

// NewFromProgram builds the default DAP-based backend for a program binary.
func NewFromProgram(program string) (Backend, error) {
	return NewFromProgramWithAdapter(program, "")
}

// NewFromProgramWithAdapter builds the DAP-based backend with a specific
// adapter binary. An empty adapterPath uses the default.
func NewFromProgramWithAdapter(program, adapterPath string) (Backend, error) {
	if program == "" {
		return nil, fmt.Errorf("program path is required")
	}
	if _, err := os.Stat(program); err != nil {
		return nil, fmt.Errorf("program binary %s: %w", program, err)
	}
	opts := defaultOptions()
	if adapterPath != "" {
		opts.adapterPath = adapterPath
	}
	return newClient(program, opts), nil
}
