// Package session implements the debug session state machine. It turns
// primitive backend query results into structured domain objects and owns the
// breakpoint, thread-selection, and watch-expression state.
package session

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/workspace/debug-agent/internal/backend"
)

const (
	defaultThreadID = 1
	// localsReference is the variables reference reserved for the locals scope.
	localsReference = 1
)

// BackendError carries an opaque failure message from the debug backend. The
// message is surfaced, never parsed.
type BackendError struct {
	Message string
}

func (e *BackendError) Error() string {
	return e.Message
}

// UnsupportedExpressionError reports an expression this session cannot
// evaluate: empty, or not an exact match of a current local's name.
type UnsupportedExpressionError struct {
	Expression string
}

func (e *UnsupportedExpressionError) Error() string {
	return fmt.Sprintf("expression `%s` is not supported", e.Expression)
}

// Session is the domain state machine. All operations serialize on one
// exclusive lock: no two operations ever run concurrently against the same
// session.
type Session struct {
	mu               sync.Mutex
	backend          backend.Backend
	threadID         int
	nextBreakpointID uint32
	fileBreakpoints  map[string][]int
	watchExpressions []string
}

// New creates a session bound to a backend.
func New(b backend.Backend) *Session {
	return &Session{
		backend:          b,
		threadID:         defaultThreadID,
		nextBreakpointID: 1,
		fileBreakpoints:  make(map[string][]int),
	}
}

// Connect establishes the backend connection through the tunnel port.
func (s *Session) Connect(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Connect(port); err != nil {
		return &BackendError{Message: err.Error()}
	}
	return nil
}

// Disconnect tears down the backend connection. The backend decides whether a
// missing connection is an error; this layer does not guard.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Disconnect(); err != nil {
		return &BackendError{Message: err.Error()}
	}
	return nil
}

// Stacktrace returns the frames of the selected thread, innermost first. A
// backend query failure yields an empty slice, not an error.
func (s *Session) Stacktrace() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw := s.backend.StackTrace(s.threadID)
	frames := make([]Frame, 0, len(raw))
	for i, f := range raw {
		frames = append(frames, frameFromDAP(i, f))
	}
	return frames
}

// Threads passes the backend-reported thread list through unchanged.
func (s *Session) Threads() []Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw := s.backend.Threads()
	threads := make([]Thread, 0, len(raw))
	for _, t := range raw {
		threads = append(threads, Thread{ID: t.Id, Name: t.Name})
	}
	return threads
}

// Scopes passes the backend-reported scope list through unchanged.
func (s *Session) Scopes() []Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw := s.backend.Scopes()
	scopes := make([]Scope, 0, len(raw))
	for _, sc := range raw {
		scopes = append(scopes, Scope{Name: sc.Name, VariablesReference: sc.VariablesReference})
	}
	return scopes
}

// Continue resumes the selected thread. A nil stop means the target did not
// produce a new stop (still running, or exited).
func (s *Session) Continue() (*SessionStop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resume(s.backend.Continue)
}

// StepOver steps the selected thread over the current line.
func (s *Session) StepOver() (*SessionStop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resume(s.backend.StepOver)
}

// StepIn steps the selected thread into the current call.
func (s *Session) StepIn() (*SessionStop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resume(s.backend.StepIn)
}

func (s *Session) resume(op func(threadID int) (*backend.StopEvent, error)) (*SessionStop, error) {
	event, err := op(s.threadID)
	if err != nil {
		return nil, &BackendError{Message: err.Error()}
	}
	if event == nil {
		return nil, nil
	}
	return &SessionStop{
		Reason:      event.Reason,
		Description: event.Description,
		ThreadID:    event.ThreadID,
	}, nil
}

// SetBreakpoint records line in the file's breakpoint set and pushes the
// entire current set for that file to the backend. The full set is re-sent on
// every call so backend and session never diverge even if a prior sync was
// lost. The returned id is freshly allocated even when the line was already
// tracked.
func (s *Session) SetBreakpoint(file string, line int) (Breakpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := s.fileBreakpoints[file]
	idx := sort.SearchInts(lines, line)
	if idx == len(lines) || lines[idx] != line {
		lines = append(lines, 0)
		copy(lines[idx+1:], lines[idx:])
		lines[idx] = line
	}
	s.fileBreakpoints[file] = lines

	if err := s.backend.UpdateBreakpoints(file, append([]int(nil), lines...)); err != nil {
		return Breakpoint{}, &BackendError{Message: err.Error()}
	}

	id := s.nextBreakpointID
	if s.nextBreakpointID < math.MaxUint32 {
		s.nextBreakpointID++
	}
	return Breakpoint{ID: id, File: file, Line: line}, nil
}

// Locals returns the variables of the reserved locals reference.
func (s *Session) Locals() []Variable {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.variablesLocked(localsReference)
}

// VariablesForReference returns the variables the backend reports for a
// reference handle. No caching.
func (s *Session) VariablesForReference(reference int) []Variable {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.variablesLocked(reference)
}

func (s *Session) variablesLocked(reference int) []Variable {
	raw := s.backend.Variables(reference)
	vars := make([]Variable, 0, len(raw))
	for _, v := range raw {
		vars = append(vars, variableFromDAP(v))
	}
	return vars
}

// Evaluate resolves expression against the current locals by exact
// case-sensitive name match. This is a literal lookup, not an expression
// evaluator.
func (s *Session) Evaluate(expression string) (EvalResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evaluateLocked(expression)
}

func (s *Session) evaluateLocked(expression string) (EvalResult, error) {
	trimmed := strings.TrimSpace(expression)
	if trimmed == "" {
		return EvalResult{}, &UnsupportedExpressionError{Expression: expression}
	}
	for _, v := range s.variablesLocked(localsReference) {
		if v.Name == trimmed {
			return EvalResult{Result: v.Value, Type: v.Type}, nil
		}
	}
	return EvalResult{}, &UnsupportedExpressionError{Expression: expression}
}

// EvaluateSwift currently shares Evaluate's semantics.
func (s *Session) EvaluateSwift(expression string) (EvalResult, error) {
	return s.Evaluate(expression)
}

// AddWatchExpression registers the trimmed expression (once; string
// equality), then evaluates every registered watch expression and returns the
// full ordered list. If any evaluation fails the whole call fails with no
// partial results.
func (s *Session) AddWatchExpression(expression string) ([]WatchValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trimmed := strings.TrimSpace(expression)
	if trimmed == "" {
		return nil, &UnsupportedExpressionError{Expression: expression}
	}
	known := false
	for _, existing := range s.watchExpressions {
		if existing == trimmed {
			known = true
			break
		}
	}
	if !known {
		s.watchExpressions = append(s.watchExpressions, trimmed)
	}
	return s.evaluateWatchesLocked()
}

// WatchValues evaluates every registered watch expression.
func (s *Session) WatchValues() ([]WatchValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evaluateWatchesLocked()
}

func (s *Session) evaluateWatchesLocked() ([]WatchValue, error) {
	values := make([]WatchValue, 0, len(s.watchExpressions))
	for _, expr := range s.watchExpressions {
		result, err := s.evaluateLocked(expr)
		if err != nil {
			return nil, err
		}
		values = append(values, WatchValue{Expression: expr, Result: result})
	}
	return values, nil
}

// SelectThread sets the active thread, clamped to at least 1. The id is not
// validated against currently known threads.
func (s *Session) SelectThread(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 1 {
		id = 1
	}
	s.threadID = id
}

// ProgramPath returns the backend's bound program path.
func (s *Session) ProgramPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.ProgramPath()
}
