package session

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/debug-agent/internal/backend"
)

// fakeBackend records calls and serves canned data.
type fakeBackend struct {
	program string

	locals    []dap.Variable
	frames    []dap.StackFrame
	threads   []dap.Thread
	scopes    []dap.Scope
	stop      *backend.StopEvent
	resumeErr error
	syncErr   error

	syncCalls      []breakpointSync
	resumeThreads  []int
	stackThreads   []int
	connectedPorts []int
	disconnects    int
}

type breakpointSync struct {
	file  string
	lines []int
}

func (f *fakeBackend) Connect(port int) error {
	f.connectedPorts = append(f.connectedPorts, port)
	return nil
}

func (f *fakeBackend) StackTrace(threadID int) []dap.StackFrame {
	f.stackThreads = append(f.stackThreads, threadID)
	return f.frames
}

func (f *fakeBackend) Threads() []dap.Thread   { return f.threads }
func (f *fakeBackend) Scopes() []dap.Scope     { return f.scopes }
func (f *fakeBackend) Variables(reference int) []dap.Variable {
	if reference == 1 {
		return f.locals
	}
	return nil
}

func (f *fakeBackend) Continue(threadID int) (*backend.StopEvent, error) {
	f.resumeThreads = append(f.resumeThreads, threadID)
	return f.stop, f.resumeErr
}

func (f *fakeBackend) StepOver(threadID int) (*backend.StopEvent, error) {
	return f.Continue(threadID)
}

func (f *fakeBackend) StepIn(threadID int) (*backend.StopEvent, error) {
	return f.Continue(threadID)
}

func (f *fakeBackend) UpdateBreakpoints(file string, lines []int) error {
	f.syncCalls = append(f.syncCalls, breakpointSync{file: file, lines: lines})
	return f.syncErr
}

func (f *fakeBackend) Disconnect() error {
	f.disconnects++
	return nil
}

func (f *fakeBackend) ProgramPath() string { return f.program }

func TestSetBreakpoint_ResendsFullLineSet(t *testing.T) {
	fake := &fakeBackend{}
	s := New(fake)

	bp1, err := s.SetBreakpoint("A.swift", 10)
	require.NoError(t, err)
	bp2, err := s.SetBreakpoint("A.swift", 20)
	require.NoError(t, err)

	require.Len(t, fake.syncCalls, 2)
	assert.Equal(t, []int{10}, fake.syncCalls[0].lines)
	assert.Equal(t, []int{10, 20}, fake.syncCalls[1].lines, "second sync must carry the full set")
	assert.Equal(t, uint32(1), bp1.ID)
	assert.Equal(t, uint32(2), bp2.ID)
}

func TestSetBreakpoint_IdempotentLineStillAllocatesID(t *testing.T) {
	fake := &fakeBackend{}
	s := New(fake)

	bp1, err := s.SetBreakpoint("A.swift", 10)
	require.NoError(t, err)
	bp2, err := s.SetBreakpoint("A.swift", 10)
	require.NoError(t, err)

	assert.Equal(t, []int{10}, fake.syncCalls[1].lines, "duplicate line must not grow the set")
	assert.Less(t, bp1.ID, bp2.ID, "ids increase even for already-tracked lines")
}

func TestSetBreakpoint_IDsIncreaseAcrossFiles(t *testing.T) {
	fake := &fakeBackend{}
	s := New(fake)

	var last uint32
	for i, file := range []string{"A.swift", "B.swift", "A.swift", "C.swift"} {
		bp, err := s.SetBreakpoint(file, 5+i)
		require.NoError(t, err)
		require.Greater(t, bp.ID, last)
		last = bp.ID
	}
	assert.Equal(t, uint32(4), last)
}

func TestSetBreakpoint_BackendFailureSurfacesOnce(t *testing.T) {
	fake := &fakeBackend{syncErr: fmt.Errorf("stub gone")}
	s := New(fake)

	_, err := s.SetBreakpoint("A.swift", 10)
	var backendErr *BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, "stub gone", backendErr.Message)
	assert.Len(t, fake.syncCalls, 1, "no retry")
}

func TestEvaluate_EmptyAndWhitespaceUnsupported(t *testing.T) {
	s := New(&fakeBackend{})

	for _, expr := range []string{"", "   "} {
		_, err := s.Evaluate(expr)
		var unsupported *UnsupportedExpressionError
		require.ErrorAs(t, err, &unsupported, "expression %q", expr)
		assert.Equal(t, expr, unsupported.Expression)
	}
}

func TestEvaluate_ExactCaseSensitiveMatch(t *testing.T) {
	fake := &fakeBackend{locals: []dap.Variable{
		{Name: "counter", Type: "Int", Value: "42"},
		{Name: "Counter", Type: "Int", Value: "7"},
	}}
	s := New(fake)

	result, err := s.Evaluate("counter")
	require.NoError(t, err)
	assert.Equal(t, EvalResult{Result: "42", Type: "Int"}, result)

	result, err = s.Evaluate("  Counter ")
	require.NoError(t, err)
	assert.Equal(t, "7", result.Result)

	_, err = s.Evaluate("COUNTER")
	var unsupported *UnsupportedExpressionError
	require.ErrorAs(t, err, &unsupported)

	_, err = s.Evaluate("counter + 1")
	require.ErrorAs(t, err, &unsupported, "no real expression evaluation")
}

func TestEvaluateSwift_SharesEvaluateSemantics(t *testing.T) {
	fake := &fakeBackend{locals: []dap.Variable{{Name: "x", Type: "Double", Value: "1.5"}}}
	s := New(fake)

	result, err := s.EvaluateSwift("x")
	require.NoError(t, err)
	assert.Equal(t, "1.5", result.Result)
}

func TestSelectThread_ClampsToOne(t *testing.T) {
	fake := &fakeBackend{}
	s := New(fake)

	for _, id := range []int{0, -5} {
		s.SelectThread(id)
		s.Stacktrace()
	}
	assert.Equal(t, []int{1, 1}, fake.stackThreads)

	s.SelectThread(3)
	s.Stacktrace()
	assert.Equal(t, 3, fake.stackThreads[len(fake.stackThreads)-1])
}

func TestAddWatchExpression_RegistersDistinctOnce(t *testing.T) {
	fake := &fakeBackend{locals: []dap.Variable{
		{Name: "x", Type: "Int", Value: "1"},
		{Name: "y", Type: "Int", Value: "2"},
	}}
	s := New(fake)

	values, err := s.AddWatchExpression("x")
	require.NoError(t, err)
	require.Len(t, values, 1)

	values, err = s.AddWatchExpression("x")
	require.NoError(t, err)
	require.Len(t, values, 1, "duplicate registration must not grow the list")

	values, err = s.AddWatchExpression(" y ")
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Equal(t, "x", values[0].Expression, "first-registration order preserved")
	assert.Equal(t, "y", values[1].Expression)
}

func TestAddWatchExpression_EmptyUnsupported(t *testing.T) {
	s := New(&fakeBackend{})
	_, err := s.AddWatchExpression("  ")
	var unsupported *UnsupportedExpressionError
	require.ErrorAs(t, err, &unsupported)
}

func TestAddWatchExpression_AnyFailureFailsWholeCall(t *testing.T) {
	fake := &fakeBackend{locals: []dap.Variable{{Name: "x", Type: "Int", Value: "1"}}}
	s := New(fake)

	_, err := s.AddWatchExpression("x")
	require.NoError(t, err)

	// "gone" is not a local, so evaluating the full list fails.
	_, err = s.AddWatchExpression("gone")
	var unsupported *UnsupportedExpressionError
	require.ErrorAs(t, err, &unsupported)

	// The failing expression stays registered; the next evaluation of the
	// whole list fails too, with no partial results.
	_, err = s.WatchValues()
	require.Error(t, err)
}

func TestStacktrace_SentinelsForMissingFields(t *testing.T) {
	fake := &fakeBackend{frames: []dap.StackFrame{
		{Id: 7, Name: "main", Source: &dap.Source{Path: "/src/main.swift"}, Line: 12},
		{Id: 8},
	}}
	s := New(fake)

	frames := s.Stacktrace()
	require.Len(t, frames, 2)
	assert.Equal(t, Frame{FrameIndex: 0, Function: "main", File: "/src/main.swift", Line: 12}, frames[0])
	assert.Equal(t, Frame{FrameIndex: 1, Function: "<unknown>", File: "<unknown>", Line: 0}, frames[1])
}

func TestStacktrace_EmptyOnNoFrames(t *testing.T) {
	s := New(&fakeBackend{})
	assert.Empty(t, s.Stacktrace())
}

func TestVariables_SentinelDefaults(t *testing.T) {
	fake := &fakeBackend{locals: []dap.Variable{{Value: "9"}}}
	s := New(fake)

	vars := s.Locals()
	require.Len(t, vars, 1)
	assert.Equal(t, Variable{Name: "<unnamed>", Type: "<unknown>", Value: "9"}, vars[0])
}

func TestContinue_MapsStopAndError(t *testing.T) {
	fake := &fakeBackend{stop: &backend.StopEvent{Reason: "breakpoint", Description: "hit", ThreadID: 2}}
	s := New(fake)

	stop, err := s.Continue()
	require.NoError(t, err)
	require.NotNil(t, stop)
	assert.Equal(t, SessionStop{Reason: "breakpoint", Description: "hit", ThreadID: 2}, *stop)

	fake.stop = nil
	stop, err = s.Continue()
	require.NoError(t, err)
	assert.Nil(t, stop, "no stop means the target kept running or exited")

	fake.resumeErr = errors.New("connection lost")
	_, err = s.Continue()
	var backendErr *BackendError
	require.ErrorAs(t, err, &backendErr)
}

func TestConnectDisconnect_Delegation(t *testing.T) {
	fake := &fakeBackend{program: "/apps/My.app/My"}
	s := New(fake)

	require.NoError(t, s.Connect(2331))
	assert.Equal(t, []int{2331}, fake.connectedPorts)
	require.NoError(t, s.Disconnect())
	assert.Equal(t, 1, fake.disconnects)
	assert.Equal(t, "/apps/My.app/My", s.ProgramPath())
}
