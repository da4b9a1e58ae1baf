package session

import "github.com/google/go-dap"

// Sentinels for fields the backend did not report.
const (
	unknownSentinel = "<unknown>"
	unnamedSentinel = "<unnamed>"
)

// Frame is one stack frame, reconstructed fresh on each stacktrace request.
type Frame struct {
	FrameIndex int    `json:"frame_index"`
	Function   string `json:"function"`
	File       string `json:"file"`
	Line       int    `json:"line"`
}

// Thread mirrors the backend's thread record.
type Thread struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Scope mirrors the backend's scope record.
type Scope struct {
	Name               string `json:"name"`
	VariablesReference int    `json:"variablesReference"`
}

// Variable is one variable record with sentinel defaults for missing fields.
type Variable struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// EvalResult is the outcome of evaluating an expression.
type EvalResult struct {
	Result string `json:"result"`
	Type   string `json:"type"`
}

// WatchValue pairs a registered watch expression with its current value.
type WatchValue struct {
	Expression string     `json:"expression"`
	Result     EvalResult `json:"result"`
}

// Breakpoint is a session-local handle; its id does not correspond to any
// backend-side index.
type Breakpoint struct {
	ID   uint32 `json:"id"`
	File string `json:"file"`
	Line int    `json:"line"`
}

// SessionStop describes an execution halt.
type SessionStop struct {
	Reason      string `json:"reason"`
	Description string `json:"description"`
	ThreadID    int    `json:"thread_id"`
}

func frameFromDAP(index int, f dap.StackFrame) Frame {
	function := f.Name
	if function == "" {
		function = unknownSentinel
	}
	file := unknownSentinel
	if f.Source != nil && f.Source.Path != "" {
		file = f.Source.Path
	}
	line := f.Line
	if line < 0 {
		line = 0
	}
	return Frame{FrameIndex: index, Function: function, File: file, Line: line}
}

func variableFromDAP(v dap.Variable) Variable {
	name := v.Name
	if name == "" {
		name = unnamedSentinel
	}
	ty := v.Type
	if ty == "" {
		ty = unknownSentinel
	}
	return Variable{Name: name, Type: ty, Value: v.Value}
}
