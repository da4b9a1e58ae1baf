package backend

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/go-dap"
)

// options tunes the DAP client.
type options struct {
	// adapterPath is the DAP adapter binary driven over stdio.
	adapterPath string
	// requestTimeout bounds each request/response round trip.
	requestTimeout time.Duration
	// stopTimeout bounds the wait for a stopped event after a resume.
	stopTimeout time.Duration
}

func defaultOptions() options {
	return options{
		adapterPath:    "lldb-dap",
		requestTimeout: 10 * time.Second,
		stopTimeout:    5 * time.Second,
	}
}

// client drives an external DAP adapter process. The adapter attaches to the
// debug stub through the tunnelled gdb-remote port; this client never touches
// the gdb-remote byte stream itself.
type client struct {
	program string
	opts    options

	mu   sync.Mutex
	conn *adapterConn
}

func newClient(program string, opts options) *client {
	if opts.adapterPath == "" {
		opts.adapterPath = defaultOptions().adapterPath
	}
	if opts.requestTimeout <= 0 {
		opts.requestTimeout = defaultOptions().requestTimeout
	}
	if opts.stopTimeout <= 0 {
		opts.stopTimeout = defaultOptions().stopTimeout
	}
	return &client{program: program, opts: opts}
}

// adapterConn owns one adapter child process and its message loop.
type adapterConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader

	writeMu sync.Mutex

	seqMu sync.Mutex
	seq   int

	respMu  sync.Mutex
	pending map[int]chan dap.Message

	stopped    chan *dap.StoppedEvent
	terminated chan struct{}
	termOnce   sync.Once
	done       chan struct{}
}

func (c *client) Connect(port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.closeConnLocked()
	}

	cmd := exec.Command(c.opts.adapterPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("adapter stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("adapter stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return fmt.Errorf("failed to start debug adapter %s: %w", c.opts.adapterPath, err)
	}
	slog.Info("debug adapter started", "adapter", c.opts.adapterPath, "pid", cmd.Process.Pid)

	conn := &adapterConn{
		cmd:        cmd,
		stdin:      stdin,
		reader:     bufio.NewReader(stdout),
		pending:    make(map[int]chan dap.Message),
		stopped:    make(chan *dap.StoppedEvent, 16),
		terminated: make(chan struct{}),
		done:       make(chan struct{}),
	}
	go conn.readLoop()

	if err := c.handshake(conn, port); err != nil {
		conn.close()
		return err
	}
	c.conn = conn
	return nil
}

// handshake runs initialize, attach (through the gdb-remote tunnel port), and
// configurationDone.
func (c *client) handshake(conn *adapterConn, port int) error {
	initReq := &dap.InitializeRequest{
		Request: newRequest("initialize"),
		Arguments: dap.InitializeRequestArguments{
			ClientID:        "debug-agent",
			ClientName:      "Debug Agent",
			AdapterID:       "lldb",
			Locale:          "en-US",
			LinesStartAt1:   true,
			ColumnsStartAt1: true,
			PathFormat:      "path",
		},
	}
	if _, err := conn.roundTrip(initReq, c.opts.requestTimeout); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	attachArgs, err := json.Marshal(map[string]any{
		"program": c.program,
		"attachCommands": []string{
			fmt.Sprintf("gdb-remote 127.0.0.1:%d", port),
		},
	})
	if err != nil {
		return fmt.Errorf("marshal attach arguments: %w", err)
	}
	attachReq := &dap.AttachRequest{
		Request:   newRequest("attach"),
		Arguments: attachArgs,
	}
	if _, err := conn.roundTrip(attachReq, c.opts.requestTimeout); err != nil {
		return fmt.Errorf("attach via port %d: %w", port, err)
	}

	doneReq := &dap.ConfigurationDoneRequest{Request: newRequest("configurationDone")}
	if _, err := conn.roundTrip(doneReq, c.opts.requestTimeout); err != nil {
		return fmt.Errorf("configurationDone: %w", err)
	}
	return nil
}

func (c *client) StackTrace(threadID int) []dap.StackFrame {
	conn := c.current()
	if conn == nil {
		return nil
	}
	req := &dap.StackTraceRequest{
		Request:   newRequest("stackTrace"),
		Arguments: dap.StackTraceArguments{ThreadId: threadID},
	}
	resp, err := conn.roundTrip(req, c.opts.requestTimeout)
	if err != nil {
		slog.Debug("stackTrace query failed", "error", err)
		return nil
	}
	st, ok := resp.(*dap.StackTraceResponse)
	if !ok {
		return nil
	}
	return st.Body.StackFrames
}

func (c *client) Threads() []dap.Thread {
	conn := c.current()
	if conn == nil {
		return nil
	}
	req := &dap.ThreadsRequest{Request: newRequest("threads")}
	resp, err := conn.roundTrip(req, c.opts.requestTimeout)
	if err != nil {
		slog.Debug("threads query failed", "error", err)
		return nil
	}
	tr, ok := resp.(*dap.ThreadsResponse)
	if !ok {
		return nil
	}
	return tr.Body.Threads
}

func (c *client) Scopes() []dap.Scope {
	conn := c.current()
	if conn == nil {
		return nil
	}
	threads := c.Threads()
	if len(threads) == 0 {
		return nil
	}
	frames := c.StackTrace(threads[0].Id)
	if len(frames) == 0 {
		return nil
	}
	req := &dap.ScopesRequest{
		Request:   newRequest("scopes"),
		Arguments: dap.ScopesArguments{FrameId: frames[0].Id},
	}
	resp, err := conn.roundTrip(req, c.opts.requestTimeout)
	if err != nil {
		slog.Debug("scopes query failed", "error", err)
		return nil
	}
	sr, ok := resp.(*dap.ScopesResponse)
	if !ok {
		return nil
	}
	return sr.Body.Scopes
}

func (c *client) Variables(reference int) []dap.Variable {
	conn := c.current()
	if conn == nil {
		return nil
	}
	req := &dap.VariablesRequest{
		Request:   newRequest("variables"),
		Arguments: dap.VariablesArguments{VariablesReference: reference},
	}
	resp, err := conn.roundTrip(req, c.opts.requestTimeout)
	if err != nil {
		slog.Debug("variables query failed", "error", err)
		return nil
	}
	vr, ok := resp.(*dap.VariablesResponse)
	if !ok {
		return nil
	}
	return vr.Body.Variables
}

func (c *client) Continue(threadID int) (*StopEvent, error) {
	conn, err := c.require()
	if err != nil {
		return nil, err
	}
	req := &dap.ContinueRequest{
		Request:   newRequest("continue"),
		Arguments: dap.ContinueArguments{ThreadId: threadID},
	}
	if _, err := conn.roundTrip(req, c.opts.requestTimeout); err != nil {
		return nil, err
	}
	return conn.waitForStop(c.opts.stopTimeout), nil
}

func (c *client) StepOver(threadID int) (*StopEvent, error) {
	conn, err := c.require()
	if err != nil {
		return nil, err
	}
	req := &dap.NextRequest{
		Request:   newRequest("next"),
		Arguments: dap.NextArguments{ThreadId: threadID},
	}
	if _, err := conn.roundTrip(req, c.opts.requestTimeout); err != nil {
		return nil, err
	}
	return conn.waitForStop(c.opts.stopTimeout), nil
}

func (c *client) StepIn(threadID int) (*StopEvent, error) {
	conn, err := c.require()
	if err != nil {
		return nil, err
	}
	req := &dap.StepInRequest{
		Request:   newRequest("stepIn"),
		Arguments: dap.StepInArguments{ThreadId: threadID},
	}
	if _, err := conn.roundTrip(req, c.opts.requestTimeout); err != nil {
		return nil, err
	}
	return conn.waitForStop(c.opts.stopTimeout), nil
}

func (c *client) UpdateBreakpoints(file string, lines []int) error {
	conn, err := c.require()
	if err != nil {
		return err
	}
	breakpoints := make([]dap.SourceBreakpoint, len(lines))
	for i, line := range lines {
		breakpoints[i] = dap.SourceBreakpoint{Line: line}
	}
	req := &dap.SetBreakpointsRequest{
		Request: newRequest("setBreakpoints"),
		Arguments: dap.SetBreakpointsArguments{
			Source:      dap.Source{Path: file},
			Breakpoints: breakpoints,
		},
	}
	_, err = conn.roundTrip(req, c.opts.requestTimeout)
	return err
}

func (c *client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	req := &dap.DisconnectRequest{
		Request:   newRequest("disconnect"),
		Arguments: &dap.DisconnectArguments{TerminateDebuggee: false},
	}
	_, err := c.conn.roundTrip(req, c.opts.requestTimeout)
	c.closeConnLocked()
	return err
}

func (c *client) ProgramPath() string {
	return c.program
}

func (c *client) current() *adapterConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *client) require() (*adapterConn, error) {
	conn := c.current()
	if conn == nil {
		return nil, fmt.Errorf("not connected to debug adapter")
	}
	return conn, nil
}

func (c *client) closeConnLocked() {
	if c.conn != nil {
		c.conn.close()
		c.conn = nil
	}
}

func newRequest(command string) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Type: "request"},
		Command:         command,
	}
}

// readLoop routes adapter messages: responses to their pending request,
// stopped/terminated events to the channels resume operations wait on.
func (a *adapterConn) readLoop() {
	defer close(a.done)
	for {
		msg, err := dap.ReadProtocolMessage(a.reader)
		if err != nil {
			a.failPending()
			a.markTerminated()
			return
		}
		switch m := msg.(type) {
		case dap.ResponseMessage:
			resp := m.GetResponse()
			a.respMu.Lock()
			if ch, ok := a.pending[resp.RequestSeq]; ok {
				ch <- msg
				delete(a.pending, resp.RequestSeq)
			}
			a.respMu.Unlock()
		case *dap.StoppedEvent:
			select {
			case a.stopped <- m:
			default:
				// Drop the oldest stop so the newest is always observable.
				select {
				case <-a.stopped:
				default:
				}
				a.stopped <- m
			}
		case *dap.TerminatedEvent:
			a.markTerminated()
		case *dap.ExitedEvent:
			a.markTerminated()
		}
	}
}

func (a *adapterConn) markTerminated() {
	a.termOnce.Do(func() { close(a.terminated) })
}

func (a *adapterConn) failPending() {
	a.respMu.Lock()
	defer a.respMu.Unlock()
	for seq, ch := range a.pending {
		close(ch)
		delete(a.pending, seq)
	}
}

func (a *adapterConn) nextSeq() int {
	a.seqMu.Lock()
	defer a.seqMu.Unlock()
	a.seq++
	return a.seq
}

// roundTrip sends one request and waits for its response. A response with
// Success=false is an error carrying the adapter's message text.
func (a *adapterConn) roundTrip(req dap.RequestMessage, timeout time.Duration) (dap.Message, error) {
	request := req.GetRequest()
	seq := a.nextSeq()
	request.Seq = seq

	respCh := make(chan dap.Message, 1)
	a.respMu.Lock()
	a.pending[seq] = respCh
	a.respMu.Unlock()

	a.writeMu.Lock()
	err := dap.WriteProtocolMessage(a.stdin, req)
	a.writeMu.Unlock()
	if err != nil {
		a.respMu.Lock()
		delete(a.pending, seq)
		a.respMu.Unlock()
		return nil, fmt.Errorf("send %s request: %w", request.Command, err)
	}

	select {
	case msg, ok := <-respCh:
		if !ok {
			return nil, fmt.Errorf("%s request: adapter connection closed", request.Command)
		}
		resp := msg.(dap.ResponseMessage).GetResponse()
		if !resp.Success {
			return nil, fmt.Errorf("%s request failed: %s", request.Command, resp.Message)
		}
		return msg, nil
	case <-time.After(timeout):
		a.respMu.Lock()
		delete(a.pending, seq)
		a.respMu.Unlock()
		return nil, fmt.Errorf("%s request timed out after %s", request.Command, timeout)
	}
}

// waitForStop waits for the next stopped event. Returns nil when the target
// terminated or produced no stop within the timeout (still running or exited).
func (a *adapterConn) waitForStop(timeout time.Duration) *StopEvent {
	select {
	case ev := <-a.stopped:
		return &StopEvent{
			Reason:      ev.Body.Reason,
			Description: ev.Body.Description,
			ThreadID:    ev.Body.ThreadId,
		}
	case <-a.terminated:
		return nil
	case <-time.After(timeout):
		return nil
	}
}

func (a *adapterConn) close() {
	a.stdin.Close()
	if a.cmd.Process != nil {
		_ = a.cmd.Process.Kill()
	}
	_ = a.cmd.Wait()
	<-a.done
}
