package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/debug-agent/internal/backend"
	"github.com/workspace/debug-agent/internal/bridge"
	"github.com/workspace/debug-agent/internal/buildrunner"
	"github.com/workspace/debug-agent/internal/config"
	"github.com/workspace/debug-agent/internal/devicectl"
	"github.com/workspace/debug-agent/internal/loghub"
	"github.com/workspace/debug-agent/internal/persistence"
	"github.com/workspace/debug-agent/internal/session"
)

type fakeBackend struct {
	locals    []dap.Variable
	stop      *backend.StopEvent
	syncCalls [][]int
}

func (f *fakeBackend) Connect(port int) error                   { return nil }
func (f *fakeBackend) StackTrace(threadID int) []dap.StackFrame { return nil }
func (f *fakeBackend) Threads() []dap.Thread                    { return []dap.Thread{{Id: 1, Name: "main"}} }
func (f *fakeBackend) Scopes() []dap.Scope                      { return nil }

func (f *fakeBackend) Variables(reference int) []dap.Variable {
	if reference == 1 {
		return f.locals
	}
	return nil
}

func (f *fakeBackend) Continue(threadID int) (*backend.StopEvent, error) { return f.stop, nil }
func (f *fakeBackend) StepOver(threadID int) (*backend.StopEvent, error) { return f.stop, nil }
func (f *fakeBackend) StepIn(threadID int) (*backend.StopEvent, error)   { return f.stop, nil }

func (f *fakeBackend) UpdateBreakpoints(file string, lines []int) error {
	f.syncCalls = append(f.syncCalls, append([]int(nil), lines...))
	return nil
}

func (f *fakeBackend) Disconnect() error   { return nil }
func (f *fakeBackend) ProgramPath() string { return "/apps/My.app/My" }

func newTestServer(t *testing.T, fake *fakeBackend) (*Server, *loghub.Hub) {
	t.Helper()
	cfg := config.Default()
	cfg.Program = "/apps/My.app/My"
	cfg.Device = "UDID-1"
	cfg.BundleID = "com.example.My"

	hub := loghub.New()
	t.Cleanup(hub.Close)

	s := New(cfg, Deps{
		Session: session.New(fake),
		Hub:     hub,
		Builder: buildrunner.New(nil),
	})
	return s, hub
}

func postCommand(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/command", bytes.NewBufferString(body))
	r.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(w, r)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, &fakeBackend{})
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "/apps/My.app/My", body["program"])
	assert.Equal(t, "UDID-1", body["device"])
	assert.Equal(t, "com.example.My", body["bundleId"])
	assert.Equal(t, float64(2331), body["debugserverPort"])
}

func TestCommand_SetBreakpointAllocatesIDsAndResyncs(t *testing.T) {
	fake := &fakeBackend{}
	s, _ := newTestServer(t, fake)
	h := s.Handler()

	w := postCommand(t, h, `{"action":"set_breakpoint","file":"A.swift","line":10}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["breakpoint_id"])

	w = postCommand(t, h, `{"action":"set_breakpoint","file":"A.swift","line":20}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decodeBody(t, w)["breakpoint_id"])

	require.Len(t, fake.syncCalls, 2)
	assert.Equal(t, []int{10, 20}, fake.syncCalls[1], "full line set on every sync")
}

func TestCommand_SetBreakpointValidation(t *testing.T) {
	s, _ := newTestServer(t, &fakeBackend{})
	h := s.Handler()

	w := postCommand(t, h, `{"action":"set_breakpoint","line":10}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postCommand(t, h, `{"action":"set_breakpoint","file":"A.swift","line":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["ok"])
}

func TestCommand_EvaluateFlattensResultAndType(t *testing.T) {
	fake := &fakeBackend{locals: []dap.Variable{{Name: "counter", Type: "Int", Value: "42"}}}
	s, _ := newTestServer(t, fake)
	h := s.Handler()

	w := postCommand(t, h, `{"action":"evaluate","expression":"counter"}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "42", body["result"])
	assert.Equal(t, "Int", body["type"])

	w = postCommand(t, h, `{"action":"evaluate","expression":"missing"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	body = decodeBody(t, w)
	assert.Equal(t, false, body["ok"])
	assert.Contains(t, body["error"], "not supported")

	w = postCommand(t, h, `{"action":"evaluate_swift","expression":"counter"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "42", decodeBody(t, w)["result"])
}

func TestCommand_WatchExprReturnsWatchList(t *testing.T) {
	fake := &fakeBackend{locals: []dap.Variable{{Name: "counter", Type: "Int", Value: "42"}}}
	s, _ := newTestServer(t, fake)
	h := s.Handler()

	w := postCommand(t, h, `{"action":"watch_expr","expression":"counter"}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["ok"])
	watch := body["watch"].([]interface{})
	require.Len(t, watch, 1)
	entry := watch[0].(map[string]interface{})
	assert.Equal(t, "counter", entry["expression"])
	result := entry["result"].(map[string]interface{})
	assert.Equal(t, "42", result["result"])
}

func TestCommand_SelectThreadEchoesRequestedID(t *testing.T) {
	s, _ := newTestServer(t, &fakeBackend{})
	h := s.Handler()

	w := postCommand(t, h, `{"action":"select_thread","thread_id":0}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decodeBody(t, w)["thread_id"], "response echoes the request even though the session clamps")
}

func TestCommand_QueriesDegradeToEmpty(t *testing.T) {
	s, _ := newTestServer(t, &fakeBackend{})
	h := s.Handler()

	for _, action := range []string{"stacktrace", "scopes", "locals", "threads"} {
		w := postCommand(t, h, fmt.Sprintf(`{"action":%q}`, action))
		require.Equal(t, http.StatusOK, w.Code, action)
		assert.Equal(t, true, decodeBody(t, w)["ok"], action)
	}
}

func TestCommand_VariablesDefaultsToLocalsReference(t *testing.T) {
	fake := &fakeBackend{locals: []dap.Variable{{Name: "x", Type: "Int", Value: "1"}}}
	s, _ := newTestServer(t, fake)
	h := s.Handler()

	w := postCommand(t, h, `{"action":"variables"}`)
	require.Equal(t, http.StatusOK, w.Code)
	vars := decodeBody(t, w)["variables"].([]interface{})
	require.Len(t, vars, 1)

	w = postCommand(t, h, `{"action":"variables","reference":99}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeBody(t, w)["variables"])
}

func TestCommand_ContinueReportsStop(t *testing.T) {
	fake := &fakeBackend{stop: &backend.StopEvent{Reason: "breakpoint", ThreadID: 1}}
	s, _ := newTestServer(t, fake)
	h := s.Handler()

	w := postCommand(t, h, `{"action":"continue"}`)
	require.Equal(t, http.StatusOK, w.Code)
	stopped := decodeBody(t, w)["stopped"].(map[string]interface{})
	assert.Equal(t, "breakpoint", stopped["reason"])

	fake.stop = nil
	w = postCommand(t, h, `{"action":"next"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, decodeBody(t, w)["stopped"])
}

func TestCommand_UnknownAndMissing(t *testing.T) {
	s, _ := newTestServer(t, &fakeBackend{})
	h := s.Handler()

	w := postCommand(t, h, `{"action":"frobnicate"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], "unknown action")

	w = postCommand(t, h, `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postCommand(t, h, `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCommand_LaunchWithoutBridge(t *testing.T) {
	s, _ := newTestServer(t, &fakeBackend{})
	h := s.Handler()

	for _, action := range []string{"launch", "restart"} {
		w := postCommand(t, h, fmt.Sprintf(`{"action":%q}`, action))
		require.Equal(t, http.StatusBadRequest, w.Code, action)
		assert.Contains(t, decodeBody(t, w)["error"], "bridge not configured")
	}
}

func TestCommand_BuildNoCommandConfigured(t *testing.T) {
	s, _ := newTestServer(t, &fakeBackend{})
	w := postCommand(t, s.Handler(), `{"action":"build"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], "no build command")
}

func TestCommand_BuildFailureIsStillHTTP200(t *testing.T) {
	fake := &fakeBackend{}
	cfg := config.Default()
	cfg.Program = "/apps/My.app/My"
	hub := loghub.New()
	t.Cleanup(hub.Close)
	s := New(cfg, Deps{
		Session: session.New(fake),
		Hub:     hub,
		Builder: buildrunner.New([]string{"/bin/sh", "-c", "echo broken >&2; exit 3"}),
	})

	w := postCommand(t, s.Handler(), `{"action":"build"}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, float64(3), body["exitCode"])
	assert.Contains(t, body["stderr"], "broken")
}

func TestLaunches_DisabledAndEnabled(t *testing.T) {
	s, _ := newTestServer(t, &fakeBackend{})
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/launches", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	_, err = store.RecordLaunch(persistence.LaunchRecord{Device: "UDID-1", BundleID: "com.example.My"})
	require.NoError(t, err)

	s.store = store
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/launches", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	launches := body["launches"].([]interface{})
	assert.Len(t, launches, 1)
	assert.Equal(t, float64(1), body["count"])
}

func TestLaunches_LatestAndDelete(t *testing.T) {
	s, _ := newTestServer(t, &fakeBackend{})
	h := s.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/launches/latest", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	s.store = store
	h = s.Handler()

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/launches/latest", nil))
	assert.Equal(t, http.StatusNotFound, w.Code, "empty history has no latest launch")

	old, err := store.RecordLaunch(persistence.LaunchRecord{
		Device: "UDID-1", BundleID: "com.example.My", CreatedAt: "2026-08-24T10:00:00Z",
	})
	require.NoError(t, err)
	newest, err := store.RecordLaunch(persistence.LaunchRecord{
		Device: "UDID-1", BundleID: "com.example.My", PID: 4242, CreatedAt: "2026-08-25T10:00:00Z",
	})
	require.NoError(t, err)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/launches/latest", nil))
	require.Equal(t, http.StatusOK, w.Code)
	launch := decodeBody(t, w)["launch"].(map[string]interface{})
	assert.Equal(t, newest.ID, launch["id"])
	assert.Equal(t, float64(4242), launch["pid"])

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/launches/"+newest.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["ok"])

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/launches/latest", nil))
	require.Equal(t, http.StatusOK, w.Code)
	launch = decodeBody(t, w)["launch"].(map[string]interface{})
	assert.Equal(t, old.ID, launch["id"], "delete promotes the previous launch")
}

func TestRecordLaunch_ReadsPidFromStateFile(t *testing.T) {
	s, _ := newTestServer(t, &fakeBackend{})

	stateFile := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, devicectl.WriteState(stateFile, devicectl.State{
		Device:     "UDID-1",
		BundleID:   "com.example.My",
		ListenPort: 2331,
		AppBinary:  "/private/var/My.app/My",
		PID:        4242,
	}))
	s.config.StateFile = stateFile

	ctrl, err := bridge.NewController(bridge.Options{
		Bin: "/bin/true", Device: "UDID-1", BundleID: "com.example.My", ListenPort: 2331,
	}, nil)
	require.NoError(t, err)
	s.bridge = ctrl

	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	s.store = store

	s.recordLaunch()

	launches, err := store.ListLaunches()
	require.NoError(t, err)
	require.Len(t, launches, 1)
	assert.Equal(t, int64(4242), launches[0].PID)
	assert.Equal(t, "/private/var/My.app/My", launches[0].AppBinary, "state file binary outranks the host-side copy")
	assert.Equal(t, 2331, launches[0].ListenPort)
}

func TestLogsSSE_StreamsTaggedLines(t *testing.T) {
	s, hub := newTestServer(t, &fakeBackend{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/logs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Give the handler a moment to subscribe before publishing.
	time.Sleep(100 * time.Millisecond)
	hub.Publish("bridge", "debugserver ready")

	reader := bufio.NewReader(resp.Body)
	deadline := time.After(3 * time.Second)
	lineCh := make(chan string, 8)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			lineCh <- strings.TrimRight(line, "\n")
		}
	}()

	for {
		select {
		case line := <-lineCh:
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var got loghub.Line
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &got))
			assert.Equal(t, "bridge", got.Tag)
			assert.Equal(t, "debugserver ready", got.Text)
			return
		case <-deadline:
			t.Fatal("no SSE data line received")
		}
	}
}

func TestLogsWS_StreamsTaggedLines(t *testing.T) {
	s, hub := newTestServer(t, &fakeBackend{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/logs/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(100 * time.Millisecond)
	hub.Publish("log", "app says hello")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got loghub.Line
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "log", got.Tag)
	assert.Equal(t, "app says hello", got.Text)
}
