package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/workspace/debug-agent/internal/buildrunner"
	"github.com/workspace/debug-agent/internal/devicectl"
	"github.com/workspace/debug-agent/internal/persistence"
	"github.com/workspace/debug-agent/internal/session"
)

// commandRequest is the single envelope for all /command actions. Fields not
// used by a given action are ignored.
type commandRequest struct {
	Action     string `json:"action"`
	File       string `json:"file"`
	Line       int    `json:"line"`
	Expression string `json:"expression"`
	ThreadID   int    `json:"thread_id"`
	Reference  *int   `json:"reference"`
}

// handleCommand dispatches one debug action. Failures of the action itself
// come back as HTTP 400 with {"ok": false, "error": ...}; a build that
// merely exits nonzero is still HTTP 200.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}

	slog.Debug("dispatching command", "action", req.Action)

	switch req.Action {
	case "stacktrace":
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "stacktrace": s.session.Stacktrace()})

	case "threads":
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "threads": s.session.Threads()})

	case "scopes":
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "scopes": s.session.Scopes()})

	case "locals":
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "locals": s.session.Locals()})

	case "variables":
		reference := 1
		if req.Reference != nil {
			reference = *req.Reference
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "variables": s.session.VariablesForReference(reference)})

	case "continue":
		s.writeResume(w, s.session.Continue)

	case "next":
		s.writeResume(w, s.session.StepOver)

	case "step_in":
		s.writeResume(w, s.session.StepIn)

	case "set_breakpoint":
		if req.File == "" {
			writeError(w, http.StatusBadRequest, "file is required")
			return
		}
		if req.Line < 1 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("line must be positive, got %d", req.Line))
			return
		}
		bp, err := s.session.SetBreakpoint(req.File, req.Line)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":            true,
			"breakpoint_id": bp.ID,
			"file":          bp.File,
			"line":          bp.Line,
		})

	case "evaluate":
		s.writeEvaluate(w, req.Expression, s.session.Evaluate)

	case "evaluate_swift":
		s.writeEvaluate(w, req.Expression, s.session.EvaluateSwift)

	case "watch_expr":
		watch, err := s.session.AddWatchExpression(req.Expression)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "watch": watch})

	case "select_thread":
		s.session.SelectThread(req.ThreadID)
		// The session clamps internally; the response echoes the request.
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "thread_id": req.ThreadID})

	case "disconnect":
		if err := s.session.Disconnect(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})

	case "launch":
		s.handleLaunch(w, r)

	case "restart":
		s.handleRestart(w, r)

	case "build":
		s.handleBuild(w, r)

	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action: %s", req.Action))
	}
}

func (s *Server) writeResume(w http.ResponseWriter, op func() (*session.SessionStop, error)) {
	stop, err := op()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "stopped": stop})
}

func (s *Server) writeEvaluate(w http.ResponseWriter, expression string, op func(string) (session.EvalResult, error)) {
	result, err := op(expression)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"result": result.Result,
		"type":   result.Type,
	})
}

// handleLaunch brings the bridge up and attaches the debug session to it.
func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeError(w, http.StatusBadRequest, "bridge not configured")
		return
	}
	if err := s.bridge.EnsureRunning(r.Context()); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.session.Connect(s.bridge.Port()); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.recordLaunch()
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "port": s.bridge.Port()})
}

// handleRestart tears down the bridge child and attaches to a fresh one.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeError(w, http.StatusBadRequest, "bridge not configured")
		return
	}
	if err := s.session.Disconnect(); err != nil {
		slog.Warn("disconnect before restart", "error", err)
	}
	if err := s.bridge.Restart(r.Context()); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.session.Connect(s.bridge.Port()); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.recordLaunch()
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "port": s.bridge.Port()})
}

// handleBuild runs the configured build command. A nonzero exit code is a
// successful HTTP response carrying the failure payload.
func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	result, err := s.builder.Run(context.WithoutCancel(r.Context()))
	if err != nil {
		if errors.Is(err, buildrunner.ErrNoCommand) {
			writeError(w, http.StatusBadRequest, "no build command configured")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// recordLaunch is best effort; history failures never fail the launch.
func (s *Server) recordLaunch() {
	if s.store == nil {
		return
	}
	if _, err := s.store.RecordLaunch(s.launchRecord()); err != nil {
		slog.Warn("record launch", "error", err)
	}
}

// launchRecord builds the history row, enriched with the pid and on-device
// binary path from the bridge's state file when one exists.
func (s *Server) launchRecord() persistence.LaunchRecord {
	rec := persistence.LaunchRecord{
		Device:     s.config.Device,
		BundleID:   s.config.BundleID,
		ListenPort: s.bridge.Port(),
		AppBinary:  s.config.Program,
	}
	if state, err := devicectl.ReadState(s.config.StateFile); err == nil {
		rec.PID = state.PID
		if state.AppBinary != "" {
			rec.AppBinary = state.AppBinary
		}
	}
	return rec
}
