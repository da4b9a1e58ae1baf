// Package server provides the HTTP command API for the debug agent.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/workspace/debug-agent/internal/auth"
	"github.com/workspace/debug-agent/internal/bridge"
	"github.com/workspace/debug-agent/internal/buildrunner"
	"github.com/workspace/debug-agent/internal/config"
	"github.com/workspace/debug-agent/internal/loghub"
	"github.com/workspace/debug-agent/internal/persistence"
	"github.com/workspace/debug-agent/internal/session"
)

// Deps carries the collaborators the server drives. Bridge, Store and
// Validator are optional.
type Deps struct {
	Session   *session.Session
	Hub       *loghub.Hub
	Bridge    *bridge.Controller
	Builder   *buildrunner.Runner
	Store     *persistence.Store
	Validator auth.TokenValidator
}

// Server is the HTTP server for the debug agent.
type Server struct {
	config     *config.Config
	session    *session.Session
	hub        *loghub.Hub
	bridge     *bridge.Controller
	builder    *buildrunner.Runner
	store      *persistence.Store
	validator  auth.TokenValidator
	httpServer *http.Server
}

// New creates a new server instance.
func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		config:    cfg,
		session:   deps.Session,
		hub:       deps.Hub,
		bridge:    deps.Bridge,
		builder:   deps.Builder,
		store:     deps.Store,
		validator: deps.Validator,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      s.Handler(),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /command", s.handleCommand)
	mux.HandleFunc("GET /logs", s.handleLogsSSE)
	mux.HandleFunc("GET /logs/ws", s.handleLogsWS)
	mux.HandleFunc("GET /launches", s.handleLaunches)
	mux.HandleFunc("GET /launches/latest", s.handleLatestLaunch)
	mux.HandleFunc("DELETE /launches/{id}", s.handleDeleteLaunch)
	return auth.Middleware(s.validator, mux)
}

// Start runs the HTTP server until Stop or a listen failure.
func (s *Server) Start() error {
	slog.Info("debug agent listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleHealth reports what the agent is attached to.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"program":         s.config.Program,
		"debugserverPort": s.config.DebugserverPort,
		"device":          s.config.Device,
		"bundleId":        s.config.BundleID,
		"host":            s.config.Host,
		"port":            s.config.Port,
	})
}

// handleLaunches lists recorded launches, newest first.
func (s *Server) handleLaunches(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "launch history not enabled")
		return
	}
	launches, err := s.store.ListLaunches()
	if err != nil {
		slog.Error("list launches", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list launches")
		return
	}
	count, err := s.store.LaunchCount()
	if err != nil {
		slog.Error("count launches", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to count launches")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"count":    count,
		"launches": launches,
	})
}

// handleLatestLaunch returns the most recent launch for the configured device.
func (s *Server) handleLatestLaunch(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "launch history not enabled")
		return
	}
	launch, err := s.store.LatestLaunch(s.config.Device)
	if err != nil {
		slog.Error("latest launch", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load latest launch")
		return
	}
	if launch == nil {
		writeError(w, http.StatusNotFound, "no launches recorded for device")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"launch": launch,
	})
}

// handleDeleteLaunch removes one launch record from the history.
func (s *Server) handleDeleteLaunch(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "launch history not enabled")
		return
	}
	if err := s.store.DeleteLaunch(r.PathValue("id")); err != nil {
		slog.Error("delete launch", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete launch")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a command API error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"ok":    false,
		"error": message,
	})
}
