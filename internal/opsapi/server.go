// Package opsapi is the internal-only operations HTTP surface: process
// liveness, dialer/session counters, and a redacted session dump for
// on-call debugging (spec.md §3, expanded). It binds to loopback/private
// network by convention; the dialer is not a multi-tenant admin product,
// so unlike the teacher's internal/api this carries no auth layer.
package opsapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/voxdialer/voxdialer/internal/dialer"
	"github.com/voxdialer/voxdialer/internal/session"
)

// DialerStatus is the subset of *dialer.Dialer the ops surface needs.
type DialerStatus interface {
	Snapshot() dialer.Status
}

// SessionSnapshot is the subset of *session.Manager the ops surface needs.
type SessionSnapshot interface {
	Snapshot() []session.SessionSummary
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	d      DialerStatus
	mgr    SessionSnapshot
	logger *slog.Logger
}

// NewServer builds the ops HTTP handler with all routes mounted.
func NewServer(d DialerStatus, mgr SessionSnapshot, logger *slog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		d:      d,
		mgr:    mgr,
		logger: logger.With("component", "opsapi"),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Use(chimw.RequestID)
	r.Use(s.structuredLogger)
	r.Use(s.recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Get("/debug/sessions", s.handleDebugSessions)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Snapshot())
}

func (s *Server) handleDebugSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// structuredLogger mirrors the teacher's internal/api/middleware.StructuredLogger,
// reduced to this package's own small router.
func (s *Server) structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Info("http request",
			"request_id", chimw.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// recoverer mirrors the teacher's internal/api/middleware.Recoverer.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					"request_id", chimw.GetReqID(r.Context()),
					"panic", rec,
					"stack", string(debug.Stack()),
				)
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}
