// Package statusapi serves session status and diagnostics over HTTP and
// accepts operator stop requests.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/hugo-lorenzo-mato/simconsole/internal/core"
	"github.com/hugo-lorenzo-mato/simconsole/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/simconsole/internal/engine"
	"github.com/hugo-lorenzo-mato/simconsole/internal/storage"
)

// Optional session capabilities.
type (
	statusSource interface {
		Status() engine.Status
	}
	runLister interface {
		Runs(ctx context.Context, limit int) ([]storage.Run, error)
	}
	pauser interface {
		Pause()
		Resume()
	}
)

// Server is the status endpoint. It runs as a session service.
type Server struct {
	addr     string
	origins  []string
	registry *diagnostics.Registry
	monitor  *diagnostics.ResourceMonitor
	metrics  *diagnostics.SystemMetricsCollector
	logger   *slog.Logger
	recover  func()

	router chi.Router

	mu       sync.RWMutex
	session  core.Session
	srv      *http.Server
	listener net.Listener
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithCORSOrigins sets the allowed browser origins. Default none.
func WithCORSOrigins(origins []string) ServerOption {
	return func(s *Server) { s.origins = origins }
}

// WithMonitor adds resource snapshots to the diagnostics endpoint.
func WithMonitor(m *diagnostics.ResourceMonitor) ServerOption {
	return func(s *Server) { s.monitor = m }
}

// WithSystemMetrics adds host metrics to the diagnostics endpoint.
func WithSystemMetrics(c *diagnostics.SystemMetricsCollector) ServerOption {
	return func(s *Server) { s.metrics = c }
}

// WithRecover is deferred in the serve goroutine.
func WithRecover(fn func()) ServerOption {
	return func(s *Server) { s.recover = fn }
}

// NewServer creates a status server listening on addr once started.
func NewServer(addr string, registry *diagnostics.Registry, opts ...ServerOption) *Server {
	s := &Server{
		addr:     addr,
		registry: registry,
		logger:   slog.New(slog.DiscardHandler),
		recover:  func() {},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRouter()
	return s
}

// Name identifies the service.
func (s *Server) Name() string {
	return "status endpoint"
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetSession attaches the session served by the endpoints.
func (s *Server) SetSession(session core.Session) {
	s.mu.Lock()
	s.session = session
	s.mu.Unlock()
}

func (s *Server) currentSession() core.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// Start binds the listener and serves in the background.
func (s *Server) Start(_ context.Context, session core.Session) error {
	s.SetSession(session)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.srv = srv
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("starting status server", "addr", ln.Addr().String())
	go func() {
		defer s.recover()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverMiddleware)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.loggingMiddleware)

	if len(s.origins) > 0 {
		corsHandler := cors.New(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		})
		r.Use(corsHandler.Handler)
	}

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/diagnostics", s.handleDiagnostics)
		r.Get("/runs", s.handleRuns)
		r.Post("/stop", s.handleStop)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
	})

	return r
}

// recoverMiddleware hands handler panics to the recover hook, which ends
// the process with a fault report instead of answering 500.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer s.recover()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func statusForError(err error) int {
	var domErr *core.DomainError
	if !errors.As(err, &domErr) {
		return http.StatusInternalServerError
	}
	switch domErr.Category {
	case core.ErrCatValidation, core.ErrCatUsage:
		return http.StatusBadRequest
	case core.ErrCatNotFound:
		return http.StatusNotFound
	case core.ErrCatState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	session := s.currentSession()
	if session == nil {
		respondError(w, http.StatusServiceUnavailable, "no session")
		return
	}
	if src, ok := session.(statusSource); ok {
		respondJSON(w, http.StatusOK, src.Status())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"session_id": session.ID()})
}

// diagnosticsResponse is the body of GET /api/v1/diagnostics.
type diagnosticsResponse struct {
	Registry  []diagnostics.Entry           `json:"registry"`
	Resources *diagnostics.ResourceSnapshot `json:"resources,omitempty"`
	Warnings  []diagnostics.HealthWarning   `json:"warnings,omitempty"`
	System    *diagnostics.SystemMetrics    `json:"system,omitempty"`
	Uptime    string                        `json:"uptime,omitempty"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, _ *http.Request) {
	resp := diagnosticsResponse{Registry: []diagnostics.Entry{}}
	if s.registry != nil {
		resp.Registry = s.registry.Entries()
	}
	if s.monitor != nil {
		if snap, ok := s.monitor.GetLatest(); ok {
			resp.Resources = &snap
		}
		resp.Warnings = s.monitor.CheckHealth()
		resp.Uptime = s.monitor.Uptime().Round(time.Second).String()
	}
	if s.metrics != nil {
		m := s.metrics.Collect()
		resp.System = &m
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.currentSession().(runLister)
	if !ok {
		respondError(w, http.StatusNotImplemented, "session does not record runs")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	runs, err := lister.Runs(r.Context(), limit)
	if err != nil {
		respondError(w, statusForError(err), err.Error())
		return
	}
	if runs == nil {
		runs = []storage.Run{}
	}
	respondJSON(w, http.StatusOK, runs)
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	session := s.currentSession()
	if session == nil {
		respondError(w, http.StatusServiceUnavailable, "no session")
		return
	}
	s.logger.Warn("stop requested through status endpoint")
	session.JobDispatcher().RequestStop()
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "stop requested"})
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	p, ok := s.currentSession().(pauser)
	if !ok {
		respondError(w, http.StatusNotImplemented, "session cannot pause")
		return
	}
	p.Pause()
	respondJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	p, ok := s.currentSession().(pauser)
	if !ok {
		respondError(w, http.StatusNotImplemented, "session cannot resume")
		return
	}
	p.Resume()
	respondJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}
