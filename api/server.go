// Package api provides the HTTP API server for the slugger reconciler.
// Plans, validations and state reads are served over HTTP; apply is served
// only when enabled.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"slugger-infra/db/clickhouse"
	"slugger-infra/decision/plan"
	"slugger-infra/decision/policy"
	"slugger-infra/decision/reconcile"
	"slugger-infra/decision/widget"
	rerrors "slugger-infra/pkg/errors"
	"slugger-infra/pkg/platform"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RunLister lists journaled runs.
type RunLister interface {
	RecentRuns(ctx context.Context, limit int) ([]clickhouse.RunSummary, error)
	ListRun(ctx context.Context, runID string) ([]*clickhouse.JournalEntry, error)
}

// Flusher writes buffered journal entries.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Server is the HTTP API server
type Server struct {
	httpServer *http.Server
	engine     *reconcile.Engine
	runs       RunLister
	journal    Flusher
	readiness  []Pinger
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
	config     *Config
}

// Config holds server configuration
type Config struct {
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestSize int64
	CORSOrigins    []string
	APIKey         string
	// ConfigPath is the widget configuration used when a request has no body.
	ConfigPath string
	AllowApply bool
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:           8080,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   10 * time.Minute,
		MaxRequestSize: 1024 * 1024, // 1MB
		CORSOrigins:    []string{"*"},
	}
}

// NewServer creates a new API server
func NewServer(engine *reconcile.Engine, config *Config, logger *slog.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:   engine,
		gatherer: prometheus.DefaultGatherer,
		logger:   logger,
		config:   config,
	}
}

// WithRuns exposes journaled runs under /api/v1/runs.
func (s *Server) WithRuns(runs RunLister) *Server {
	s.runs = runs
	return s
}

// WithJournal flushes the apply journal after every apply request.
func (s *Server) WithJournal(f Flusher) *Server {
	s.journal = f
	return s
}

// WithReadiness adds a dependency checked by /ready.
func (s *Server) WithReadiness(p Pinger) *Server {
	s.readiness = append(s.readiness, p)
	return s
}

// WithGatherer replaces the registry served under /metrics.
func (s *Server) WithGatherer(g prometheus.Gatherer) *Server {
	s.gatherer = g
	return s
}

// Handler returns the routed and wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/plan", s.handlePlan)
	api.HandleFunc("POST /api/v1/validate", s.handleValidate)
	api.HandleFunc("POST /api/v1/verify", s.handleVerify)
	api.HandleFunc("POST /api/v1/apply", s.handleApply)
	api.HandleFunc("GET /api/v1/state", s.handleState)
	api.HandleFunc("GET /api/v1/runs", s.handleListRuns)
	api.HandleFunc("GET /api/v1/runs/{id}", s.handleGetRun)
	mux.Handle("/api/", platform.APIKeyMiddleware(s.config.APIKey, api))

	return s.corsMiddleware(s.loggingMiddleware(mux))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("API server starting", "port", s.config.Port, "apply_enabled", s.config.AllowApply)
	return s.httpServer.ListenAndServe()
}

// StartWithGracefulShutdown starts server with graceful shutdown handling
func (s *Server) StartWithGracefulShutdown(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		if err := s.Start(); !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"remote", r.RemoteAddr,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		allowed := false
		for _, o := range s.config.CORSOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// HEALTH ENDPOINTS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	for _, p := range s.readiness {
		if err := p.Ping(ctx); err != nil {
			s.jsonError(w, http.StatusServiceUnavailable, fmt.Sprintf("dependency not ready: %v", err))
			return
		}
	}
	if _, err := s.engine.State(ctx); err != nil {
		s.jsonError(w, http.StatusServiceUnavailable, fmt.Sprintf("state not readable: %v", err))
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ready"})
}

// =============================================================================
// RECONCILE ENDPOINTS
// =============================================================================

// PlanResponse is the API response for a plan
type PlanResponse struct {
	ID          string                   `json:"id"`
	GeneratedAt string                   `json:"generated_at"`
	Routing     any                      `json:"routing"`
	Policy      *policy.EvaluationResult `json:"policy"`
	Plan        plan.View                `json:"plan"`
}

// ApplyResponse is the API response for an apply
type ApplyResponse struct {
	PlanResponse
	Result   any  `json:"result"`
	Partial  bool `json:"partial"`
	ExitCode int  `json:"exit_code"`
}

// ValidateResponse is the API response for validate and verify
type ValidateResponse struct {
	Valid    bool                     `json:"valid"`
	Policy   *policy.EvaluationResult `json:"policy,omitempty"`
	Error    string                   `json:"error,omitempty"`
	ExitCode int                      `json:"exit_code"`
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.readConfig(w, r)
	if !ok {
		return
	}
	planned, err := s.engine.Plan(r.Context(), cfg)
	if err != nil {
		s.reconcileError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, planResponse(planned))
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.readConfig(w, r)
	if !ok {
		return
	}
	_, result, err := s.engine.Validate(r.Context(), cfg)
	s.validateResponse(w, result, err)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.readConfig(w, r)
	if !ok {
		return
	}
	result, err := s.engine.VerifyLive(r.Context(), cfg)
	s.validateResponse(w, result, err)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	if !s.config.AllowApply {
		s.jsonError(w, http.StatusForbidden, "apply is disabled on this server")
		return
	}
	cfg, ok := s.readConfig(w, r)
	if !ok {
		return
	}
	applied, err := s.engine.Apply(r.Context(), cfg)
	if s.journal != nil {
		if ferr := s.journal.Flush(context.WithoutCancel(r.Context())); ferr != nil {
			s.logger.Warn("journal flush failed", "error", ferr)
		}
	}
	if applied == nil || applied.Result == nil {
		s.reconcileError(w, err)
		return
	}

	resp := ApplyResponse{
		PlanResponse: planResponse(applied.Plan),
		Result:       applied.Result,
		Partial:      applied.Result.Partial(),
		ExitCode:     rerrors.ExitSuccess,
	}
	status := http.StatusOK
	if err != nil {
		resp.ExitCode = rerrors.ExitCode(err)
		status = http.StatusMultiStatus
	}
	s.jsonResponse(w, status, resp)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	records, err := s.engine.State(r.Context())
	if err != nil {
		s.reconcileError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, records)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.jsonError(w, http.StatusNotFound, "run journal is not configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.runs.RecentRuns(r.Context(), limit)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list runs: %v", err))
		return
	}
	s.jsonResponse(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.jsonError(w, http.StatusNotFound, "run journal is not configured")
		return
	}
	entries, err := s.runs.ListRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read run: %v", err))
		return
	}
	if len(entries) == 0 {
		s.jsonError(w, http.StatusNotFound, "run not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, entries)
}

// =============================================================================
// HELPERS
// =============================================================================

// readConfig parses the request body as widget configuration, falling back
// to the configured file when the body is empty.
func (s *Server) readConfig(w http.ResponseWriter, r *http.Request) (*widget.Config, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize))
	if err != nil {
		s.jsonError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("invalid request: %v", err))
		return nil, false
	}

	parser := widget.NewParser()
	var cfg *widget.Config
	switch {
	case len(body) > 0:
		cfg, err = parser.ParseBytes(body)
	case s.config.ConfigPath != "":
		cfg, err = parser.ParseFile(s.config.ConfigPath)
	default:
		s.jsonError(w, http.StatusBadRequest, "request has no configuration")
		return nil, false
	}
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, fmt.Sprintf("invalid configuration: %v", err))
		return nil, false
	}
	return cfg, true
}

func (s *Server) validateResponse(w http.ResponseWriter, result *policy.EvaluationResult, err error) {
	if err != nil && result == nil {
		s.reconcileError(w, err)
		return
	}
	resp := ValidateResponse{Valid: err == nil, Policy: result, ExitCode: rerrors.ExitCode(err)}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusUnprocessableEntity
	}
	s.jsonResponse(w, status, resp)
}

func (s *Server) reconcileError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch rerrors.ClassOf(err) {
	case rerrors.ClassValidation, rerrors.ClassGraph:
		status = http.StatusUnprocessableEntity
	case rerrors.ClassState:
		status = http.StatusConflict
	}
	s.jsonResponse(w, status, map[string]any{
		"error":     err.Error(),
		"exit_code": rerrors.ExitCode(err),
	})
}

func planResponse(p *reconcile.PlanResult) PlanResponse {
	return PlanResponse{
		ID:          p.ID.String(),
		GeneratedAt: p.GeneratedAt.Format(time.RFC3339),
		Routing:     p.Desired.Table,
		Policy:      p.Policy,
		Plan:        p.Plan.View(),
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}
