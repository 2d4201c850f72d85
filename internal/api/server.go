package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/baseddata-vacuum/internal/config"
	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
	"github.com/JakeFAU/baseddata-vacuum/internal/orchestrator"
	"github.com/JakeFAU/baseddata-vacuum/internal/resolve"
	"github.com/JakeFAU/baseddata-vacuum/internal/store"
	"github.com/JakeFAU/baseddata-vacuum/internal/telemetry"
)

const (
	maxBodyBytes    = 1 << 20
	probeTimeout    = 3 * time.Second
	defaultRunLimit = 15 * time.Minute
)

// Runner executes a run to completion.
type Runner interface {
	Run(ctx context.Context, req ingest.RunRequest) (orchestrator.Outcome, error)
}

// Submitter records a run as pending and queues it.
type Submitter interface {
	Submit(ctx context.Context, req ingest.RunRequest) (ingest.RunRequest, error)
}

// ReadinessCheck reports whether one dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Deps are the collaborators behind the routes. Submitter, Resolver, and
// Ready are optional.
type Deps struct {
	Runner    Runner
	Submitter Submitter
	Runs      store.RunRepository
	Resolver  orchestrator.Resolver
	Ready     map[string]ReadinessCheck
	Logger    *zap.Logger
}

// Server wires HTTP handlers to the orchestrator and stores.
type Server struct {
	router     chi.Router
	runner     Runner
	submitter  Submitter
	resolver   orchestrator.Resolver
	ready      map[string]ReadinessCheck
	runTimeout time.Duration
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	s := &Server{
		runner:     deps.Runner,
		submitter:  deps.Submitter,
		resolver:   deps.Resolver,
		ready:      deps.Ready,
		runTimeout: time.Duration(cfg.Server.RunTimeoutSeconds) * time.Second,
		logger:     logger,
	}
	if s.runTimeout <= 0 {
		s.runTimeout = defaultRunLimit
	}
	runLog := NewRunLogHandler(deps.Runs, logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(corsMiddleware(cfg.Server.CORSAllowAllOrigin))
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/modes", s.listModes)
		r.Post("/resolve", s.resolve)
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.invokeRun)
			r.Get("/", runLog.ListRuns)
			r.Get("/{run_id}", runLog.GetRun)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.ready {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("checks", failed))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listModes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"modes": orchestrator.Modes()})
}

type runRequest struct {
	Mode     string   `json:"mode" validate:"required,max=64"`
	Trigger  string   `json:"trigger" validate:"omitempty,max=64"`
	Source   string   `json:"source" validate:"omitempty,max=64"`
	States   []string `json:"states" validate:"omitempty,max=60,dive,len=2,alpha"`
	Agencies []string `json:"agencies" validate:"omitempty,max=50,dive,required,max=64"`
	Years    []int    `json:"years" validate:"omitempty,max=20,dive,min=1980,max=2100"`
	Keywords []string `json:"keywords" validate:"omitempty,max=50,dive,required,max=200"`
	MaxPages int      `json:"max_pages" validate:"gte=0,lte=1000"`
	Resolve  *bool    `json:"resolve"`
	Async    bool     `json:"async"`
}

func (b runRequest) toRunRequest() ingest.RunRequest {
	trigger := b.Trigger
	if trigger == "" {
		trigger = "api"
	}
	return ingest.RunRequest{
		Mode:     b.Mode,
		Trigger:  trigger,
		Source:   b.Source,
		States:   b.States,
		Agencies: b.Agencies,
		Years:    b.Years,
		Keywords: b.Keywords,
		MaxPages: b.MaxPages,
		Resolve:  b.Resolve,
	}
}

type sourceDTO struct {
	Source     string   `json:"source"`
	Loaded     int      `json:"loaded"`
	Skipped    int      `json:"skipped"`
	Pages      int      `json:"pages"`
	ErrorCount int      `json:"error_count"`
	Errors     []string `json:"errors"`
	SkipReason string   `json:"skip_reason,omitempty"`
}

type runResponse struct {
	Success         bool                     `json:"success"`
	Status          string                   `json:"status"`
	RunID           string                   `json:"run_id"`
	Mode            string                   `json:"mode"`
	TotalLoaded     int                      `json:"total_loaded"`
	TotalErrors     int                      `json:"total_errors"`
	DurationSeconds float64                  `json:"duration_seconds"`
	Sources         []sourceDTO              `json:"sources"`
	Errors          []string                 `json:"errors,omitempty"`
	Resolution      *store.ResolutionSummary `json:"resolution,omitempty"`
}

func toRunResponse(out orchestrator.Outcome) runResponse {
	resp := runResponse{
		Success:         out.Success(),
		Status:          string(out.Status),
		RunID:           out.RunID.String(),
		Mode:            out.Mode,
		TotalLoaded:     out.TotalLoaded,
		TotalErrors:     out.TotalErrors,
		DurationSeconds: out.Duration.Seconds(),
		Sources:         make([]sourceDTO, 0, len(out.Sources)),
		Errors:          out.AllErrors(),
		Resolution:      out.Resolution,
	}
	for _, src := range out.Sources {
		errs := src.Errors
		if errs == nil {
			errs = []string{}
		}
		resp.Sources = append(resp.Sources, sourceDTO{
			Source:     src.Source,
			Loaded:     src.Loaded,
			Skipped:    src.Skipped,
			Pages:      src.Pages,
			ErrorCount: src.ErrorCount,
			Errors:     errs,
			SkipReason: src.SkipReason,
		})
	}
	return resp
}

// statusCode maps a finished run onto the response code: completed 200,
// completed_with_errors 207, failed 500.
func statusCode(status store.RunStatus) int {
	switch status {
	case store.RunCompleted:
		return http.StatusOK
	case store.RunCompletedWithErrors:
		return http.StatusMultiStatus
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) invokeRun(w http.ResponseWriter, r *http.Request) {
	var body runRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := body.toRunRequest()

	if body.Async {
		s.submitRun(w, r, req)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.runTimeout)
	defer cancel()
	out, err := s.runner.Run(ctx, req)
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, ingest.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("run did not start", zap.String("mode", req.Mode), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "run did not start")
		return
	}
	writeJSON(w, statusCode(out.Status), toRunResponse(out))
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request, req ingest.RunRequest) {
	if s.submitter == nil {
		writeError(w, http.StatusServiceUnavailable, "async runs are disabled")
		return
	}
	queued, err := s.submitter.Submit(r.Context(), req)
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Warn("run not queued", zap.String("mode", req.Mode), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "run not queued")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": queued.RunID.String(),
		"status": string(store.RunPending),
	})
}

type resolveRequest struct {
	BatchSize         int      `json:"batch_size" validate:"gte=0,lte=10000"`
	Tables            []string `json:"tables" validate:"omitempty,dive,oneof=contracts grants sbir_awards nsf_awards sam_entities subawards"`
	SkipRelationships bool     `json:"skip_relationships"`
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) {
	if s.resolver == nil {
		writeError(w, http.StatusServiceUnavailable, "entity resolution is not configured")
		return
	}
	var body resolveRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.runTimeout)
	defer cancel()
	summary, err := s.resolver.Run(ctx, resolve.Options{
		BatchSize:         body.BatchSize,
		Tables:            body.Tables,
		SkipRelationships: body.SkipRelationships,
	})
	if err != nil {
		s.logger.Error("resolution pass failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "resolution": summary})
		return
	}
	code := http.StatusOK
	if summary.ErrorCount > 0 {
		code = http.StatusMultiStatus
	}
	writeJSON(w, code, map[string]any{"resolution": summary})
}

// decodeBody reads a bounded JSON body into v and validates it. An empty
// body decodes as the zero value.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return validateBody(v)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", requestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("request_id", requestID(r.Context())))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware answers preflight requests and, when allowAll is set,
// opens every route to any origin.
func corsMiddleware(allowAll bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			if allowAll {
				h.Set("Access-Control-Allow-Origin", "*")
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Request-ID")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
