package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/benchd/benchd/pkg/audit"
	"github.com/benchd/benchd/pkg/config"
	"github.com/benchd/benchd/pkg/container"
	"github.com/benchd/benchd/pkg/executor"
	"github.com/benchd/benchd/pkg/log"
	"github.com/benchd/benchd/pkg/metrics"
	"github.com/benchd/benchd/pkg/reconciler"
	"github.com/benchd/benchd/pkg/runtime"
	"github.com/benchd/benchd/pkg/storage"
	"github.com/benchd/benchd/pkg/types"
	"github.com/benchd/benchd/pkg/workspace"
)

// maxRequestBody caps tool request bodies. Imports are base64 in JSON, so
// this sits comfortably above the archive size cap.
const maxRequestBody = 256 * 1024 * 1024

// WarmClaimer is the warm-pool surface the spawn tool consults.
type WarmClaimer interface {
	Claim(ctx context.Context, alias string) *types.Container
	Ready() bool
}

// Reconciler drives reconciliation cycles on demand.
type Reconciler interface {
	Reconcile(ctx context.Context) (*reconciler.Stats, error)
}

// DrainSignal reports whether shutdown has begun.
type DrainSignal interface {
	Draining() bool
}

// Deps carries everything the server dispatches to.
type Deps struct {
	Config     *config.Config
	Store      storage.Store
	Runtime    runtime.Runtime
	Containers *container.Manager
	Execs      *executor.Manager
	Files      *workspace.Manager
	Pool       WarmClaimer
	Reconciler Reconciler
	Drain      DrainSignal
	Audit      *audit.Logger
	Version    string
}

type tool struct {
	handler  func(ctx context.Context, body json.RawMessage) (any, error)
	mutating bool
}

// Server is the HTTP tool catalog.
type Server struct {
	deps      Deps
	tools     map[string]tool
	router    chi.Router
	http      *http.Server
	startedAt time.Time
	ready     atomic.Bool
}

// NewServer builds the server and its routing table.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:      deps,
		startedAt: time.Now().UTC(),
	}
	s.tools = s.catalog()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	// Operational endpoints live outside the base path and skip auth.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route(deps.Config.BasePath, func(r chi.Router) {
		if deps.Config.AuthMode == "bearer" {
			r.Use(bearerAuth(deps.Config.BearerToken))
		}
		r.Post("/tools/{name}", s.handleTool)
	})
	s.router = r

	return s
}

// MarkReady flips the readiness probe once boot reconciliation finished.
func (s *Server) MarkReady() {
	s.ready.Store(true)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP on addr until Stop is called. It blocks.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	logger := log.WithComponent("api")
	logger.Info().Str("addr", addr).Msg("HTTP API listening")

	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to serve HTTP API: %w", err)
	}
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// catalog maps tool names to handlers. Mutating tools are refused with
// 503 once draining begins.
func (s *Server) catalog() map[string]tool {
	return map[string]tool{
		"spawn":       {s.handleSpawn, true},
		"attach":      {s.handleAttach, true},
		"kill":        {s.handleKill, true},
		"exec":        {s.handleExec, true},
		"exec_cancel": {s.handleExecCancel, true},
		"exec_poll":   {s.handleExecPoll, false},
		"fs_read":     {s.handleFSRead, false},
		"fs_write":    {s.handleFSWrite, true},
		"fs_delete":   {s.handleFSDelete, true},
		"fs_stat":     {s.handleFSStat, false},
		"fs_list":     {s.handleFSList, false},
		"fs_batch":    {s.handleFSBatch, true},
		"fs_export":   {s.handleFSExport, false},
		"fs_import":   {s.handleFSImport, true},

		"reconcile":       {s.handleReconcile, true},
		"garbage_collect": {s.handleGarbageCollect, true},
		"system_status":   {s.handleSystemStatus, false},
		"list_containers": {s.handleListContainers, false},
		"list_execs":      {s.handleListExecs, false},
		"metrics":         {s.handleMetricsTool, false},
		"health":          {s.handleHealthTool, false},
	}
}

func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	t, known := s.tools[name]
	if !known {
		writeJSON(w, http.StatusNotFound, errorEnvelope{Error: errorBody{
			Code:    CodeValidation,
			Message: fmt.Sprintf("unknown tool: %s", name),
		}})
		return
	}

	if t.mutating && s.deps.Drain.Draining() {
		writeJSON(w, http.StatusServiceUnavailable, errorEnvelope{Error: errorBody{
			Code:    CodeValidation,
			Message: "service is draining, mutating tools are unavailable",
		}})
		metrics.APIRequestsTotal.WithLabelValues(name, "draining").Inc()
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, &types.ValidationError{Field: "body", Reason: "unreadable request body"})
		return
	}

	timer := metrics.NewTimer()
	result, err := t.handler(r.Context(), body)
	timer.ObserveDurationVec(metrics.APIRequestDuration, name)

	if err != nil {
		code := writeError(w, err)
		metrics.APIRequestsTotal.WithLabelValues(name, code).Inc()
		return
	}

	metrics.APIRequestsTotal.WithLabelValues(name, "success").Inc()
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp, _ := s.healthSnapshot(r.Context())
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	draining := s.deps.Drain.Draining()
	ready := s.ready.Load() && !draining

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":    ready,
		"draining": draining,
	})
}
