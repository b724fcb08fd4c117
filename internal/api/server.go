package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/runharvest/runharvest/internal/capture"
	"github.com/runharvest/runharvest/internal/metrics"
	"github.com/runharvest/runharvest/internal/progress"
	"github.com/runharvest/runharvest/internal/recovery"
	"github.com/runharvest/runharvest/internal/store"
	"github.com/runharvest/runharvest/internal/upstream"
)

// Syncer refreshes the project catalog from the upstream API.
type Syncer interface {
	Sync(ctx context.Context, force bool) (int, error)
}

// Trigger starts a new run for a project upstream.
type Trigger interface {
	TriggerRun(ctx context.Context, projectToken, startURL string) (upstream.RunInfo, error)
}

// RunControl cancels runs that are being tracked by the poll manager.
type RunControl interface {
	Cancel(ctx context.Context, runToken string) error
}

// Capturer re-drives the capture pipeline for a single run.
type Capturer interface {
	CaptureRun(ctx context.Context, run store.Run) (capture.Outcome, error)
}

// ProjectScanner sweeps a project's upstream history for missed runs.
type ProjectScanner interface {
	ScanProject(ctx context.Context, projectToken string) (recovery.Summary, error)
}

// Sessions drives paginated scrape sessions.
type Sessions interface {
	Create(ctx context.Context, projectToken, urlTemplate string, startPage, endPage int64) (store.Session, error)
	Get(ctx context.Context, id string) (store.Session, []store.SessionIteration, error)
	RunNextIteration(ctx context.Context, id string) (store.SessionIteration, error)
}

// Enqueuer hands freshly triggered runs to the poll pipeline.
type Enqueuer interface {
	Enqueue(ctx context.Context, task capture.Task) error
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config tunes the HTTP surface.
type Config struct {
	// Timeout bounds each request via http.TimeoutHandler.
	Timeout time.Duration
	// AuthEnabled gates /v1 behind an API key check.
	AuthEnabled bool
	APIKey      string
	// RecentRuns caps the run list embedded in project detail responses.
	RecentRuns int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.RecentRuns <= 0 {
		c.RecentRuns = 20
	}
	return c
}

// Deps collects the collaborators the server dispatches to.
type Deps struct {
	Store    store.Store
	Activity store.ActivityRepository
	Upstream Trigger
	Manager  RunControl
	Queue    Enqueuer
	Catalog  Syncer
	Scanner  ProjectScanner
	Capturer Capturer
	Sessions Sessions
	Emitter  progress.Emitter
	Clock    Clock
	Logger   *zap.Logger
}

// Server exposes the dashboard REST API over chi.
type Server struct {
	router   chi.Router
	store    store.Store
	activity store.ActivityRepository
	upstream Trigger
	manager  RunControl
	queue    Enqueuer
	catalog  Syncer
	scanner  ProjectScanner
	capturer Capturer
	sessions Sessions
	emitter  progress.Emitter
	clock    Clock
	cfg      Config
	logger   *zap.Logger

	triggerMu sync.Mutex
	triggers  map[string]*triggerCall
}

// triggerCall tracks one in-flight trigger per project so concurrent
// requests share a single upstream call.
type triggerCall struct {
	done chan struct{}
	run  store.Run
	err  error
}

// NewServer wires the route table and middleware chain.
func NewServer(deps Deps, cfg Config) *Server {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = systemClock{}
	}
	s := &Server{
		store:    deps.Store,
		activity: deps.Activity,
		upstream: deps.Upstream,
		manager:  deps.Manager,
		queue:    deps.Queue,
		catalog:  deps.Catalog,
		scanner:  deps.Scanner,
		capturer: deps.Capturer,
		sessions: deps.Sessions,
		emitter:  deps.Emitter,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.Named("api"),
		triggers: make(map[string]*triggerCall),
	}
	s.router = s.routes()
	return s
}

// Router returns the configured handler for mounting on an http.Server.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(s.cfg.Timeout))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(s.cfg.APIKey))
		}
		r.Route("/projects", func(r chi.Router) {
			r.Post("/sync", s.handleSyncProjects)
			r.Get("/", s.handleListProjects)
			r.Route("/{token}", func(r chi.Router) {
				r.Get("/", s.handleGetProject)
				r.Get("/analytics", s.handleProjectAnalytics)
				r.Post("/runs", s.handleTriggerRun)
				r.Post("/recover", s.handleRecoverProject)
			})
		})
		r.Route("/runs", func(r chi.Router) {
			r.Post("/batch", s.handleTriggerBatch)
			r.Route("/{run_token}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Post("/cancel", s.handleCancelRun)
				r.Post("/refetch", s.handleRefetchRun)
				r.Get("/records", s.handleListRecords)
				r.Get("/export.csv", s.handleExportCSV)
				r.Get("/activity", s.handleRunActivity)
			})
		})
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Route("/{session_id}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Post("/iterations", s.handleSessionIteration)
			})
		})
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness ping failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) emit(evt progress.Event) {
	if s.emitter != nil {
		s.emitter.Emit(evt)
	}
}

// writeUpstreamError maps the upstream error taxonomy onto HTTP statuses.
// Rejected credentials and transient failures surface as a bad gateway,
// unknown tokens as not found. Returns false when the error is not an
// upstream one so the caller can fall through to its own mapping.
func (s *Server) writeUpstreamError(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, upstream.ErrRejected):
		writeError(w, http.StatusBadGateway, "upstream rejected credentials")
	case errors.Is(err, upstream.ErrUnavailable):
		writeError(w, http.StatusNotFound, "not found upstream")
	case upstream.IsTransient(err):
		writeError(w, http.StatusBadGateway, "upstream unavailable")
	default:
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("write json response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
