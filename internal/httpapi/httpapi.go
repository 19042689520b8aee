// Package httpapi exposes the engine over HTTP: resource endpoints, the SSE
// change stream, and health probes. Handlers are thin adapters from wire
// shapes to the store, the review engine, and the job queue; every error
// leaves as the taxonomy envelope with the request id attached.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/inkwell-pm/inkwell/internal/auth"
	"github.com/inkwell-pm/inkwell/internal/eventbus"
	"github.com/inkwell-pm/inkwell/internal/review"
	"github.com/inkwell-pm/inkwell/internal/storage"
)

// Request deadlines. Health probes answer fast or not at all; the SSE stream
// is exempt from the request timeout entirely.
const (
	requestTimeout = 30 * time.Second
	healthTimeout  = 5 * time.Second
)

// SSE defaults, overridable through Config for tests.
const (
	defaultPingInterval   = 20 * time.Second
	defaultCoalesceWindow = 100 * time.Millisecond
)

// Enqueuer books a job on a named queue. The capture and reprocess endpoints
// use it to hand work to the pipeline.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue, key string, payload any) (id string, deduped bool, err error)
}

// Config carries the server's tunable settings.
type Config struct {
	// CORSOrigins enables CORS for the given origins. Empty disables it.
	CORSOrigins []string

	// PingInterval is the SSE keep-alive period.
	PingInterval time.Duration

	// CoalesceWindow bounds how long an entity:updated event may be held
	// while waiting for duplicates to fold into it.
	CoalesceWindow time.Duration
}

// Server holds the handler dependencies.
type Server struct {
	store   storage.Storage
	bus     *eventbus.Bus
	queue   Enqueuer
	reviews *review.Engine
	keys    *auth.Keys
	logger  *zap.Logger

	cors           []string
	pingInterval   time.Duration
	coalesceWindow time.Duration
}

// New builds a Server. A nil logger logs nowhere.
func New(store storage.Storage, bus *eventbus.Bus, queue Enqueuer, reviews *review.Engine, keys *auth.Keys, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:          store,
		bus:            bus,
		queue:          queue,
		reviews:        reviews,
		keys:           keys,
		logger:         logger,
		cors:           cfg.CORSOrigins,
		pingInterval:   cfg.PingInterval,
		coalesceWindow: cfg.CoalesceWindow,
	}
	if s.pingInterval <= 0 {
		s.pingInterval = defaultPingInterval
	}
	if s.coalesceWindow <= 0 {
		s.coalesceWindow = defaultCoalesceWindow
	}
	return s
}

// Handler assembles the router. Health probes skip auth; everything else
// requires a bearer API key.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.observe)
	r.Use(s.recoverPanics)
	if len(s.cors) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cors,
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(healthTimeout))
		r.Get("/healthz", s.handleHealthz)
		r.Get("/readyz", s.handleReadyz)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		// No request timeout: the stream lives until the client leaves.
		r.Get("/sse", s.handleSSE)

		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(requestTimeout))

			r.Post("/notes/capture", s.handleCaptureNote)
			r.Get("/notes", s.handleListNotes)
			r.Post("/notes/{id}/reprocess", s.handleReprocessNote)

			r.Get("/entities", s.handleListEntities)
			r.Post("/entities", s.handleCreateEntity)
			r.Get("/entities/{id}", s.handleGetEntity)
			r.Patch("/entities/{id}", s.handlePatchEntity)
			r.Get("/entities/{id}/events", s.handleListEntityEvents)
			r.Post("/entities/{id}/events", s.handleAddComment)
			r.Post("/entities/{id}/status", s.handleTransitionStatus)
			r.Put("/entities/{id}/tags", s.handleSetEntityTags)

			r.Get("/projects", s.handleListProjects)
			r.Post("/projects", s.handleCreateProject)
			r.Patch("/projects/{id}", s.handlePatchProject)
			r.Get("/projects/{id}/dashboard", s.handleProjectDashboard)

			r.Get("/epics", s.handleListEpics)
			r.Post("/epics", s.handleCreateEpic)
			r.Patch("/epics/{id}", s.handlePatchEpic)

			r.Get("/tags", s.handleListTags)
			r.Post("/tags", s.handleCreateTag)

			r.Get("/review-queue", s.handleListReviews)
			r.Get("/review-queue/count", s.handleCountReviews)
			r.Post("/review-queue/{id}/resolve", s.handleResolveReview)
			r.Post("/review-queue/resolve-batch", s.handleResolveBatch)
		})
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports ready only when the database answers a ping.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness probe failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
