// Package api implements the REST surface host applications use to feed the
// survey engine: participant evaluation, event and enrolment recording, rule
// administration and assignment transitions.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/konote/surveyengine/internal/backfill"
	"github.com/konote/surveyengine/internal/store"
	"github.com/konote/surveyengine/internal/triggers"
	"github.com/konote/surveyengine/internal/validation"
)

// Evaluator runs page-load evaluation for a participant. dispatch.Dispatcher satisfies it.
type Evaluator interface {
	Enabled() bool
	EvaluateParticipant(ctx context.Context, participantID uuid.UUID) ([]triggers.Assignment, error)
}

// SignalRecorder writes events and enrolments and evaluates them after commit.
// dispatch.Recorder satisfies it.
type SignalRecorder interface {
	RecordEvent(ctx context.Context, e *triggers.Event) ([]triggers.Assignment, error)
	RecordEnrolment(ctx context.Context, e *triggers.Enrolment) ([]triggers.Assignment, error)
}

// CacheInvalidator drops cached rule lists. cache.RuleCache satisfies it.
type CacheInvalidator interface {
	Invalidate(ctx context.Context) error
}

// Deps are the collaborators of the API. All are required except Now.
type Deps struct {
	Store     store.Store
	Evaluator Evaluator
	Recorder  SignalRecorder
	Cache     CacheInvalidator
	Backfill  backfill.Queue
	Now       func() time.Time
}

// API holds the router and the dependencies its handlers use.
type API struct {
	// Router is the Chi multiplexer that handles HTTP requests.
	Router *chi.Mux

	store     store.Store
	evaluator Evaluator
	recorder  SignalRecorder
	cache     CacheInvalidator
	backfill  backfill.Queue
	now       func() time.Time

	// apiKeyHash is the hex SHA-256 of the accepted API key.
	apiKeyHash string

	// skipAuth disables authentication. Tests only.
	skipAuth bool
}

// NewAPI creates an API with authentication enabled.
// It panics if apiKeyHash is empty.
func NewAPI(deps Deps, apiKeyHash string) *API {
	return NewAPIWithConfig(deps, apiKeyHash, false)
}

// NewAPIWithConfig creates an API with explicit control over authentication.
//
// Panics if:
//   - a required dependency is nil
//   - apiKeyHash is empty when skipAuth is false
func NewAPIWithConfig(deps Deps, apiKeyHash string, skipAuth bool) *API {
	validation.AssertDependency(deps.Store, "store")
	validation.AssertDependency(deps.Evaluator, "evaluator")
	validation.AssertDependency(deps.Recorder, "recorder")
	validation.AssertDependency(deps.Cache, "cache invalidator")
	validation.AssertDependency(deps.Backfill, "backfill queue")

	if !skipAuth && apiKeyHash == "" {
		panic("api: apiKeyHash cannot be empty when authentication is enabled")
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	a := &API{
		Router:     chi.NewRouter(),
		store:      deps.Store,
		evaluator:  deps.Evaluator,
		recorder:   deps.Recorder,
		cache:      deps.Cache,
		backfill:   deps.Backfill,
		now:        now,
		apiKeyHash: apiKeyHash,
		skipAuth:   skipAuth,
	}

	a.configureRoutes()
	return a
}

// configureRoutes registers the global middleware stack and API endpoints.
func (a *API) configureRoutes() {
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.RealIP)
	a.Router.Use(RequestLogger)
	a.Router.Use(Metrics)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(render.SetContentType(render.ContentTypeJSON))

	a.Router.Get("/health", a.handleHealthCheck)

	a.Router.Route("/api/v1", func(r chi.Router) {
		r.Use(a.authenticateAPIKey)

		r.Route("/participants/{participantID}", func(r chi.Router) {
			r.Post("/evaluations", a.handleEvaluateParticipant)
			r.Get("/assignments", a.handleListAssignments)
			r.Post("/assignments", a.handleAssignManually)
		})

		r.Post("/events", a.handleRecordEvent)
		r.Post("/enrolments", a.handleRecordEnrolment)

		r.Post("/assignments/{assignmentID}/{transition}", a.handleTransitionAssignment)

		r.Route("/rules", func(r chi.Router) {
			r.Post("/", a.handleCreateRule)
			r.Get("/", a.handleListRules)
			r.Get("/{ruleID}", a.handleGetRule)
			r.Post("/{ruleID}/activate", a.handleActivateRule)
			r.Post("/{ruleID}/deactivate", a.handleDeactivateRule)
		})
	})
}

// handleHealthCheck reports that the server is serving. Deep checks live on
// the observability server's readiness probe.
func (a *API) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "ok"})
}
