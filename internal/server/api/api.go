// Package api exposes the admin HTTP surface and the internal endpoints
// used by workers. Mutations that affect scheduling post TriggerUpdate
// or ProcessToken messages after the database write.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/waterwheel-org/waterwheel/internal/build"
	"github.com/waterwheel-org/waterwheel/internal/logger"
	"github.com/waterwheel-org/waterwheel/internal/messages"
	"github.com/waterwheel-org/waterwheel/internal/metrics"
	"github.com/waterwheel-org/waterwheel/internal/models"
	"github.com/waterwheel-org/waterwheel/internal/postoffice"
)

// Store is the database surface the HTTP layer needs.
type Store interface {
	CreateProject(ctx context.Context, name string) (*models.Project, error)
	Project(ctx context.Context, id uuid.UUID) (*models.Project, error)
	ProjectByName(ctx context.Context, name string) (*models.Project, error)
	ListProjects(ctx context.Context) ([]models.Project, error)
	DeleteProject(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)
	ProjectJobs(ctx context.Context, projectID uuid.UUID) ([]models.Job, error)

	UpsertJob(ctx context.Context, def *models.JobDefinition) ([]uuid.UUID, error)
	Job(ctx context.Context, id uuid.UUID) (*models.Job, error)
	DeleteJob(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)
	SetJobPaused(ctx context.Context, id uuid.UUID, paused bool) ([]uuid.UUID, error)
	JobTriggers(ctx context.Context, jobID uuid.UUID) ([]*models.Trigger, error)
	Tokens(ctx context.Context, jobID uuid.UUID) ([]models.TokenRow, error)

	TaskDetail(ctx context.Context, id uuid.UUID) (*models.TaskDetail, error)
	UpsertWorker(ctx context.Context, beat messages.WorkerHeartbeat) error
	ListWorkers(ctx context.Context) ([]models.Worker, error)
}

// API holds the handlers and their dependencies.
type API struct {
	store   Store
	updates *postoffice.Mailbox[messages.TriggerUpdate]
	tokens  *postoffice.Mailbox[messages.ProcessToken]
}

// New builds the API against the store and post office.
func New(store Store, po *postoffice.PostOffice) *API {
	return &API{
		store:   store,
		updates: postoffice.Mail[messages.TriggerUpdate](po),
		tokens:  postoffice.Mail[messages.ProcessToken](po),
	}
}

// Router builds the chi router with all routes mounted.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthcheck", a.healthcheck)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/projects", func(r chi.Router) {
			r.Get("/", a.listProjects)
			r.Post("/", a.createProject)
			r.Get("/{projectID}", a.getProject)
			r.Delete("/{projectID}", a.deleteProject)
			r.Get("/{projectID}/jobs", a.listProjectJobs)
		})
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", a.upsertJob)
			r.Get("/{jobID}", a.getJob)
			r.Delete("/{jobID}", a.deleteJob)
			r.Get("/{jobID}/paused", a.getJobPaused)
			r.Put("/{jobID}/paused", a.setJobPaused)
			r.Get("/{jobID}/triggers", a.listJobTriggers)
			r.Get("/{jobID}/tokens", a.listJobTokens)
		})
		r.Route("/tasks/{taskID}/tokens/{triggerDatetime}", func(r chi.Router) {
			r.Put("/", a.activateToken)
			r.Delete("/", a.clearToken)
		})
		r.Get("/workers", a.listWorkers)
	})

	r.Route("/int-api", func(r chi.Router) {
		r.Post("/heartbeat", a.heartbeat)
		r.Get("/tasks/{taskID}", a.getTaskDetail)
	})

	return r
}

func (a *API) healthcheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": build.Version,
	})
}

// requestLogger logs one line per request after it completes.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Info(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String())
	})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// respondStoreError maps store errors onto HTTP statuses.
func respondStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, models.ErrUnknownDependency):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Error(r.Context(), "request failed", "path", r.URL.Path, "err", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}
