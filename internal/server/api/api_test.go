package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waterwheel-org/waterwheel/internal/messages"
	"github.com/waterwheel-org/waterwheel/internal/models"
	"github.com/waterwheel-org/waterwheel/internal/postoffice"
)

// fakeStore records API calls; most reads serve from small maps.
type fakeStore struct {
	projects map[uuid.UUID]*models.Project
	jobs     map[uuid.UUID]*models.Job
	workers  []models.Worker

	upserted        *models.JobDefinition
	upsertTriggers  []uuid.UUID
	pausedSet       map[uuid.UUID]bool
	deletedJobs     []uuid.UUID
	deletedProjects []uuid.UUID
	heartbeats      []messages.WorkerHeartbeat
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		projects:  make(map[uuid.UUID]*models.Project),
		jobs:      make(map[uuid.UUID]*models.Job),
		pausedSet: make(map[uuid.UUID]bool),
	}
}

func (f *fakeStore) CreateProject(_ context.Context, name string) (*models.Project, error) {
	p := &models.Project{ID: uuid.New(), Name: name}
	f.projects[p.ID] = p
	return p, nil
}

func (f *fakeStore) Project(_ context.Context, id uuid.UUID) (*models.Project, error) {
	if p, ok := f.projects[id]; ok {
		return p, nil
	}
	return nil, models.ErrNotFound
}

func (f *fakeStore) ProjectByName(_ context.Context, name string) (*models.Project, error) {
	for _, p := range f.projects {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, models.ErrNotFound
}

func (f *fakeStore) ListProjects(context.Context) ([]models.Project, error) {
	var out []models.Project
	for _, p := range f.projects {
		out = append(out, *p)
	}
	return out, nil
}

func (f *fakeStore) DeleteProject(_ context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	if _, ok := f.projects[id]; !ok {
		return nil, models.ErrNotFound
	}
	delete(f.projects, id)
	f.deletedProjects = append(f.deletedProjects, id)
	return []uuid.UUID{uuid.New()}, nil
}

func (f *fakeStore) ProjectJobs(context.Context, uuid.UUID) ([]models.Job, error) {
	return nil, nil
}

func (f *fakeStore) UpsertJob(_ context.Context, def *models.JobDefinition) ([]uuid.UUID, error) {
	f.upserted = def
	f.upsertTriggers = []uuid.UUID{uuid.New(), uuid.New()}
	return f.upsertTriggers, nil
}

func (f *fakeStore) Job(_ context.Context, id uuid.UUID) (*models.Job, error) {
	if j, ok := f.jobs[id]; ok {
		return j, nil
	}
	return nil, models.ErrNotFound
}

func (f *fakeStore) DeleteJob(_ context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	if _, ok := f.jobs[id]; !ok {
		return nil, models.ErrNotFound
	}
	delete(f.jobs, id)
	f.deletedJobs = append(f.deletedJobs, id)
	return nil, nil
}

func (f *fakeStore) SetJobPaused(_ context.Context, id uuid.UUID, paused bool) ([]uuid.UUID, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	job.Paused = paused
	f.pausedSet[id] = paused
	return []uuid.UUID{uuid.New()}, nil
}

func (f *fakeStore) JobTriggers(context.Context, uuid.UUID) ([]*models.Trigger, error) {
	return nil, nil
}

func (f *fakeStore) Tokens(context.Context, uuid.UUID) ([]models.TokenRow, error) {
	return nil, nil
}

func (f *fakeStore) TaskDetail(context.Context, uuid.UUID) (*models.TaskDetail, error) {
	return nil, models.ErrNotFound
}

func (f *fakeStore) UpsertWorker(_ context.Context, beat messages.WorkerHeartbeat) error {
	f.heartbeats = append(f.heartbeats, beat)
	return nil
}

func (f *fakeStore) ListWorkers(context.Context) ([]models.Worker, error) {
	return f.workers, nil
}

type apiHarness struct {
	store   *fakeStore
	server  *httptest.Server
	updates *postoffice.Mailbox[messages.TriggerUpdate]
	tokens  *postoffice.Mailbox[messages.ProcessToken]
}

func newHarness(t *testing.T) *apiHarness {
	t.Helper()
	store := newFakeStore()
	po := postoffice.New()
	srv := httptest.NewServer(New(store, po).Router())
	t.Cleanup(srv.Close)
	return &apiHarness{
		store:   store,
		server:  srv,
		updates: postoffice.Mail[messages.TriggerUpdate](po),
		tokens:  postoffice.Mail[messages.ProcessToken](po),
	}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.server.URL+path, &buf)
	require.NoError(t, err)
	resp, err := h.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func validJob() map[string]any {
	return map[string]any{
		"uuid":    uuid.NewString(),
		"project": "analytics",
		"name":    "daily",
		"triggers": []map[string]any{
			{"name": "midnight", "start": "2021-06-01T00:00:00Z", "cron": "0 0 * * *"},
		},
		"tasks": []map[string]any{
			{"name": "extract", "trigger_depends": []map[string]any{{"name": "midnight"}}},
			{"name": "load", "depends": []string{"extract"}},
		},
	}
}

func TestHealthcheck(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodGet, "/healthcheck", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUpsertJobPostsTriggerUpdates(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/api/jobs", validJob())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NotNil(t, h.store.upserted)
	assert.Equal(t, "analytics", h.store.upserted.ProjectName)
	assert.Equal(t, "daily", h.store.upserted.JobName)
	require.Len(t, h.store.upserted.Tasks, 2)
	assert.Equal(t, []string{"extract"}, h.store.upserted.Tasks[1].DependsSuccess)

	// One scheduler update per trigger the store reports.
	assert.Equal(t, len(h.store.upsertTriggers), h.updates.Len())
}

func TestUpsertJobRejectsCycleWithConflict(t *testing.T) {
	h := newHarness(t)

	job := validJob()
	job["tasks"] = []map[string]any{
		{"name": "a", "depends": []string{"b"}},
		{"name": "b", "depends": []string{"a"}},
	}

	resp := h.do(t, http.MethodPost, "/api/jobs", job)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Nil(t, h.store.upserted, "cyclic definitions must not reach the store")
}

func TestUpsertJobRejectsUnknownDependency(t *testing.T) {
	h := newHarness(t)

	job := validJob()
	job["tasks"] = []map[string]any{
		{"name": "a", "depends": []string{"ghost"}},
	}

	resp := h.do(t, http.MethodPost, "/api/jobs", job)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpsertJobRejectsPeriodAndCronTogether(t *testing.T) {
	h := newHarness(t)

	job := validJob()
	job["triggers"] = []map[string]any{
		{"name": "both", "start": "2021-06-01T00:00:00Z", "cron": "0 0 * * *", "period": 3600},
	}

	resp := h.do(t, http.MethodPost, "/api/jobs", job)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSetJobPausedPostsUpdates(t *testing.T) {
	h := newHarness(t)
	jobID := uuid.New()
	h.store.jobs[jobID] = &models.Job{ID: jobID, Name: "daily"}

	resp := h.do(t, http.MethodPut, "/api/jobs/"+jobID.String()+"/paused", map[string]bool{"paused": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.True(t, h.store.pausedSet[jobID])
	assert.Equal(t, 1, h.updates.Len())
}

func TestActivateTokenPostsHighPriority(t *testing.T) {
	h := newHarness(t)
	taskID := uuid.New()
	datetime := "2021-06-01T00:00:00Z"

	resp := h.do(t, http.MethodPut, "/api/tasks/"+taskID.String()+"/tokens/"+datetime, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	msg, ok := h.tokens.TryRecv()
	require.True(t, ok)
	assert.Equal(t, messages.OpActivate, msg.Op)
	assert.Equal(t, messages.High, msg.Priority)
	assert.Equal(t, taskID, msg.Token.TaskID)
	assert.Equal(t, time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC), msg.Token.TriggerDatetime.UTC())
}

func TestClearTokenPostsClearOp(t *testing.T) {
	h := newHarness(t)
	taskID := uuid.New()

	resp := h.do(t, http.MethodDelete, "/api/tasks/"+taskID.String()+"/tokens/2021-06-01T00:00:00Z", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	msg, ok := h.tokens.TryRecv()
	require.True(t, ok)
	assert.Equal(t, messages.OpClear, msg.Op)
}

func TestHeartbeatUpsertsWorker(t *testing.T) {
	h := newHarness(t)

	beat := messages.WorkerHeartbeat{
		UUID:         uuid.New(),
		Addr:         "10.0.0.5:8081",
		RunningTasks: 2,
		TotalTasks:   40,
		Version:      "0.0.0-dev",
	}
	resp := h.do(t, http.MethodPost, "/int-api/heartbeat", beat)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, h.store.heartbeats, 1)
	assert.Equal(t, beat.UUID, h.store.heartbeats[0].UUID)
	assert.False(t, h.store.heartbeats[0].LastSeenDatetime.IsZero(), "missing last seen defaults to now")
}

func TestGetMissingJobReturnsNotFound(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodGet, "/api/jobs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
