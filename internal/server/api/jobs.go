package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/waterwheel-org/waterwheel/internal/messages"
	"github.com/waterwheel-org/waterwheel/internal/models"
)

// jobPayload is the client-facing job definition. It is stored verbatim
// as the job's raw definition.
type jobPayload struct {
	UUID     uuid.UUID        `json:"uuid"`
	Project  string           `json:"project"`
	Name     string           `json:"name"`
	Triggers []triggerPayload `json:"triggers"`
	Tasks    []taskPayload    `json:"tasks"`
}

type triggerPayload struct {
	Name    string     `json:"name"`
	Start   time.Time  `json:"start"`
	End     *time.Time `json:"end,omitempty"`
	Period  *int64     `json:"period,omitempty"`
	Cron    *string    `json:"cron,omitempty"`
	Offset  *int64     `json:"offset,omitempty"`
	Catchup string     `json:"catchup,omitempty"`
}

type taskPayload struct {
	Name           string           `json:"name"`
	Image          *string          `json:"image,omitempty"`
	Args           []string         `json:"args,omitempty"`
	Env            []string         `json:"env,omitempty"`
	Depends        []string         `json:"depends,omitempty"`
	DependsFailure []string         `json:"depends_failure,omitempty"`
	TriggerDepends []triggerDepends `json:"trigger_depends,omitempty"`
}

type triggerDepends struct {
	Name   string `json:"name"`
	Offset *int64 `json:"offset,omitempty"`
}

func (a *API) upsertJob(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var payload jobPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid job definition: "+err.Error())
		return
	}

	def, err := parseJobDefinition(&payload, string(raw))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if cycle := findCycle(payload.Tasks); cycle != "" {
		respondError(w, http.StatusConflict, "task dependencies contain a cycle through "+cycle)
		return
	}

	triggerIDs, err := a.store.UpsertJob(r.Context(), def)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	for _, triggerID := range triggerIDs {
		a.updates.Post(messages.TriggerUpdate(triggerID))
	}
	respondJSON(w, http.StatusOK, map[string]any{"job_id": def.JobID})
}

// parseJobDefinition validates the payload and converts it to the
// store's job definition.
func parseJobDefinition(payload *jobPayload, raw string) (*models.JobDefinition, error) {
	if payload.UUID == uuid.Nil {
		return nil, fmt.Errorf("job uuid must be set")
	}
	if payload.Project == "" || payload.Name == "" {
		return nil, fmt.Errorf("job project and name must not be empty")
	}

	def := &models.JobDefinition{
		JobID:       payload.UUID,
		ProjectName: payload.Project,
		JobName:     payload.Name,
		Raw:         raw,
	}

	triggerNames := make(map[string]bool, len(payload.Triggers))
	for _, trigger := range payload.Triggers {
		if trigger.Name == "" {
			return nil, fmt.Errorf("trigger name must not be empty")
		}
		if triggerNames[trigger.Name] {
			return nil, fmt.Errorf("duplicate trigger name %q", trigger.Name)
		}
		triggerNames[trigger.Name] = true

		if (trigger.Period == nil) == (trigger.Cron == nil) {
			return nil, fmt.Errorf("trigger %q must set exactly one of period and cron", trigger.Name)
		}
		if trigger.Start.IsZero() {
			return nil, fmt.Errorf("trigger %q must set a start datetime", trigger.Name)
		}

		catchup := models.Catchup(trigger.Catchup)
		if catchup == "" {
			catchup = models.CatchupEarliest
		}
		switch catchup {
		case models.CatchupNone, models.CatchupEarliest, models.CatchupLatest, models.CatchupRandom:
		default:
			return nil, fmt.Errorf("trigger %q has unknown catchup policy %q", trigger.Name, trigger.Catchup)
		}

		def.Triggers = append(def.Triggers, models.TriggerSpec{
			Name:          trigger.Name,
			Start:         trigger.Start,
			End:           trigger.End,
			PeriodSeconds: trigger.Period,
			Cron:          trigger.Cron,
			Offset:        trigger.Offset,
			Catchup:       catchup,
		})
	}

	taskNames := make(map[string]bool, len(payload.Tasks))
	for _, task := range payload.Tasks {
		if task.Name == "" {
			return nil, fmt.Errorf("task name must not be empty")
		}
		if taskNames[task.Name] {
			return nil, fmt.Errorf("duplicate task name %q", task.Name)
		}
		taskNames[task.Name] = true
	}

	for _, task := range payload.Tasks {
		spec := models.TaskSpec{
			Name:  task.Name,
			Image: task.Image,
			Args:  task.Args,
			Env:   task.Env,
		}
		for _, parent := range task.Depends {
			parent = strings.TrimPrefix(parent, "task/")
			if !taskNames[parent] {
				return nil, fmt.Errorf("task %q depends on %q: %w", task.Name, parent, models.ErrUnknownDependency)
			}
			spec.DependsSuccess = append(spec.DependsSuccess, parent)
		}
		for _, parent := range task.DependsFailure {
			parent = strings.TrimPrefix(parent, "task/")
			if !taskNames[parent] {
				return nil, fmt.Errorf("task %q depends on %q: %w", task.Name, parent, models.ErrUnknownDependency)
			}
			spec.DependsFailure = append(spec.DependsFailure, parent)
		}
		for _, dep := range task.TriggerDepends {
			if !triggerNames[dep.Name] {
				return nil, fmt.Errorf("task %q depends on trigger %q: %w", task.Name, dep.Name, models.ErrUnknownDependency)
			}
			spec.TriggerDeps = append(spec.TriggerDeps, models.TriggerDep{
				TriggerName: dep.Name,
				EdgeOffset:  dep.Offset,
			})
		}
		def.Tasks = append(def.Tasks, spec)
	}

	return def, nil
}

// findCycle runs Kahn's algorithm over the task graph and returns the
// name of some task on a cycle, or "" when the graph is acyclic.
func findCycle(tasks []taskPayload) string {
	indegree := make(map[string]int, len(tasks))
	children := make(map[string][]string)

	for _, task := range tasks {
		if _, ok := indegree[task.Name]; !ok {
			indegree[task.Name] = 0
		}
		parents := make([]string, 0, len(task.Depends)+len(task.DependsFailure))
		parents = append(parents, task.Depends...)
		parents = append(parents, task.DependsFailure...)
		for _, parent := range parents {
			parent = strings.TrimPrefix(parent, "task/")
			children[parent] = append(children[parent], task.Name)
			indegree[task.Name]++
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}

	visited := 0
	for len(ready) > 0 {
		name := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		visited++
		for _, child := range children[name] {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	if visited == len(indegree) {
		return ""
	}
	for name, deg := range indegree {
		if deg > 0 {
			return name
		}
	}
	return ""
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "jobID")
	if !ok {
		return
	}
	job, err := a.store.Job(r.Context(), id)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (a *API) deleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "jobID")
	if !ok {
		return
	}
	triggerIDs, err := a.store.DeleteJob(r.Context(), id)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	for _, triggerID := range triggerIDs {
		a.updates.Post(messages.TriggerUpdate(triggerID))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getJobPaused(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "jobID")
	if !ok {
		return
	}
	job, err := a.store.Job(r.Context(), id)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"paused": job.Paused})
}

type setPausedRequest struct {
	Paused bool `json:"paused"`
}

func (a *API) setJobPaused(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "jobID")
	if !ok {
		return
	}
	var req setPausedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	triggerIDs, err := a.store.SetJobPaused(r.Context(), id, req.Paused)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	for _, triggerID := range triggerIDs {
		a.updates.Post(messages.TriggerUpdate(triggerID))
	}
	respondJSON(w, http.StatusOK, map[string]bool{"paused": req.Paused})
}

func (a *API) listJobTriggers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "jobID")
	if !ok {
		return
	}
	if _, err := a.store.Job(r.Context(), id); err != nil {
		respondStoreError(w, r, err)
		return
	}
	triggers, err := a.store.JobTriggers(r.Context(), id)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, triggers)
}

func (a *API) listJobTokens(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "jobID")
	if !ok {
		return
	}
	if _, err := a.store.Job(r.Context(), id); err != nil {
		respondStoreError(w, r, err)
		return
	}
	tokens, err := a.store.Tokens(r.Context(), id)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, tokens)
}
