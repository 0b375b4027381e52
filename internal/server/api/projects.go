package api

import (
	"encoding/json"
	"net/http"

	"github.com/waterwheel-org/waterwheel/internal/messages"
)

type createProjectRequest struct {
	Name string `json:"name"`
}

func (a *API) createProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "project name must not be empty")
		return
	}

	project, err := a.store.CreateProject(r.Context(), req.Name)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, project)
}

func (a *API) listProjects(w http.ResponseWriter, r *http.Request) {
	if name := r.URL.Query().Get("name"); name != "" {
		project, err := a.store.ProjectByName(r.Context(), name)
		if err != nil {
			respondStoreError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, project)
		return
	}

	projects, err := a.store.ListProjects(r.Context())
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, projects)
}

func (a *API) getProject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "projectID")
	if !ok {
		return
	}
	project, err := a.store.Project(r.Context(), id)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, project)
}

func (a *API) deleteProject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "projectID")
	if !ok {
		return
	}
	triggerIDs, err := a.store.DeleteProject(r.Context(), id)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	for _, triggerID := range triggerIDs {
		a.updates.Post(messages.TriggerUpdate(triggerID))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listProjectJobs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "projectID")
	if !ok {
		return
	}
	if _, err := a.store.Project(r.Context(), id); err != nil {
		respondStoreError(w, r, err)
		return
	}
	jobs, err := a.store.ProjectJobs(r.Context(), id)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, jobs)
}
