package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/waterwheel-org/waterwheel/internal/messages"
)

func (a *API) heartbeat(w http.ResponseWriter, r *http.Request) {
	var beat messages.WorkerHeartbeat
	if err := json.NewDecoder(r.Body).Decode(&beat); err != nil {
		respondError(w, http.StatusBadRequest, "invalid heartbeat")
		return
	}
	if beat.UUID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "worker uuid must be set")
		return
	}
	if beat.LastSeenDatetime.IsZero() {
		beat.LastSeenDatetime = time.Now().UTC()
	}

	if err := a.store.UpsertWorker(r.Context(), beat); err != nil {
		respondStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := a.store.ListWorkers(r.Context())
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, workers)
}

func (a *API) getTaskDetail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "taskID")
	if !ok {
		return
	}
	detail, err := a.store.TaskDetail(r.Context(), id)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

// activateToken forces a token active and dispatches the task at high
// priority. Used for manual re-runs.
func (a *API) activateToken(w http.ResponseWriter, r *http.Request) {
	token, ok := a.pathToken(w, r)
	if !ok {
		return
	}
	a.tokens.Post(messages.ProcessToken{
		Op:       messages.OpActivate,
		Token:    token,
		Priority: messages.High,
	})
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (a *API) clearToken(w http.ResponseWriter, r *http.Request) {
	token, ok := a.pathToken(w, r)
	if !ok {
		return
	}
	a.tokens.Post(messages.ProcessToken{
		Op:    messages.OpClear,
		Token: token,
	})
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (a *API) pathToken(w http.ResponseWriter, r *http.Request) (messages.Token, bool) {
	taskID, ok := pathUUID(w, r, "taskID")
	if !ok {
		return messages.Token{}, false
	}
	datetime, err := time.Parse(time.RFC3339, chi.URLParam(r, "triggerDatetime"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid trigger datetime, want RFC 3339")
		return messages.Token{}, false
	}
	return messages.Token{TaskID: taskID, TriggerDatetime: datetime}, true
}
