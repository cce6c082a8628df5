package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mklimuk/agenda-pilot/pkg/backup"
	"github.com/mklimuk/agenda-pilot/pkg/command"
	"github.com/mklimuk/agenda-pilot/pkg/db"
	"github.com/mklimuk/agenda-pilot/pkg/recurring"
	"github.com/mklimuk/agenda-pilot/pkg/store"
	"github.com/mklimuk/agenda-pilot/pkg/sync"
)

// MaterializeFunc runs one materialization pass.
type MaterializeFunc func(ctx context.Context) (recurring.Result, error)

// Handler holds dependencies for API handlers. Materialize and RunSync
// let the caller wrap the runs (ledger recording); when nil the engine
// and the reconciler are called directly.
type Handler struct {
	Engine      *recurring.Engine
	Dispatcher  *command.Dispatcher
	Sync        *sync.Reconciler
	Backups     *backup.Manager
	Repo        *db.Repository
	Materialize MaterializeFunc
	RunSync     command.SyncFunc
	Now         func() time.Time
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// HandleListTasks handles GET /api/tasks
func (h *Handler) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := h.Dispatcher.Tasks()
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks, "count": len(tasks)})
}

// HandleCreateTask handles POST /api/tasks
func (h *Handler) HandleCreateTask(w http.ResponseWriter, r *http.Request) {
	var t store.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	t.Title = strings.TrimSpace(t.Title)
	if t.Title == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}
	created, err := h.Dispatcher.CreateTask(t)
	if err != nil {
		http.Error(w, "failed to create task: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// HandleListRecurring handles GET /api/recurring
func (h *Handler) HandleListRecurring(w http.ResponseWriter, r *http.Request) {
	series := h.Engine.Summaries()
	writeJSON(w, http.StatusOK, map[string]interface{}{"series": series, "count": len(series)})
}

// HandleCreateRecurring handles POST /api/recurring
func (h *Handler) HandleCreateRecurring(w http.ResponseWriter, r *http.Request) {
	var req recurring.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := req.Schedule.Validate(); err != nil {
		http.Error(w, "invalid schedule: "+err.Error(), http.StatusBadRequest)
		return
	}
	s, err := h.Engine.Create(r.Context(), req, h.now())
	if err != nil {
		http.Error(w, "failed to create recurring task: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// HandleDeleteRecurring handles DELETE /api/recurring/{id}
func (h *Handler) HandleDeleteRecurring(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeSeriesError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// HandleToggleRecurring handles POST /api/recurring/{id}/toggle
func (h *Handler) HandleToggleRecurring(w http.ResponseWriter, r *http.Request) {
	active, err := h.Engine.Toggle(r.Context(), r.PathValue("id"))
	if err != nil {
		writeSeriesError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "active": active})
}

// HandleSkipRecurring handles POST /api/recurring/{id}/skip
func (h *Handler) HandleSkipRecurring(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.SkipNext(r.Context(), r.PathValue("id"))
	if err != nil {
		writeSeriesError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"skipped":  res.Skipped,
		"new_next": res.NewNext,
	})
}

// HandleProcessRecurring handles POST /api/recurring/process
func (h *Handler) HandleProcessRecurring(w http.ResponseWriter, r *http.Request) {
	var (
		res recurring.Result
		err error
	)
	if h.Materialize != nil {
		res, err = h.Materialize(r.Context())
	} else {
		res, err = h.Engine.Materialize(r.Context(), h.now())
	}
	if err != nil {
		http.Error(w, "materialization failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeSeriesError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, recurring.ErrNotFound):
		http.Error(w, "recurring task not found", http.StatusNotFound)
	case errors.Is(err, recurring.ErrNoNextDue):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleSyncStatus handles GET /api/sync/status
func (h *Handler) HandleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Sync.Status(r.Context()))
}

// HandleForceSync handles POST /api/sync/force
func (h *Handler) HandleForceSync(w http.ResponseWriter, r *http.Request) {
	if !h.Sync.Enabled() {
		http.Error(w, command.ErrSyncDisabled.Error(), http.StatusConflict)
		return
	}
	run := h.RunSync
	if run == nil {
		run = h.Sync.PerformSync
	}
	outcomes, err := run(r.Context())
	resp := map[string]interface{}{"success": err == nil, "results": outcomes}
	if err != nil {
		log.Printf("api: forced sync finished with errors: %v", err)
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleResolveConflicts handles POST /api/sync/resolve
func (h *Handler) HandleResolveConflicts(w http.ResponseWriter, r *http.Request) {
	res, err := h.Sync.ResolveConflicts(r.Context())
	if err != nil {
		log.Printf("api: conflict resolution finished with errors: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success":    false,
			"resolution": res,
			"error":      err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "resolution": res})
}

// HandleListBackups handles GET /api/backups
func (h *Handler) HandleListBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := h.Backups.List()
	if err != nil {
		http.Error(w, "failed to list backups: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"backups": backups})
}

// HandleCreateBackup handles POST /api/backups
func (h *Handler) HandleCreateBackup(w http.ResponseWriter, r *http.Request) {
	data, err := h.Sync.Snapshot(r.Context())
	if err != nil {
		http.Error(w, "failed to read agenda: "+err.Error(), http.StatusInternalServerError)
		return
	}
	name, err := h.Backups.Create(data)
	if err != nil {
		http.Error(w, "failed to create backup: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created", "name": name})
}

// HandleRestoreBackup handles POST /api/backups/{name}/restore
func (h *Handler) HandleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	data, err := h.Backups.Read(name)
	switch {
	case errors.Is(err, backup.ErrInvalidName):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, backup.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, "failed to read backup: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if err := h.Sync.Restore(r.Context(), data, name); err != nil {
		http.Error(w, "failed to restore backup: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restored", "name": name})
}

// HandleListRuns handles GET /api/runs
func (h *Handler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := h.Repo.ListJobRuns(r.URL.Query().Get("job"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	materialize, err := h.Repo.ListMaterializeRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	syncs, err := h.Repo.ListSyncRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	conflicts, err := h.Repo.ListConflicts(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":        jobs,
		"materialize": materialize,
		"sync":        syncs,
		"conflicts":   conflicts,
	})
}

// HandleVoiceCommand handles POST /api/aria/voice-command
func (h *Handler) HandleVoiceCommand(w http.ResponseWriter, r *http.Request) {
	var req command.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	res, err := h.Dispatcher.Execute(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success":   false,
			"error":     err.Error(),
			"timestamp": h.now().UTC(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   res.Error == "",
		"command":   req,
		"result":    res,
		"timestamp": h.now().UTC(),
	})
}

// HandleVoiceSummary handles GET /api/aria/summary
func (h *Handler) HandleVoiceSummary(w http.ResponseWriter, r *http.Request) {
	s := h.Dispatcher.Summary()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"summary":         s,
		"speech_response": command.SummarySpeech(s),
		"timestamp":       h.now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: failed to encode response: %v", err)
	}
}
