package api

import (
	"net/http"
)

// NewRouter creates a new HTTP router
func NewRouter(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/tasks", h.HandleListTasks)
	mux.HandleFunc("POST /api/tasks", h.HandleCreateTask)

	mux.HandleFunc("GET /api/recurring", h.HandleListRecurring)
	mux.HandleFunc("POST /api/recurring", h.HandleCreateRecurring)
	mux.HandleFunc("POST /api/recurring/process", h.HandleProcessRecurring)
	mux.HandleFunc("DELETE /api/recurring/{id}", h.HandleDeleteRecurring)
	mux.HandleFunc("POST /api/recurring/{id}/toggle", h.HandleToggleRecurring)
	mux.HandleFunc("POST /api/recurring/{id}/skip", h.HandleSkipRecurring)

	mux.HandleFunc("GET /api/sync/status", h.HandleSyncStatus)
	mux.HandleFunc("POST /api/sync/force", h.HandleForceSync)
	mux.HandleFunc("POST /api/sync/resolve", h.HandleResolveConflicts)

	mux.HandleFunc("GET /api/backups", h.HandleListBackups)
	mux.HandleFunc("POST /api/backups", h.HandleCreateBackup)
	mux.HandleFunc("POST /api/backups/{name}/restore", h.HandleRestoreBackup)

	mux.HandleFunc("GET /api/runs", h.HandleListRuns)

	mux.HandleFunc("POST /api/aria/voice-command", h.HandleVoiceCommand)
	mux.HandleFunc("GET /api/aria/summary", h.HandleVoiceSummary)

	return mux
}
