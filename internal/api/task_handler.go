// Package api exposes the task subsystem's read and cancel operations over
// HTTP. Task creation is not exposed here: tasks are registered by the
// protocol dispatcher when it recognizes a task-augmented request.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/phrazzld/taskhorn/internal/task"
)

// TaskHandler serves task lifecycle reads and cancellation.
type TaskHandler struct {
	runtime *task.Runtime
	logger  *slog.Logger
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(runtime *task.Runtime, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{runtime: runtime, logger: logger}
}

// Routes registers the handler's routes on the router.
func (h *TaskHandler) Routes(r chi.Router) {
	r.Get("/tasks", h.ListTasks)
	r.Get("/tasks/{taskID}", h.GetTask)
	r.Get("/tasks/{taskID}/result", h.GetResult)
	r.Post("/tasks/{taskID}/cancel", h.CancelTask)
	r.Get("/sessions/{sessionID}/tasks", h.ListSessionTasks)
}

// GetTask returns one task record.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	rec, err := h.runtime.GetTask(r.Context(), taskID)
	if err != nil {
		h.respondError(w, taskID, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, rec)
}

// GetResult returns a task's stored terminal outcome.
func (h *TaskHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	out, err := h.runtime.GetOutcome(r.Context(), taskID)
	if err != nil {
		h.respondError(w, taskID, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, out)
}

// CancelTask requests cooperative cancellation. Cancelling an already
// terminal task succeeds; cancellation of running work is advisory, so the
// response is 202.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := h.runtime.Cancel(r.Context(), taskID, "cancelled by client"); err != nil {
		h.respondError(w, taskID, err)
		return
	}
	RespondWithJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "cancel": "requested"})
}

// ListTasks pages through all tasks.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	cursor, limit := pageParams(r)
	page, err := h.runtime.ListTasks(r.Context(), cursor, limit)
	if err != nil {
		h.respondError(w, "", err)
		return
	}
	RespondWithJSON(w, http.StatusOK, page)
}

// ListSessionTasks pages through one session's tasks.
func (h *TaskHandler) ListSessionTasks(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	cursor, limit := pageParams(r)
	page, err := h.runtime.ListSessionTasks(r.Context(), sessionID, cursor, limit)
	if err != nil {
		h.respondError(w, "", err)
		return
	}
	RespondWithJSON(w, http.StatusOK, page)
}

func pageParams(r *http.Request) (cursor string, limit int) {
	cursor = r.URL.Query().Get("cursor")
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	return cursor, limit
}

// respondError maps the task error taxonomy onto HTTP statuses.
func (h *TaskHandler) respondError(w http.ResponseWriter, taskID string, err error) {
	switch {
	case task.IsNotFound(err):
		RespondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, task.ErrInvalidTransition), errors.Is(err, task.ErrAlreadyTerminal):
		RespondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, task.ErrBackendUnavailable):
		RespondWithError(w, http.StatusServiceUnavailable, "storage backend unavailable")
	default:
		h.logger.Error("task request failed", "task_id", taskID, "error", err)
		RespondWithError(w, http.StatusInternalServerError, "internal error")
	}
}
