// Package httpapi exposes the research service over REST plus SSE and
// WebSocket event streams.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/strata-labs/researchd/internal/models"
)

// Service is the controller surface the API depends on.
type Service interface {
	StartTask(ctx context.Context, topic string, clarifications map[string]string, maxIterations int) (models.Task, error)
	Snapshot(taskID string) (models.Task, bool)
	Analytics(taskID string) (models.Analytics, bool)
	Cancel(taskID string) bool
}

// Handler serves the REST endpoints.
type Handler struct {
	svc    Service
	logger *zap.Logger
}

func NewHandler(svc Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes mounts the REST routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/research", h.handleCreate)
	mux.HandleFunc("GET /api/research/{id}", h.handleGet)
	mux.HandleFunc("POST /api/research/{id}/cancel", h.handleCancel)
	mux.HandleFunc("GET /api/analytics/{id}", h.handleAnalytics)
}

type createRequest struct {
	Topic          string            `json:"topic"`
	Clarifications map[string]string `json:"clarifications,omitempty"`
	MaxIterations  int               `json:"max_iterations,omitempty"`
}

type createResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	task, err := h.svc.StartTask(r.Context(), req.Topic, req.Clarifications, req.MaxIterations)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.Info("research task accepted",
		zap.String("task_id", task.ID),
		zap.String("topic", req.Topic),
	)
	writeJSON(w, http.StatusAccepted, createResponse{
		TaskID: task.ID,
		Status: string(task.Status),
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, ok := h.svc.Snapshot(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, ok := h.svc.Snapshot(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if task.Status.Terminal() {
		writeError(w, http.StatusConflict, "task already finished")
		return
	}
	h.svc.Cancel(id)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// handleAnalytics serves derived aggregates. They exist only once a task
// completes; asking earlier is a conflict, not a miss.
func (h *Handler) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if aggs, ok := h.svc.Analytics(id); ok {
		writeJSON(w, http.StatusOK, aggs)
		return
	}
	if _, ok := h.svc.Snapshot(id); ok {
		writeError(w, http.StatusConflict, "analytics not available until the task completes")
		return
	}
	writeError(w, http.StatusNotFound, "task not found")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
