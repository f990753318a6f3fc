// Package handler provides HTTP handlers for the API.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/meeting-coordinator/internal/middleware"
	"github.com/capitalize-ai/meeting-coordinator/internal/model"
	"github.com/capitalize-ai/meeting-coordinator/internal/service"
	"github.com/capitalize-ai/meeting-coordinator/pkg/logger"
)

// ThreadHandler handles organizer thread endpoints.
type ThreadHandler struct {
	service *service.SchedulingService
	logger  *logger.Logger
}

// NewThreadHandler creates a new thread handler.
func NewThreadHandler(svc *service.SchedulingService, log *logger.Logger) *ThreadHandler {
	return &ThreadHandler{
		service: svc,
		logger:  log,
	}
}

// Create handles POST /api/v1/threads
func (h *ThreadHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.PrepareThreadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateTitle(req.Title); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.service.Prepare(ctx, middleware.GetOrganizerID(ctx), &req)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "create thread")
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

// List handles GET /api/v1/threads
func (h *ThreadHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, offset := parsePagination(r, 20, 100)

	resp, err := h.service.List(ctx, middleware.GetOrganizerID(ctx), limit, offset)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "list threads")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/threads/{id}
func (h *ThreadHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	threadID, ok := threadIDParam(w, r)
	if !ok {
		return
	}

	detail, err := h.service.Detail(ctx, middleware.GetOrganizerID(ctx), threadID)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "get thread")
		return
	}

	writeJSON(w, http.StatusOK, detail)
}

// Summary handles GET /api/v1/threads/{id}/summary
func (h *ThreadHandler) Summary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	threadID, ok := threadIDParam(w, r)
	if !ok {
		return
	}

	sum, err := h.service.Summary(ctx, middleware.GetOrganizerID(ctx), threadID)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "summarize thread")
		return
	}

	writeJSON(w, http.StatusOK, sum)
}

// Send handles POST /api/v1/threads/{id}/send
func (h *ThreadHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	threadID, ok := threadIDParam(w, r)
	if !ok {
		return
	}

	thread, err := h.service.Send(ctx, middleware.GetOrganizerID(ctx), threadID)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "send thread")
		return
	}

	writeJSON(w, http.StatusOK, thread)
}

// Finalize handles POST /api/v1/threads/{id}/finalize
func (h *ThreadHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	threadID, ok := threadIDParam(w, r)
	if !ok {
		return
	}

	var req model.FinalizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.service.Finalize(ctx, middleware.GetOrganizerID(ctx), threadID, &req)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "finalize thread")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Repropose handles POST /api/v1/threads/{id}/repropose
func (h *ThreadHandler) Repropose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	threadID, ok := threadIDParam(w, r)
	if !ok {
		return
	}

	var req model.ReproposeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.service.Repropose(ctx, middleware.GetOrganizerID(ctx), threadID, &req)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "repropose thread")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Cancel handles POST /api/v1/threads/{id}/cancel
func (h *ThreadHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	threadID, ok := threadIDParam(w, r)
	if !ok {
		return
	}

	var req cancelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	thread, err := h.service.Cancel(ctx, middleware.GetOrganizerID(ctx), threadID, req.Reason)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "cancel thread")
		return
	}

	writeJSON(w, http.StatusOK, thread)
}

func threadIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	threadID := chi.URLParam(r, "id")
	if err := middleware.ValidateThreadID(threadID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return threadID, true
}
