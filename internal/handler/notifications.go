package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/meeting-coordinator/internal/middleware"
	"github.com/capitalize-ai/meeting-coordinator/internal/service"
	"github.com/capitalize-ai/meeting-coordinator/pkg/logger"
)

// NotificationHandler serves the organizer inbox.
type NotificationHandler struct {
	service *service.SchedulingService
	logger  *logger.Logger
}

// NewNotificationHandler creates a new notification handler.
func NewNotificationHandler(svc *service.SchedulingService, log *logger.Logger) *NotificationHandler {
	return &NotificationHandler{service: svc, logger: log}
}

// List handles GET /api/v1/notifications
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, _ := parsePagination(r, 50, 200)

	resp, err := h.service.ListNotifications(ctx, middleware.GetOrganizerID(ctx), limit)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "list notifications")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// MarkRead handles POST /api/v1/notifications/{id}/read
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateNotificationID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.MarkNotificationRead(ctx, middleware.GetOrganizerID(ctx), id); err != nil {
		writeServiceError(w, r, h.logger, err, "mark notification read")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
