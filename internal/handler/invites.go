package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/meeting-coordinator/internal/middleware"
	"github.com/capitalize-ai/meeting-coordinator/internal/model"
	"github.com/capitalize-ai/meeting-coordinator/internal/service"
	"github.com/capitalize-ai/meeting-coordinator/pkg/logger"
)

// InviteHandler handles token-authenticated invitee endpoints.
type InviteHandler struct {
	service *service.SchedulingService
	logger  *logger.Logger
}

// NewInviteHandler creates a new invite handler.
func NewInviteHandler(svc *service.SchedulingService, log *logger.Logger) *InviteHandler {
	return &InviteHandler{
		service: svc,
		logger:  log,
	}
}

// slotConflictResponse is returned with 409 so the client can offer the
// slots that are still open.
type slotConflictResponse struct {
	Error string                 `json:"error"`
	Code  service.Code           `json:"code"`
	Slots []model.InviteSlotView `json:"slots"`
}

// View handles GET /g/{token}
func (h *InviteHandler) View(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenParam(w, r)
	if !ok {
		return
	}

	view, err := h.service.View(r.Context(), token)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "load invite")
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// Respond handles POST /g/{token}/respond
func (h *InviteHandler) Respond(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token, ok := tokenParam(w, r)
	if !ok {
		return
	}

	var req model.RespondRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateComment(req.Comment); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.service.Respond(ctx, token, &req)
	if errors.Is(err, service.ErrSlotAlreadyBooked) {
		body := slotConflictResponse{Error: err.Error(), Code: service.CodeSlotAlreadyBooked, Slots: []model.InviteSlotView{}}
		if view, verr := h.service.View(ctx, token); verr == nil {
			body.Slots = view.Slots
		} else {
			h.logger.Warn("failed to reload slots after conflict", zap.Error(verr))
		}
		writeJSON(w, http.StatusConflict, body)
		return
	}
	if err != nil {
		writeServiceError(w, r, h.logger, err, "record response")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func tokenParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := chi.URLParam(r, "token")
	if err := middleware.ValidateInviteToken(token); err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: service.ErrInvalidToken.Message, Code: service.CodeInvalidToken})
		return "", false
	}
	return token, true
}
