package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/capitalize-ai/meeting-coordinator/internal/middleware"
)

// DevTokenHandler issues organizer tokens for local testing. It is mounted
// behind middleware.NonProduction.
type DevTokenHandler struct {
	secret string
	issuer string
	ttl    time.Duration
}

// NewDevTokenHandler creates a new dev token handler.
func NewDevTokenHandler(secret, issuer string, ttl time.Duration) *DevTokenHandler {
	return &DevTokenHandler{secret: secret, issuer: issuer, ttl: ttl}
}

type devTokenRequest struct {
	OrganizerID string `json:"organizer_id"`
}

type devTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issue handles POST /test/organizer-token
func (h *DevTokenHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req devTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	organizerID := strings.TrimSpace(req.OrganizerID)
	if organizerID == "" {
		writeError(w, http.StatusBadRequest, "organizer_id is required")
		return
	}

	now := time.Now()
	token, err := middleware.IssueToken(h.secret, h.issuer, organizerID, h.ttl, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusCreated, devTokenResponse{Token: token, ExpiresAt: now.Add(h.ttl).UTC()})
}
