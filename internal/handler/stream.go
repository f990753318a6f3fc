package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/meeting-coordinator/internal/middleware"
	"github.com/capitalize-ai/meeting-coordinator/internal/model"
	natsclient "github.com/capitalize-ai/meeting-coordinator/internal/nats"
	"github.com/capitalize-ai/meeting-coordinator/internal/service"
	"github.com/capitalize-ai/meeting-coordinator/pkg/logger"
	"github.com/capitalize-ai/meeting-coordinator/pkg/metrics"
)

const (
	replayBatchSize   = 50
	heartbeatInterval = 30 * time.Second
	pollInterval      = 2 * time.Second
)

// EventSource reads thread events after a stream sequence.
// *nats.StreamManager implements it.
type EventSource interface {
	GetEvents(ctx context.Context, filter string, afterSequence uint64, limit int) ([]model.Notification, uint64, bool, error)
}

// StreamHandler handles SSE streaming of thread events.
type StreamHandler struct {
	service *service.SchedulingService
	events  EventSource
	logger  *logger.Logger

	heartbeat time.Duration
	poll      time.Duration
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(svc *service.SchedulingService, events EventSource, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		service:   svc,
		events:    events,
		logger:    log,
		heartbeat: heartbeatInterval,
		poll:      pollInterval,
	}
}

// ReplayCompleteEvent marks the end of event replay.
type ReplayCompleteEvent struct {
	LastSequence uint64 `json:"last_sequence"`
	EventCount   int    `json:"event_count"`
}

// HeartbeatEvent keeps idle connections open.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// Stream handles GET /api/v1/threads/{id}/events
// Supports ?after_sequence=N for resuming from a specific point
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	organizerID := middleware.GetOrganizerID(ctx)
	threadID, ok := threadIDParam(w, r)
	if !ok {
		return
	}

	if _, err := h.service.Detail(ctx, organizerID, threadID); err != nil {
		writeServiceError(w, r, h.logger, err, "load thread")
		return
	}

	var afterSequence uint64
	if seqStr := r.URL.Query().Get("after_sequence"); seqStr != "" {
		if seq, err := strconv.ParseUint(seqStr, 10, 64); err == nil {
			afterSequence = seq
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	log := h.logger.ForThread(threadID, organizerID)
	filter := natsclient.ThreadFilter(organizerID, threadID)

	sendSSEEvent(w, flusher, "connected", map[string]string{
		"thread_id": threadID,
	})

	lastSequence, replayed, err := h.drain(ctx, w, flusher, filter, afterSequence)
	if err != nil {
		log.Error("failed to replay events", zap.Error(err))
		sendSSEEvent(w, flusher, "error", errorResponse{Error: "failed to replay events"})
		return
	}

	sendSSEEvent(w, flusher, "replay_complete", &ReplayCompleteEvent{
		LastSequence: lastSequence,
		EventCount:   replayed,
	})
	log.Debug("event replay complete",
		zap.Int("events_replayed", replayed),
		zap.Uint64("last_sequence", lastSequence),
	)

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	poll := time.NewTicker(h.poll)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected")
			return

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &HeartbeatEvent{Timestamp: time.Now().UTC()})

		case <-poll.C:
			seq, _, err := h.drain(ctx, w, flusher, filter, lastSequence)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("failed to poll events", zap.Error(err))
				continue
			}
			lastSequence = seq
		}
	}
}

// drain writes every event after afterSequence, batch by batch.
func (h *StreamHandler) drain(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, filter string, afterSequence uint64) (uint64, int, error) {
	lastSequence := afterSequence
	total := 0
	for {
		events, seq, more, err := h.events.GetEvents(ctx, filter, lastSequence, replayBatchSize)
		if err != nil {
			return lastSequence, total, err
		}
		for _, ev := range events {
			if ctx.Err() != nil {
				return lastSequence, total, ctx.Err()
			}
			sendSSEEvent(w, flusher, string(ev.Type), ev)
			total++
		}
		if seq > lastSequence {
			lastSequence = seq
		}
		if !more || len(events) == 0 {
			return lastSequence, total, nil
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}
