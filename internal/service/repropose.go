package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/meeting-coordinator/internal/model"
	"github.com/capitalize-ai/meeting-coordinator/internal/store"
	"github.com/capitalize-ai/meeting-coordinator/pkg/metrics"
)

// Repropose appends a new generation of slots to a sent thread. Existing
// slots and responses are kept; invitees whose latest answer belongs to an
// older generation are flagged as needing to respond again.
func (s *SchedulingService) Repropose(ctx context.Context, organizerID, threadID string, req *model.ReproposeRequest) (*model.ReproposeResponse, error) {
	ctx, span := s.tracer.Start(ctx, "SchedulingService.Repropose", trace.WithAttributes(attribute.String("thread.id", threadID)))
	defer span.End()

	if req == nil {
		return nil, validationError("request body is required")
	}
	if err := validateSlotInputs(req.NewSlots); err != nil {
		return nil, err
	}
	if req.NewDeadlineHours != nil && *req.NewDeadlineHours <= 0 {
		return nil, validationError("new_deadline_hours must be positive")
	}

	var (
		result *model.ReproposeResponse
		event  *model.Notification
	)
	err := s.withOwnedThread(ctx, organizerID, threadID, func(tx store.Tx) error {
		result, event = nil, nil
		agg := tx.Aggregate()

		if agg.Thread.Status != model.ThreadStatusSent {
			return notActive("thread is %s and cannot be reproposed", agg.Thread.Status)
		}
		if agg.Policy.ReproposalCount >= agg.Policy.MaxReproposals {
			return ErrMaxReproposalsExceeded
		}

		now := s.now()
		next := agg.Thread.CurrentVersion + 1

		slots := s.buildSlots(agg.Thread.ID, req.NewSlots, next, now)
		if err := tx.InsertSlots(ctx, slots); err != nil {
			return fmt.Errorf("insert slots: %w", err)
		}

		t := agg.Thread
		t.CurrentVersion = next
		t.UpdatedAt = now
		if err := tx.UpdateThread(ctx, t); err != nil {
			return fmt.Errorf("update thread: %w", err)
		}

		p := agg.Policy
		p.ReproposalCount++
		if req.NewDeadlineHours != nil {
			d := now.Add(time.Duration(*req.NewDeadlineHours) * time.Hour)
			p.DeadlineAt = &d
		}
		if err := tx.UpdatePolicy(ctx, p); err != nil {
			return fmt.Errorf("update policy: %w", err)
		}

		needs := make([]string, 0, len(agg.Invites))
		for _, inv := range agg.Invites {
			latest, ok := agg.LatestResponse(inv.ID)
			if !ok || latest.ResponseVersion >= next {
				continue
			}
			needs = append(needs, inv.ID)
			if inv.NeedsReResponse {
				continue
			}
			inv.NeedsReResponse = true
			if err := tx.UpdateInvite(ctx, inv); err != nil {
				return fmt.Errorf("update invite: %w", err)
			}
		}

		result = &model.ReproposeResponse{
			ReproposalCount:      p.ReproposalCount,
			MaxReproposals:       p.MaxReproposals,
			NewSlotsCount:        len(slots),
			CurrentVersion:       next,
			NeedsReResponseCount: len(needs),
		}

		newSlots := make([]map[string]any, 0, len(slots))
		for _, sl := range slots {
			newSlots = append(newSlots, slotPayload(sl))
		}
		event = s.newEvent(tx.Aggregate(), model.EventRequestReproposed, model.PriorityNormal, map[string]any{
			"message":                   req.Message,
			"new_slots":                 newSlots,
			"current_version":           next,
			"reproposal_count":          p.ReproposalCount,
			"needs_re_response_invites": needs,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ReproposalsTotal.Inc()
	s.logger.ForThread(threadID, organizerID).Info("thread reproposed",
		zap.Int("current_version", result.CurrentVersion),
		zap.Int("reproposal_count", result.ReproposalCount),
		zap.Int("new_slots", result.NewSlotsCount),
	)
	s.emit(ctx, event)
	return result, nil
}
