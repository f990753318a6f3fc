package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/meeting-coordinator/internal/model"
	"github.com/capitalize-ai/meeting-coordinator/internal/store"
	"github.com/capitalize-ai/meeting-coordinator/pkg/metrics"
)

// Finalize confirms a thread on the organizer's chosen slot. Finalizing a
// thread already confirmed on the same slot returns the existing record.
func (s *SchedulingService) Finalize(ctx context.Context, organizerID, threadID string, req *model.FinalizeRequest) (*model.FinalizeResponse, error) {
	ctx, span := s.tracer.Start(ctx, "SchedulingService.Finalize", trace.WithAttributes(attribute.String("thread.id", threadID)))
	defer span.End()

	if req == nil || strings.TrimSpace(req.SelectedSlotID) == "" {
		return nil, validationError("selected_slot_id is required")
	}
	slotID := strings.TrimSpace(req.SelectedSlotID)

	var (
		result *model.FinalizeResponse
		event  *model.Notification
	)
	err := s.withOwnedThread(ctx, organizerID, threadID, func(tx store.Tx) error {
		result, event = nil, nil
		agg := tx.Aggregate()

		if f := agg.Finalization; f != nil {
			if f.SelectedSlotID != slotID {
				return notActive("thread is already confirmed on another slot")
			}
			sl, _ := agg.Slot(f.SelectedSlotID)
			result = finalizeResult(agg, *sl)
			return nil
		}
		if agg.Thread.Status != model.ThreadStatusSent {
			return notActive("thread is %s and cannot be finalized", agg.Thread.Status)
		}

		sl, ok := agg.Slot(slotID)
		if !ok {
			return validationError("selected_slot_id %q does not belong to this thread", slotID)
		}
		if sl.Status == model.SlotStatusCancelled {
			return validationError("slot %q has been cancelled", slotID)
		}

		rec, err := s.commitFinalization(ctx, tx, slotID, model.TriggerManual, organizerID, strings.TrimSpace(req.Reason), s.now())
		if err != nil {
			return err
		}
		agg = tx.Aggregate()
		sl, _ = agg.Slot(slotID)
		result = finalizeResult(agg, *sl)
		event = s.newEvent(agg, model.EventRequestFinalized, model.PriorityNormal, map[string]any{
			"selected_slot": slotPayload(*sl),
			"trigger":       rec.Trigger,
			"actor_id":      rec.ActorID,
			"reason":        rec.Reason,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.ForThread(threadID, organizerID).Info("thread finalized",
		zap.String("slot_id", slotID),
		zap.String("trigger", string(model.TriggerManual)),
	)
	s.emit(ctx, event)
	return result, nil
}

// autoFinalize commits the recommended slot when the thread's policy allows
// automatic confirmation and the check is met. It returns nil when nothing
// was committed, including when the thread is already confirmed.
//
// In open slots mode the booked configuration is the outcome, so the
// trigger fires on slot exhaustion alone.
func (s *SchedulingService) autoFinalize(ctx context.Context, tx store.Tx, check model.FinalizationCheck, actor string, now time.Time) (*model.FinalizationRecord, error) {
	agg := tx.Aggregate()
	if !agg.Policy.AutoFinalize || !check.Met || check.RecommendedSlotID == nil {
		return nil, nil
	}
	if agg.Finalization != nil || agg.Thread.Status != model.ThreadStatusSent {
		return nil, nil
	}
	// Open slots threads confirm only once every slot is booked.
	if agg.Thread.Mode == model.ModeOpenSlots && !check.AllSlotsBooked {
		return nil, nil
	}

	rec, err := s.commitFinalization(ctx, tx, *check.RecommendedSlotID, model.TriggerAuto, actor, check.Reason, now)
	if errors.Is(err, store.ErrAlreadyFinalized) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.logger.ForThread(agg.Thread.ID, agg.Thread.OrganizerID).Info("thread auto-finalized",
		zap.String("slot_id", rec.SelectedSlotID),
		zap.String("reason", check.Reason),
	)
	return &rec, nil
}

// commitFinalization writes the finalization record and moves the thread to
// confirmed within the caller's transaction.
func (s *SchedulingService) commitFinalization(ctx context.Context, tx store.Tx, slotID string, trigger model.TriggerReason, actor, reason string, now time.Time) (model.FinalizationRecord, error) {
	agg := tx.Aggregate()
	if !agg.Thread.Status.CanTransitionTo(model.ThreadStatusConfirmed) {
		return model.FinalizationRecord{}, notActive("thread is %s and cannot be confirmed", agg.Thread.Status)
	}

	rec := model.FinalizationRecord{
		ThreadID:       agg.Thread.ID,
		SelectedSlotID: slotID,
		Trigger:        trigger,
		ActorID:        actor,
		Reason:         reason,
		FinalizedAt:    now,
	}
	if err := tx.InsertFinalization(ctx, rec); err != nil {
		if errors.Is(err, store.ErrAlreadyFinalized) {
			return model.FinalizationRecord{}, err
		}
		return model.FinalizationRecord{}, fmt.Errorf("insert finalization: %w", err)
	}

	t := agg.Thread
	t.Status = model.ThreadStatusConfirmed
	t.UpdatedAt = now
	if err := tx.UpdateThread(ctx, t); err != nil {
		return model.FinalizationRecord{}, fmt.Errorf("update thread: %w", err)
	}

	metrics.FinalizationsTotal.WithLabelValues(string(trigger)).Inc()
	return rec, nil
}

func (s *SchedulingService) confirmedEvent(agg *model.ThreadAggregate, rec model.FinalizationRecord) *model.Notification {
	payload := map[string]any{
		"organizer_id": agg.Thread.OrganizerID,
		"trigger":      rec.Trigger,
		"reason":       rec.Reason,
	}
	if sl, ok := agg.Slot(rec.SelectedSlotID); ok {
		payload["selected_slot"] = slotPayload(*sl)
	}
	return s.newEvent(agg, model.EventRequestConfirmed, model.PriorityHigh, payload)
}

func finalizeResult(agg *model.ThreadAggregate, sl model.Slot) *model.FinalizeResponse {
	return &model.FinalizeResponse{
		Status:         agg.Thread.Status,
		SelectedSlotID: sl.ID,
		SelectedSlot:   sl,
		Finalization:   *agg.Finalization,
	}
}
