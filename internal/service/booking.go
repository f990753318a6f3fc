package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/meeting-coordinator/internal/model"
	"github.com/capitalize-ai/meeting-coordinator/internal/store"
	"github.com/capitalize-ai/meeting-coordinator/pkg/metrics"
)

// claimSlot books slotID for the invite in open slots mode.
//
// The claim is a compare-and-set against the slot version read inside the
// thread transaction. The first claim to commit wins; every other claim on
// the same slot sees ErrSlotAlreadyBooked. An invite moving to another slot
// releases its previous booking in the same transaction. newly is false when
// the invite already held the slot.
func (s *SchedulingService) claimSlot(ctx context.Context, tx store.Tx, inviteID, slotID string) (slot model.Slot, newly bool, err error) {
	agg := tx.Aggregate()
	target, ok := agg.Slot(slotID)
	if !ok {
		return model.Slot{}, false, validationError("slot %q does not belong to this thread", slotID)
	}

	previousID := ""
	if prev, ok := agg.BookedSlotOf(inviteID); ok {
		if prev.ID == slotID {
			return *prev, false, nil
		}
		previousID = prev.ID
	}

	log := s.logger.With(
		zap.String("thread_id", agg.Thread.ID),
		zap.String("invite_id", inviteID),
		zap.String("slot_id", slotID),
	)

	booked, err := tx.ClaimSlot(ctx, slotID, inviteID, target.Version)
	switch {
	case errors.Is(err, store.ErrSlotConflict):
		metrics.RecordSlotClaim(metrics.ClaimLost)
		log.Info("slot claim lost", zap.String("slot_status", string(booked.Status)))
		return model.Slot{}, false, ErrSlotAlreadyBooked
	case err != nil:
		metrics.RecordSlotClaim(metrics.ClaimError)
		log.Error("slot claim failed", zap.Error(err))
		return model.Slot{}, false, fmt.Errorf("claim slot: %w", err)
	}

	if previousID != "" {
		if _, err := tx.ReleaseSlot(ctx, previousID, inviteID); err != nil {
			metrics.RecordSlotClaim(metrics.ClaimError)
			log.Error("failed to release previous slot", zap.String("previous_slot_id", previousID), zap.Error(err))
			return model.Slot{}, false, fmt.Errorf("release slot: %w", err)
		}
	}

	metrics.RecordSlotClaim(metrics.ClaimWon)
	log.Debug("slot claimed")
	return booked, true, nil
}

// releaseBooking reopens the slot held by the invite, if any.
func (s *SchedulingService) releaseBooking(ctx context.Context, tx store.Tx, inviteID string) error {
	prev, ok := tx.Aggregate().BookedSlotOf(inviteID)
	if !ok {
		return nil
	}
	if _, err := tx.ReleaseSlot(ctx, prev.ID, inviteID); err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}
