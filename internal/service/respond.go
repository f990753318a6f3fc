package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/capitalize-ai/meeting-coordinator/internal/model"
	"github.com/capitalize-ai/meeting-coordinator/internal/policy"
	"github.com/capitalize-ai/meeting-coordinator/internal/store"
	"github.com/capitalize-ai/meeting-coordinator/pkg/metrics"
)

// Respond records an invitee's answer for the thread's current proposal
// generation and runs the finalization chain in the same call.
//
// A repeated answer for the same generation overwrites the stored one. On a
// confirmed thread the existing response is returned unchanged. In open
// slots mode an ok answer first claims the selected slot; a lost claim
// persists nothing and returns ErrSlotAlreadyBooked.
func (s *SchedulingService) Respond(ctx context.Context, token string, req *model.RespondRequest) (*model.RespondResponse, error) {
	ctx, span := s.tracer.Start(ctx, "SchedulingService.Respond")
	defer span.End()

	if req == nil || !req.Response.Valid() {
		return nil, validationError("response must be one of ok, no, maybe")
	}
	if len(req.Comment) > maxCommentLength {
		return nil, validationError("comment must be at most %d characters", maxCommentLength)
	}

	invite, err := s.resolveToken(ctx, token)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("thread.id", invite.ThreadID),
		attribute.String("invite.id", invite.ID),
		attribute.String("response.answer", string(req.Response)),
	)

	var (
		result *model.RespondResponse
		events []*model.Notification
		mode   model.Mode
	)
	err = s.store.WithThread(ctx, invite.ThreadID, func(tx store.Tx) error {
		result, events = nil, nil
		agg := tx.Aggregate()
		mode = agg.Thread.Mode
		now := s.now()

		inv, ok := agg.Invite(invite.ID)
		if !ok {
			return ErrInvalidToken
		}

		switch agg.Thread.Status {
		case model.ThreadStatusConfirmed:
			result = readOnlyResult(agg, inv.ID, now)
			return nil
		case model.ThreadStatusSent:
		default:
			return notActive("thread is %s and is not accepting responses", agg.Thread.Status)
		}

		if s.opts.EnforceDeadline && agg.Policy.DeadlineAt != nil && now.After(*agg.Policy.DeadlineAt) {
			return &Error{Code: CodeExpired, Message: "the response deadline has passed"}
		}

		selected := normalizeSlotID(req.SelectedSlotID)
		// Fixed-mode answers are pinned to the slot they were given for.
		if selected == nil && agg.Thread.Mode == model.ModeFixed {
			if id, ok := agg.FixedSlotID(agg.Thread.CurrentVersion); ok {
				selected = &id
			}
		}
		if req.Response == model.AnswerOK && selected == nil && agg.Thread.Mode.RequiresSlotSelection() {
			return ErrSlotRequired
		}
		if selected != nil {
			if _, ok := agg.Slot(*selected); !ok {
				return validationError("selected_slot_id %q does not belong to this thread", *selected)
			}
		}

		var filled *model.Slot
		if agg.Thread.Mode == model.ModeOpenSlots {
			if req.Response == model.AnswerOK {
				booked, newly, err := s.claimSlot(ctx, tx, inv.ID, *selected)
				if err != nil {
					return err
				}
				if newly {
					filled = &booked
				}
			} else {
				selected = nil
				if err := s.releaseBooking(ctx, tx, inv.ID); err != nil {
					return err
				}
			}
		} else if req.Response == model.AnswerOK {
			if err := checkCapacity(agg, inv.ID, selected); err != nil {
				return err
			}
		}

		stored, err := tx.UpsertResponse(ctx, model.Response{
			ID:              s.newID(),
			InviteID:        inv.ID,
			ThreadID:        agg.Thread.ID,
			Answer:          req.Response,
			SelectedSlotID:  selected,
			Comment:         strings.TrimSpace(req.Comment),
			RespondedAt:     now,
			ResponseVersion: agg.Thread.CurrentVersion,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
		if err != nil {
			return fmt.Errorf("upsert response: %w", err)
		}

		updated := *inv
		updated.Status = req.Response.InviteStatus()
		updated.RespondedAt = &now
		updated.NeedsReResponse = false
		if err := tx.UpdateInvite(ctx, updated); err != nil {
			return fmt.Errorf("update invite: %w", err)
		}

		thread := agg.Thread
		thread.UpdatedAt = now
		if err := tx.UpdateThread(ctx, thread); err != nil {
			return fmt.Errorf("update thread: %w", err)
		}

		if filled != nil {
			events = append(events, s.newEvent(tx.Aggregate(), model.EventSlotFilled, model.PriorityLow, map[string]any{
				"slot":      slotPayload(*filled),
				"invite_id": inv.ID,
				"invitee":   updated.Name,
				"email":     updated.Email,
			}))
		}

		check := policy.Evaluate(tx.Aggregate(), now)
		rec, err := s.autoFinalize(ctx, tx, check, "invite:"+inv.ID, now)
		if err != nil {
			return err
		}
		if rec != nil {
			check = policy.Evaluate(tx.Aggregate(), now)
			events = append(events, s.confirmedEvent(tx.Aggregate(), *rec))
		}

		result = &model.RespondResponse{
			Response:     stored,
			Check:        check,
			ThreadStatus: tx.Aggregate().Thread.Status,
			Finalization: tx.Aggregate().Finalization,
		}
		return nil
	})

	log := s.logger.With(
		zap.String("thread_id", invite.ThreadID),
		zap.String("invite_id", invite.ID),
		zap.String("answer", string(req.Response)),
	)
	if err != nil {
		if CodeOf(err) == "" {
			span.RecordError(err)
			span.SetStatus(codes.Error, "respond failed")
			log.Error("failed to record response", zap.Error(err))
		} else {
			log.Info("response rejected", zap.String("code", string(CodeOf(err))))
		}
		return nil, err
	}

	metrics.ResponsesTotal.WithLabelValues(string(mode), string(req.Response)).Inc()
	log.Info("response recorded",
		zap.Bool("finalization_met", result.Check.Met),
		zap.String("thread_status", string(result.ThreadStatus)),
	)
	s.emit(ctx, events...)
	return result, nil
}

// View returns the invitee view of the thread behind a token, including
// which slots are still available.
func (s *SchedulingService) View(ctx context.Context, token string) (*model.InviteView, error) {
	invite, err := s.resolveToken(ctx, token)
	if err != nil {
		return nil, err
	}
	agg, err := s.store.GetThread(ctx, invite.ThreadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}
	inv, ok := agg.Invite(invite.ID)
	if !ok {
		return nil, ErrInvalidToken
	}

	counts := policy.NewTally(agg).SlotOK
	mine, _ := agg.LatestResponse(inv.ID)
	myOKSlot := ""
	if mine != nil && mine.Answer == model.AnswerOK {
		myOKSlot, _ = agg.EffectiveSlotID(mine)
	}

	view := &model.InviteView{
		Thread:          agg.Thread,
		Invite:          *inv,
		NeedsReResponse: inv.NeedsReResponse,
		DeadlineAt:      agg.Policy.DeadlineAt,
		Finalization:    agg.Finalization,
	}
	if mine != nil {
		r := *mine
		view.CurrentResponse = &r
	}

	for _, sl := range agg.ActiveSlots() {
		v := model.InviteSlotView{Slot: sl}
		switch agg.Thread.Mode {
		case model.ModeOpenSlots:
			v.BookedByMe = sl.BookedByInviteID != nil && *sl.BookedByInviteID == inv.ID
			v.Available = sl.Status == model.SlotStatusOpen || v.BookedByMe
		default:
			v.BookedByMe = myOKSlot == sl.ID
			v.Available = true
			if limit := agg.Policy.ParticipantLimit; limit != nil && !v.BookedByMe {
				v.Available = counts[sl.ID] < *limit
			}
		}
		view.Slots = append(view.Slots, v)
	}
	if view.Slots == nil {
		view.Slots = []model.InviteSlotView{}
	}
	return view, nil
}

func (s *SchedulingService) resolveToken(ctx context.Context, token string) (*model.Invite, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	invite, err := s.store.FindInviteByToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("find invite: %w", err)
	}
	if invite.ExpiresAt != nil && s.now().After(*invite.ExpiresAt) {
		return nil, ErrExpired
	}
	return invite, nil
}

// checkCapacity enforces participant_limit for vote-based modes.
func checkCapacity(agg *model.ThreadAggregate, inviteID string, selected *string) error {
	limit := agg.Policy.ParticipantLimit
	if limit == nil {
		return nil
	}
	candidate := &model.Response{
		InviteID:        inviteID,
		Answer:          model.AnswerOK,
		SelectedSlotID:  selected,
		ResponseVersion: agg.Thread.CurrentVersion,
	}
	slotID, ok := agg.EffectiveSlotID(candidate)
	if !ok {
		return nil
	}
	t := policy.NewTally(agg)
	taken := t.SlotOK[slotID]
	if t.OKSlot[inviteID] == slotID {
		taken--
	}
	if taken >= *limit {
		return &Error{Code: CodeSlotAlreadyBooked, Message: "選択した枠は定員に達しました (slot is full; 枠が埋まっています)"}
	}
	return nil
}

func readOnlyResult(agg *model.ThreadAggregate, inviteID string, now time.Time) *model.RespondResponse {
	res := &model.RespondResponse{
		Check:        policy.Evaluate(agg, now),
		ThreadStatus: agg.Thread.Status,
		Finalization: agg.Finalization,
	}
	if r, ok := agg.LatestResponse(inviteID); ok {
		res.Response = *r
	}
	return res
}

func normalizeSlotID(id *string) *string {
	if id == nil {
		return nil
	}
	v := strings.TrimSpace(*id)
	if v == "" {
		return nil
	}
	return &v
}
