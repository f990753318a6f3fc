// Package service provides business logic for scheduling coordination.
package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/meeting-coordinator/internal/model"
	"github.com/capitalize-ai/meeting-coordinator/internal/notify"
	"github.com/capitalize-ai/meeting-coordinator/internal/policy"
	"github.com/capitalize-ai/meeting-coordinator/internal/store"
	"github.com/capitalize-ai/meeting-coordinator/pkg/logger"
	"github.com/capitalize-ai/meeting-coordinator/pkg/metrics"
)

const (
	maxTitleLength   = 256
	maxSlots         = 100
	maxInvites       = 200
	maxCommentLength = 2000
	tokenBytes       = 32
)

// Options configures a SchedulingService.
type Options struct {
	// InviteTTL bounds how long an invite token stays valid. Zero disables expiry.
	InviteTTL time.Duration
	// EnforceDeadline rejects responses submitted after the policy deadline.
	EnforceDeadline bool
	// DefaultMaxReproposals applies when a thread does not set its own limit.
	DefaultMaxReproposals int
	// PublicBaseURL prefixes invitee response links.
	PublicBaseURL string
}

// SchedulingService coordinates threads, responses and finalization.
type SchedulingService struct {
	store    store.Store
	notifier notify.Notifier
	logger   *logger.Logger
	tracer   trace.Tracer
	opts     Options

	now      func() time.Time
	newID    func() string
	newToken func() (string, error)
}

// NewSchedulingService creates a new scheduling service.
func NewSchedulingService(st store.Store, n notify.Notifier, log *logger.Logger, opts Options) *SchedulingService {
	if n == nil {
		n = notify.Nop
	}
	if log == nil {
		log = logger.Global()
	}
	return &SchedulingService{
		store:    st,
		notifier: n,
		logger:   log,
		tracer:   otel.Tracer("meeting-coordinator/service"),
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.Must(uuid.NewV7()).String() },
		newToken: newInviteToken,
	}
}

func newInviteToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate invite token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Prepare creates a thread with its policy, slots and invites in draft.
func (s *SchedulingService) Prepare(ctx context.Context, organizerID string, req *model.PrepareThreadRequest) (*model.PrepareThreadResponse, error) {
	ctx, span := s.tracer.Start(ctx, "SchedulingService.Prepare")
	defer span.End()

	if organizerID == "" {
		return nil, ErrUnauthorized
	}
	if err := s.validatePrepare(req); err != nil {
		return nil, err
	}

	now := s.now()
	threadID := s.newID()

	topology := req.Topology
	if topology == "" {
		topology = model.TopologyOneToMany
		if len(req.Invites) == 1 {
			topology = model.TopologyOneOnOne
		}
	}

	agg := &model.ThreadAggregate{
		Thread: model.Thread{
			ID:             threadID,
			OrganizerID:    organizerID,
			Title:          strings.TrimSpace(req.Title),
			Description:    req.Description,
			Status:         model.ThreadStatusDraft,
			Mode:           req.Mode,
			Topology:       topology,
			CurrentVersion: 1,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		Policy: s.buildPolicy(threadID, req.Policy, now),
		Slots:  s.buildSlots(threadID, req.Slots, 1, now),
	}

	var expiresAt *time.Time
	if s.opts.InviteTTL > 0 {
		t := now.Add(s.opts.InviteTTL)
		expiresAt = &t
	}

	prepared := make([]model.PreparedInvite, 0, len(req.Invites))
	for _, in := range req.Invites {
		token, err := s.newToken()
		if err != nil {
			return nil, err
		}
		inv := model.Invite{
			ID:        s.newID(),
			ThreadID:  threadID,
			Key:       inviteKey(in),
			Email:     strings.TrimSpace(in.Email),
			Name:      strings.TrimSpace(in.Name),
			Token:     token,
			Status:    model.InviteStatusPending,
			ExpiresAt: expiresAt,
			CreatedAt: now,
		}
		agg.Invites = append(agg.Invites, inv)
		prepared = append(prepared, model.PreparedInvite{Invite: inv, Token: token, RespondURL: s.respondURL(token)})
	}

	if err := s.store.CreateThread(ctx, agg); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}

	metrics.ThreadsTotal.WithLabelValues(string(agg.Thread.Mode)).Inc()
	span.SetAttributes(attribute.String("thread.id", threadID), attribute.String("thread.mode", string(req.Mode)))
	s.logger.ForThread(threadID, organizerID).Info("thread prepared",
		zap.String("mode", string(agg.Thread.Mode)),
		zap.String("policy", string(agg.Policy.FinalizePolicy)),
		zap.Int("slots", len(agg.Slots)),
		zap.Int("invites", len(agg.Invites)),
	)

	return &model.PrepareThreadResponse{
		Thread:  agg.Thread,
		Policy:  agg.Policy,
		Slots:   agg.Slots,
		Invites: prepared,
	}, nil
}

func (s *SchedulingService) validatePrepare(req *model.PrepareThreadRequest) error {
	if req == nil {
		return validationError("request body is required")
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return validationError("title is required")
	}
	if len(title) > maxTitleLength {
		return validationError("title must be at most %d characters", maxTitleLength)
	}
	if !req.Mode.Valid() {
		return validationError("unknown mode %q", req.Mode)
	}
	switch req.Topology {
	case "", model.TopologyOneToMany:
	case model.TopologyOneOnOne:
		if len(req.Invites) != 1 {
			return validationError("one_on_one threads take exactly one invite")
		}
	default:
		return validationError("unknown topology %q", req.Topology)
	}

	if err := validateSlotInputs(req.Slots); err != nil {
		return err
	}
	if req.Mode == model.ModeFixed && len(req.Slots) != 1 {
		return validationError("fixed mode takes exactly one slot")
	}

	if len(req.Invites) == 0 {
		return validationError("at least one invite is required")
	}
	if len(req.Invites) > maxInvites {
		return validationError("at most %d invites are allowed", maxInvites)
	}
	keys := make(map[string]bool, len(req.Invites))
	for i, in := range req.Invites {
		email := strings.TrimSpace(in.Email)
		if email == "" || !strings.Contains(email, "@") {
			return validationError("invites[%d]: a valid email is required", i)
		}
		key := inviteKey(in)
		if keys[key] {
			return validationError("invites[%d]: duplicate invitee %q", i, key)
		}
		keys[key] = true
	}

	return validatePolicy(req.Policy, keys)
}

func validatePolicy(p model.PolicyInput, keys map[string]bool) error {
	fp := p.FinalizePolicy
	if fp == "" {
		fp = model.PolicyOrganizerDecides
	}
	if !fp.Valid() {
		return validationError("unknown finalize_policy %q", p.FinalizePolicy)
	}
	switch fp {
	case model.PolicyQuorum:
		if p.QuorumCount == nil {
			return validationError("quorum_count is required for the quorum policy")
		}
		if *p.QuorumCount < 1 || *p.QuorumCount > len(keys) {
			return validationError("quorum_count must be between 1 and %d", len(keys))
		}
	case model.PolicyRequiredPeople:
		if len(p.RequiredInviteeKeys) == 0 {
			return validationError("required_invitee_keys is required for the required_people policy")
		}
	}
	for _, k := range p.RequiredInviteeKeys {
		if !keys[normalizeKey(k)] {
			return validationError("required invitee %q is not invited", k)
		}
	}
	if p.DeadlineHours != nil && *p.DeadlineHours <= 0 {
		return validationError("deadline_hours must be positive")
	}
	if p.MaxReproposals != nil && *p.MaxReproposals < 0 {
		return validationError("max_reproposals must not be negative")
	}
	if p.ParticipantLimit != nil && *p.ParticipantLimit < 1 {
		return validationError("participant_limit must be at least 1")
	}
	return nil
}

func validateSlotInputs(slots []model.SlotInput) error {
	if len(slots) == 0 {
		return validationError("at least one slot is required")
	}
	if len(slots) > maxSlots {
		return validationError("at most %d slots are allowed", maxSlots)
	}
	for i, sl := range slots {
		if sl.StartAt.IsZero() || sl.EndAt.IsZero() {
			return validationError("slots[%d]: start_at and end_at are required", i)
		}
		if !sl.StartAt.Before(sl.EndAt) {
			return validationError("slots[%d]: start_at must be before end_at", i)
		}
	}
	return nil
}

func (s *SchedulingService) buildPolicy(threadID string, in model.PolicyInput, now time.Time) model.GroupPolicy {
	p := model.GroupPolicy{
		ThreadID:         threadID,
		FinalizePolicy:   in.FinalizePolicy,
		QuorumCount:      in.QuorumCount,
		AutoFinalize:     in.AutoFinalize,
		MaxReproposals:   s.opts.DefaultMaxReproposals,
		ParticipantLimit: in.ParticipantLimit,
	}
	if p.FinalizePolicy == "" {
		p.FinalizePolicy = model.PolicyOrganizerDecides
	}
	for _, k := range in.RequiredInviteeKeys {
		p.RequiredInviteeKeys = append(p.RequiredInviteeKeys, normalizeKey(k))
	}
	if in.MaxReproposals != nil {
		p.MaxReproposals = *in.MaxReproposals
	}
	if in.DeadlineHours != nil {
		d := now.Add(time.Duration(*in.DeadlineHours) * time.Hour)
		p.DeadlineAt = &d
	}
	return p
}

func (s *SchedulingService) buildSlots(threadID string, in []model.SlotInput, version int, now time.Time) []model.Slot {
	slots := make([]model.Slot, 0, len(in))
	for _, sl := range in {
		slots = append(slots, model.Slot{
			ID:              s.newID(),
			ThreadID:        threadID,
			StartAt:         sl.StartAt.UTC(),
			EndAt:           sl.EndAt.UTC(),
			Label:           strings.TrimSpace(sl.Label),
			ProposalVersion: version,
			Status:          model.SlotStatusOpen,
			CreatedAt:       now,
		})
	}
	return slots
}

func (s *SchedulingService) respondURL(token string) string {
	return strings.TrimRight(s.opts.PublicBaseURL, "/") + "/g/" + token
}

func inviteKey(in model.InviteInput) string {
	if k := strings.TrimSpace(in.Key); k != "" {
		return normalizeKey(k)
	}
	return normalizeKey(in.Email)
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}

// Send dispatches a draft thread's invites. Sending an already sent thread
// is a no-op.
func (s *SchedulingService) Send(ctx context.Context, organizerID, threadID string) (*model.Thread, error) {
	ctx, span := s.tracer.Start(ctx, "SchedulingService.Send", trace.WithAttributes(attribute.String("thread.id", threadID)))
	defer span.End()

	var (
		thread model.Thread
		event  *model.Notification
	)
	err := s.withOwnedThread(ctx, organizerID, threadID, func(tx store.Tx) error {
		agg := tx.Aggregate()
		switch agg.Thread.Status {
		case model.ThreadStatusSent:
			thread = agg.Thread
			return nil
		case model.ThreadStatusDraft:
		default:
			return notActive("thread is %s and cannot be sent", agg.Thread.Status)
		}

		now := s.now()
		t := agg.Thread
		t.Status = model.ThreadStatusSent
		t.SentAt = &now
		t.UpdatedAt = now
		if err := tx.UpdateThread(ctx, t); err != nil {
			return fmt.Errorf("update thread: %w", err)
		}
		thread = t

		invites := make([]map[string]any, 0, len(agg.Invites))
		for _, inv := range agg.Invites {
			invites = append(invites, map[string]any{
				"invite_id":   inv.ID,
				"email":       inv.Email,
				"name":        inv.Name,
				"respond_url": s.respondURL(inv.Token),
			})
		}
		event = s.newEvent(tx.Aggregate(), model.EventRequestSent, model.PriorityLow, map[string]any{
			"invites": invites,
			"mode":    agg.Thread.Mode,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.ForThread(threadID, organizerID).Info("thread sent")
	s.emit(ctx, event)
	return &thread, nil
}

// Cancel moves a thread to the terminal cancelled state.
func (s *SchedulingService) Cancel(ctx context.Context, organizerID, threadID, reason string) (*model.Thread, error) {
	ctx, span := s.tracer.Start(ctx, "SchedulingService.Cancel", trace.WithAttributes(attribute.String("thread.id", threadID)))
	defer span.End()

	var (
		thread model.Thread
		event  *model.Notification
	)
	err := s.withOwnedThread(ctx, organizerID, threadID, func(tx store.Tx) error {
		agg := tx.Aggregate()
		if agg.Thread.Status == model.ThreadStatusCancelled {
			thread = agg.Thread
			return nil
		}
		if !agg.Thread.Status.CanTransitionTo(model.ThreadStatusCancelled) {
			return notActive("thread is %s and cannot be cancelled", agg.Thread.Status)
		}

		t := agg.Thread
		t.Status = model.ThreadStatusCancelled
		t.UpdatedAt = s.now()
		if err := tx.UpdateThread(ctx, t); err != nil {
			return fmt.Errorf("update thread: %w", err)
		}
		thread = t
		event = s.newEvent(tx.Aggregate(), model.EventRequestCancelled, model.PriorityNormal, map[string]any{
			"reason": reason,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.ForThread(threadID, organizerID).Info("thread cancelled", zap.String("reason", reason))
	s.emit(ctx, event)
	return &thread, nil
}

// List returns the organizer's threads, newest first.
func (s *SchedulingService) List(ctx context.Context, organizerID string, limit, offset int) (*model.ListThreadsResponse, error) {
	if organizerID == "" {
		return nil, ErrUnauthorized
	}
	threads, total, err := s.store.ListThreads(ctx, organizerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	if threads == nil {
		threads = []model.Thread{}
	}
	return &model.ListThreadsResponse{
		Threads: threads,
		Total:   total,
		HasMore: offset+len(threads) < total,
	}, nil
}

// Detail returns the organizer view of a thread.
func (s *SchedulingService) Detail(ctx context.Context, organizerID, threadID string) (*model.ThreadDetail, error) {
	agg, err := s.ownedThread(ctx, organizerID, threadID)
	if err != nil {
		return nil, err
	}

	slots := agg.Slots
	sort.SliceStable(slots, func(i, j int) bool {
		if slots[i].ProposalVersion != slots[j].ProposalVersion {
			return slots[i].ProposalVersion < slots[j].ProposalVersion
		}
		return slots[i].StartAt.Before(slots[j].StartAt)
	})

	return &model.ThreadDetail{
		Thread:       agg.Thread,
		Policy:       agg.Policy,
		Slots:        slots,
		Invites:      agg.Invites,
		Responses:    agg.Responses,
		Summary:      summarize(agg),
		Check:        policy.Evaluate(agg, s.now()),
		Finalization: agg.Finalization,
	}, nil
}

// Summary returns aggregate response counts for a thread.
func (s *SchedulingService) Summary(ctx context.Context, organizerID, threadID string) (*model.Summary, error) {
	agg, err := s.ownedThread(ctx, organizerID, threadID)
	if err != nil {
		return nil, err
	}
	sum := summarize(agg)
	return &sum, nil
}

func summarize(agg *model.ThreadAggregate) model.Summary {
	t := policy.NewTally(agg)

	sum := model.Summary{
		ThreadID:       agg.Thread.ID,
		Status:         agg.Thread.Status,
		CurrentVersion: agg.Thread.CurrentVersion,
		TotalInvited:   len(agg.Invites),
		Responded:      len(t.Latest),
		OKCount:        t.OK,
		NoCount:        t.No,
		MaybeCount:     t.Maybe,
		PendingCount:   t.Pending,
		Slots:          make([]model.SlotSummary, 0, len(agg.Slots)),
	}
	for _, inv := range agg.Invites {
		if inv.NeedsReResponse {
			sum.NeedsReResponseCount++
		}
	}

	slots := append([]model.Slot(nil), agg.Slots...)
	sort.SliceStable(slots, func(i, j int) bool { return slots[i].StartAt.Before(slots[j].StartAt) })
	for _, sl := range slots {
		sum.Slots = append(sum.Slots, model.SlotSummary{
			SlotID:           sl.ID,
			StartAt:          sl.StartAt,
			EndAt:            sl.EndAt,
			Label:            sl.Label,
			ProposalVersion:  sl.ProposalVersion,
			Status:           sl.Status,
			BookedByInviteID: sl.BookedByInviteID,
			OKCount:          t.SlotOK[sl.ID],
			NoCount:          t.SlotNo[sl.ID],
			MaybeCount:       t.SlotMaybe[sl.ID],
		})
	}
	return sum
}

// ListNotifications returns the organizer's inbox, newest first.
func (s *SchedulingService) ListNotifications(ctx context.Context, organizerID string, limit int) (*model.ListNotificationsResponse, error) {
	if organizerID == "" {
		return nil, ErrUnauthorized
	}
	list, err := s.store.ListNotifications(ctx, organizerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	resp := &model.ListNotificationsResponse{Notifications: list}
	if resp.Notifications == nil {
		resp.Notifications = []model.Notification{}
	}
	for _, n := range list {
		if n.ReadAt == nil {
			resp.Unread++
		}
	}
	return resp, nil
}

// MarkNotificationRead marks one inbox entry as read.
func (s *SchedulingService) MarkNotificationRead(ctx context.Context, organizerID, notificationID string) error {
	if organizerID == "" {
		return ErrUnauthorized
	}
	err := s.store.MarkNotificationRead(ctx, organizerID, notificationID, s.now())
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotificationNotFound
	}
	return err
}

// ownedThread loads a thread the organizer owns. Threads of other
// organizers are reported as not found.
func (s *SchedulingService) ownedThread(ctx context.Context, organizerID, threadID string) (*model.ThreadAggregate, error) {
	if organizerID == "" {
		return nil, ErrUnauthorized
	}
	agg, err := s.store.GetThread(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}
	if agg.Thread.OrganizerID != organizerID {
		return nil, ErrThreadNotFound
	}
	return agg, nil
}

func (s *SchedulingService) withOwnedThread(ctx context.Context, organizerID, threadID string, fn func(tx store.Tx) error) error {
	if organizerID == "" {
		return ErrUnauthorized
	}
	err := s.store.WithThread(ctx, threadID, func(tx store.Tx) error {
		if tx.Aggregate().Thread.OrganizerID != organizerID {
			return ErrThreadNotFound
		}
		return fn(tx)
	})
	if errors.Is(err, store.ErrNotFound) && CodeOf(err) == "" {
		return ErrThreadNotFound
	}
	return err
}

func (s *SchedulingService) newEvent(agg *model.ThreadAggregate, t model.EventType, p model.Priority, payload map[string]any) *model.Notification {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["thread_id"] = agg.Thread.ID
	payload["status"] = agg.Thread.Status
	return &model.Notification{
		ID:             s.newID(),
		Type:           t,
		OrganizerID:    agg.Thread.OrganizerID,
		ActionTargetID: agg.Thread.ID,
		Title:          agg.Thread.Title,
		Priority:       p,
		Payload:        payload,
		CreatedAt:      s.now(),
	}
}

// emit hands committed events to the notifier. Delivery failures are
// logged and never change the result of the operation.
func (s *SchedulingService) emit(ctx context.Context, events ...*model.Notification) {
	ctx = context.WithoutCancel(ctx)
	for _, n := range events {
		if n == nil {
			continue
		}
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.logger.Warn("event delivery failed",
				zap.String("type", string(n.Type)),
				zap.String("thread_id", n.ActionTargetID),
				zap.Error(err),
			)
		}
	}
}

func slotPayload(sl model.Slot) map[string]any {
	return map[string]any{
		"id":               sl.ID,
		"start_at":         sl.StartAt,
		"end_at":           sl.EndAt,
		"label":            sl.Label,
		"proposal_version": sl.ProposalVersion,
	}
}
