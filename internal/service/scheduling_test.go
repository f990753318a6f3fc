package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/meeting-coordinator/internal/model"
	"github.com/capitalize-ai/meeting-coordinator/internal/notify"
	"github.com/capitalize-ai/meeting-coordinator/internal/notify/notifytest"
	"github.com/capitalize-ai/meeting-coordinator/internal/store"
	"github.com/capitalize-ai/meeting-coordinator/pkg/logger"
)

const organizer = "org-1"

var now0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	svc    *SchedulingService
	store  *store.MemoryStore
	events *notifytest.Recorder
	clock  time.Time
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{store: store.NewMemoryStore(), events: &notifytest.Recorder{}, clock: now0}
	if opts.DefaultMaxReproposals == 0 {
		opts.DefaultMaxReproposals = 3
	}
	if opts.PublicBaseURL == "" {
		opts.PublicBaseURL = "https://sched.example.com/"
	}
	h.svc = NewSchedulingService(h.store, h.events, logger.NewNop(), opts)
	h.svc.now = func() time.Time { return h.clock }
	return h
}

func slotInputs(n int) []model.SlotInput {
	out := make([]model.SlotInput, n)
	for i := range out {
		start := now0.Add(24*time.Hour + time.Duration(i)*time.Hour)
		out[i] = model.SlotInput{StartAt: start, EndAt: start.Add(30 * time.Minute), Label: fmt.Sprintf("slot %d", i+1)}
	}
	return out
}

func inviteInputs(n int) []model.InviteInput {
	out := make([]model.InviteInput, n)
	for i := range out {
		out[i] = model.InviteInput{Email: fmt.Sprintf("guest%d@example.com", i+1), Name: fmt.Sprintf("Guest %d", i+1)}
	}
	return out
}

// thread prepares and sends a thread.
func (h *harness) thread(t *testing.T, mode model.Mode, p model.PolicyInput, slots, invites int) *model.PrepareThreadResponse {
	t.Helper()
	ctx := context.Background()
	prepared, err := h.svc.Prepare(ctx, organizer, &model.PrepareThreadRequest{
		Title:   "Quarterly review",
		Mode:    mode,
		Policy:  p,
		Slots:   slotInputs(slots),
		Invites: inviteInputs(invites),
	})
	require.NoError(t, err)
	_, err = h.svc.Send(ctx, organizer, prepared.Thread.ID)
	require.NoError(t, err)
	return prepared
}

func (h *harness) respond(t *testing.T, inv model.PreparedInvite, a model.Answer, slotID string) (*model.RespondResponse, error) {
	t.Helper()
	req := &model.RespondRequest{Response: a}
	if slotID != "" {
		req.SelectedSlotID = &slotID
	}
	return h.svc.Respond(context.Background(), inv.Token, req)
}

func (h *harness) detail(t *testing.T, threadID string) *model.ThreadDetail {
	t.Helper()
	d, err := h.svc.Detail(context.Background(), organizer, threadID)
	require.NoError(t, err)
	return d
}

func intp(v int) *int { return &v }

func TestPrepareValidation(t *testing.T) {
	valid := func() *model.PrepareThreadRequest {
		return &model.PrepareThreadRequest{
			Title:   "Sync",
			Mode:    model.ModeCandidates,
			Slots:   slotInputs(2),
			Invites: inviteInputs(2),
		}
	}

	tests := []struct {
		name   string
		mutate func(r *model.PrepareThreadRequest)
	}{
		{"empty title", func(r *model.PrepareThreadRequest) { r.Title = "  " }},
		{"unknown mode", func(r *model.PrepareThreadRequest) { r.Mode = "weekly" }},
		{"no slots", func(r *model.PrepareThreadRequest) { r.Slots = nil }},
		{"inverted slot", func(r *model.PrepareThreadRequest) { r.Slots[0].EndAt = r.Slots[0].StartAt.Add(-time.Minute) }},
		{"fixed with two slots", func(r *model.PrepareThreadRequest) { r.Mode = model.ModeFixed }},
		{"no invites", func(r *model.PrepareThreadRequest) { r.Invites = nil }},
		{"bad email", func(r *model.PrepareThreadRequest) { r.Invites[0].Email = "nobody" }},
		{"duplicate invitee", func(r *model.PrepareThreadRequest) { r.Invites[1].Email = "GUEST1@example.com" }},
		{"one_on_one with two invites", func(r *model.PrepareThreadRequest) { r.Topology = model.TopologyOneOnOne }},
		{"quorum without count", func(r *model.PrepareThreadRequest) { r.Policy.FinalizePolicy = model.PolicyQuorum }},
		{"quorum above invitees", func(r *model.PrepareThreadRequest) {
			r.Policy.FinalizePolicy = model.PolicyQuorum
			r.Policy.QuorumCount = intp(3)
		}},
		{"required people not invited", func(r *model.PrepareThreadRequest) {
			r.Policy.FinalizePolicy = model.PolicyRequiredPeople
			r.Policy.RequiredInviteeKeys = []string{"stranger@example.com"}
		}},
		{"negative max reproposals", func(r *model.PrepareThreadRequest) { r.Policy.MaxReproposals = intp(-1) }},
		{"unknown policy", func(r *model.PrepareThreadRequest) { r.Policy.FinalizePolicy = "majority" }},
	}

	h := newHarness(t, Options{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(req)
			_, err := h.svc.Prepare(context.Background(), organizer, req)
			require.Error(t, err)
			assert.Equal(t, CodeValidation, CodeOf(err))
		})
	}

	_, err := h.svc.Prepare(context.Background(), "", valid())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestPrepareDefaults(t *testing.T) {
	h := newHarness(t, Options{InviteTTL: 72 * time.Hour, DefaultMaxReproposals: 2})
	req := &model.PrepareThreadRequest{
		Title:   " 1on1 ",
		Mode:    model.ModeFixed,
		Slots:   slotInputs(1),
		Invites: []model.InviteInput{{Email: " Alice@Example.com ", Name: "Alice"}},
		Policy: model.PolicyInput{
			FinalizePolicy:      model.PolicyRequiredPeople,
			RequiredInviteeKeys: []string{"ALICE@example.com"},
			DeadlineHours:       intp(48),
		},
	}

	res, err := h.svc.Prepare(context.Background(), organizer, req)
	require.NoError(t, err)

	assert.Equal(t, "1on1", res.Thread.Title)
	assert.Equal(t, model.ThreadStatusDraft, res.Thread.Status)
	assert.Equal(t, model.TopologyOneOnOne, res.Thread.Topology)
	assert.Equal(t, 1, res.Thread.CurrentVersion)
	assert.Equal(t, 2, res.Policy.MaxReproposals)
	assert.Equal(t, []string{"alice@example.com"}, res.Policy.RequiredInviteeKeys)
	require.NotNil(t, res.Policy.DeadlineAt)
	assert.Equal(t, now0.Add(48*time.Hour), *res.Policy.DeadlineAt)

	require.Len(t, res.Invites, 1)
	inv := res.Invites[0]
	assert.Equal(t, "alice@example.com", inv.Key)
	assert.NotEmpty(t, inv.Token)
	assert.Equal(t, "https://sched.example.com/g/"+inv.Token, inv.RespondURL)
	require.NotNil(t, inv.ExpiresAt)
	assert.Equal(t, now0.Add(72*time.Hour), *inv.ExpiresAt)

	require.Len(t, res.Slots, 1)
	assert.Equal(t, 1, res.Slots[0].ProposalVersion)
	assert.Equal(t, model.SlotStatusOpen, res.Slots[0].Status)
}

func TestInviteTokensAreUnique(t *testing.T) {
	h := newHarness(t, Options{})
	res := h.thread(t, model.ModeCandidates, model.PolicyInput{}, 1, 50)

	seen := make(map[string]bool)
	for _, inv := range res.Invites {
		assert.GreaterOrEqual(t, len(inv.Token), 43)
		assert.False(t, seen[inv.Token])
		seen[inv.Token] = true
	}
}

func TestSendIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	res := h.thread(t, model.ModeCandidates, model.PolicyInput{}, 2, 2)

	thread, err := h.svc.Send(context.Background(), organizer, res.Thread.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ThreadStatusSent, thread.Status)
	require.NotNil(t, thread.SentAt)

	sent := h.events.OfType(model.EventRequestSent)
	require.Len(t, sent, 1)
	assert.Equal(t, res.Thread.ID, sent[0].ActionTargetID)
	assert.Equal(t, organizer, sent[0].OrganizerID)
}

func TestRespondRequiresSentThread(t *testing.T) {
	h := newHarness(t, Options{})
	res, err := h.svc.Prepare(context.Background(), organizer, &model.PrepareThreadRequest{
		Title: "Draft", Mode: model.ModeCandidates, Slots: slotInputs(1), Invites: inviteInputs(1),
	})
	require.NoError(t, err)

	_, err = h.respond(t, res.Invites[0], model.AnswerOK, res.Slots[0].ID)
	assert.ErrorIs(t, err, ErrThreadNotActive)
}

func TestRespondTokenErrors(t *testing.T) {
	h := newHarness(t, Options{InviteTTL: time.Hour})
	res := h.thread(t, model.ModeCandidates, model.PolicyInput{}, 1, 1)

	_, err := h.svc.Respond(context.Background(), "not-a-token", &model.RespondRequest{Response: model.AnswerNo})
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = h.svc.Respond(context.Background(), res.Invites[0].Token, &model.RespondRequest{Response: "yes"})
	assert.Equal(t, CodeValidation, CodeOf(err))

	h.clock = now0.Add(2 * time.Hour)
	_, err = h.respond(t, res.Invites[0], model.AnswerNo, "")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestRespondSlotRequired(t *testing.T) {
	for _, mode := range []model.Mode{model.ModeCandidates, model.ModeOpenSlots, model.ModeRangeAuto} {
		t.Run(string(mode), func(t *testing.T) {
			h := newHarness(t, Options{})
			res := h.thread(t, mode, model.PolicyInput{}, 2, 1)

			_, err := h.respond(t, res.Invites[0], model.AnswerOK, "")
			assert.ErrorIs(t, err, ErrSlotRequired)

			_, err = h.respond(t, res.Invites[0], model.AnswerMaybe, "")
			assert.NoError(t, err)
		})
	}
}

func TestRespondUnknownSlot(t *testing.T) {
	h := newHarness(t, Options{})
	res := h.thread(t, model.ModeCandidates, model.PolicyInput{}, 2, 1)

	_, err := h.respond(t, res.Invites[0], model.AnswerOK, "missing")
	assert.Equal(t, CodeValidation, CodeOf(err))
}

func TestRespondIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	res := h.thread(t, model.ModeCandidates, model.PolicyInput{}, 2, 2)
	inv := res.Invites[0]

	first, err := h.respond(t, inv, model.AnswerOK, res.Slots[0].ID)
	require.NoError(t, err)
	second, err := h.respond(t, inv, model.AnswerOK, res.Slots[0].ID)
	require.NoError(t, err)
	assert.Equal(t, first.Response.ID, second.Response.ID)

	third, err := h.respond(t, inv, model.AnswerNo, "")
	require.NoError(t, err)
	assert.Equal(t, first.Response.ID, third.Response.ID)

	d := h.detail(t, res.Thread.ID)
	require.Len(t, d.Responses, 1)
	assert.Equal(t, model.AnswerNo, d.Responses[0].Answer)
	assert.Equal(t, 1, d.Summary.NoCount)
	assert.Equal(t, 0, d.Summary.OKCount)
}

func TestRespondAfterConfirmIsReadOnly(t *testing.T) {
	h := newHarness(t, Options{})
	res := h.thread(t, model.ModeCandidates, model.PolicyInput{}, 2, 1)
	inv := res.Invites[0]

	first, err := h.respond(t, inv, model.AnswerOK, res.Slots[1].ID)
	require.NoError(t, err)

	_, err = h.svc.Finalize(context.Background(), organizer, res.Thread.ID, &model.FinalizeRequest{SelectedSlotID: res.Slots[1].ID})
	require.NoError(t, err)

	again, err := h.respond(t, inv, model.AnswerNo, "")
	require.NoError(t, err)
	assert.Equal(t, model.ThreadStatusConfirmed, again.ThreadStatus)
	assert.Equal(t, first.Response.ID, again.Response.ID)
	assert.Equal(t, model.AnswerOK, again.Response.Answer)

	d := h.detail(t, res.Thread.ID)
	require.Len(t, d.Responses, 1)
	assert.Equal(t, model.AnswerOK, d.Responses[0].Answer)
	assert.Equal(t, model.ThreadStatusConfirmed, d.Thread.Status)
}

// 5 invitees, 3 open slots, organizer finalizes.
func TestScenarioOpenSlotsManualFinalize(t *testing.T) {
	h := newHarness(t, Options{})
	res := h.thread(t, model.ModeOpenSlots, model.PolicyInput{}, 3, 5)
	s1, s2, s3 := res.Slots[0].ID, res.Slots[1].ID, res.Slots[2].ID

	_, err := h.respond(t, res.Invites[0], model.AnswerOK, s1)
	require.NoError(t, err)

	_, err = h.respond(t, res.Invites[1], model.AnswerOK, s1)
	require.ErrorIs(t, err, ErrSlotAlreadyBooked)
	assert.Contains(t, err.Error(), "枠が埋まっています")

	view, err := h.svc.View(context.Background(), res.Invites[1].Token)
	require.NoError(t, err)
	for _, sl := range view.Slots {
		assert.Equal(t, sl.ID != s1, sl.Available, sl.ID)
	}

	_, err = h.respond(t, res.Invites[1], model.AnswerOK, s2)
	require.NoError(t, err)
	_, err = h.respond(t, res.Invites[2], model.AnswerOK, s3)
	require.NoError(t, err)
	_, err = h.respond(t, res.Invites[3], model.AnswerNo, "")
	require.NoError(t, err)

	sum, err := h.svc.Summary(context.Background(), organizer, res.Thread.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, sum.TotalInvited)
	assert.Equal(t, 4, sum.Responded)
	assert.Equal(t, 3, sum.OKCount)
	assert.Equal(t, 1, sum.NoCount)
	assert.Equal(t, model.ThreadStatusSent, sum.Status)

	fin, err := h.svc.Finalize(context.Background(), organizer, res.Thread.ID, &model.FinalizeRequest{SelectedSlotID: s1})
	require.NoError(t, err)
	assert.Equal(t, model.ThreadStatusConfirmed, fin.Status)
	assert.Equal(t, s1, fin.SelectedSlotID)
	assert.Equal(t, model.TriggerManual, fin.Finalization.Trigger)
	assert.Len(t, h.events.OfType(model.EventRequestFinalized), 1)
	assert.Len(t, h.events.OfType(model.EventSlotFilled), 3)
}

// 3 invitees, 3 open slots, auto-finalize on exhaustion.
func TestScenarioOpenSlotsAutoFinalize(t *testing.T) {
	h := newHarness(t, Options{})
	res := h.thread(t, model.ModeOpenSlots, model.PolicyInput{AutoFinalize: true}, 3, 3)

	for i := 0; i < 2; i++ {
		out, err := h.respond(t, res.Invites[i], model.AnswerOK, res.Slots[i].ID)
		require.NoError(t, err)
		assert.False(t, out.Check.Met)
		assert.Equal(t, model.ThreadStatusSent, out.ThreadStatus)
		assert.Equal(t, model.ThreadStatusSent, h.detail(t, res.Thread.ID).Thread.Status)
	}
	assert.Empty(t, h.events.OfType(model.EventRequestConfirmed))

	out, err := h.respond(t, res.Invites[2], model.AnswerOK, res.Slots[2].ID)
	require.NoError(t, err)
	assert.True(t, out.Check.Met)
	assert.Equal(t, model.ThreadStatusConfirmed, out.ThreadStatus)
	require.NotNil(t, out.Finalization)
	assert.Equal(t, model.TriggerAuto, out.Finalization.Trigger)
	assert.Equal(t, res.Slots[0].ID, out.Finalization.SelectedSlotID)

	d := h.detail(t, res.Thread.ID)
	assert.Equal(t, model.ThreadStatusConfirmed, d.Thread.Status)

	confirmed := h.events.OfType(model.EventRequestConfirmed)
	require.Len(t, confirmed, 1)
	ev := confirmed[0]
	assert.Equal(t, organizer, ev.OrganizerID)
	assert.Equal(t, res.Thread.ID, ev.ActionTargetID)
	assert.Equal(t, "Quarterly review", ev.Title)
	assert.Equal(t, model.PriorityHigh, ev.Priority)
	assert.Contains(t, ev.Payload, "selected_slot")
}

// Candidates mode, organizer_decides, mixed answers.
func TestScenarioCandidatesOrganizerDecides(t *testing.T) {
	h := newHarness(t, Options{})
	res := h.thread(t, model.ModeCandidates, model.PolicyInput{
		FinalizePolicy: model.PolicyOrganizerDecides,
		AutoFinalize:   true,
	}, 3, 3)

	_, err := h.respond(t, res.Invites[0], model.AnswerOK, res.Slots[0].ID)
	require.NoError(t, err)
	_, err = h.respond(t, res.Invites[1], model.AnswerNo, "")
	require.NoError(t, err)
	out, err := h.respond(t, res.Invites[2], model.AnswerMaybe, res.Slots[1].ID)
	require.NoError(t, err)
	assert.False(t, out.Check.Met)

	sum, err := h.svc.Summary(context.Background(), organizer, res.Thread.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.OKCount)
	assert.Equal(t, 1, sum.NoCount)
	assert.Equal(t, 1, sum.MaybeCount)
	assert.Equal(t, model.ThreadStatusSent, sum.Status)

	fin, err := h.svc.Finalize(context.Background(), organizer, res.Thread.ID, &model.FinalizeRequest{SelectedSlotID: res.Slots[2].ID})
	require.NoError(t, err)
	assert.Equal(t, model.ThreadStatusConfirmed, fin.Status)
	assert.Equal(t, res.Slots[2].ID, fin.SelectedSlotID)
}

// Repropose on a confirmed thread is rejected without side effects.
func TestScenarioReproposeConfirmed(t *testing.T) {
	h := newHarness(t, Options{})
	res := h.thread(t, model.ModeCandidates, model.PolicyInput{}, 2, 1)
	_, err := h.svc.Finalize(context.Background(), organizer, res.Thread.ID, &model.FinalizeRequest{SelectedSlotID: res.Slots[0].ID})
	require.NoError(t, err)

	_, err = h.svc.Repropose(context.Background(), organizer, res.Thread.ID, &model.ReproposeRequest{NewSlots: slotInputs(2)})
	assert.ErrorIs(t, err, ErrThreadNotActive)

	d := h.detail(t, res.Thread.ID)
	assert.Len(t, d.Slots, 2)
	assert.Equal(t, 0, d.Policy.ReproposalCount)
	assert.Equal(t, 1, d.Thread.CurrentVersion)
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	const contenders = 24
	h := newHarness(t, Options{})
	res := h.thread(t, model.ModeOpenSlots, model.PolicyInput{}, 2, contenders)
	target := res.Slots[0].ID

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		won, lost int
		other     []error
	)
	start := make(chan struct{})
	for _, inv := range res.Invites {
		wg.Add(1)
		go func(inv model.PreparedInvite) {
			defer wg.Done()
			<-start
			_, err := h.svc.Respond(context.Background(), inv.Token, &model.RespondRequest{Response: model.AnswerOK, SelectedSlotID: &target})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, ErrSlotAlreadyBooked):
				lost++
			default:
				other = append(other, err)
			}
		}(inv)
	}
	close(start)
	wg.Wait()

	require.Empty(t, other)
	assert.Equal(t, 1, won)
	assert.Equal(t, contenders-1, lost)

	d := h.detail(t, res.Thread.ID)
	oks := 0
	for _, r := range d.Responses {
		if r.Answer == model.AnswerOK && r.SelectedSlotID != nil && *r.SelectedSlotID == target {
			oks++
		}
	}
	assert.Equal(t, 1, oks)
	assert.Len(t, d.Responses, 1)
}

func TestOpenSlotsRebookReleasesPreviousSlot(t *testing.T) {
	h := newHarness(t, Options{})
	res := h.thread(t, model.ModeOpenSlots, model.PolicyInput{}, 2, 2)
	a, b := res.Invites[0], res.Invites[1]
	s0, s1 := res.Slots[0].ID, res.Slots[1].ID

	_, err := h.respond(t, a, model.AnswerOK, s0)
	require.NoError(t, err)
	_, err = h.respond(t, a, model.AnswerOK, s1)
	require.NoError(t, err)

	_, err = h.respond(t, b, model.AnswerOK, s0)
	require.NoError(t, err, "the first slot was released by the move")

	_, err = h.respond(t, a, model.AnswerNo, "")
	require.NoError(t, err)

	d := h.detail(t, res.Thread.ID)
	byID := map[string]model.Slot{}
	for _, sl := range d.Slots {
		byID[sl.ID] = sl
	}
	assert.Equal(t, model.SlotStatusBooked, byID[s0].Status)
	assert.Equal(t, b.ID, *byID[s0].BookedByInviteID)
	assert.Equal(t, model.SlotStatusOpen, byID[s1].Status)
	assert.Nil(t, byID[s1].BookedByInviteID)
}

func TestAutoFinalizeOnlyWhenAllSlotsBooked(t *testing.T) {
	for n := 1; n <= 4; n++ {
		t.Run(fmt.Sprintf("%d slots", n), func(t *testing.T) {
			h := newHarness(t, Options{})
			res := h.thread(t, model.ModeOpenSlots, model.PolicyInput{
				FinalizePolicy: model.PolicyQuorum,
				QuorumCount:    intp(1),
				AutoFinalize:   true,
			}, n, n+1)

			for i := 0; i < n; i++ {
				out, err := h.respond(t, res.Invites[i], model.AnswerOK, res.Slots[i].ID)
				require.NoError(t, err)
				if i < n-1 {
					assert.Equal(t, model.ThreadStatusSent, out.ThreadStatus, "confirmed after %d of %d bookings", i+1, n)
				} else {
					assert.Equal(t, model.ThreadStatusConfirmed, out.ThreadStatus)
				}
			}

			_, err := h.respond(t, res.Invites[n], model.AnswerMaybe, "")
			require.NoError(t, err)
			assert.Len(t, h.events.OfType(model.EventRequestConfirmed), 1)
		})
	}
}

func TestQuorumAutoFinalizeCandidates(t *testing.T) {
	h := newHarness(t, Options{})
	res := h.thread(t, model.ModeCandidates, model.PolicyInput{
		FinalizePolicy: model.PolicyQuorum,
		QuorumCount:    intp(2),
		AutoFinalize:   true,
	}, 3, 4)

	out, err := h.respond(t, res.Invites[0], model.AnswerOK, res.Slots[2].ID)
	require.NoError(t, err)
	assert.False(t, out.Check.Met)

	out, err = h.respond(t, res.Invites[1], model.AnswerOK, res.Slots[2].ID)
	require.NoError(t, err)
	require.True(t, out.Check.Met)
	assert.Equal(t, model.ThreadStatusConfirmed, out.ThreadStatus)
	assert.Equal(t, res.Slots[2].ID, out.Finalization.SelectedSlotID)
	assert.Equal(t, "invite:"+res.Invites[1].ID, out.Finalization.ActorID)
}

func TestParticipantLimit(t *testing.T) {
	h := newHarness(t, Options{})
	res := h.thread(t, model.ModeCandidates, model.PolicyInput{ParticipantLimit: intp(1)}, 2, 3)
	s0 := res.Slots[0].ID

	_, err := h.respond(t, res.Invites[0], model.AnswerOK, s0)
	require.NoError(t, err)
	_, err = h.respond(t, res.Invites[0], model.AnswerOK, s0)
	require.NoError(t, err, "re-answering the same slot does not count twice")

	_, err = h.respond(t, res.Invites[1], model.AnswerOK, s0)
	assert.ErrorIs(t, err, ErrSlotAlreadyBooked)

	_, err = h.respond(t, res.Invites[1], model.AnswerMaybe, s0)
	assert.NoError(t, err)

	view, err := h.svc.View(context.Background(), res.Invites[2].Token)
	require.NoError(t, err)
	for _, sl := range view.Slots {
		assert.Equal(t, sl.ID != s0, sl.Available)
	}
}

func TestFixedModeAllRequired(t *testing.T) {
	h := newHarness(t, Options{})
	res := h.thread(t, model.ModeFixed, model.PolicyInput{FinalizePolicy: model.PolicyAllRequired, AutoFinalize: true}, 1, 2)

	out, err := h.respond(t, res.Invites[0], model.AnswerOK, "")
	require.NoError(t, err)
	assert.Equal(t, model.ThreadStatusSent, out.ThreadStatus)

	out, err = h.respond(t, res.Invites[1], model.AnswerOK, "")
	require.NoError(t, err)
	assert.Equal(t, model.ThreadStatusConfirmed, out.ThreadStatus)
	assert.Equal(t, res.Slots[0].ID, out.Finalization.SelectedSlotID)
}

func TestFixedModeStaleOKDoesNotCarryToReproposedSlot(t *testing.T) {
	h := newHarness(t, Options{})
	res := h.thread(t, model.ModeFixed, model.PolicyInput{FinalizePolicy: model.PolicyAllRequired, AutoFinalize: true}, 1, 2)
	ctx := context.Background()

	_, err := h.respond(t, res.Invites[0], model.AnswerOK, "")
	require.NoError(t, err)
	_, err = h.respond(t, res.Invites[1], model.AnswerNo, "")
	require.NoError(t, err)

	_, err = h.svc.Repropose(ctx, organizer, res.Thread.ID, &model.ReproposeRequest{NewSlots: slotInputs(1)})
	require.NoError(t, err)

	d := h.detail(t, res.Thread.ID)
	oldSlot := res.Slots[0].ID
	var newSlot string
	for _, sl := range d.Slots {
		if sl.ProposalVersion == 2 {
			newSlot = sl.ID
		}
	}
	require.NotEmpty(t, newSlot)

	counts := map[string]model.SlotSummary{}
	for _, ss := range d.Summary.Slots {
		counts[ss.SlotID] = ss
	}
	assert.Equal(t, 1, counts[oldSlot].OKCount)
	assert.Equal(t, 1, counts[oldSlot].NoCount)
	assert.Equal(t, 0, counts[newSlot].OKCount)
	assert.Equal(t, 0, counts[newSlot].NoCount)

	out, err := h.respond(t, res.Invites[1], model.AnswerOK, "")
	require.NoError(t, err)
	require.NotNil(t, out.Response.SelectedSlotID)
	assert.Equal(t, newSlot, *out.Response.SelectedSlotID)
	assert.Equal(t, model.ThreadStatusSent, out.ThreadStatus)
	assert.False(t, out.Check.Met)
	assert.Nil(t, out.Finalization)

	// Once the first invitee confirms the new time too, everyone agrees.
	out, err = h.respond(t, res.Invites[0], model.AnswerOK, "")
	require.NoError(t, err)
	assert.Equal(t, model.ThreadStatusConfirmed, out.ThreadStatus)
	require.NotNil(t, out.Finalization)
	assert.Equal(t, newSlot, out.Finalization.SelectedSlotID)
}

func TestOpenSlotsAcrossRepropose(t *testing.T) {
	h := newHarness(t, Options{})
	res := h.thread(t, model.ModeOpenSlots, model.PolicyInput{AutoFinalize: true}, 2, 3)
	ctx := context.Background()
	s1, s2 := res.Slots[0].ID, res.Slots[1].ID

	_, err := h.respond(t, res.Invites[0], model.AnswerOK, s1)
	require.NoError(t, err)

	_, err = h.svc.Repropose(ctx, organizer, res.Thread.ID, &model.ReproposeRequest{NewSlots: slotInputs(1)})
	require.NoError(t, err)

	var s3 string
	for _, sl := range h.detail(t, res.Thread.ID).Slots {
		if sl.ProposalVersion == 2 {
			s3 = sl.ID
		}
	}
	require.NotEmpty(t, s3)

	// Every generation-1 slot booked is not exhaustion once generation 2 exists.
	out, err := h.respond(t, res.Invites[1], model.AnswerOK, s2)
	require.NoError(t, err)
	assert.Equal(t, model.ThreadStatusSent, out.ThreadStatus)
	assert.False(t, out.Check.AllSlotsBooked)

	// Moving to a generation-2 slot releases the generation-1 booking.
	_, err = h.respond(t, res.Invites[0], model.AnswerOK, s3)
	require.NoError(t, err)

	d := h.detail(t, res.Thread.ID)
	assert.Equal(t, model.ThreadStatusSent, d.Thread.Status)
	for _, sl := range d.Slots {
		if sl.ID == s1 {
			assert.Equal(t, model.SlotStatusOpen, sl.Status)
			assert.Nil(t, sl.BookedByInviteID)
		}
	}
	assertOneBookingEach(t, d)

	_, err = h.respond(t, res.Invites[1], model.AnswerOK, s3)
	require.ErrorIs(t, err, ErrSlotAlreadyBooked)

	out, err = h.respond(t, res.Invites[2], model.AnswerOK, s1)
	require.NoError(t, err)
	assert.Equal(t, model.ThreadStatusConfirmed, out.ThreadStatus)
	assert.True(t, out.Check.AllSlotsBooked)

	assertOneBookingEach(t, h.detail(t, res.Thread.ID))
}

// assertOneBookingEach checks that no invite holds two slots and no slot
// counts more than one current ok.
func assertOneBookingEach(t *testing.T, d *model.ThreadDetail) {
	t.Helper()
	held := map[string]int{}
	for _, sl := range d.Slots {
		if sl.BookedByInviteID != nil {
			held[*sl.BookedByInviteID]++
		}
	}
	for inv, n := range held {
		assert.Equal(t, 1, n, inv)
	}
	for _, ss := range d.Summary.Slots {
		assert.LessOrEqual(t, ss.OKCount, 1, ss.SlotID)
	}
}

func TestReproposeMonotonicity(t *testing.T) {
	h := newHarness(t, Options{})
	res := h.thread(t, model.ModeCandidates, model.PolicyInput{MaxReproposals: intp(2)}, 2, 3)
	ctx := context.Background()

	_, err := h.respond(t, res.Invites[0], model.AnswerNo, "")
	require.NoError(t, err)
	_, err = h.respond(t, res.Invites[1], model.AnswerOK, res.Slots[0].ID)
	require.NoError(t, err)

	out, err := h.svc.Repropose(ctx, organizer, res.Thread.ID, &model.ReproposeRequest{
		NewSlots:         slotInputs(2),
		NewDeadlineHours: intp(24),
		Message:          "new times",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.ReproposalCount)
	assert.Equal(t, 2, out.MaxReproposals)
	assert.Equal(t, 2, out.NewSlotsCount)
	assert.Equal(t, 2, out.CurrentVersion)
	assert.Equal(t, 2, out.NeedsReResponseCount)

	d := h.detail(t, res.Thread.ID)
	assert.Len(t, d.Slots, 4)
	assert.Equal(t, 2, d.Summary.NeedsReResponseCount)
	versions := map[int]int{}
	for _, sl := range d.Slots {
		versions[sl.ProposalVersion]++
	}
	assert.Equal(t, map[int]int{1: 2, 2: 2}, versions)
	require.NotNil(t, d.Policy.DeadlineAt)
	assert.Equal(t, now0.Add(24*time.Hour), *d.Policy.DeadlineAt)

	var newSlot string
	for _, sl := range d.Slots {
		if sl.ProposalVersion == 2 {
			newSlot = sl.ID
			break
		}
	}
	resp, err := h.respond(t, res.Invites[0], model.AnswerOK, newSlot)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Response.ResponseVersion)

	d = h.detail(t, res.Thread.ID)
	assert.Equal(t, 1, d.Summary.NeedsReResponseCount)
	assert.Len(t, d.Responses, 3, "older generation responses are kept")

	last := 1
	for i := 0; i < 3; i++ {
		out, err := h.svc.Repropose(ctx, organizer, res.Thread.ID, &model.ReproposeRequest{NewSlots: slotInputs(1)})
		d := h.detail(t, res.Thread.ID)
		assert.GreaterOrEqual(t, d.Policy.ReproposalCount, last)
		assert.LessOrEqual(t, d.Policy.ReproposalCount, d.Policy.MaxReproposals)
		last = d.Policy.ReproposalCount
		if i == 0 {
			require.NoError(t, err)
			assert.Equal(t, 2, out.ReproposalCount)
			continue
		}
		assert.ErrorIs(t, err, ErrMaxReproposalsExceeded)
	}
	assert.Equal(t, 2, last)
	assert.Len(t, h.events.OfType(model.EventRequestReproposed), 2)
}

func TestReproposeValidation(t *testing.T) {
	h := newHarness(t, Options{})
	res := h.thread(t, model.ModeCandidates, model.PolicyInput{}, 1, 1)

	_, err := h.svc.Repropose(context.Background(), organizer, res.Thread.ID, &model.ReproposeRequest{})
	assert.Equal(t, CodeValidation, CodeOf(err))

	_, err = h.svc.Repropose(context.Background(), "org-2", res.Thread.ID, &model.ReproposeRequest{NewSlots: slotInputs(1)})
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestFinalizeIdempotency(t *testing.T) {
	h := newHarness(t, Options{})
	res := h.thread(t, model.ModeCandidates, model.PolicyInput{}, 2, 1)
	ctx := context.Background()

	first, err := h.svc.Finalize(ctx, organizer, res.Thread.ID, &model.FinalizeRequest{SelectedSlotID: res.Slots[0].ID, Reason: "works for all"})
	require.NoError(t, err)

	again, err := h.svc.Finalize(ctx, organizer, res.Thread.ID, &model.FinalizeRequest{SelectedSlotID: res.Slots[0].ID})
	require.NoError(t, err)
	assert.Equal(t, first.Finalization, again.Finalization)

	_, err = h.svc.Finalize(ctx, organizer, res.Thread.ID, &model.FinalizeRequest{SelectedSlotID: res.Slots[1].ID})
	assert.ErrorIs(t, err, ErrThreadNotActive)

	assert.Len(t, h.events.OfType(model.EventRequestFinalized), 1)
}

func TestFinalizeRequiresSentThread(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	res, err := h.svc.Prepare(ctx, organizer, &model.PrepareThreadRequest{
		Title: "Draft", Mode: model.ModeCandidates, Slots: slotInputs(1), Invites: inviteInputs(1),
	})
	require.NoError(t, err)

	_, err = h.svc.Finalize(ctx, organizer, res.Thread.ID, &model.FinalizeRequest{SelectedSlotID: res.Slots[0].ID})
	assert.ErrorIs(t, err, ErrThreadNotActive)

	_, err = h.svc.Finalize(ctx, organizer, res.Thread.ID, &model.FinalizeRequest{})
	assert.Equal(t, CodeValidation, CodeOf(err))
}

func TestCancelRejectsFurtherResponses(t *testing.T) {
	h := newHarness(t, Options{})
	res := h.thread(t, model.ModeOpenSlots, model.PolicyInput{}, 2, 2)
	ctx := context.Background()

	thread, err := h.svc.Cancel(ctx, organizer, res.Thread.ID, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, model.ThreadStatusCancelled, thread.Status)

	_, err = h.respond(t, res.Invites[0], model.AnswerOK, res.Slots[0].ID)
	assert.ErrorIs(t, err, ErrThreadNotActive)

	_, err = h.svc.Finalize(ctx, organizer, res.Thread.ID, &model.FinalizeRequest{SelectedSlotID: res.Slots[0].ID})
	assert.ErrorIs(t, err, ErrThreadNotActive)

	_, err = h.svc.Cancel(ctx, organizer, res.Thread.ID, "")
	assert.NoError(t, err)
	assert.Len(t, h.events.OfType(model.EventRequestCancelled), 1)
}

func TestOtherOrganizerCannotSeeThread(t *testing.T) {
	h := newHarness(t, Options{})
	res := h.thread(t, model.ModeCandidates, model.PolicyInput{}, 1, 1)
	ctx := context.Background()

	_, err := h.svc.Detail(ctx, "org-2", res.Thread.ID)
	assert.ErrorIs(t, err, ErrThreadNotFound)
	_, err = h.svc.Send(ctx, "org-2", res.Thread.ID)
	assert.ErrorIs(t, err, ErrThreadNotFound)
	_, err = h.svc.Detail(ctx, organizer, "missing")
	assert.ErrorIs(t, err, ErrThreadNotFound)

	list, err := h.svc.List(ctx, "org-2", 20, 0)
	require.NoError(t, err)
	assert.Empty(t, list.Threads)
}

func TestEnforceDeadline(t *testing.T) {
	h := newHarness(t, Options{EnforceDeadline: true})
	res := h.thread(t, model.ModeCandidates, model.PolicyInput{DeadlineHours: intp(1)}, 1, 1)

	h.clock = now0.Add(2 * time.Hour)
	_, err := h.respond(t, res.Invites[0], model.AnswerOK, res.Slots[0].ID)
	assert.ErrorIs(t, err, ErrExpired)

	lenient := newHarness(t, Options{})
	res = lenient.thread(t, model.ModeCandidates, model.PolicyInput{DeadlineHours: intp(1)}, 1, 1)
	lenient.clock = now0.Add(2 * time.Hour)
	out, err := lenient.respond(t, res.Invites[0], model.AnswerOK, res.Slots[0].ID)
	require.NoError(t, err)
	assert.True(t, out.Check.DeadlinePassed)
}

type failingClaimStore struct {
	*store.MemoryStore
}

func (s failingClaimStore) WithThread(ctx context.Context, threadID string, fn func(tx store.Tx) error) error {
	return s.MemoryStore.WithThread(ctx, threadID, func(tx store.Tx) error {
		return fn(failingClaimTx{Tx: tx})
	})
}

type failingClaimTx struct {
	store.Tx
}

func (failingClaimTx) ClaimSlot(context.Context, string, string, int64) (model.Slot, error) {
	return model.Slot{}, errors.New("connection reset by peer")
}

func TestClaimPersistenceFailureBooksNothing(t *testing.T) {
	h := newHarness(t, Options{})
	res := h.thread(t, model.ModeOpenSlots, model.PolicyInput{AutoFinalize: true}, 1, 1)

	broken := NewSchedulingService(failingClaimStore{h.store}, h.events, logger.NewNop(), Options{})
	_, err := broken.Respond(context.Background(), res.Invites[0].Token, &model.RespondRequest{
		Response:       model.AnswerOK,
		SelectedSlotID: &res.Slots[0].ID,
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSlotAlreadyBooked)
	assert.Equal(t, Code(""), CodeOf(err))

	d := h.detail(t, res.Thread.ID)
	assert.Empty(t, d.Responses)
	assert.Equal(t, model.SlotStatusOpen, d.Slots[0].Status)
	assert.Equal(t, model.ThreadStatusSent, d.Thread.Status)
}

func TestNotifierFailureDoesNotFailOperation(t *testing.T) {
	h := newHarness(t, Options{})
	res := h.thread(t, model.ModeOpenSlots, model.PolicyInput{AutoFinalize: true}, 1, 1)

	failing := notify.Func(func(context.Context, *model.Notification) error {
		return errors.New("webhook unavailable")
	})
	h.svc.notifier = notify.NewFanout(logger.NewNop(),
		notify.Sink{Name: "webhook", Notifier: failing},
		notify.Sink{Name: "recorder", Notifier: h.events},
	)

	out, err := h.respond(t, res.Invites[0], model.AnswerOK, res.Slots[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ThreadStatusConfirmed, out.ThreadStatus)
	assert.Len(t, h.events.OfType(model.EventRequestConfirmed), 1)
}

func TestInboxReceivesEvents(t *testing.T) {
	h := newHarness(t, Options{})
	h.svc.notifier = notify.NewInbox(h.store)
	res := h.thread(t, model.ModeOpenSlots, model.PolicyInput{AutoFinalize: true}, 1, 1)
	ctx := context.Background()

	_, err := h.respond(t, res.Invites[0], model.AnswerOK, res.Slots[0].ID)
	require.NoError(t, err)

	inbox, err := h.svc.ListNotifications(ctx, organizer, 10)
	require.NoError(t, err)
	require.Len(t, inbox.Notifications, 3)
	assert.Equal(t, 3, inbox.Unread)
	assert.Equal(t, model.EventRequestConfirmed, inbox.Notifications[0].Type)

	require.NoError(t, h.svc.MarkNotificationRead(ctx, organizer, inbox.Notifications[0].ID))
	inbox, err = h.svc.ListNotifications(ctx, organizer, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, inbox.Unread)

	err = h.svc.MarkNotificationRead(ctx, organizer, "missing")
	assert.ErrorIs(t, err, ErrNotificationNotFound)
}

func TestListThreads(t *testing.T) {
	h := newHarness(t, Options{})
	for i := 0; i < 3; i++ {
		h.clock = now0.Add(time.Duration(i) * time.Minute)
		h.thread(t, model.ModeCandidates, model.PolicyInput{}, 1, 1)
	}

	page, err := h.svc.List(context.Background(), organizer, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Threads, 2)
	assert.True(t, page.HasMore)

	page, err = h.svc.List(context.Background(), organizer, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page.Threads, 1)
	assert.False(t, page.HasMore)
}

func TestViewHidesTokenAndShowsOwnBooking(t *testing.T) {
	h := newHarness(t, Options{})
	res := h.thread(t, model.ModeOpenSlots, model.PolicyInput{}, 2, 2)

	_, err := h.respond(t, res.Invites[0], model.AnswerOK, res.Slots[1].ID)
	require.NoError(t, err)

	view, err := h.svc.View(context.Background(), res.Invites[0].Token)
	require.NoError(t, err)
	require.NotNil(t, view.CurrentResponse)
	assert.Equal(t, model.AnswerOK, view.CurrentResponse.Answer)
	for _, sl := range view.Slots {
		assert.True(t, sl.Available)
		assert.Equal(t, sl.ID == res.Slots[1].ID, sl.BookedByMe)
	}

	_, err = h.svc.View(context.Background(), strings.Repeat("x", 43))
	assert.ErrorIs(t, err, ErrInvalidToken)
}
