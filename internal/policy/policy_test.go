package policy

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/meeting-coordinator/internal/model"
)

var base = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	agg *model.ThreadAggregate
}

func newFixture(mode model.Mode, fp model.FinalizePolicy, slots, invites int) *fixture {
	agg := &model.ThreadAggregate{
		Thread: model.Thread{ID: "t", Mode: mode, Status: model.ThreadStatusSent, CurrentVersion: 1},
		Policy: model.GroupPolicy{ThreadID: "t", FinalizePolicy: fp},
	}
	for i := 0; i < slots; i++ {
		start := base.Add(time.Duration(i) * time.Hour)
		agg.Slots = append(agg.Slots, model.Slot{
			ID:              fmt.Sprintf("s%d", i),
			ThreadID:        "t",
			StartAt:         start,
			EndAt:           start.Add(time.Hour),
			ProposalVersion: 1,
			Status:          model.SlotStatusOpen,
		})
	}
	for i := 0; i < invites; i++ {
		agg.Invites = append(agg.Invites, model.Invite{
			ID:  fmt.Sprintf("i%d", i),
			Key: fmt.Sprintf("p%d@example.com", i),
		})
	}
	return &fixture{agg: agg}
}

func (f *fixture) answer(invite int, a model.Answer, slot int) *fixture {
	r := model.Response{
		ID:              fmt.Sprintf("r%d", len(f.agg.Responses)),
		InviteID:        fmt.Sprintf("i%d", invite),
		Answer:          a,
		ResponseVersion: f.agg.Thread.CurrentVersion,
	}
	if slot >= 0 {
		id := fmt.Sprintf("s%d", slot)
		r.SelectedSlotID = &id
	}
	f.agg.Responses = append(f.agg.Responses, r)
	return f
}

func (f *fixture) book(invite, slot int) *fixture {
	owner := fmt.Sprintf("i%d", invite)
	f.agg.Slots[slot].Status = model.SlotStatusBooked
	f.agg.Slots[slot].BookedByInviteID = &owner
	return f.answer(invite, model.AnswerOK, slot)
}

func (f *fixture) eval() model.FinalizationCheck {
	return Evaluate(f.agg, base)
}

func intPtr(v int) *int { return &v }

func TestOrganizerDecidesNeverMet(t *testing.T) {
	f := newFixture(model.ModeCandidates, model.PolicyOrganizerDecides, 2, 3).
		answer(0, model.AnswerOK, 0).
		answer(1, model.AnswerOK, 0).
		answer(2, model.AnswerOK, 0)

	check := f.eval()
	assert.False(t, check.Met)
	assert.Equal(t, ReasonOrganizerDecides, check.Reason)
	assert.Equal(t, 3, check.OKCount)
	assert.Nil(t, check.RecommendedSlotID)
}

func TestQuorumBoundary(t *testing.T) {
	const k = 3
	tests := []struct {
		name    string
		okCount int
		met     bool
	}{
		{"k-1", k - 1, false},
		{"k", k, true},
		{"k+1", k + 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(model.ModeCandidates, model.PolicyQuorum, 2, 5)
			f.agg.Policy.QuorumCount = intPtr(k)
			for i := 0; i < tt.okCount; i++ {
				f.answer(i, model.AnswerOK, 0)
			}
			check := f.eval()
			assert.Equal(t, tt.met, check.Met)
			assert.Equal(t, tt.okCount, check.OKCount)
			if tt.met {
				require.NotNil(t, check.RecommendedSlotID)
				assert.Equal(t, "s0", *check.RecommendedSlotID)
			}
		})
	}
}

func TestQuorumRecommendsHighestThenEarliest(t *testing.T) {
	f := newFixture(model.ModeCandidates, model.PolicyQuorum, 3, 6)
	f.agg.Policy.QuorumCount = intPtr(2)
	// s2 and s1 both reach quorum with 2 each; s1 starts earlier.
	f.answer(0, model.AnswerOK, 2).
		answer(1, model.AnswerOK, 2).
		answer(2, model.AnswerOK, 1).
		answer(3, model.AnswerOK, 1).
		answer(4, model.AnswerOK, 0)

	check := f.eval()
	require.True(t, check.Met)
	require.NotNil(t, check.RecommendedSlotID)
	assert.Equal(t, "s1", *check.RecommendedSlotID)

	f.answer(5, model.AnswerOK, 2)
	check = f.eval()
	assert.Equal(t, "s2", *check.RecommendedSlotID)
}

func TestQuorumFallsBackWhenNoSlotReachesQuorum(t *testing.T) {
	f := newFixture(model.ModeCandidates, model.PolicyQuorum, 3, 3)
	f.agg.Policy.QuorumCount = intPtr(2)
	f.answer(0, model.AnswerOK, 2).answer(1, model.AnswerOK, 1)

	check := f.eval()
	require.True(t, check.Met)
	require.NotNil(t, check.RecommendedSlotID)
	assert.Equal(t, "s1", *check.RecommendedSlotID)
}

func TestQuorumNotConfigured(t *testing.T) {
	f := newFixture(model.ModeCandidates, model.PolicyQuorum, 1, 1).answer(0, model.AnswerOK, 0)
	check := f.eval()
	assert.False(t, check.Met)
	assert.Equal(t, ReasonQuorumNotConfigured, check.Reason)
}

func TestRequiredPeople(t *testing.T) {
	f := newFixture(model.ModeCandidates, model.PolicyRequiredPeople, 2, 4)
	f.agg.Policy.RequiredInviteeKeys = []string{"P0@example.com", "p1@example.com"}

	f.answer(0, model.AnswerOK, 1)
	assert.False(t, f.eval().Met)

	f.answer(1, model.AnswerOK, 0)
	check := f.eval()
	assert.False(t, check.Met, "required people on different slots")
	assert.Equal(t, ReasonRequiredPending, check.Reason)

	// same generation re-answer supersedes via LatestResponse ordering
	f.agg.Responses = f.agg.Responses[:1]
	f.answer(1, model.AnswerOK, 1)
	check = f.eval()
	require.True(t, check.Met)
	assert.Equal(t, ReasonRequiredAgreed, check.Reason)
	assert.Equal(t, "s1", *check.RecommendedSlotID)
	assert.Equal(t, 2, check.PendingCount)
}

func TestAllRequiredStricterThanRequiredPeople(t *testing.T) {
	f := newFixture(model.ModeCandidates, model.PolicyAllRequired, 2, 3).
		answer(0, model.AnswerOK, 0).
		answer(1, model.AnswerOK, 0)

	assert.False(t, f.eval().Met)

	f.answer(2, model.AnswerMaybe, 0)
	assert.False(t, f.eval().Met)

	f.agg.Responses = f.agg.Responses[:2]
	f.answer(2, model.AnswerOK, 0)
	check := f.eval()
	require.True(t, check.Met)
	assert.Equal(t, "s0", *check.RecommendedSlotID)

	req := newFixture(model.ModeCandidates, model.PolicyRequiredPeople, 2, 3).
		answer(0, model.AnswerOK, 0).
		answer(1, model.AnswerOK, 0)
	req.agg.Policy.RequiredInviteeKeys = []string{"p0@example.com", "p1@example.com"}
	assert.True(t, req.eval().Met)
}

func TestFixedModeAnswersApplyToFixedSlot(t *testing.T) {
	f := newFixture(model.ModeFixed, model.PolicyAllRequired, 1, 2).
		answer(0, model.AnswerOK, -1).
		answer(1, model.AnswerOK, -1)

	check := f.eval()
	require.True(t, check.Met)
	assert.Equal(t, "s0", *check.RecommendedSlotID)
}

func TestFixedModeUnpinnedAnswersStayOnTheirGeneration(t *testing.T) {
	f := newFixture(model.ModeFixed, model.PolicyAllRequired, 1, 2).
		answer(0, model.AnswerOK, -1).
		answer(1, model.AnswerNo, -1)

	f.agg.Thread.CurrentVersion = 2
	f.agg.Slots = append(f.agg.Slots, model.Slot{
		ID:              "s1",
		ThreadID:        "t",
		StartAt:         base.Add(48 * time.Hour),
		EndAt:           base.Add(49 * time.Hour),
		ProposalVersion: 2,
		Status:          model.SlotStatusOpen,
	})
	f.answer(1, model.AnswerOK, -1)

	check := f.eval()
	assert.False(t, check.Met)
	tally := NewTally(f.agg)
	assert.Equal(t, 1, tally.SlotOK["s0"])
	assert.Equal(t, 1, tally.SlotOK["s1"])
	assert.Equal(t, 0, tally.SlotNo["s1"])
}

func TestOpenSlotsExhaustionIndependentOfPolicy(t *testing.T) {
	for _, fp := range []model.FinalizePolicy{
		model.PolicyOrganizerDecides,
		model.PolicyQuorum,
		model.PolicyRequiredPeople,
	} {
		t.Run(string(fp), func(t *testing.T) {
			f := newFixture(model.ModeOpenSlots, fp, 3, 5)
			f.agg.Policy.QuorumCount = intPtr(5)
			f.agg.Policy.RequiredInviteeKeys = []string{"p0@example.com", "p4@example.com"}

			f.book(0, 1).book(1, 0)
			check := f.eval()
			assert.False(t, check.Met)
			assert.False(t, check.AllSlotsBooked)

			f.book(2, 2)
			check = f.eval()
			require.True(t, check.Met)
			assert.True(t, check.AllSlotsBooked)
			assert.Equal(t, ReasonAllSlotsBooked, check.Reason)
			assert.Equal(t, "s0", *check.RecommendedSlotID)
		})
	}
}

func TestOpenSlotsCancelledSlotsIgnored(t *testing.T) {
	f := newFixture(model.ModeOpenSlots, model.PolicyOrganizerDecides, 2, 2)
	f.agg.Slots[1].Status = model.SlotStatusCancelled
	f.book(0, 0)

	check := f.eval()
	assert.True(t, check.Met)
	assert.True(t, check.AllSlotsBooked)
}

func TestAllRequiredOpenSlots(t *testing.T) {
	f := newFixture(model.ModeOpenSlots, model.PolicyAllRequired, 4, 2).book(0, 3).book(1, 1)
	check := f.eval()
	require.True(t, check.Met)
	assert.Equal(t, ReasonAllAgreed, check.Reason)
	assert.Equal(t, "s1", *check.RecommendedSlotID)
}

func TestFinalizedThreadReportsSelection(t *testing.T) {
	f := newFixture(model.ModeCandidates, model.PolicyOrganizerDecides, 2, 1)
	f.agg.Finalization = &model.FinalizationRecord{ThreadID: "t", SelectedSlotID: "s1", Trigger: model.TriggerManual}

	check := f.eval()
	assert.True(t, check.Met)
	assert.Equal(t, ReasonFinalized, check.Reason)
	assert.Equal(t, "s1", *check.RecommendedSlotID)
}

func TestDeadlinePassed(t *testing.T) {
	f := newFixture(model.ModeCandidates, model.PolicyOrganizerDecides, 1, 1)
	deadline := base.Add(-time.Minute)
	f.agg.Policy.DeadlineAt = &deadline
	assert.True(t, f.eval().DeadlinePassed)

	later := base.Add(time.Hour)
	f.agg.Policy.DeadlineAt = &later
	assert.False(t, f.eval().DeadlinePassed)
}

func TestEvaluateIsPure(t *testing.T) {
	f := newFixture(model.ModeCandidates, model.PolicyQuorum, 2, 2).answer(0, model.AnswerOK, 0)
	f.agg.Policy.QuorumCount = intPtr(1)
	before := f.agg.Clone()

	_ = f.eval()
	assert.Equal(t, before, f.agg)
}

func TestStaleResponsesStillCount(t *testing.T) {
	f := newFixture(model.ModeCandidates, model.PolicyQuorum, 2, 2)
	f.agg.Policy.QuorumCount = intPtr(2)
	f.answer(0, model.AnswerOK, 0)
	f.agg.Thread.CurrentVersion = 2
	f.answer(1, model.AnswerOK, 0)

	check := f.eval()
	assert.True(t, check.Met)
	assert.Equal(t, 2, check.OKCount)
}
