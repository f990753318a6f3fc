// Package policy evaluates whether a thread may be finalized.
//
// Evaluation is a pure function of the thread aggregate: it reads the latest
// response of every invite, resolves it against the thread's slots and asks
// the strategy registered for the thread's finalize policy for a verdict.
package policy

import (
	"sort"
	"time"

	"github.com/capitalize-ai/meeting-coordinator/internal/model"
)

// Reasons reported in a FinalizationCheck.
const (
	ReasonFinalized             = "finalized"
	ReasonOrganizerDecides      = "organizer_decides"
	ReasonQuorumReached         = "quorum_reached"
	ReasonQuorumPending         = "quorum_not_reached"
	ReasonQuorumNotConfigured   = "quorum_not_configured"
	ReasonRequiredAgreed        = "required_people_agreed"
	ReasonRequiredPending       = "required_people_pending"
	ReasonRequiredNotConfigured = "required_people_not_configured"
	ReasonAllAgreed             = "all_agreed"
	ReasonAllPending            = "all_pending"
	ReasonAllSlotsBooked        = "all_slots_booked"
	ReasonUnknownPolicy         = "unknown_policy"
)

// Verdict is a strategy's answer.
type Verdict struct {
	Met    bool
	Reason string
	SlotID *string
}

// Strategy evaluates one finalize policy kind.
type Strategy interface {
	Evaluate(p model.GroupPolicy, t *Tally) Verdict
}

var registry = map[model.FinalizePolicy]Strategy{
	model.PolicyOrganizerDecides: OrganizerDecides{},
	model.PolicyQuorum:           Quorum{},
	model.PolicyRequiredPeople:   RequiredPeople{},
	model.PolicyAllRequired:      AllRequired{},
}

// For returns the strategy registered for a policy kind.
func For(p model.FinalizePolicy) (Strategy, bool) {
	s, ok := registry[p]
	return s, ok
}

// Evaluate computes the finalization check of a thread at time now.
func Evaluate(agg *model.ThreadAggregate, now time.Time) model.FinalizationCheck {
	t := NewTally(agg)

	check := model.FinalizationCheck{
		Policy:         agg.Policy.FinalizePolicy,
		OKCount:        t.OK,
		NoCount:        t.No,
		MaybeCount:     t.Maybe,
		PendingCount:   t.Pending,
		AllSlotsBooked: t.AllSlotsBooked(),
		DeadlinePassed: agg.Policy.DeadlineAt != nil && now.After(*agg.Policy.DeadlineAt),
	}

	if agg.Finalization != nil {
		slotID := agg.Finalization.SelectedSlotID
		check.Met = true
		check.Reason = ReasonFinalized
		check.RecommendedSlotID = &slotID
		return check
	}

	v := Verdict{Reason: ReasonUnknownPolicy}
	if s, ok := For(agg.Policy.FinalizePolicy); ok {
		v = s.Evaluate(agg.Policy, t)
	}

	// Open-slot exhaustion completes a thread whatever its named policy.
	if !v.Met && t.Mode == model.ModeOpenSlots && check.AllSlotsBooked {
		v = Verdict{Met: true, Reason: ReasonAllSlotsBooked, SlotID: t.EarliestBooked()}
	}

	check.Met = v.Met
	check.Reason = v.Reason
	check.RecommendedSlotID = v.SlotID
	return check
}

// Tally is the latest answer of every invite resolved against the slots.
type Tally struct {
	Mode    model.Mode
	Slots   []model.Slot
	Invites []model.Invite

	Latest map[string]*model.Response
	OKSlot map[string]string

	OK, No, Maybe, Pending int

	SlotOK    map[string]int
	SlotNo    map[string]int
	SlotMaybe map[string]int
}

// NewTally counts the latest response of each invite.
func NewTally(agg *model.ThreadAggregate) *Tally {
	t := &Tally{
		Mode:      agg.Thread.Mode,
		Slots:     agg.ActiveSlots(),
		Invites:   agg.Invites,
		Latest:    make(map[string]*model.Response, len(agg.Invites)),
		OKSlot:    make(map[string]string),
		SlotOK:    make(map[string]int),
		SlotNo:    make(map[string]int),
		SlotMaybe: make(map[string]int),
	}

	active := make(map[string]bool, len(t.Slots))
	for _, s := range t.Slots {
		active[s.ID] = true
	}

	for _, inv := range agg.Invites {
		r, ok := agg.LatestResponse(inv.ID)
		if !ok {
			t.Pending++
			continue
		}
		t.Latest[inv.ID] = r

		slotID, hasSlot := agg.EffectiveSlotID(r)
		hasSlot = hasSlot && active[slotID]

		switch r.Answer {
		case model.AnswerOK:
			t.OK++
			if hasSlot {
				t.SlotOK[slotID]++
				t.OKSlot[inv.ID] = slotID
			}
		case model.AnswerNo:
			t.No++
			if hasSlot {
				t.SlotNo[slotID]++
			}
		case model.AnswerMaybe:
			t.Maybe++
			if hasSlot {
				t.SlotMaybe[slotID]++
			}
		}
	}
	return t
}

// AllSlotsBooked reports whether at least one slot exists and every
// non-cancelled slot is booked.
func (t *Tally) AllSlotsBooked() bool {
	if len(t.Slots) == 0 {
		return false
	}
	for _, s := range t.Slots {
		if s.Status != model.SlotStatusBooked {
			return false
		}
	}
	return true
}

// EarliestBooked returns the booked slot with the earliest start.
func (t *Tally) EarliestBooked() *string {
	for _, s := range t.Slots {
		if s.Status == model.SlotStatusBooked {
			id := s.ID
			return &id
		}
	}
	return nil
}

// BestSlot returns the slot with the most ok answers among those with at
// least atLeast, ties broken by earliest start. Nil if none qualifies.
func (t *Tally) BestSlot(atLeast int) *string {
	if atLeast < 1 {
		atLeast = 1
	}
	candidates := make([]model.Slot, 0, len(t.Slots))
	for _, s := range t.Slots {
		if t.SlotOK[s.ID] >= atLeast {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ci, cj := t.SlotOK[candidates[i].ID], t.SlotOK[candidates[j].ID]
		if ci != cj {
			return ci > cj
		}
		return candidates[i].StartAt.Before(candidates[j].StartAt)
	})
	id := candidates[0].ID
	return &id
}
