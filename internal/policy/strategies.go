package policy

import (
	"strings"

	"github.com/capitalize-ai/meeting-coordinator/internal/model"
)

// OrganizerDecides is never met on its own; the organizer finalizes explicitly.
type OrganizerDecides struct{}

func (OrganizerDecides) Evaluate(_ model.GroupPolicy, _ *Tally) Verdict {
	return Verdict{Reason: ReasonOrganizerDecides}
}

// Quorum is met once the number of ok answers reaches the quorum count.
type Quorum struct{}

func (Quorum) Evaluate(p model.GroupPolicy, t *Tally) Verdict {
	if p.QuorumCount == nil || *p.QuorumCount < 1 {
		return Verdict{Reason: ReasonQuorumNotConfigured}
	}
	k := *p.QuorumCount
	if t.OK < k {
		return Verdict{Reason: ReasonQuorumPending}
	}

	slot := t.BestSlot(k)
	if slot == nil {
		slot = t.BestSlot(1)
	}
	return Verdict{Met: true, Reason: ReasonQuorumReached, SlotID: slot}
}

// RequiredPeople is met when every required invitee answered ok on one common slot.
type RequiredPeople struct{}

func (RequiredPeople) Evaluate(p model.GroupPolicy, t *Tally) Verdict {
	if len(p.RequiredInviteeKeys) == 0 {
		return Verdict{Reason: ReasonRequiredNotConfigured}
	}

	byKey := make(map[string]string, len(t.Invites))
	for _, inv := range t.Invites {
		byKey[strings.ToLower(inv.Key)] = inv.ID
	}

	ids := make([]string, 0, len(p.RequiredInviteeKeys))
	for _, key := range p.RequiredInviteeKeys {
		id, ok := byKey[strings.ToLower(key)]
		if !ok {
			return Verdict{Reason: ReasonRequiredPending}
		}
		ids = append(ids, id)
	}

	slot, ok := commonSlot(t, ids)
	if !ok {
		return Verdict{Reason: ReasonRequiredPending}
	}
	return Verdict{Met: true, Reason: ReasonRequiredAgreed, SlotID: &slot}
}

// AllRequired is met when every invitee answered ok; outside open-slot mode
// they must also agree on the same slot.
type AllRequired struct{}

func (AllRequired) Evaluate(_ model.GroupPolicy, t *Tally) Verdict {
	if len(t.Invites) == 0 {
		return Verdict{Reason: ReasonAllPending}
	}

	if t.Mode == model.ModeOpenSlots {
		for _, inv := range t.Invites {
			if _, ok := t.OKSlot[inv.ID]; !ok {
				return Verdict{Reason: ReasonAllPending}
			}
		}
		return Verdict{Met: true, Reason: ReasonAllAgreed, SlotID: t.EarliestBooked()}
	}

	ids := make([]string, len(t.Invites))
	for i, inv := range t.Invites {
		ids[i] = inv.ID
	}
	slot, ok := commonSlot(t, ids)
	if !ok {
		return Verdict{Reason: ReasonAllPending}
	}
	return Verdict{Met: true, Reason: ReasonAllAgreed, SlotID: &slot}
}

func commonSlot(t *Tally, inviteIDs []string) (string, bool) {
	var common string
	for i, id := range inviteIDs {
		slot, ok := t.OKSlot[id]
		if !ok {
			return "", false
		}
		if i == 0 {
			common = slot
		} else if slot != common {
			return "", false
		}
	}
	return common, len(inviteIDs) > 0
}
