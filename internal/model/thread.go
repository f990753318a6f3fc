// Package model defines data structures for the scheduling coordination service.
package model

import (
	"sort"
	"time"
)

// ThreadStatus is the lifecycle state of a scheduling thread.
type ThreadStatus string

const (
	ThreadStatusDraft     ThreadStatus = "draft"
	ThreadStatusSent      ThreadStatus = "sent"
	ThreadStatusConfirmed ThreadStatus = "confirmed"
	ThreadStatusCancelled ThreadStatus = "cancelled"
)

// CanTransitionTo reports whether moving from s to next goes forward.
func (s ThreadStatus) CanTransitionTo(next ThreadStatus) bool {
	switch s {
	case ThreadStatusDraft:
		return next == ThreadStatusSent || next == ThreadStatusCancelled
	case ThreadStatusSent:
		return next == ThreadStatusConfirmed || next == ThreadStatusCancelled
	default:
		return false
	}
}

// Mode is the slot allocation strategy of a thread.
type Mode string

const (
	ModeFixed      Mode = "fixed"
	ModeCandidates Mode = "candidates"
	ModeOpenSlots  Mode = "open_slots"
	ModeRangeAuto  Mode = "range_auto"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeFixed, ModeCandidates, ModeOpenSlots, ModeRangeAuto:
		return true
	}
	return false
}

// RequiresSlotSelection reports whether an ok answer must name a slot.
func (m Mode) RequiresSlotSelection() bool {
	return m == ModeCandidates || m == ModeOpenSlots || m == ModeRangeAuto
}

// Topology describes how many invitees a thread addresses.
type Topology string

const (
	TopologyOneOnOne  Topology = "one_on_one"
	TopologyOneToMany Topology = "one_to_many"
)

// Thread is one scheduling coordination session.
type Thread struct {
	ID             string       `json:"id"`
	OrganizerID    string       `json:"organizer_id"`
	Title          string       `json:"title"`
	Description    string       `json:"description,omitempty"`
	Status         ThreadStatus `json:"status"`
	Mode           Mode         `json:"mode"`
	Topology       Topology     `json:"topology"`
	CurrentVersion int          `json:"current_version"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	SentAt         *time.Time   `json:"sent_at,omitempty"`
}

// FinalizePolicy names the rule deciding when a thread may be finalized.
type FinalizePolicy string

const (
	PolicyOrganizerDecides FinalizePolicy = "organizer_decides"
	PolicyQuorum           FinalizePolicy = "quorum"
	PolicyRequiredPeople   FinalizePolicy = "required_people"
	PolicyAllRequired      FinalizePolicy = "all_required"
)

// Valid reports whether p is a known policy.
func (p FinalizePolicy) Valid() bool {
	switch p {
	case PolicyOrganizerDecides, PolicyQuorum, PolicyRequiredPeople, PolicyAllRequired:
		return true
	}
	return false
}

// GroupPolicy holds the finalize configuration of a thread.
type GroupPolicy struct {
	ThreadID            string         `json:"thread_id"`
	FinalizePolicy      FinalizePolicy `json:"finalize_policy"`
	QuorumCount         *int           `json:"quorum_count,omitempty"`
	RequiredInviteeKeys []string       `json:"required_invitee_keys,omitempty"`
	AutoFinalize        bool           `json:"auto_finalize"`
	DeadlineAt          *time.Time     `json:"deadline_at,omitempty"`
	MaxReproposals      int            `json:"max_reproposals"`
	ReproposalCount     int            `json:"reproposal_count"`
	ParticipantLimit    *int           `json:"participant_limit,omitempty"`
}

// SlotStatus is the booking state of a slot.
type SlotStatus string

const (
	SlotStatusOpen      SlotStatus = "open"
	SlotStatusReserved  SlotStatus = "reserved"
	SlotStatusBooked    SlotStatus = "booked"
	SlotStatusCancelled SlotStatus = "cancelled"
)

// Slot is a candidate or bookable interval attached to a thread.
type Slot struct {
	ID               string     `json:"id"`
	ThreadID         string     `json:"thread_id"`
	StartAt          time.Time  `json:"start_at"`
	EndAt            time.Time  `json:"end_at"`
	Label            string     `json:"label,omitempty"`
	ProposalVersion  int        `json:"proposal_version"`
	Status           SlotStatus `json:"slot_status"`
	BookedByInviteID *string    `json:"booked_by_invite_id,omitempty"`
	Version          int64      `json:"version"`
	CreatedAt        time.Time  `json:"created_at"`
}

// InviteStatus is the invitee's latest disposition.
type InviteStatus string

const (
	InviteStatusPending  InviteStatus = "pending"
	InviteStatusAccepted InviteStatus = "accepted"
	InviteStatusDeclined InviteStatus = "declined"
)

// Invite grants one invitee access to a thread through an unguessable token.
type Invite struct {
	ID              string       `json:"id"`
	ThreadID        string       `json:"thread_id"`
	Key             string       `json:"key"`
	Email           string       `json:"email"`
	Name            string       `json:"name,omitempty"`
	Token           string       `json:"-"`
	Status          InviteStatus `json:"status"`
	RespondedAt     *time.Time   `json:"responded_at,omitempty"`
	ExpiresAt       *time.Time   `json:"expires_at,omitempty"`
	NeedsReResponse bool         `json:"needs_re_response"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Answer is an invitee's reply.
type Answer string

const (
	AnswerOK    Answer = "ok"
	AnswerNo    Answer = "no"
	AnswerMaybe Answer = "maybe"
)

// Valid reports whether a is a known answer.
func (a Answer) Valid() bool {
	return a == AnswerOK || a == AnswerNo || a == AnswerMaybe
}

// InviteStatus maps the answer onto the invite disposition.
func (a Answer) InviteStatus() InviteStatus {
	switch a {
	case AnswerOK:
		return InviteStatusAccepted
	case AnswerNo:
		return InviteStatusDeclined
	default:
		return InviteStatusPending
	}
}

// Response is an invitee's answer for one proposal generation.
type Response struct {
	ID              string    `json:"id"`
	InviteID        string    `json:"invite_id"`
	ThreadID        string    `json:"thread_id"`
	Answer          Answer    `json:"response"`
	SelectedSlotID  *string   `json:"selected_slot_id,omitempty"`
	Comment         string    `json:"comment,omitempty"`
	RespondedAt     time.Time `json:"responded_at"`
	ResponseVersion int       `json:"response_version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TriggerReason records what caused a finalization.
type TriggerReason string

const (
	TriggerManual TriggerReason = "manual"
	TriggerAuto   TriggerReason = "auto"
)

// FinalizationRecord is the immutable confirmation of a thread.
type FinalizationRecord struct {
	ThreadID       string        `json:"thread_id"`
	SelectedSlotID string        `json:"selected_slot_id"`
	Trigger        TriggerReason `json:"trigger"`
	ActorID        string        `json:"actor_id"`
	Reason         string        `json:"reason,omitempty"`
	FinalizedAt    time.Time     `json:"finalized_at"`
}

// ThreadAggregate is the full state of one thread as stored.
type ThreadAggregate struct {
	Thread       Thread              `json:"thread"`
	Policy       GroupPolicy         `json:"policy"`
	Slots        []Slot              `json:"slots"`
	Invites      []Invite            `json:"invites"`
	Responses    []Response          `json:"responses"`
	Finalization *FinalizationRecord `json:"finalization,omitempty"`
}

// Clone returns a deep copy.
func (a *ThreadAggregate) Clone() *ThreadAggregate {
	if a == nil {
		return nil
	}
	out := &ThreadAggregate{
		Thread:    a.Thread,
		Policy:    a.Policy,
		Slots:     make([]Slot, len(a.Slots)),
		Invites:   make([]Invite, len(a.Invites)),
		Responses: make([]Response, len(a.Responses)),
	}
	out.Thread.SentAt = cloneTime(a.Thread.SentAt)
	out.Policy.QuorumCount = cloneInt(a.Policy.QuorumCount)
	out.Policy.ParticipantLimit = cloneInt(a.Policy.ParticipantLimit)
	out.Policy.DeadlineAt = cloneTime(a.Policy.DeadlineAt)
	if a.Policy.RequiredInviteeKeys != nil {
		out.Policy.RequiredInviteeKeys = append([]string(nil), a.Policy.RequiredInviteeKeys...)
	}
	for i, s := range a.Slots {
		s.BookedByInviteID = cloneString(s.BookedByInviteID)
		out.Slots[i] = s
	}
	for i, inv := range a.Invites {
		inv.RespondedAt = cloneTime(inv.RespondedAt)
		inv.ExpiresAt = cloneTime(inv.ExpiresAt)
		out.Invites[i] = inv
	}
	for i, r := range a.Responses {
		r.SelectedSlotID = cloneString(r.SelectedSlotID)
		out.Responses[i] = r
	}
	if a.Finalization != nil {
		f := *a.Finalization
		out.Finalization = &f
	}
	return out
}

// Slot finds a slot by id.
func (a *ThreadAggregate) Slot(id string) (*Slot, bool) {
	for i := range a.Slots {
		if a.Slots[i].ID == id {
			return &a.Slots[i], true
		}
	}
	return nil, false
}

// Invite finds an invite by id.
func (a *ThreadAggregate) Invite(id string) (*Invite, bool) {
	for i := range a.Invites {
		if a.Invites[i].ID == id {
			return &a.Invites[i], true
		}
	}
	return nil, false
}

// LatestResponse returns the invite's response with the highest generation.
func (a *ThreadAggregate) LatestResponse(inviteID string) (*Response, bool) {
	var latest *Response
	for i := range a.Responses {
		r := &a.Responses[i]
		if r.InviteID != inviteID {
			continue
		}
		if latest == nil || r.ResponseVersion > latest.ResponseVersion {
			latest = r
		}
	}
	return latest, latest != nil
}

// BookedSlotOf returns the slot currently booked by the invite, if any.
func (a *ThreadAggregate) BookedSlotOf(inviteID string) (*Slot, bool) {
	for i := range a.Slots {
		s := &a.Slots[i]
		if s.Status == SlotStatusBooked && s.BookedByInviteID != nil && *s.BookedByInviteID == inviteID {
			return s, true
		}
	}
	return nil, false
}

// EffectiveSlotID resolves which slot a response applies to. A fixed-mode
// response stored without a selection applies to the fixed slot of its own
// generation, never to a slot proposed later.
func (a *ThreadAggregate) EffectiveSlotID(r *Response) (string, bool) {
	if r.SelectedSlotID != nil && *r.SelectedSlotID != "" {
		return *r.SelectedSlotID, true
	}
	if a.Thread.Mode != ModeFixed {
		return "", false
	}
	return a.FixedSlotID(r.ResponseVersion)
}

// FixedSlotID returns the active slot of the newest generation not after
// version, earliest start first.
func (a *ThreadAggregate) FixedSlotID(version int) (string, bool) {
	var best *Slot
	for i := range a.Slots {
		s := &a.Slots[i]
		if s.Status == SlotStatusCancelled || s.ProposalVersion > version {
			continue
		}
		if best == nil || s.ProposalVersion > best.ProposalVersion ||
			(s.ProposalVersion == best.ProposalVersion && s.StartAt.Before(best.StartAt)) {
			best = s
		}
	}
	if best == nil {
		return "", false
	}
	return best.ID, true
}

// ActiveSlots returns the non-cancelled slots ordered by start time.
func (a *ThreadAggregate) ActiveSlots() []Slot {
	out := make([]Slot, 0, len(a.Slots))
	for _, s := range a.Slots {
		if s.Status != SlotStatusCancelled {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
