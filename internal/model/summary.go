package model

import (
	"time"
)

// FinalizationCheck is the verdict of the finalize policy evaluator.
type FinalizationCheck struct {
	Met               bool           `json:"met"`
	Reason            string         `json:"reason"`
	Policy            FinalizePolicy `json:"policy"`
	RecommendedSlotID *string        `json:"recommended_slot_id,omitempty"`
	OKCount           int            `json:"ok_count"`
	NoCount           int            `json:"no_count"`
	MaybeCount        int            `json:"maybe_count"`
	PendingCount      int            `json:"pending_count"`
	AllSlotsBooked    bool           `json:"all_slots_booked"`
	DeadlinePassed    bool           `json:"deadline_passed"`
}

// SlotSummary is the per-slot response breakdown.
type SlotSummary struct {
	SlotID           string     `json:"slot_id"`
	StartAt          time.Time  `json:"start_at"`
	EndAt            time.Time  `json:"end_at"`
	Label            string     `json:"label,omitempty"`
	ProposalVersion  int        `json:"proposal_version"`
	Status           SlotStatus `json:"slot_status"`
	BookedByInviteID *string    `json:"booked_by_invite_id,omitempty"`
	OKCount          int        `json:"ok_count"`
	NoCount          int        `json:"no_count"`
	MaybeCount       int        `json:"maybe_count"`
}

// Summary aggregates the responses of a thread.
type Summary struct {
	ThreadID             string        `json:"thread_id"`
	Status               ThreadStatus  `json:"status"`
	CurrentVersion       int           `json:"current_version"`
	TotalInvited         int           `json:"total_invited"`
	Responded            int           `json:"responded"`
	OKCount              int           `json:"ok_count"`
	NoCount              int           `json:"no_count"`
	MaybeCount           int           `json:"maybe_count"`
	PendingCount         int           `json:"pending_count"`
	NeedsReResponseCount int           `json:"needs_re_response_count"`
	Slots                []SlotSummary `json:"slots"`
}

// ThreadDetail is the organizer view of a thread.
type ThreadDetail struct {
	Thread       Thread              `json:"thread"`
	Policy       GroupPolicy         `json:"policy"`
	Slots        []Slot              `json:"slots"`
	Invites      []Invite            `json:"invites"`
	Responses    []Response          `json:"responses"`
	Summary      Summary             `json:"summary"`
	Check        FinalizationCheck   `json:"finalization_check"`
	Finalization *FinalizationRecord `json:"finalization,omitempty"`
}

// InviteSlotView is a slot as shown to an invitee.
type InviteSlotView struct {
	Slot
	Available  bool `json:"available"`
	BookedByMe bool `json:"booked_by_me"`
}

// InviteView is the invitee view of a thread.
type InviteView struct {
	Thread          Thread              `json:"thread"`
	Invite          Invite              `json:"invite"`
	Slots           []InviteSlotView    `json:"slots"`
	CurrentResponse *Response           `json:"current_response,omitempty"`
	NeedsReResponse bool                `json:"needs_re_response"`
	DeadlineAt      *time.Time          `json:"deadline_at,omitempty"`
	Finalization    *FinalizationRecord `json:"finalization,omitempty"`
}
