package model

import (
	"time"
)

// SlotInput describes a slot supplied by the organizer.
type SlotInput struct {
	StartAt time.Time `json:"start_at"`
	EndAt   time.Time `json:"end_at"`
	Label   string    `json:"label,omitempty"`
}

// InviteInput describes an invitee supplied by the organizer.
type InviteInput struct {
	Key   string `json:"key,omitempty"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// PolicyInput is the finalize configuration supplied at prepare time.
type PolicyInput struct {
	FinalizePolicy      FinalizePolicy `json:"finalize_policy"`
	QuorumCount         *int           `json:"quorum_count,omitempty"`
	RequiredInviteeKeys []string       `json:"required_invitee_keys,omitempty"`
	AutoFinalize        bool           `json:"auto_finalize"`
	DeadlineHours       *int           `json:"deadline_hours,omitempty"`
	MaxReproposals      *int           `json:"max_reproposals,omitempty"`
	ParticipantLimit    *int           `json:"participant_limit,omitempty"`
}

// PrepareThreadRequest is the thread.prepare body.
type PrepareThreadRequest struct {
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Mode        Mode          `json:"mode"`
	Topology    Topology      `json:"topology,omitempty"`
	Policy      PolicyInput   `json:"policy"`
	Slots       []SlotInput   `json:"slots"`
	Invites     []InviteInput `json:"invites"`
}

// RespondRequest is the invite.respond body.
type RespondRequest struct {
	Response       Answer  `json:"response"`
	SelectedSlotID *string `json:"selected_slot_id,omitempty"`
	Comment        string  `json:"comment,omitempty"`
}

// FinalizeRequest is the thread.finalize body.
type FinalizeRequest struct {
	SelectedSlotID string `json:"selected_slot_id"`
	Reason         string `json:"reason,omitempty"`
}

// ReproposeRequest is the thread.repropose body.
type ReproposeRequest struct {
	NewSlots         []SlotInput `json:"new_slots"`
	NewDeadlineHours *int        `json:"new_deadline_hours,omitempty"`
	Message          string      `json:"message,omitempty"`
}

// PreparedInvite pairs an invite with the link its invitee should receive.
type PreparedInvite struct {
	Invite
	Token      string `json:"token"`
	RespondURL string `json:"respond_url"`
}

// PrepareThreadResponse is the thread.prepare result.
type PrepareThreadResponse struct {
	Thread  Thread           `json:"thread"`
	Policy  GroupPolicy      `json:"policy"`
	Slots   []Slot           `json:"slots"`
	Invites []PreparedInvite `json:"invites"`
}

// RespondResponse is the invite.respond result.
type RespondResponse struct {
	Response     Response            `json:"response"`
	Check        FinalizationCheck   `json:"finalization_check"`
	ThreadStatus ThreadStatus        `json:"thread_status"`
	Finalization *FinalizationRecord `json:"finalization,omitempty"`
}

// FinalizeResponse is the thread.finalize result.
type FinalizeResponse struct {
	Status         ThreadStatus       `json:"status"`
	SelectedSlotID string             `json:"selected_slot_id"`
	SelectedSlot   Slot               `json:"selected_slot"`
	Finalization   FinalizationRecord `json:"finalization"`
}

// ReproposeResponse is the thread.repropose result.
type ReproposeResponse struct {
	ReproposalCount      int `json:"reproposal_count"`
	MaxReproposals       int `json:"max_reproposals"`
	NewSlotsCount        int `json:"new_slots_count"`
	CurrentVersion       int `json:"current_version"`
	NeedsReResponseCount int `json:"needs_re_response_count"`
}

// ListThreadsResponse is the response for listing an organizer's threads.
type ListThreadsResponse struct {
	Threads []Thread `json:"threads"`
	Total   int      `json:"total"`
	HasMore bool     `json:"has_more"`
}
