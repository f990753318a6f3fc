package postgres

import (
	"time"

	"github.com/capitalize-ai/meeting-coordinator/internal/model"
)

type threadRow struct {
	ID             string     `gorm:"primaryKey;type:varchar(64)"`
	OrganizerID    string     `gorm:"type:varchar(128);not null;index"`
	Title          string     `gorm:"type:varchar(255);not null"`
	Description    string     `gorm:"type:text"`
	Status         string     `gorm:"type:varchar(20);not null;index"`
	Mode           string     `gorm:"type:varchar(20);not null"`
	Topology       string     `gorm:"type:varchar(20);not null"`
	CurrentVersion int        `gorm:"not null;default:1"`
	SentAt         *time.Time `gorm:"type:timestamptz"`
	CreatedAt      time.Time  `gorm:"type:timestamptz;index"`
	UpdatedAt      time.Time  `gorm:"type:timestamptz"`
}

func (threadRow) TableName() string { return "scheduling_threads" }

type policyRow struct {
	ThreadID            string     `gorm:"primaryKey;type:varchar(64)"`
	FinalizePolicy      string     `gorm:"type:varchar(32);not null"`
	QuorumCount         *int
	RequiredInviteeKeys []string   `gorm:"type:jsonb;serializer:json"`
	AutoFinalize        bool       `gorm:"not null;default:false"`
	DeadlineAt          *time.Time `gorm:"type:timestamptz"`
	MaxReproposals      int        `gorm:"not null;default:0"`
	ReproposalCount     int        `gorm:"not null;default:0"`
	ParticipantLimit    *int
}

func (policyRow) TableName() string { return "scheduling_group_policies" }

type slotRow struct {
	ID               string    `gorm:"primaryKey;type:varchar(64)"`
	ThreadID         string    `gorm:"type:varchar(64);not null;index"`
	StartAt          time.Time `gorm:"type:timestamptz;not null"`
	EndAt            time.Time `gorm:"type:timestamptz;not null"`
	Label            string    `gorm:"type:varchar(255)"`
	ProposalVersion  int       `gorm:"not null;default:1"`
	Status           string    `gorm:"type:varchar(20);not null;default:'open'"`
	BookedByInviteID *string   `gorm:"type:varchar(64)"`
	Version          int64     `gorm:"not null;default:0"`
	CreatedAt        time.Time `gorm:"type:timestamptz"`
}

func (slotRow) TableName() string { return "scheduling_slots" }

type inviteRow struct {
	ID              string     `gorm:"primaryKey;type:varchar(64)"`
	ThreadID        string     `gorm:"type:varchar(64);not null;index"`
	Key             string     `gorm:"column:invitee_key;type:varchar(255);not null"`
	Email           string     `gorm:"type:varchar(255);not null"`
	Name            string     `gorm:"type:varchar(255)"`
	Token           string     `gorm:"type:varchar(128);not null;uniqueIndex"`
	Status          string     `gorm:"type:varchar(20);not null;default:'pending'"`
	RespondedAt     *time.Time `gorm:"type:timestamptz"`
	ExpiresAt       *time.Time `gorm:"type:timestamptz"`
	NeedsReResponse bool       `gorm:"not null;default:false"`
	CreatedAt       time.Time  `gorm:"type:timestamptz"`
}

func (inviteRow) TableName() string { return "scheduling_invites" }

type responseRow struct {
	ID              string    `gorm:"primaryKey;type:varchar(64)"`
	InviteID        string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_response_invite_version"`
	ResponseVersion int       `gorm:"not null;uniqueIndex:idx_response_invite_version"`
	ThreadID        string    `gorm:"type:varchar(64);not null;index"`
	Answer          string    `gorm:"type:varchar(10);not null"`
	SelectedSlotID  *string   `gorm:"type:varchar(64)"`
	Comment         string    `gorm:"type:text"`
	RespondedAt     time.Time `gorm:"type:timestamptz"`
	CreatedAt       time.Time `gorm:"type:timestamptz"`
	UpdatedAt       time.Time `gorm:"type:timestamptz"`
}

func (responseRow) TableName() string { return "scheduling_responses" }

type finalizationRow struct {
	ThreadID       string    `gorm:"primaryKey;type:varchar(64)"`
	SelectedSlotID string    `gorm:"type:varchar(64);not null"`
	Trigger        string    `gorm:"type:varchar(10);not null"`
	ActorID        string    `gorm:"type:varchar(128)"`
	Reason         string    `gorm:"type:text"`
	FinalizedAt    time.Time `gorm:"type:timestamptz"`
}

func (finalizationRow) TableName() string { return "scheduling_finalizations" }

type notificationRow struct {
	ID             string         `gorm:"primaryKey;type:varchar(64)"`
	OrganizerID    string         `gorm:"type:varchar(128);not null;index"`
	Type           string         `gorm:"type:varchar(64);not null"`
	ActionTargetID string         `gorm:"type:varchar(64);index"`
	Title          string         `gorm:"type:varchar(255)"`
	Priority       string         `gorm:"type:varchar(10)"`
	Payload        map[string]any `gorm:"type:jsonb;serializer:json"`
	CreatedAt      time.Time      `gorm:"type:timestamptz;index"`
	ReadAt         *time.Time     `gorm:"type:timestamptz"`
}

func (notificationRow) TableName() string { return "scheduling_notifications" }

func toThreadRow(t model.Thread) threadRow {
	return threadRow{
		ID:             t.ID,
		OrganizerID:    t.OrganizerID,
		Title:          t.Title,
		Description:    t.Description,
		Status:         string(t.Status),
		Mode:           string(t.Mode),
		Topology:       string(t.Topology),
		CurrentVersion: t.CurrentVersion,
		SentAt:         t.SentAt,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func (r threadRow) toModel() model.Thread {
	return model.Thread{
		ID:             r.ID,
		OrganizerID:    r.OrganizerID,
		Title:          r.Title,
		Description:    r.Description,
		Status:         model.ThreadStatus(r.Status),
		Mode:           model.Mode(r.Mode),
		Topology:       model.Topology(r.Topology),
		CurrentVersion: r.CurrentVersion,
		SentAt:         r.SentAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func toPolicyRow(p model.GroupPolicy) policyRow {
	return policyRow{
		ThreadID:            p.ThreadID,
		FinalizePolicy:      string(p.FinalizePolicy),
		QuorumCount:         p.QuorumCount,
		RequiredInviteeKeys: p.RequiredInviteeKeys,
		AutoFinalize:        p.AutoFinalize,
		DeadlineAt:          p.DeadlineAt,
		MaxReproposals:      p.MaxReproposals,
		ReproposalCount:     p.ReproposalCount,
		ParticipantLimit:    p.ParticipantLimit,
	}
}

func (r policyRow) toModel() model.GroupPolicy {
	return model.GroupPolicy{
		ThreadID:            r.ThreadID,
		FinalizePolicy:      model.FinalizePolicy(r.FinalizePolicy),
		QuorumCount:         r.QuorumCount,
		RequiredInviteeKeys: r.RequiredInviteeKeys,
		AutoFinalize:        r.AutoFinalize,
		DeadlineAt:          r.DeadlineAt,
		MaxReproposals:      r.MaxReproposals,
		ReproposalCount:     r.ReproposalCount,
		ParticipantLimit:    r.ParticipantLimit,
	}
}

func toSlotRow(s model.Slot) slotRow {
	return slotRow{
		ID:               s.ID,
		ThreadID:         s.ThreadID,
		StartAt:          s.StartAt,
		EndAt:            s.EndAt,
		Label:            s.Label,
		ProposalVersion:  s.ProposalVersion,
		Status:           string(s.Status),
		BookedByInviteID: s.BookedByInviteID,
		Version:          s.Version,
		CreatedAt:        s.CreatedAt,
	}
}

func (r slotRow) toModel() model.Slot {
	return model.Slot{
		ID:               r.ID,
		ThreadID:         r.ThreadID,
		StartAt:          r.StartAt,
		EndAt:            r.EndAt,
		Label:            r.Label,
		ProposalVersion:  r.ProposalVersion,
		Status:           model.SlotStatus(r.Status),
		BookedByInviteID: r.BookedByInviteID,
		Version:          r.Version,
		CreatedAt:        r.CreatedAt,
	}
}

func toInviteRow(i model.Invite) inviteRow {
	return inviteRow{
		ID:              i.ID,
		ThreadID:        i.ThreadID,
		Key:             i.Key,
		Email:           i.Email,
		Name:            i.Name,
		Token:           i.Token,
		Status:          string(i.Status),
		RespondedAt:     i.RespondedAt,
		ExpiresAt:       i.ExpiresAt,
		NeedsReResponse: i.NeedsReResponse,
		CreatedAt:       i.CreatedAt,
	}
}

func (r inviteRow) toModel() model.Invite {
	return model.Invite{
		ID:              r.ID,
		ThreadID:        r.ThreadID,
		Key:             r.Key,
		Email:           r.Email,
		Name:            r.Name,
		Token:           r.Token,
		Status:          model.InviteStatus(r.Status),
		RespondedAt:     r.RespondedAt,
		ExpiresAt:       r.ExpiresAt,
		NeedsReResponse: r.NeedsReResponse,
		CreatedAt:       r.CreatedAt,
	}
}

func toResponseRow(r model.Response) responseRow {
	return responseRow{
		ID:              r.ID,
		InviteID:        r.InviteID,
		ResponseVersion: r.ResponseVersion,
		ThreadID:        r.ThreadID,
		Answer:          string(r.Answer),
		SelectedSlotID:  r.SelectedSlotID,
		Comment:         r.Comment,
		RespondedAt:     r.RespondedAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func (r responseRow) toModel() model.Response {
	return model.Response{
		ID:              r.ID,
		InviteID:        r.InviteID,
		ThreadID:        r.ThreadID,
		Answer:          model.Answer(r.Answer),
		SelectedSlotID:  r.SelectedSlotID,
		Comment:         r.Comment,
		RespondedAt:     r.RespondedAt,
		ResponseVersion: r.ResponseVersion,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func toFinalizationRow(f model.FinalizationRecord) finalizationRow {
	return finalizationRow{
		ThreadID:       f.ThreadID,
		SelectedSlotID: f.SelectedSlotID,
		Trigger:        string(f.Trigger),
		ActorID:        f.ActorID,
		Reason:         f.Reason,
		FinalizedAt:    f.FinalizedAt,
	}
}

func (r finalizationRow) toModel() model.FinalizationRecord {
	return model.FinalizationRecord{
		ThreadID:       r.ThreadID,
		SelectedSlotID: r.SelectedSlotID,
		Trigger:        model.TriggerReason(r.Trigger),
		ActorID:        r.ActorID,
		Reason:         r.Reason,
		FinalizedAt:    r.FinalizedAt,
	}
}

func toNotificationRow(n model.Notification) notificationRow {
	return notificationRow{
		ID:             n.ID,
		OrganizerID:    n.OrganizerID,
		Type:           string(n.Type),
		ActionTargetID: n.ActionTargetID,
		Title:          n.Title,
		Priority:       string(n.Priority),
		Payload:        n.Payload,
		CreatedAt:      n.CreatedAt,
		ReadAt:         n.ReadAt,
	}
}

func (r notificationRow) toModel() model.Notification {
	return model.Notification{
		ID:             r.ID,
		Type:           model.EventType(r.Type),
		OrganizerID:    r.OrganizerID,
		ActionTargetID: r.ActionTargetID,
		Title:          r.Title,
		Priority:       model.Priority(r.Priority),
		Payload:        r.Payload,
		CreatedAt:      r.CreatedAt,
		ReadAt:         r.ReadAt,
	}
}
