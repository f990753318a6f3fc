package model

import (
	"time"
)

// EventType names a structured event handed to the notifier bridge.
type EventType string

const (
	EventRequestSent       EventType = "scheduling_request_sent"
	EventSlotFilled        EventType = "scheduling_slot_filled"
	EventRequestConfirmed  EventType = "scheduling_request_confirmed"
	EventRequestFinalized  EventType = "scheduling_request_finalized"
	EventRequestReproposed EventType = "scheduling_request_reproposed"
	EventRequestCancelled  EventType = "scheduling_request_cancelled"
)

// Priority hints how urgently delivery should surface an event.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Notification is an event emitted toward the notifier bridge. It carries
// enough detail for delivery without re-reading thread state.
type Notification struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	OrganizerID    string         `json:"organizer_id"`
	ActionTargetID string         `json:"action_target_id"`
	Title          string         `json:"title"`
	Priority       Priority       `json:"priority"`
	Payload        map[string]any `json:"payload,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ReadAt         *time.Time     `json:"read_at,omitempty"`

	// JetStream Metadata (populated after publish)
	Sequence uint64 `json:"sequence,omitempty"`
}

// ListNotificationsResponse is the response for the organizer inbox.
type ListNotificationsResponse struct {
	Notifications []Notification `json:"notifications"`
	Unread        int            `json:"unread"`
}
