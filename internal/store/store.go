// Package store provides durable storage for scheduling threads.
//
// All mutations of one thread go through WithThread, which runs the callback
// as a single writer for that thread: the memory store holds a per-thread
// mutex over a copy-on-write aggregate, the postgres store holds a row lock
// on the thread inside a transaction. Threads never share mutable state.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/capitalize-ai/meeting-coordinator/internal/model"
)

var (
	// ErrNotFound is returned when a thread, invite or notification does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrSlotConflict is returned when a slot compare-and-set precondition fails.
	ErrSlotConflict = errors.New("store: slot state changed")
	// ErrAlreadyFinalized is returned when a finalization record already exists.
	ErrAlreadyFinalized = errors.New("store: thread already finalized")
	// ErrDuplicate is returned when a unique key (id, token) is reused.
	ErrDuplicate = errors.New("store: duplicate key")
)

// Store is the persistence interface for threads and the organizer inbox.
// Implementations: *MemoryStore and *postgres.Store.
type Store interface {
	// Threads
	CreateThread(ctx context.Context, agg *model.ThreadAggregate) error
	GetThread(ctx context.Context, threadID string) (*model.ThreadAggregate, error)
	FindInviteByToken(ctx context.Context, token string) (*model.Invite, error)
	ListThreads(ctx context.Context, organizerID string, limit, offset int) ([]model.Thread, int, error)
	WithThread(ctx context.Context, threadID string, fn func(tx Tx) error) error

	// Inbox
	AppendNotification(ctx context.Context, n *model.Notification) error
	ListNotifications(ctx context.Context, organizerID string, limit int) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, organizerID, notificationID string, at time.Time) error

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// Tx is a single-writer view of one thread. Writes are visible through
// Aggregate immediately and are committed only if the WithThread callback
// returns nil.
type Tx interface {
	Aggregate() *model.ThreadAggregate

	UpdateThread(ctx context.Context, t model.Thread) error
	UpdatePolicy(ctx context.Context, p model.GroupPolicy) error
	InsertSlots(ctx context.Context, slots []model.Slot) error
	UpdateInvite(ctx context.Context, inv model.Invite) error

	// ClaimSlot moves a slot from open to booked if its version still equals
	// expectedVersion. Claiming a slot the invite already holds is a no-op.
	ClaimSlot(ctx context.Context, slotID, inviteID string, expectedVersion int64) (model.Slot, error)
	// ReleaseSlot moves a slot booked by inviteID back to open.
	ReleaseSlot(ctx context.Context, slotID, inviteID string) (model.Slot, error)

	// UpsertResponse stores r keyed by (invite, response version); an existing
	// row for the same key is overwritten in place.
	UpsertResponse(ctx context.Context, r model.Response) (model.Response, error)
	InsertFinalization(ctx context.Context, f model.FinalizationRecord) error
}

// ApplyClaim performs the slot compare-and-set on an in-memory slot.
// Shared by implementations that keep a working aggregate.
func ApplyClaim(slot *model.Slot, inviteID string, expectedVersion int64) error {
	if slot.Status == model.SlotStatusBooked && slot.BookedByInviteID != nil && *slot.BookedByInviteID == inviteID {
		return nil
	}
	if slot.Status != model.SlotStatusOpen || slot.Version != expectedVersion {
		return ErrSlotConflict
	}
	owner := inviteID
	slot.Status = model.SlotStatusBooked
	slot.BookedByInviteID = &owner
	slot.Version++
	return nil
}

// ApplyRelease reopens a slot held by inviteID.
func ApplyRelease(slot *model.Slot, inviteID string) error {
	if slot.Status != model.SlotStatusBooked || slot.BookedByInviteID == nil || *slot.BookedByInviteID != inviteID {
		return ErrSlotConflict
	}
	slot.Status = model.SlotStatusOpen
	slot.BookedByInviteID = nil
	slot.Version++
	return nil
}

// ApplyUpsert merges r into responses, returning the stored row.
func ApplyUpsert(responses []model.Response, r model.Response) ([]model.Response, model.Response) {
	for i := range responses {
		cur := &responses[i]
		if cur.InviteID == r.InviteID && cur.ResponseVersion == r.ResponseVersion {
			r.ID = cur.ID
			r.CreatedAt = cur.CreatedAt
			*cur = r
			return responses, r
		}
	}
	return append(responses, r), r
}
