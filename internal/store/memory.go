package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/capitalize-ai/meeting-coordinator/internal/model"
)

type tokenRef struct {
	threadID string
	inviteID string
}

// MemoryStore keeps threads in process memory. Suitable for development and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	threads       map[string]*model.ThreadAggregate
	tokens        map[string]tokenRef
	locks         map[string]*sync.Mutex
	notifications map[string][]model.Notification
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:       make(map[string]*model.ThreadAggregate),
		tokens:        make(map[string]tokenRef),
		locks:         make(map[string]*sync.Mutex),
		notifications: make(map[string][]model.Notification),
	}
}

var _ Store = (*MemoryStore)(nil)

// CreateThread stores a new aggregate.
func (s *MemoryStore) CreateThread(ctx context.Context, agg *model.ThreadAggregate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.threads[agg.Thread.ID]; exists {
		return fmt.Errorf("thread %s: %w", agg.Thread.ID, ErrDuplicate)
	}
	for _, inv := range agg.Invites {
		if _, exists := s.tokens[inv.Token]; exists {
			return fmt.Errorf("invite token: %w", ErrDuplicate)
		}
	}

	s.threads[agg.Thread.ID] = agg.Clone()
	for _, inv := range agg.Invites {
		s.tokens[inv.Token] = tokenRef{threadID: agg.Thread.ID, inviteID: inv.ID}
	}
	s.locks[agg.Thread.ID] = &sync.Mutex{}
	return nil
}

// GetThread returns a copy of the committed aggregate.
func (s *MemoryStore) GetThread(ctx context.Context, threadID string) (*model.ThreadAggregate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	agg, ok := s.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	return agg.Clone(), nil
}

// FindInviteByToken resolves an invite token.
func (s *MemoryStore) FindInviteByToken(ctx context.Context, token string) (*model.Invite, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, ok := s.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	inv, ok := s.threads[ref.threadID].Invite(ref.inviteID)
	if !ok {
		return nil, ErrNotFound
	}
	out := *inv
	return &out, nil
}

// ListThreads lists an organizer's threads, newest first.
func (s *MemoryStore) ListThreads(ctx context.Context, organizerID string, limit, offset int) ([]model.Thread, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	s.mu.RLock()
	var threads []model.Thread
	for _, agg := range s.threads {
		if agg.Thread.OrganizerID == organizerID {
			threads = append(threads, agg.Thread)
		}
	}
	s.mu.RUnlock()

	sort.Slice(threads, func(i, j int) bool {
		return threads[i].CreatedAt.After(threads[j].CreatedAt)
	})

	total := len(threads)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return threads[start:end], total, nil
}

// WithThread runs fn as the only writer of the thread. The working copy
// replaces the committed aggregate only when fn succeeds.
func (s *MemoryStore) WithThread(ctx context.Context, threadID string, fn func(tx Tx) error) error {
	s.mu.RLock()
	lock, ok := s.locks[threadID]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	working := s.threads[threadID].Clone()
	s.mu.RUnlock()

	if err := fn(&memoryTx{agg: working}); err != nil {
		return err
	}

	s.mu.Lock()
	s.threads[threadID] = working
	s.mu.Unlock()
	return nil
}

// AppendNotification stores an event in the organizer's inbox.
func (s *MemoryStore) AppendNotification(ctx context.Context, n *model.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.notifications[n.OrganizerID] = append(s.notifications[n.OrganizerID], *n)
	return nil
}

// ListNotifications returns the organizer's inbox, newest first.
func (s *MemoryStore) ListNotifications(ctx context.Context, organizerID string, limit int) ([]model.Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	src := s.notifications[organizerID]
	out := make([]model.Notification, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		out = append(out, src[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	s.mu.RUnlock()

	return out, nil
}

// MarkNotificationRead sets the read timestamp of an inbox entry.
func (s *MemoryStore) MarkNotificationRead(ctx context.Context, organizerID, notificationID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.notifications[organizerID]
	for i := range list {
		if list[i].ID == notificationID {
			if list[i].ReadAt == nil {
				t := at
				list[i].ReadAt = &t
			}
			return nil
		}
	}
	return ErrNotFound
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

type memoryTx struct {
	agg *model.ThreadAggregate
}

func (t *memoryTx) Aggregate() *model.ThreadAggregate {
	return t.agg
}

func (t *memoryTx) UpdateThread(_ context.Context, th model.Thread) error {
	if th.ID != t.agg.Thread.ID {
		return ErrNotFound
	}
	t.agg.Thread = th
	return nil
}

func (t *memoryTx) UpdatePolicy(_ context.Context, p model.GroupPolicy) error {
	t.agg.Policy = p
	return nil
}

func (t *memoryTx) InsertSlots(_ context.Context, slots []model.Slot) error {
	for _, s := range slots {
		if _, exists := t.agg.Slot(s.ID); exists {
			return fmt.Errorf("slot %s: %w", s.ID, ErrDuplicate)
		}
	}
	t.agg.Slots = append(t.agg.Slots, slots...)
	return nil
}

func (t *memoryTx) UpdateInvite(_ context.Context, inv model.Invite) error {
	cur, ok := t.agg.Invite(inv.ID)
	if !ok {
		return ErrNotFound
	}
	inv.Token = cur.Token
	*cur = inv
	return nil
}

func (t *memoryTx) ClaimSlot(_ context.Context, slotID, inviteID string, expectedVersion int64) (model.Slot, error) {
	slot, ok := t.agg.Slot(slotID)
	if !ok {
		return model.Slot{}, ErrNotFound
	}
	if err := ApplyClaim(slot, inviteID, expectedVersion); err != nil {
		return *slot, err
	}
	return *slot, nil
}

func (t *memoryTx) ReleaseSlot(_ context.Context, slotID, inviteID string) (model.Slot, error) {
	slot, ok := t.agg.Slot(slotID)
	if !ok {
		return model.Slot{}, ErrNotFound
	}
	if err := ApplyRelease(slot, inviteID); err != nil {
		return *slot, err
	}
	return *slot, nil
}

func (t *memoryTx) UpsertResponse(_ context.Context, r model.Response) (model.Response, error) {
	if _, ok := t.agg.Invite(r.InviteID); !ok {
		return model.Response{}, ErrNotFound
	}
	var stored model.Response
	t.agg.Responses, stored = ApplyUpsert(t.agg.Responses, r)
	return stored, nil
}

func (t *memoryTx) InsertFinalization(_ context.Context, f model.FinalizationRecord) error {
	if t.agg.Finalization != nil {
		return ErrAlreadyFinalized
	}
	rec := f
	t.agg.Finalization = &rec
	return nil
}
