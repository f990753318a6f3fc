// Package postgres implements store.Store on PostgreSQL through gorm.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/capitalize-ai/meeting-coordinator/internal/model"
	"github.com/capitalize-ai/meeting-coordinator/internal/store"
	"github.com/capitalize-ai/meeting-coordinator/pkg/logger"
)

// Store is the PostgreSQL implementation of store.Store.
type Store struct {
	db     *gorm.DB
	logger *logger.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects to PostgreSQL and optionally runs migrations.
func Open(ctx context.Context, dsn string, autoMigrate bool, log *logger.Logger) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres: DATABASE_URL is required")
	}

	db, err := gorm.Open(gormpg.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	s := New(db, log)
	if autoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}
	return s, nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, log *logger.Logger) *Store {
	return &Store{db: db, logger: log}
}

// Migrate creates or updates the scheduling tables.
func (s *Store) Migrate(ctx context.Context) error {
	s.logger.Info("migrating scheduling tables")
	err := s.db.WithContext(ctx).AutoMigrate(
		&threadRow{},
		&policyRow{},
		&slotRow{},
		&inviteRow{},
		&responseRow{},
		&finalizationRow{},
		&notificationRow{},
	)
	if err != nil {
		s.logger.Error("migration failed", zap.Error(err))
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// CreateThread inserts a thread with its policy, slots and invites.
func (s *Store) CreateThread(ctx context.Context, agg *model.ThreadAggregate) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := toThreadRow(agg.Thread)
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		policy := toPolicyRow(agg.Policy)
		if err := tx.Create(&policy).Error; err != nil {
			return err
		}
		if len(agg.Slots) > 0 {
			slots := make([]slotRow, len(agg.Slots))
			for i, sl := range agg.Slots {
				slots[i] = toSlotRow(sl)
			}
			if err := tx.Create(&slots).Error; err != nil {
				return err
			}
		}
		if len(agg.Invites) > 0 {
			invites := make([]inviteRow, len(agg.Invites))
			for i, inv := range agg.Invites {
				invites[i] = toInviteRow(inv)
			}
			if err := tx.Create(&invites).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("thread %s: %w", agg.Thread.ID, store.ErrDuplicate)
	}
	return err
}

// GetThread loads the committed aggregate.
func (s *Store) GetThread(ctx context.Context, threadID string) (*model.ThreadAggregate, error) {
	return loadAggregate(s.db.WithContext(ctx), threadID, false)
}

// FindInviteByToken resolves an invite token.
func (s *Store) FindInviteByToken(ctx context.Context, token string) (*model.Invite, error) {
	var row inviteRow
	err := s.db.WithContext(ctx).Where("token = ?", token).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find invite: %w", err)
	}
	inv := row.toModel()
	return &inv, nil
}

// ListThreads lists an organizer's threads, newest first.
func (s *Store) ListThreads(ctx context.Context, organizerID string, limit, offset int) ([]model.Thread, int, error) {
	db := s.db.WithContext(ctx).Model(&threadRow{}).Where("organizer_id = ?", organizerID).Session(&gorm.Session{})

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count threads: %w", err)
	}

	var rows []threadRow
	if err := db.Order("created_at desc").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list threads: %w", err)
	}

	threads := make([]model.Thread, len(rows))
	for i, r := range rows {
		threads[i] = r.toModel()
	}
	return threads, int(total), nil
}

// WithThread runs fn inside a transaction holding the thread row lock.
func (s *Store) WithThread(ctx context.Context, threadID string, fn func(tx store.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		agg, err := loadAggregate(tx, threadID, true)
		if err != nil {
			return err
		}
		return fn(&gormTx{db: tx, agg: agg})
	})
}

// AppendNotification stores an event in the organizer's inbox.
func (s *Store) AppendNotification(ctx context.Context, n *model.Notification) error {
	row := toNotificationRow(*n)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to store notification: %w", err)
	}
	return nil
}

// ListNotifications returns the organizer's inbox, newest first.
func (s *Store) ListNotifications(ctx context.Context, organizerID string, limit int) ([]model.Notification, error) {
	db := s.db.WithContext(ctx).Where("organizer_id = ?", organizerID).Order("created_at desc")
	if limit > 0 {
		db = db.Limit(limit)
	}
	var rows []notificationRow
	if err := db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	out := make([]model.Notification, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// MarkNotificationRead sets the read timestamp of an inbox entry.
func (s *Store) MarkNotificationRead(ctx context.Context, organizerID, notificationID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&notificationRow{}).
		Where("id = ? AND organizer_id = ?", notificationID, organizerID).
		Update("read_at", gorm.Expr("COALESCE(read_at, ?)", at))
	if res.Error != nil {
		return fmt.Errorf("failed to mark notification: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func loadAggregate(db *gorm.DB, threadID string, forUpdate bool) (*model.ThreadAggregate, error) {
	var thread threadRow
	q := db
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.Where("id = ?", threadID).First(&thread).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}

	var policy policyRow
	if err := db.Where("thread_id = ?", threadID).First(&policy).Error; err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}

	var slots []slotRow
	if err := db.Where("thread_id = ?", threadID).Order("start_at asc, id asc").Find(&slots).Error; err != nil {
		return nil, fmt.Errorf("failed to load slots: %w", err)
	}

	var invites []inviteRow
	if err := db.Where("thread_id = ?", threadID).Order("created_at asc, id asc").Find(&invites).Error; err != nil {
		return nil, fmt.Errorf("failed to load invites: %w", err)
	}

	var responses []responseRow
	if err := db.Where("thread_id = ?", threadID).Order("created_at asc, id asc").Find(&responses).Error; err != nil {
		return nil, fmt.Errorf("failed to load responses: %w", err)
	}

	var finals []finalizationRow
	if err := db.Where("thread_id = ?", threadID).Limit(1).Find(&finals).Error; err != nil {
		return nil, fmt.Errorf("failed to load finalization: %w", err)
	}

	agg := &model.ThreadAggregate{
		Thread:    thread.toModel(),
		Policy:    policy.toModel(),
		Slots:     make([]model.Slot, len(slots)),
		Invites:   make([]model.Invite, len(invites)),
		Responses: make([]model.Response, len(responses)),
	}
	for i, r := range slots {
		agg.Slots[i] = r.toModel()
	}
	for i, r := range invites {
		agg.Invites[i] = r.toModel()
	}
	for i, r := range responses {
		agg.Responses[i] = r.toModel()
	}
	if len(finals) > 0 {
		f := finals[0].toModel()
		agg.Finalization = &f
	}
	return agg, nil
}

// gormTx mirrors every write into the working aggregate so Aggregate stays
// consistent with what the transaction will commit.
type gormTx struct {
	db  *gorm.DB
	agg *model.ThreadAggregate
}

func (t *gormTx) Aggregate() *model.ThreadAggregate {
	return t.agg
}

func (t *gormTx) UpdateThread(ctx context.Context, th model.Thread) error {
	row := toThreadRow(th)
	if err := t.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("failed to update thread: %w", err)
	}
	t.agg.Thread = th
	return nil
}

func (t *gormTx) UpdatePolicy(ctx context.Context, p model.GroupPolicy) error {
	row := toPolicyRow(p)
	if err := t.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("failed to update policy: %w", err)
	}
	t.agg.Policy = p
	return nil
}

func (t *gormTx) InsertSlots(ctx context.Context, slots []model.Slot) error {
	if len(slots) == 0 {
		return nil
	}
	rows := make([]slotRow, len(slots))
	for i, s := range slots {
		rows[i] = toSlotRow(s)
	}
	if err := t.db.WithContext(ctx).Create(&rows).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("failed to insert slots: %w", err)
	}
	t.agg.Slots = append(t.agg.Slots, slots...)
	return nil
}

func (t *gormTx) UpdateInvite(ctx context.Context, inv model.Invite) error {
	cur, ok := t.agg.Invite(inv.ID)
	if !ok {
		return store.ErrNotFound
	}
	inv.Token = cur.Token
	res := t.db.WithContext(ctx).Model(&inviteRow{}).Where("id = ?", inv.ID).Updates(map[string]any{
		"status":            string(inv.Status),
		"responded_at":      inv.RespondedAt,
		"needs_re_response": inv.NeedsReResponse,
		"name":              inv.Name,
	})
	if res.Error != nil {
		return fmt.Errorf("failed to update invite: %w", res.Error)
	}
	*cur = inv
	return nil
}

// ClaimSlot issues a conditional update; only one writer can move the row
// from open at the expected version.
func (t *gormTx) ClaimSlot(ctx context.Context, slotID, inviteID string, expectedVersion int64) (model.Slot, error) {
	slot, ok := t.agg.Slot(slotID)
	if !ok {
		return model.Slot{}, store.ErrNotFound
	}
	if slot.Status == model.SlotStatusBooked && slot.BookedByInviteID != nil && *slot.BookedByInviteID == inviteID {
		return *slot, nil
	}

	res := t.db.WithContext(ctx).Model(&slotRow{}).
		Where("id = ? AND thread_id = ? AND status = ? AND version = ?", slotID, t.agg.Thread.ID, string(model.SlotStatusOpen), expectedVersion).
		Updates(map[string]any{
			"status":              string(model.SlotStatusBooked),
			"booked_by_invite_id": inviteID,
			"version":             gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return *slot, fmt.Errorf("failed to claim slot: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return *slot, store.ErrSlotConflict
	}
	if err := store.ApplyClaim(slot, inviteID, expectedVersion); err != nil {
		return *slot, err
	}
	return *slot, nil
}

func (t *gormTx) ReleaseSlot(ctx context.Context, slotID, inviteID string) (model.Slot, error) {
	slot, ok := t.agg.Slot(slotID)
	if !ok {
		return model.Slot{}, store.ErrNotFound
	}

	res := t.db.WithContext(ctx).Model(&slotRow{}).
		Where("id = ? AND status = ? AND booked_by_invite_id = ?", slotID, string(model.SlotStatusBooked), inviteID).
		Updates(map[string]any{
			"status":              string(model.SlotStatusOpen),
			"booked_by_invite_id": nil,
			"version":             gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return *slot, fmt.Errorf("failed to release slot: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return *slot, store.ErrSlotConflict
	}
	if err := store.ApplyRelease(slot, inviteID); err != nil {
		return *slot, err
	}
	return *slot, nil
}

func (t *gormTx) UpsertResponse(ctx context.Context, r model.Response) (model.Response, error) {
	if _, ok := t.agg.Invite(r.InviteID); !ok {
		return model.Response{}, store.ErrNotFound
	}

	var stored model.Response
	t.agg.Responses, stored = store.ApplyUpsert(t.agg.Responses, r)

	row := toResponseRow(stored)
	err := t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "invite_id"}, {Name: "response_version"}},
		DoUpdates: clause.AssignmentColumns([]string{"answer", "selected_slot_id", "comment", "responded_at", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return model.Response{}, fmt.Errorf("failed to upsert response: %w", err)
	}
	return stored, nil
}

func (t *gormTx) InsertFinalization(ctx context.Context, f model.FinalizationRecord) error {
	if t.agg.Finalization != nil {
		return store.ErrAlreadyFinalized
	}
	row := toFinalizationRow(f)
	if err := t.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return store.ErrAlreadyFinalized
		}
		return fmt.Errorf("failed to insert finalization: %w", err)
	}
	rec := f
	t.agg.Finalization = &rec
	return nil
}
