package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"chorus/presence-tracker/models"
)

// StateStore holds the single current-state row per identity.
type StateStore interface {
	// GetState returns nil when no row exists for identity.
	GetState(ctx context.Context, identity string) (*models.PresenceState, error)
	SetOnline(ctx context.Context, identity string, onlineAt time.Time, handle *string) error
	SetOffline(ctx context.Context, identity string) error
}

// Ledger is the append-only session log.
type Ledger interface {
	OpenSession(ctx context.Context, identity string, onlineAt time.Time) (uuid.UUID, error)
	// FindOpenSession returns nil when identity has no open session.
	FindOpenSession(ctx context.Context, identity string) (*models.Session, error)
	// CloseOpenSession reports whether an open session was found and closed.
	CloseOpenSession(ctx context.Context, identity string, offlineAt time.Time, durationMinutes int) (bool, error)
	AttachNotificationHandle(ctx context.Context, sessionID uuid.UUID, handle string) error
	ListSessions(ctx context.Context, identity string, page, pageSize int) ([]models.Session, int64, error)
}

type Tx interface {
	StateStore
	Ledger
}

// Store is the durable source of truth. Serialize runs fn with exclusive
// access to identity's state until fn returns; fn's writes commit together.
type Store interface {
	Tx
	Serialize(ctx context.Context, identity string, fn func(tx Tx) error) error
}

type PostgresStore struct {
	db *gorm.DB
}

func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Serialize(ctx context.Context, identity string, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// FOR UPDATE needs a row to hold; an absent row is equivalent to offline.
		seed := models.PresenceState{Identity: identity}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return fmt.Errorf("failed to seed presence state: %w", err)
		}

		var locked models.PresenceState
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("identity = ?", identity).
			First(&locked).Error; err != nil {
			return fmt.Errorf("failed to lock presence state: %w", err)
		}

		return fn(&PostgresStore{db: tx})
	})
}

func (s *PostgresStore) GetState(ctx context.Context, identity string) (*models.PresenceState, error) {
	var state models.PresenceState
	err := s.db.WithContext(ctx).Where("identity = ?", identity).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get presence state: %w", err)
	}
	return &state, nil
}

func (s *PostgresStore) SetOnline(ctx context.Context, identity string, onlineAt time.Time, handle *string) error {
	return s.upsertState(ctx, models.PresenceState{
		Identity:           identity,
		IsOnline:           true,
		OnlineAt:           &onlineAt,
		NotificationHandle: handle,
	})
}

func (s *PostgresStore) SetOffline(ctx context.Context, identity string) error {
	return s.upsertState(ctx, models.PresenceState{Identity: identity})
}

func (s *PostgresStore) upsertState(ctx context.Context, state models.PresenceState) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_online", "online_at", "notification_handle", "updated_at"}),
	}).Create(&state).Error
	if err != nil {
		return fmt.Errorf("failed to write presence state: %w", err)
	}
	return nil
}

func (s *PostgresStore) OpenSession(ctx context.Context, identity string, onlineAt time.Time) (uuid.UUID, error) {
	session := models.Session{
		ID:       uuid.New(),
		Identity: identity,
		OnlineAt: onlineAt,
	}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		return uuid.Nil, fmt.Errorf("failed to open session: %w", err)
	}
	return session.ID, nil
}

func (s *PostgresStore) FindOpenSession(ctx context.Context, identity string) (*models.Session, error) {
	var session models.Session
	err := s.db.WithContext(ctx).
		Where("identity = ? AND offline_at IS NULL", identity).
		Order("online_at DESC").
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open session: %w", err)
	}
	return &session, nil
}

func (s *PostgresStore) CloseOpenSession(ctx context.Context, identity string, offlineAt time.Time, durationMinutes int) (bool, error) {
	if durationMinutes < 0 {
		durationMinutes = 0
	}
	res := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("identity = ? AND offline_at IS NULL", identity).
		Updates(map[string]interface{}{
			"offline_at":       offlineAt,
			"duration_minutes": durationMinutes,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to close session: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *PostgresStore) AttachNotificationHandle(ctx context.Context, sessionID uuid.UUID, handle string) error {
	// A handle, once set, is never replaced.
	err := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ? AND notification_handle IS NULL", sessionID).
		Update("notification_handle", handle).Error
	if err != nil {
		return fmt.Errorf("failed to attach notification handle: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, identity string, page, pageSize int) ([]models.Session, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Session{}).Where("identity = ?", identity)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count sessions: %w", err)
	}

	var sessions []models.Session
	offset := (page - 1) * pageSize
	if err := query.Offset(offset).Limit(pageSize).Order("online_at DESC").Find(&sessions).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch sessions: %w", err)
	}

	return sessions, total, nil
}
