package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPersistence        = errors.New("presence persistence failed")
	ErrNotificationFailed = errors.New("notification delivery failed")
	ErrHeartbeatFailed    = errors.New("heartbeat ping failed")
	ErrMissingConfig      = errors.New("required configuration missing")
)

// PresenceState is the cached current belief about one tracked identity.
// The session ledger is authoritative; this row is an index over it.
type PresenceState struct {
	Identity           string     `json:"identity" gorm:"primaryKey"`
	IsOnline           bool       `json:"is_online" gorm:"not null"`
	OnlineAt           *time.Time `json:"online_at"`
	NotificationHandle *string    `json:"notification_handle"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (PresenceState) TableName() string {
	return "presence_state"
}

// Session is one contiguous online interval. A nil OfflineAt marks it open.
type Session struct {
	ID                 uuid.UUID  `json:"id" gorm:"type:uuid;primary_key"`
	Identity           string     `json:"identity" gorm:"not null;index"`
	OnlineAt           time.Time  `json:"online_at" gorm:"not null"`
	OfflineAt          *time.Time `json:"offline_at"`
	DurationMinutes    *int       `json:"duration_minutes"`
	NotificationHandle *string    `json:"notification_handle"`
	CreatedAt          time.Time  `json:"created_at"`
}

func (Session) TableName() string {
	return "presence_sessions"
}

func (s Session) IsOpen() bool {
	return s.OfflineAt == nil
}

// DurationMinutes returns the whole minutes between online and offline,
// never negative.
func DurationMinutes(onlineAt, offlineAt time.Time) int {
	d := offlineAt.Sub(onlineAt)
	if d < 0 {
		return 0
	}
	return int(d / time.Minute)
}

// Category is the normalised activity class of a presence event.
type Category string

const (
	CategoryActive   Category = "active"
	CategoryInactive Category = "inactive"
	CategoryUnknown  Category = "unknown"
)

// PresenceEvent is a normalised presence report for the tracked identity.
type PresenceEvent struct {
	Identity string
	Category Category
	Status   string
}

// Outcome describes what the reconciler did with an event.
type Outcome string

const (
	OutcomeStarted Outcome = "started"
	OutcomeEnded   Outcome = "ended"
	OutcomeNoop    Outcome = "noop"
	OutcomeIgnored Outcome = "ignored"
)

type SessionEventType string

const (
	SessionEventStarted SessionEventType = "session.started"
	SessionEventEnded   SessionEventType = "session.ended"
)

// SessionEvent is broadcast to stream subscribers on every lifecycle change.
type SessionEvent struct {
	Type            SessionEventType `json:"type"`
	Identity        string           `json:"identity"`
	SessionID       uuid.UUID        `json:"session_id"`
	OnlineAt        time.Time        `json:"online_at"`
	OfflineAt       *time.Time       `json:"offline_at,omitempty"`
	DurationMinutes *int             `json:"duration_minutes,omitempty"`
	At              time.Time        `json:"at"`
}
