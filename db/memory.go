package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chorus/presence-tracker/models"
)

// MemoryStore keeps state and sessions in process memory. It honours the same
// contracts as PostgresStore and backs tests and local runs without Postgres.
type MemoryStore struct {
	mu       sync.Mutex
	states   map[string]models.PresenceState
	sessions []models.Session

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]models.PresenceState),
		locks:  make(map[string]*sync.Mutex),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) identityLock(identity string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[identity]
	if !ok {
		l = &sync.Mutex{}
		m.locks[identity] = l
	}
	return l
}

// Serialize holds identity's lock for the duration of fn. Writes are applied
// immediately; there is no rollback.
func (m *MemoryStore) Serialize(ctx context.Context, identity string, fn func(tx Tx) error) error {
	l := m.identityLock(identity)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(m)
}

func (m *MemoryStore) GetState(_ context.Context, identity string) (*models.PresenceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[identity]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (m *MemoryStore) SetOnline(_ context.Context, identity string, onlineAt time.Time, handle *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[identity] = models.PresenceState{
		Identity:           identity,
		IsOnline:           true,
		OnlineAt:           &onlineAt,
		NotificationHandle: cloneString(handle),
		UpdatedAt:          time.Now(),
	}
	return nil
}

func (m *MemoryStore) SetOffline(_ context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[identity] = models.PresenceState{
		Identity:  identity,
		UpdatedAt: time.Now(),
	}
	return nil
}

func (m *MemoryStore) OpenSession(_ context.Context, identity string, onlineAt time.Time) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.Identity == identity && s.IsOpen() {
			return uuid.Nil, fmt.Errorf("failed to open session: %s already has open session %s", identity, s.ID)
		}
	}
	session := models.Session{
		ID:        uuid.New(),
		Identity:  identity,
		OnlineAt:  onlineAt,
		CreatedAt: time.Now(),
	}
	m.sessions = append(m.sessions, session)
	return session.ID, nil
}

func (m *MemoryStore) FindOpenSession(_ context.Context, identity string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sessions) - 1; i >= 0; i-- {
		if s := m.sessions[i]; s.Identity == identity && s.IsOpen() {
			return &s, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) CloseOpenSession(_ context.Context, identity string, offlineAt time.Time, durationMinutes int) (bool, error) {
	if durationMinutes < 0 {
		durationMinutes = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.sessions {
		s := &m.sessions[i]
		if s.Identity != identity || !s.IsOpen() {
			continue
		}
		at, minutes := offlineAt, durationMinutes
		s.OfflineAt = &at
		s.DurationMinutes = &minutes
		return true, nil
	}
	return false, nil
}

func (m *MemoryStore) AttachNotificationHandle(_ context.Context, sessionID uuid.UUID, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.sessions {
		s := &m.sessions[i]
		if s.ID == sessionID && s.NotificationHandle == nil {
			h := handle
			s.NotificationHandle = &h
		}
	}
	return nil
}

func (m *MemoryStore) ListSessions(_ context.Context, identity string, page, pageSize int) ([]models.Session, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []models.Session
	for _, s := range m.sessions {
		if s.Identity == identity {
			matched = append(matched, s)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].OnlineAt.After(matched[j].OnlineAt)
	})

	total := int64(len(matched))
	start := (page - 1) * pageSize
	if start < 0 || start >= len(matched) {
		return []models.Session{}, total, nil
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

// Sessions returns a copy of every session for identity in insertion order.
func (m *MemoryStore) Sessions(identity string) []models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Session
	for _, s := range m.sessions {
		if s.Identity == identity {
			out = append(out, s)
		}
	}
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
