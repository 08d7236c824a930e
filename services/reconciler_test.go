package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus/presence-tracker/db"
	"chorus/presence-tracker/models"
	"chorus/presence-tracker/utils"
)

type fakeNotifier struct {
	mu        sync.Mutex
	next      int
	created   []string
	edits     map[string]string
	createErr error
	editErr   error
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{next: 100, edits: make(map[string]string)}
}

func (f *fakeNotifier) Create(_ context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.next++
	handle := strconv.Itoa(f.next)
	f.created = append(f.created, handle)
	return handle, nil
}

func (f *fakeNotifier) Edit(_ context.Context, handle, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.edits[handle] = text
	return nil
}

func (f *fakeNotifier) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created), len(f.edits)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.SessionEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev models.SessionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

type harness struct {
	store     *db.MemoryStore
	notifier  *fakeNotifier
	publisher *recordingPublisher
	clock     *quartz.Mock
	rec       *Reconciler
}

var istanbul = time.FixedZone("TRT", 3*60*60)

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     db.NewMemoryStore(),
		notifier:  newFakeNotifier(),
		publisher: &recordingPublisher{},
		clock:     quartz.NewMock(t),
	}
	h.clock.Set(time.Date(2026, 6, 1, 20, 0, 0, 0, time.UTC))
	h.rec = h.newReconciler()
	return h
}

// newReconciler builds a fresh engine over the same store, as after a restart.
func (h *harness) newReconciler() *Reconciler {
	return NewReconciler(h.store, h.notifier, h.publisher, h.clock, istanbul, utils.NewNopLogger())
}

func (h *harness) send(t *testing.T, category models.Category) Result {
	t.Helper()
	res, err := h.rec.Handle(context.Background(), models.PresenceEvent{Identity: tracked, Category: category})
	require.NoError(t, err)
	return res
}

func (h *harness) state(t *testing.T) *models.PresenceState {
	t.Helper()
	st, err := h.store.GetState(context.Background(), tracked)
	require.NoError(t, err)
	return st
}

func openCount(sessions []models.Session) int {
	n := 0
	for _, s := range sessions {
		if s.IsOpen() {
			n++
		}
	}
	return n
}

func TestReconcilerScenarios(t *testing.T) {
	h := newHarness(t)
	t0 := h.clock.Now()

	// A: first Active opens a session and notifies.
	res := h.send(t, models.CategoryActive)
	require.Equal(t, models.OutcomeStarted, res.Outcome)
	sessions := h.store.Sessions(tracked)
	require.Len(t, sessions, 1)
	s1 := sessions[0]
	assert.True(t, s1.OnlineAt.Equal(t0))
	assert.Nil(t, s1.OfflineAt)
	require.NotNil(t, s1.NotificationHandle)
	n1 := *s1.NotificationHandle

	st := h.state(t)
	require.NotNil(t, st)
	assert.True(t, st.IsOnline)
	require.NotNil(t, st.NotificationHandle)
	assert.Equal(t, n1, *st.NotificationHandle)
	assert.Equal(t, istanbul, st.OnlineAt.Location(), "times use the operating timezone")

	// B: Active while online is absorbed.
	h.clock.Advance(5 * time.Minute)
	res = h.send(t, models.CategoryActive)
	assert.Equal(t, models.OutcomeNoop, res.Outcome)
	assert.Len(t, h.store.Sessions(tracked), 1)
	created, _ := h.notifier.counts()
	assert.Equal(t, 1, created)

	// C: Inactive closes the session and edits the notification.
	h.clock.Advance(37*time.Minute + 45*time.Second)
	t2 := h.clock.Now()
	res = h.send(t, models.CategoryInactive)
	require.Equal(t, models.OutcomeEnded, res.Outcome)
	sessions = h.store.Sessions(tracked)
	require.Len(t, sessions, 1)
	require.NotNil(t, sessions[0].OfflineAt)
	assert.True(t, sessions[0].OfflineAt.Equal(t2))
	require.NotNil(t, sessions[0].DurationMinutes)
	assert.Equal(t, 42, *sessions[0].DurationMinutes)
	assert.Contains(t, h.notifier.edits[n1], "Duration: 42 min")

	st = h.state(t)
	assert.False(t, st.IsOnline)
	assert.Nil(t, st.NotificationHandle)
	assert.Nil(t, st.OnlineAt)

	// D: a later Active starts a distinct session with a distinct handle.
	h.clock.Advance(time.Hour)
	res = h.send(t, models.CategoryActive)
	require.Equal(t, models.OutcomeStarted, res.Outcome)
	sessions = h.store.Sessions(tracked)
	require.Len(t, sessions, 2)
	s2 := sessions[1]
	assert.NotEqual(t, s1.ID, s2.ID)
	require.NotNil(t, s2.NotificationHandle)
	assert.NotEqual(t, n1, *s2.NotificationHandle)

	// Close S2, then E: a late Inactive while offline changes nothing.
	h.clock.Advance(time.Minute)
	h.send(t, models.CategoryInactive)
	_, editsBefore := h.notifier.counts()

	h.clock.Advance(time.Minute)
	res = h.send(t, models.CategoryInactive)
	assert.Equal(t, models.OutcomeNoop, res.Outcome)
	_, editsAfter := h.notifier.counts()
	assert.Equal(t, editsBefore, editsAfter)
	assert.Equal(t, 0, openCount(h.store.Sessions(tracked)))

	h.publisher.mu.Lock()
	defer h.publisher.mu.Unlock()
	require.Len(t, h.publisher.events, 4)
	assert.Equal(t, models.SessionEventStarted, h.publisher.events[0].Type)
	assert.Equal(t, models.SessionEventEnded, h.publisher.events[1].Type)
	assert.Equal(t, s1.ID, h.publisher.events[1].SessionID)
	require.NotNil(t, h.publisher.events[1].DurationMinutes)
	assert.Equal(t, 42, *h.publisher.events[1].DurationMinutes)
}

func TestReconcilerDurationLaw(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		want    int
	}{
		{"same instant", 0, 0},
		{"same minute", 59 * time.Second, 0},
		{"exactly one minute", time.Minute, 1},
		{"floors partial minutes", 61*time.Minute + 59*time.Second, 61},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.send(t, models.CategoryActive)
			if tt.elapsed > 0 {
				h.clock.Advance(tt.elapsed)
			}
			res := h.send(t, models.CategoryInactive)
			require.Equal(t, models.OutcomeEnded, res.Outcome)
			require.NotNil(t, res.Session.DurationMinutes)
			assert.Equal(t, tt.want, *res.Session.DurationMinutes)
		})
	}

	assert.Equal(t, 0, models.DurationMinutes(time.Unix(100, 0), time.Unix(50, 0)), "never negative")
}

func TestReconcilerUnknownCategoryIsIgnored(t *testing.T) {
	h := newHarness(t)

	res := h.send(t, models.CategoryUnknown)
	assert.Equal(t, models.OutcomeIgnored, res.Outcome)
	assert.Nil(t, h.state(t))
	assert.Empty(t, h.store.Sessions(tracked))
}

func TestReconcilerRestartSafety(t *testing.T) {
	h := newHarness(t)
	h.send(t, models.CategoryActive)

	// Simulated restart: nothing carries over but the store.
	h.rec = h.newReconciler()

	h.clock.Advance(10 * time.Minute)
	res := h.send(t, models.CategoryActive)
	assert.Equal(t, models.OutcomeNoop, res.Outcome)

	h.rec = h.newReconciler()
	res = h.send(t, models.CategoryInactive)
	require.Equal(t, models.OutcomeEnded, res.Outcome)
	assert.Equal(t, 10, *res.Session.DurationMinutes)
	assert.Len(t, h.store.Sessions(tracked), 1)
}

func TestReconcilerConcurrentDuplicateDelivery(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.rec.Handle(context.Background(), models.PresenceEvent{Identity: tracked, Category: models.CategoryActive})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, h.store.Sessions(tracked), 1)
	created, _ := h.notifier.counts()
	assert.Equal(t, 1, created)
}

func TestReconcilerNotificationFailuresDoNotBlockTracking(t *testing.T) {
	h := newHarness(t)
	h.notifier.createErr = fmt.Errorf("%w: timeout", models.ErrNotificationFailed)

	res := h.send(t, models.CategoryActive)
	require.Equal(t, models.OutcomeStarted, res.Outcome)
	assert.Nil(t, res.Session.NotificationHandle)
	st := h.state(t)
	assert.True(t, st.IsOnline)
	assert.Nil(t, st.NotificationHandle)

	h.clock.Advance(3 * time.Minute)
	res = h.send(t, models.CategoryInactive)
	require.Equal(t, models.OutcomeEnded, res.Outcome, "missing handle only skips the edit")
	assert.False(t, h.state(t).IsOnline)

	// Edit failure on a session that does have a handle.
	h.notifier.createErr = nil
	h.notifier.editErr = errors.New("message to edit not found")
	h.send(t, models.CategoryActive)
	h.clock.Advance(time.Minute)
	res = h.send(t, models.CategoryInactive)
	require.Equal(t, models.OutcomeEnded, res.Outcome)
	assert.False(t, h.state(t).IsOnline)
	assert.Equal(t, 0, openCount(h.store.Sessions(tracked)))
}

func TestReconcilerRepairsDriftedState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Cache says online but the ledger has no open session.
	stale := "999"
	require.NoError(t, h.store.SetOnline(ctx, tracked, h.clock.Now(), &stale))

	res := h.send(t, models.CategoryActive)
	require.Equal(t, models.OutcomeStarted, res.Outcome)
	assert.Len(t, h.store.Sessions(tracked), 1)

	// Ledger has an open session but the cache says offline.
	require.NoError(t, h.store.SetOffline(ctx, tracked))
	res = h.send(t, models.CategoryActive)
	assert.Equal(t, models.OutcomeNoop, res.Outcome)
	st := h.state(t)
	assert.True(t, st.IsOnline, "cache rebuilt from the open session")
	assert.Nil(t, res.Session)
}

func TestReconcilerInvariantUnderRandomSequences(t *testing.T) {
	h := newHarness(t)
	rng := rand.New(rand.NewSource(7))
	categories := []models.Category{models.CategoryActive, models.CategoryInactive, models.CategoryUnknown}

	for i := 0; i < 300; i++ {
		h.clock.Advance(time.Duration(rng.Intn(600)+1) * time.Second)
		h.send(t, categories[rng.Intn(len(categories))])

		sessions := h.store.Sessions(tracked)
		open := openCount(sessions)
		require.LessOrEqual(t, open, 1)

		st := h.state(t)
		if st != nil {
			require.Equal(t, open == 1, st.IsOnline)
		}
		for _, s := range sessions {
			if s.DurationMinutes != nil {
				require.GreaterOrEqual(t, *s.DurationMinutes, 0)
				require.Equal(t, models.DurationMinutes(s.OnlineAt, *s.OfflineAt), *s.DurationMinutes)
			}
		}
	}
}

type failingTx struct {
	db.Tx
	err error
}

func (f failingTx) OpenSession(context.Context, string, time.Time) (uuid.UUID, error) {
	return uuid.Nil, f.err
}

type failingStore struct {
	*db.MemoryStore
	err error
}

func (f failingStore) Serialize(ctx context.Context, identity string, fn func(tx db.Tx) error) error {
	return f.MemoryStore.Serialize(ctx, identity, func(tx db.Tx) error {
		return fn(failingTx{Tx: tx, err: f.err})
	})
}

func TestReconcilerPersistenceFailurePropagates(t *testing.T) {
	h := newHarness(t)
	store := failingStore{MemoryStore: h.store, err: errors.New("connection refused")}
	rec := NewReconciler(store, h.notifier, h.publisher, h.clock, istanbul, utils.NewNopLogger())

	_, err := rec.Handle(context.Background(), models.PresenceEvent{Identity: tracked, Category: models.CategoryActive})
	require.ErrorIs(t, err, models.ErrPersistence)
	assert.Contains(t, err.Error(), "connection refused")

	created, _ := h.notifier.counts()
	assert.Equal(t, 0, created)
	assert.Empty(t, h.publisher.events)
}

// lostCloseTx behaves as if a competing writer closed the session between the
// read and the conditional update.
type lostCloseTx struct {
	db.Tx
	offlineSet bool
}

func (l *lostCloseTx) CloseOpenSession(context.Context, string, time.Time, int) (bool, error) {
	return false, nil
}

func (l *lostCloseTx) SetOffline(ctx context.Context, identity string) error {
	l.offlineSet = true
	return l.Tx.SetOffline(ctx, identity)
}

type lostCloseStore struct {
	*db.MemoryStore
	tx *lostCloseTx
}

func (s lostCloseStore) Serialize(ctx context.Context, identity string, fn func(tx db.Tx) error) error {
	return s.MemoryStore.Serialize(ctx, identity, func(tx db.Tx) error {
		s.tx.Tx = tx
		return fn(s.tx)
	})
}

func TestReconcilerLostCloseIsNoop(t *testing.T) {
	h := newHarness(t)
	h.send(t, models.CategoryActive)

	h.publisher.mu.Lock()
	h.publisher.events = nil
	h.publisher.mu.Unlock()

	tx := &lostCloseTx{}
	rec := NewReconciler(lostCloseStore{MemoryStore: h.store, tx: tx}, h.notifier, h.publisher, h.clock, istanbul, utils.NewNopLogger())

	h.clock.Advance(4 * time.Minute)
	res, err := rec.Handle(context.Background(), models.PresenceEvent{Identity: tracked, Category: models.CategoryInactive})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeNoop, res.Outcome)
	assert.Nil(t, res.Session)

	_, edits := h.notifier.counts()
	assert.Equal(t, 0, edits)
	assert.True(t, tx.offlineSet)
	assert.False(t, h.state(t).IsOnline)

	h.publisher.mu.Lock()
	defer h.publisher.mu.Unlock()
	assert.Empty(t, h.publisher.events)
}
