package services

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"

	"chorus/presence-tracker/db"
	"chorus/presence-tracker/models"
	"chorus/presence-tracker/utils"
)

// Reconciler applies presence events to the durable store. Every decision is
// taken from persisted state read under the identity's lock, never from
// memory, so a restart between events changes nothing.
type Reconciler struct {
	store     db.Store
	notifier  Notifier
	publisher EventPublisher
	clock     quartz.Clock
	location  *time.Location
	logger    *utils.Logger
}

// Result reports what Handle did. Session is the opened or closed session
// for started and ended outcomes.
type Result struct {
	Outcome models.Outcome
	Session *models.Session
}

func NewReconciler(store db.Store, notifier Notifier, publisher EventPublisher, clock quartz.Clock, location *time.Location, logger *utils.Logger) *Reconciler {
	if location == nil {
		location = time.UTC
	}
	return &Reconciler{
		store:     store,
		notifier:  notifier,
		publisher: publisher,
		clock:     clock,
		location:  location,
		logger:    logger,
	}
}

// Handle runs one read-decide-write cycle for ev. Only store failures are
// returned, wrapped in models.ErrPersistence; notification and publish
// failures are logged.
func (r *Reconciler) Handle(ctx context.Context, ev models.PresenceEvent) (Result, error) {
	if ev.Category == models.CategoryUnknown {
		return Result{Outcome: models.OutcomeIgnored}, nil
	}

	now := r.clock.Now().In(r.location)
	logger := r.logger.With("identity", ev.Identity, "category", ev.Category, "status", ev.Status)

	var result Result
	err := r.store.Serialize(ctx, ev.Identity, func(tx db.Tx) error {
		state, err := tx.GetState(ctx, ev.Identity)
		if err != nil {
			return err
		}
		open, err := tx.FindOpenSession(ctx, ev.Identity)
		if err != nil {
			return err
		}

		cachedOnline := state != nil && state.IsOnline
		if cachedOnline != (open != nil) {
			logger.Warn("Presence state disagrees with session ledger, trusting ledger",
				"cached_online", cachedOnline, "open_session", open != nil)
		}

		switch {
		case ev.Category == models.CategoryActive && open == nil:
			result, err = r.start(ctx, tx, ev.Identity, now, logger)
		case ev.Category == models.CategoryInactive && open != nil:
			result, err = r.end(ctx, tx, open, now, logger)
		default:
			result = Result{Outcome: models.OutcomeNoop}
			err = r.repairState(ctx, tx, state, open)
		}
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", models.ErrPersistence, err)
	}

	if result.Outcome == models.OutcomeNoop {
		logger.Debug("Presence event absorbed")
	}
	r.publish(ctx, result, now)

	return result, nil
}

// start opens a session, sends its notification and marks the identity online.
func (r *Reconciler) start(ctx context.Context, tx db.Tx, identity string, now time.Time, logger *utils.Logger) (Result, error) {
	sessionID, err := tx.OpenSession(ctx, identity, now)
	if err != nil {
		return Result{}, err
	}
	session := &models.Session{ID: sessionID, Identity: identity, OnlineAt: now}

	handle, err := r.notifier.Create(ctx, StartedText(identity, now))
	if err != nil {
		logger.Error("Failed to create session notification", "session_id", sessionID, "error", err)
	} else {
		if err := tx.AttachNotificationHandle(ctx, sessionID, handle); err != nil {
			return Result{}, err
		}
		session.NotificationHandle = &handle
	}

	if err := tx.SetOnline(ctx, identity, now, session.NotificationHandle); err != nil {
		return Result{}, err
	}

	logger.Info("Session started", "session_id", sessionID, "online_at", now)
	return Result{Outcome: models.OutcomeStarted, Session: session}, nil
}

// end closes the open session, edits its notification and marks the identity
// offline.
func (r *Reconciler) end(ctx context.Context, tx db.Tx, open *models.Session, now time.Time, logger *utils.Logger) (Result, error) {
	identity := open.Identity
	onlineAt := open.OnlineAt.In(r.location)
	minutes := models.DurationMinutes(onlineAt, now)

	closed, err := tx.CloseOpenSession(ctx, identity, now, minutes)
	if err != nil {
		return Result{}, err
	}
	if !closed {
		logger.Warn("No open session to close, skipping", "session_id", open.ID)
		return Result{Outcome: models.OutcomeNoop}, tx.SetOffline(ctx, identity)
	}

	if open.NotificationHandle == nil {
		logger.Warn("Session has no notification to edit", "session_id", open.ID)
	} else if err := r.notifier.Edit(ctx, *open.NotificationHandle, EndedText(identity, onlineAt, now, minutes)); err != nil {
		logger.Error("Failed to edit session notification",
			"session_id", open.ID, "handle", *open.NotificationHandle, "error", err)
	}

	if err := tx.SetOffline(ctx, identity); err != nil {
		return Result{}, err
	}

	session := *open
	session.OnlineAt = onlineAt
	session.OfflineAt = &now
	session.DurationMinutes = &minutes

	logger.Info("Session ended", "session_id", open.ID, "offline_at", now, "duration_minutes", minutes)
	return Result{Outcome: models.OutcomeEnded, Session: &session}, nil
}

// repairState rewrites a cached state row that drifted from the ledger.
func (r *Reconciler) repairState(ctx context.Context, tx db.Tx, state *models.PresenceState, open *models.Session) error {
	cachedOnline := state != nil && state.IsOnline
	switch {
	case open != nil && !cachedOnline:
		return tx.SetOnline(ctx, open.Identity, open.OnlineAt, open.NotificationHandle)
	case open == nil && cachedOnline:
		return tx.SetOffline(ctx, state.Identity)
	}
	return nil
}

func (r *Reconciler) publish(ctx context.Context, result Result, at time.Time) {
	if r.publisher == nil || result.Session == nil {
		return
	}

	event := models.SessionEvent{
		Identity:        result.Session.Identity,
		SessionID:       result.Session.ID,
		OnlineAt:        result.Session.OnlineAt,
		OfflineAt:       result.Session.OfflineAt,
		DurationMinutes: result.Session.DurationMinutes,
		At:              at,
	}
	switch result.Outcome {
	case models.OutcomeStarted:
		event.Type = models.SessionEventStarted
	case models.OutcomeEnded:
		event.Type = models.SessionEventEnded
	default:
		return
	}

	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.Warn("Failed to publish session event", "type", event.Type, "session_id", event.SessionID, "error", err)
	}
}
