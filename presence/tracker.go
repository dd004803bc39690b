package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"campuschat/storage"
)

// Mode selects how concurrent sessions of one user combine into a single
// online flag.
type Mode string

const (
	// ModeSessionCount keeps a user online until their last session closes.
	ModeSessionCount Mode = "session_count"
	// ModeLastEvent applies whichever connect or disconnect happened last.
	ModeLastEvent Mode = "last_event"
)

// ParseMode validates a configured mode. Empty selects ModeSessionCount.
func ParseMode(value string) (Mode, error) {
	switch Mode(strings.TrimSpace(strings.ToLower(value))) {
	case "", ModeSessionCount:
		return ModeSessionCount, nil
	case ModeLastEvent:
		return ModeLastEvent, nil
	default:
		return "", fmt.Errorf("presence: unknown mode %q", value)
	}
}

// Options controls Tracker behavior.
type Options struct {
	InstanceID string
	Mode       Mode
	Logger     *slog.Logger
	Now        func() time.Time
}

// Transition describes the outcome of one presence lifecycle event.
type Transition struct {
	UserID   string
	Online   bool
	LastSeen int64
	// Announce is true when contacts should be told about the new state.
	Announce bool
}

// Tracker maintains each user's durable online/offline state on top of the
// store's presence and presence_sessions tables.
type Tracker struct {
	store      *storage.Store
	instanceID string
	mode       Mode
	logger     *slog.Logger
	now        func() time.Time
}

// NewTracker constructs a tracker bound to one server instance.
func NewTracker(store *storage.Store, options Options) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("presence: store is required")
	}
	if strings.TrimSpace(options.InstanceID) == "" {
		return nil, errors.New("presence: instance id is required")
	}

	mode := options.Mode
	if mode == "" {
		mode = ModeSessionCount
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}

	return &Tracker{
		store:      store,
		instanceID: options.InstanceID,
		mode:       mode,
		logger:     logger.With("component", "presence"),
		now:        now,
	}, nil
}

// Mode returns the configured combination mode.
func (t *Tracker) Mode() Mode {
	return t.mode
}

// Connect records a new live session for user and marks them online. It
// runs inside the caller's transaction so the transition and any events
// announcing it commit together.
func (t *Tracker) Connect(ctx context.Context, tx *storage.Tx, sessionID, user string) (Transition, error) {
	if _, err := tx.LockPresence(ctx, user); err != nil {
		return Transition{}, err
	}
	if err := tx.InsertPresenceSession(ctx, storage.PresenceSession{
		SessionID:   sessionID,
		UserID:      user,
		InstanceID:  t.instanceID,
		ConnectedAt: t.now().UnixMilli(),
	}); err != nil {
		return Transition{}, err
	}

	updated, err := tx.SetPresence(ctx, user, true, t.now().UnixMilli())
	if err != nil {
		return Transition{}, err
	}

	t.logger.Debug("session connected", "user", user, "session_id", sessionID)
	return Transition{
		UserID:   user,
		Online:   true,
		LastSeen: updated.LastSeen,
		Announce: true,
	}, nil
}

// Disconnect removes a session and, depending on the mode, marks the user
// offline. In ModeSessionCount a user with other live sessions stays online
// and nothing is announced.
func (t *Tracker) Disconnect(ctx context.Context, tx *storage.Tx, sessionID, user string) (Transition, error) {
	previous, err := tx.LockPresence(ctx, user)
	if err != nil {
		return Transition{}, err
	}
	if _, err := tx.DeletePresenceSession(ctx, sessionID); err != nil {
		return Transition{}, err
	}

	if t.mode == ModeSessionCount {
		remaining, err := tx.CountPresenceSessions(ctx, user)
		if err != nil {
			return Transition{}, err
		}
		if remaining > 0 {
			t.logger.Debug("session closed, user still connected", "user", user, "session_id", sessionID, "remaining", remaining)
			return Transition{
				UserID:   user,
				Online:   previous.IsOnline,
				LastSeen: previous.LastSeen,
			}, nil
		}
	}

	updated, err := tx.SetPresence(ctx, user, false, t.now().UnixMilli())
	if err != nil {
		return Transition{}, err
	}

	t.logger.Debug("session disconnected", "user", user, "session_id", sessionID)
	return Transition{
		UserID:   user,
		Online:   false,
		LastSeen: updated.LastSeen,
		Announce: previous.IsOnline || t.mode == ModeLastEvent,
	}, nil
}

// SetOnline stores the user's online flag directly and stamps last_seen.
// Repeating the same value is harmless.
func (t *Tracker) SetOnline(ctx context.Context, user string, online bool) (*storage.Presence, error) {
	if strings.TrimSpace(user) == "" {
		return nil, errors.New("presence: user is required")
	}

	var updated *storage.Presence
	err := t.store.WithTx(ctx, func(tx *storage.Tx) error {
		if _, err := tx.LockPresence(ctx, user); err != nil {
			return err
		}
		var err error
		updated, err = tx.SetPresence(ctx, user, online, t.now().UnixMilli())
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Get returns the user's presence. A user that never connected is reported
// offline with a zero LastSeen.
func (t *Tracker) Get(ctx context.Context, user string) (*storage.Presence, error) {
	state, err := t.store.GetPresence(ctx, user)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &storage.Presence{UserID: user}, nil
		}
		return nil, err
	}
	return state, nil
}

// WasRecentlyOnline reports whether the user is online now or was last seen
// within window.
func (t *Tracker) WasRecentlyOnline(ctx context.Context, user string, window time.Duration) (bool, error) {
	state, err := t.Get(ctx, user)
	if err != nil {
		return false, err
	}
	if state.IsOnline {
		return true, nil
	}
	if state.LastSeen == 0 {
		return false, nil
	}
	return t.now().UnixMilli()-state.LastSeen <= window.Milliseconds(), nil
}

// RecoverInstance clears sessions this instance recorded before it last
// stopped. Users left with no live session anywhere are marked offline and
// passed to onOffline inside the same transaction.
func (t *Tracker) RecoverInstance(ctx context.Context, onOffline func(ctx context.Context, tx *storage.Tx, transition Transition) error) ([]Transition, error) {
	var transitions []Transition
	err := t.store.WithTx(ctx, func(tx *storage.Tx) error {
		transitions = transitions[:0]
		sessions, err := tx.ListInstanceSessions(ctx, t.instanceID)
		if err != nil {
			return err
		}

		seen := make(map[string]struct{}, len(sessions))
		for _, session := range sessions {
			if _, err := tx.DeletePresenceSession(ctx, session.SessionID); err != nil {
				return err
			}
			seen[session.UserID] = struct{}{}
		}

		for _, session := range sessions {
			if _, ok := seen[session.UserID]; !ok {
				continue
			}
			delete(seen, session.UserID)

			previous, err := tx.LockPresence(ctx, session.UserID)
			if err != nil {
				return err
			}
			remaining, err := tx.CountPresenceSessions(ctx, session.UserID)
			if err != nil {
				return err
			}
			if remaining > 0 || !previous.IsOnline {
				continue
			}

			updated, err := tx.SetPresence(ctx, session.UserID, false, t.now().UnixMilli())
			if err != nil {
				return err
			}
			transition := Transition{
				UserID:   session.UserID,
				Online:   false,
				LastSeen: updated.LastSeen,
				Announce: true,
			}
			if onOffline != nil {
				if err := onOffline(ctx, tx, transition); err != nil {
					return err
				}
			}
			transitions = append(transitions, transition)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recover presence for instance %s: %w", t.instanceID, err)
	}

	if len(transitions) > 0 {
		t.logger.Info("cleared stale presence sessions", "users_offline", len(transitions))
	}
	return transitions, nil
}
