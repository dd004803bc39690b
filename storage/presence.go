package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// GetPresence returns the stored presence of a user, or ErrNotFound for a
// user that has never connected.
func (s *Store) GetPresence(ctx context.Context, userID string) (*Presence, error) {
	var presence Presence
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT user_id, is_online, last_seen
		FROM presence
		WHERE user_id = ?`),
		userID,
	).Scan(&presence.UserID, &presence.IsOnline, &presence.LastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get presence for %q: %w", userID, err)
	}
	return &presence, nil
}

// CountPresenceSessions counts the live sessions recorded for a user across
// all instances.
func (s *Store) CountPresenceSessions(ctx context.Context, userID string) (int, error) {
	return countPresenceSessions(ctx, s.db, s.dialect, userID)
}

// LockPresence ensures the user's presence row exists and holds its lock
// until the transaction ends, so presence transitions for one user apply
// one at a time.
func (t *Tx) LockPresence(ctx context.Context, userID string) (*Presence, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id is required")
	}

	var presence Presence
	err := t.tx.QueryRowContext(ctx, t.rebind(
		`INSERT INTO presence (user_id, is_online, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET user_id = excluded.user_id
		RETURNING user_id, is_online, last_seen`),
		userID,
		false,
		nowUnixMilli(),
	).Scan(&presence.UserID, &presence.IsOnline, &presence.LastSeen)
	if err != nil {
		return nil, fmt.Errorf("lock presence for %q: %w", userID, err)
	}
	return &presence, nil
}

// SetPresence stores a user's online flag and last-seen time.
func (t *Tx) SetPresence(ctx context.Context, userID string, online bool, lastSeen int64) (*Presence, error) {
	var presence Presence
	err := t.tx.QueryRowContext(ctx, t.rebind(
		`INSERT INTO presence (user_id, is_online, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			is_online = excluded.is_online,
			last_seen = excluded.last_seen
		RETURNING user_id, is_online, last_seen`),
		userID,
		online,
		lastSeen,
	).Scan(&presence.UserID, &presence.IsOnline, &presence.LastSeen)
	if err != nil {
		return nil, fmt.Errorf("set presence for %q: %w", userID, err)
	}
	return &presence, nil
}

// InsertPresenceSession records one live socket for a user.
func (t *Tx) InsertPresenceSession(ctx context.Context, session PresenceSession) error {
	if strings.TrimSpace(session.SessionID) == "" {
		return errors.New("session id is required")
	}
	if session.ConnectedAt == 0 {
		session.ConnectedAt = nowUnixMilli()
	}

	if _, err := t.tx.ExecContext(ctx, t.rebind(
		`INSERT INTO presence_sessions (session_id, user_id, instance_id, connected_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id) DO NOTHING`),
		session.SessionID,
		session.UserID,
		session.InstanceID,
		session.ConnectedAt,
	); err != nil {
		return fmt.Errorf("insert presence session %s: %w", session.SessionID, err)
	}
	return nil
}

// DeletePresenceSession removes one live socket record and reports whether
// it existed.
func (t *Tx) DeletePresenceSession(ctx context.Context, sessionID string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, t.rebind(
		`DELETE FROM presence_sessions
		WHERE session_id = ?`),
		sessionID,
	)
	if err != nil {
		return false, fmt.Errorf("delete presence session %s: %w", sessionID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for presence session %s: %w", sessionID, err)
	}
	return rowsAffected > 0, nil
}

// CountPresenceSessions counts a user's live sessions as seen by the transaction.
func (t *Tx) CountPresenceSessions(ctx context.Context, userID string) (int, error) {
	return countPresenceSessions(ctx, t.tx, t.dialect, userID)
}

// ListInstanceSessions returns the sessions recorded by one server instance.
func (t *Tx) ListInstanceSessions(ctx context.Context, instanceID string) ([]PresenceSession, error) {
	rows, err := t.tx.QueryContext(ctx, t.rebind(
		`SELECT session_id, user_id, instance_id, connected_at
		FROM presence_sessions
		WHERE instance_id = ?
		ORDER BY user_id, session_id`),
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list presence sessions for instance %s: %w", instanceID, err)
	}
	defer rows.Close()

	sessions := make([]PresenceSession, 0)
	for rows.Next() {
		var session PresenceSession
		if err := rows.Scan(
			&session.SessionID,
			&session.UserID,
			&session.InstanceID,
			&session.ConnectedAt,
		); err != nil {
			return nil, fmt.Errorf("scan presence session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate presence session rows: %w", err)
	}

	return sessions, nil
}

func countPresenceSessions(ctx context.Context, q queryer, d *dialect, userID string) (int, error) {
	var count int
	if err := q.QueryRowContext(ctx, d.rebind(
		`SELECT COUNT(1)
		FROM presence_sessions
		WHERE user_id = ?`),
		userID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count presence sessions for %q: %w", userID, err)
	}
	return count, nil
}
