package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const notificationColumns = `id, recipient, notification_type, conversation_id, message_id, created_at, is_read`

// InsertNotification records a notification inside the transaction. A
// second insert for the same (message, recipient) pair is a no-op that
// returns the existing row with created=false.
func (t *Tx) InsertNotification(ctx context.Context, notification Notification) (*Notification, bool, error) {
	if strings.TrimSpace(notification.Recipient) == "" {
		return nil, false, errors.New("notification recipient is required")
	}
	if notification.Type == "" {
		notification.Type = NotificationTypeMessage
	}
	if notification.CreatedAt == 0 {
		notification.CreatedAt = nowUnixMilli()
	}

	row := t.tx.QueryRowContext(ctx, t.rebind(
		`INSERT INTO notifications (recipient, notification_type, conversation_id, message_id, created_at, is_read)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_id, recipient) DO NOTHING
		RETURNING `+notificationColumns),
		notification.Recipient,
		notification.Type,
		notification.ConversationID,
		notification.MessageID,
		notification.CreatedAt,
		false,
	)
	inserted, err := scanNotification(row)
	if err == nil {
		return inserted, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("insert notification for %q: %w", notification.Recipient, err)
	}

	existing, err := scanNotification(t.tx.QueryRowContext(ctx, t.rebind(
		`SELECT `+notificationColumns+`
		FROM notifications
		WHERE message_id = ? AND recipient = ?`),
		notification.MessageID,
		notification.Recipient,
	))
	if err != nil {
		return nil, false, fmt.Errorf("get notification for message %d: %w", notification.MessageID, notFound(err))
	}
	return existing, false, nil
}

// UnreadNotificationCount counts a recipient's unread notifications.
func (s *Store) UnreadNotificationCount(ctx context.Context, recipient string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(1)
		FROM notifications
		WHERE recipient = ? AND is_read = ?`),
		recipient,
		false,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread notifications for %q: %w", recipient, err)
	}
	return count, nil
}

// ListNotifications returns a recipient's notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, recipient string, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE recipient = ?`
	args := []any{recipient}
	if unreadOnly {
		query += ` AND is_read = ?`
		args = append(args, false)
	}
	query += `
		ORDER BY created_at DESC, id DESC
		LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications for %q: %w", recipient, err)
	}
	defer rows.Close()

	notifications := make([]Notification, 0)
	for rows.Next() {
		notification, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification row: %w", err)
		}
		notifications = append(notifications, *notification)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification rows: %w", err)
	}

	return notifications, nil
}

// MarkNotificationsRead flags the given notifications of recipient as read,
// or all of them when ids is empty. Returns how many rows changed.
func (s *Store) MarkNotificationsRead(ctx context.Context, recipient string, ids []int64) (int64, error) {
	query := `UPDATE notifications
		SET is_read = ?
		WHERE recipient = ? AND is_read = ?`
	args := []any{true, recipient, false}
	if len(ids) > 0 {
		query += ` AND id IN (` + placeholders(len(ids)) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}

	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("mark notifications read for %q: %w", recipient, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for mark notifications read: %w", err)
	}
	return rowsAffected, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
