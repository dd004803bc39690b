package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const conversationColumns = `id, user_low, user_high, created_at, updated_at`

// GetOrCreateConversation returns the one conversation between userA and
// userB, creating it on first contact. The UNIQUE(user_low, user_high)
// constraint settles concurrent first contact from both sides, across
// processes: exactly one insert wins and every caller reads the same row.
func (s *Store) GetOrCreateConversation(ctx context.Context, userA, userB string) (*Conversation, bool, error) {
	low, high, err := canonicalPair(userA, userB)
	if err != nil {
		return nil, false, err
	}

	now := nowUnixMilli()
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO conversations (user_low, user_high, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_low, user_high) DO NOTHING`),
		low,
		high,
		now,
		now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert conversation %s/%s: %w", low, high, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("read rows affected for conversation %s/%s: %w", low, high, err)
	}

	conversation, err := s.conversationByPair(ctx, low, high)
	if err != nil {
		return nil, false, err
	}

	return conversation, rowsAffected == 1, nil
}

// ConversationBetween looks up the conversation between two users without creating it.
func (s *Store) ConversationBetween(ctx context.Context, userA, userB string) (*Conversation, error) {
	low, high, err := canonicalPair(userA, userB)
	if err != nil {
		return nil, err
	}
	return s.conversationByPair(ctx, low, high)
}

func (s *Store) conversationByPair(ctx context.Context, low, high string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+conversationColumns+`
		FROM conversations
		WHERE user_low = ? AND user_high = ?`),
		low,
		high,
	)

	conversation, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation %s/%s: %w", low, high, err)
	}
	return conversation, nil
}

// GetConversation fetches a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, conversationID int64) (*Conversation, error) {
	return getConversation(ctx, s.db, s.dialect, conversationID)
}

// GetConversation fetches a conversation by ID inside the transaction.
func (t *Tx) GetConversation(ctx context.Context, conversationID int64) (*Conversation, error) {
	return getConversation(ctx, t.tx, t.dialect, conversationID)
}

func getConversation(ctx context.Context, q queryer, d *dialect, conversationID int64) (*Conversation, error) {
	row := q.QueryRowContext(ctx, d.rebind(
		`SELECT `+conversationColumns+`
		FROM conversations
		WHERE id = ?`),
		conversationID,
	)

	conversation, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation %d: %w", conversationID, err)
	}
	return conversation, nil
}

// IsParticipant reports whether user belongs to the conversation. An
// unknown conversation yields false, not an error.
func (s *Store) IsParticipant(ctx context.Context, conversationID int64, user string) (bool, error) {
	if strings.TrimSpace(user) == "" {
		return false, nil
	}

	conversation, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return conversation.HasParticipant(user), nil
}

// Contacts returns every user who shares a conversation with user, sorted.
func (s *Store) Contacts(ctx context.Context, user string) ([]string, error) {
	return contacts(ctx, s.db, s.dialect, user)
}

// Contacts returns every user who shares a conversation with user, as seen
// by the transaction.
func (t *Tx) Contacts(ctx context.Context, user string) ([]string, error) {
	return contacts(ctx, t.tx, t.dialect, user)
}

func contacts(ctx context.Context, q queryer, d *dialect, user string) ([]string, error) {
	if strings.TrimSpace(user) == "" {
		return nil, errors.New("user is required")
	}

	rows, err := q.QueryContext(ctx, d.rebind(
		`SELECT CASE WHEN user_low = ? THEN user_high ELSE user_low END AS contact
		FROM conversations
		WHERE user_low = ? OR user_high = ?
		ORDER BY contact`),
		user,
		user,
		user,
	)
	if err != nil {
		return nil, fmt.Errorf("list contacts for %q: %w", user, err)
	}
	defer rows.Close()

	result := make([]string, 0)
	for rows.Next() {
		var contact string
		if err := rows.Scan(&contact); err != nil {
			return nil, fmt.Errorf("scan contact row: %w", err)
		}
		result = append(result, contact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contact rows: %w", err)
	}

	return result, nil
}

// ListConversationsForUser returns the user's inbox: every conversation with
// its last message and the number of unread messages sent by the other
// participant, most recent message first. Conversations without messages
// come last.
func (s *Store) ListConversationsForUser(ctx context.Context, user string) ([]ConversationSummary, error) {
	if strings.TrimSpace(user) == "" {
		return nil, errors.New("user is required")
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT
			c.id,
			c.user_low,
			c.user_high,
			c.created_at,
			c.updated_at,
			(SELECT COUNT(1) FROM messages u
				WHERE u.conversation_id = c.id AND u.is_read = ? AND u.sender <> ?) AS unread_count,
			lm.id,
			lm.sender,
			lm.content,
			lm.sent_at,
			lm.is_read
		FROM conversations c
		LEFT JOIN messages lm ON lm.id = (
			SELECT m.id FROM messages m
			WHERE m.conversation_id = c.id
			ORDER BY m.sent_at DESC, m.id DESC
			LIMIT 1
		)
		WHERE c.user_low = ? OR c.user_high = ?
		ORDER BY COALESCE(lm.sent_at, 0) DESC, c.id DESC`),
		false,
		user,
		user,
		user,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations for %q: %w", user, err)
	}
	defer rows.Close()

	summaries := make([]ConversationSummary, 0)
	for rows.Next() {
		var (
			summary     ConversationSummary
			lastID      sql.NullInt64
			lastSender  sql.NullString
			lastContent sql.NullString
			lastSentAt  sql.NullInt64
			lastIsRead  sql.NullBool
		)
		if err := rows.Scan(
			&summary.Conversation.ID,
			&summary.Conversation.UserLow,
			&summary.Conversation.UserHigh,
			&summary.Conversation.CreatedAt,
			&summary.Conversation.UpdatedAt,
			&summary.UnreadCount,
			&lastID,
			&lastSender,
			&lastContent,
			&lastSentAt,
			&lastIsRead,
		); err != nil {
			return nil, fmt.Errorf("scan conversation summary row: %w", err)
		}
		if lastID.Valid {
			summary.LastMessage = &Message{
				ID:             lastID.Int64,
				ConversationID: summary.Conversation.ID,
				Sender:         lastSender.String,
				Content:        lastContent.String,
				Timestamp:      lastSentAt.Int64,
				IsRead:         lastIsRead.Bool,
			}
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation summary rows: %w", err)
	}

	return summaries, nil
}
