package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const messageColumns = `id, conversation_id, sender, content, sent_at, is_read`

// AppendMessage persists one message and bumps the conversation's
// updated_at in a single transaction.
func (s *Store) AppendMessage(ctx context.Context, conversationID int64, sender, content string) (*Message, error) {
	var message *Message
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		message, _, err = tx.AppendMessage(ctx, conversationID, sender, content)
		return err
	})
	if err != nil {
		return nil, err
	}
	return message, nil
}

// AppendMessage inserts a message inside the transaction and returns it
// with the conversation as updated. The message timestamp is
// max(now, updated_at) so timestamps never decrease within a
// conversation; the UPDATE also takes the conversation row lock, which
// orders concurrent writers to the same conversation.
func (t *Tx) AppendMessage(ctx context.Context, conversationID int64, sender, content string) (*Message, *Conversation, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil, ErrEmptyContent
	}
	if strings.TrimSpace(sender) == "" {
		return nil, nil, fmt.Errorf("%w: sender is required", ErrInvalidParticipant)
	}

	row := t.tx.QueryRowContext(ctx, t.rebind(
		`UPDATE conversations
		SET updated_at = `+t.dialect.greatest+`(updated_at, ?)
		WHERE id = ?
		RETURNING `+conversationColumns),
		nowUnixMilli(),
		conversationID,
	)
	conversation, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("bump conversation %d: %w", conversationID, err)
	}
	if !conversation.HasParticipant(sender) {
		return nil, nil, fmt.Errorf("%w: %q is not in conversation %d", ErrInvalidParticipant, sender, conversationID)
	}

	message := Message{
		ConversationID: conversationID,
		Sender:         sender,
		Content:        content,
		Timestamp:      conversation.UpdatedAt,
	}
	if err := t.tx.QueryRowContext(ctx, t.rebind(
		`INSERT INTO messages (conversation_id, sender, content, sent_at, is_read)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`),
		message.ConversationID,
		message.Sender,
		message.Content,
		message.Timestamp,
		false,
	).Scan(&message.ID); err != nil {
		return nil, nil, fmt.Errorf("insert message in conversation %d: %w", conversationID, err)
	}

	return &message, conversation, nil
}

// GetMessages returns conversation history ordered oldest first.
func (s *Store) GetMessages(ctx context.Context, conversationID int64, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sent_at ASC, id ASC
		LIMIT ? OFFSET ?`),
		conversationID,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages for conversation %d: %w", conversationID, err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

// GetMessageByID fetches one message by ID.
func (s *Store) GetMessageByID(ctx context.Context, messageID int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+messageColumns+`
		FROM messages
		WHERE id = ?`),
		messageID,
	)

	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %d: %w", messageID, err)
	}
	return message, nil
}

// MarkConversationRead flags every message the other participant sent as
// read and returns how many changed. Only a participant may do this.
func (s *Store) MarkConversationRead(ctx context.Context, conversationID int64, reader string) (int64, error) {
	conversation, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if !conversation.HasParticipant(reader) {
		return 0, fmt.Errorf("%w: %q is not in conversation %d", ErrInvalidParticipant, reader, conversationID)
	}

	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE messages
		SET is_read = ?
		WHERE conversation_id = ? AND sender <> ? AND is_read = ?`),
		true,
		conversationID,
		reader,
		false,
	)
	if err != nil {
		return 0, fmt.Errorf("mark conversation %d read: %w", conversationID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for mark conversation %d read: %w", conversationID, err)
	}
	return rowsAffected, nil
}

// MarkMessageRead flags one message as read. The reader must be the
// participant who did not send it.
func (s *Store) MarkMessageRead(ctx context.Context, messageID int64, reader string) error {
	message, err := s.GetMessageByID(ctx, messageID)
	if err != nil {
		return err
	}
	conversation, err := s.GetConversation(ctx, message.ConversationID)
	if err != nil {
		return err
	}
	if message.Sender == reader || !conversation.HasParticipant(reader) {
		return fmt.Errorf("%w: %q cannot mark message %d read", ErrInvalidParticipant, reader, messageID)
	}
	if message.IsRead {
		return nil
	}

	if _, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE messages
		SET is_read = ?
		WHERE id = ?`),
		true,
		messageID,
	); err != nil {
		return fmt.Errorf("mark message %d read: %w", messageID, err)
	}
	return nil
}
