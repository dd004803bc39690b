package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrInvalidParticipant indicates a user is not one of a conversation's two participants.
	ErrInvalidParticipant = errors.New("storage: invalid participant")
	// ErrEmptyContent indicates a message body that is blank after trimming.
	ErrEmptyContent = errors.New("storage: empty message content")
)

const (
	// NotificationTypeMessage marks a notification triggered by a chat message.
	NotificationTypeMessage = "message"
)

// Conversation is a durable two-party messaging context. Participants are
// stored canonically with UserLow < UserHigh.
type Conversation struct {
	ID        int64
	UserLow   string
	UserHigh  string
	CreatedAt int64
	UpdatedAt int64
}

// Participants returns both participant identities.
func (c Conversation) Participants() []string {
	return []string{c.UserLow, c.UserHigh}
}

// HasParticipant reports whether user is one of the two participants.
func (c Conversation) HasParticipant(user string) bool {
	return user != "" && (user == c.UserLow || user == c.UserHigh)
}

// OtherParticipant returns the participant that is not user, or "" when
// user is not a participant.
func (c Conversation) OtherParticipant(user string) string {
	switch user {
	case c.UserLow:
		return c.UserHigh
	case c.UserHigh:
		return c.UserLow
	default:
		return ""
	}
}

// Message is one persisted chat message. Timestamp is unix milliseconds.
type Message struct {
	ID             int64
	ConversationID int64
	Sender         string
	Content        string
	Timestamp      int64
	IsRead         bool
}

// ConversationSummary is one inbox row for a user.
type ConversationSummary struct {
	Conversation Conversation
	LastMessage  *Message
	UnreadCount  int
}

// Presence is the durable online/offline state of one user.
type Presence struct {
	UserID   string
	IsOnline bool
	LastSeen int64
}

// PresenceSession is one live socket counted towards a user's presence.
type PresenceSession struct {
	SessionID   string
	UserID      string
	InstanceID  string
	ConnectedAt int64
}

// Notification is a durable record telling a participant a message arrived.
type Notification struct {
	ID             int64
	Recipient      string
	Type           string
	ConversationID int64
	MessageID      int64
	CreatedAt      int64
	IsRead         bool
}

// OutboxEvent is a backplane publication written in the same transaction
// as the state it announces.
type OutboxEvent struct {
	ID         int64
	InstanceID string
	Topic      string
	Payload    []byte
	CreatedAt  int64
}

type scanner interface {
	Scan(dest ...any) error
}

// canonicalPair orders two distinct, non-blank identities.
func canonicalPair(userA, userB string) (string, string, error) {
	a := strings.TrimSpace(userA)
	b := strings.TrimSpace(userB)
	if a == "" || b == "" {
		return "", "", fmt.Errorf("%w: both participants are required", ErrInvalidParticipant)
	}
	if a == b {
		return "", "", fmt.Errorf("%w: a conversation needs two distinct users", ErrInvalidParticipant)
	}
	if a > b {
		a, b = b, a
	}
	return a, b, nil
}

func scanConversation(row scanner) (*Conversation, error) {
	var conversation Conversation
	if err := row.Scan(
		&conversation.ID,
		&conversation.UserLow,
		&conversation.UserHigh,
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &conversation, nil
}

func scanMessage(row scanner) (*Message, error) {
	var message Message
	if err := row.Scan(
		&message.ID,
		&message.ConversationID,
		&message.Sender,
		&message.Content,
		&message.Timestamp,
		&message.IsRead,
	); err != nil {
		return nil, err
	}
	return &message, nil
}

func scanNotification(row scanner) (*Notification, error) {
	var notification Notification
	if err := row.Scan(
		&notification.ID,
		&notification.Recipient,
		&notification.Type,
		&notification.ConversationID,
		&notification.MessageID,
		&notification.CreatedAt,
		&notification.IsRead,
	); err != nil {
		return nil, err
	}
	return &notification, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
