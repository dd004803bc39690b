package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"campuschat/storage"
)

// Dispatcher writes and reads the durable notifications that tell a
// participant a message arrived.
type Dispatcher struct {
	store  *storage.Store
	logger *slog.Logger
}

// NewDispatcher constructs a dispatcher over store.
func NewDispatcher(store *storage.Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:  store,
		logger: logger.With("component", "notify"),
	}
}

// NotifyMessage creates one notification for every participant other than
// the sender, inside the message's transaction. Calling it again for the
// same message creates nothing; only newly created rows are returned.
func (d *Dispatcher) NotifyMessage(ctx context.Context, tx *storage.Tx, message *storage.Message, conversation *storage.Conversation) ([]storage.Notification, error) {
	if message == nil || conversation == nil {
		return nil, errors.New("notify: message and conversation are required")
	}
	if message.ConversationID != conversation.ID {
		return nil, fmt.Errorf("notify: message %d does not belong to conversation %d", message.ID, conversation.ID)
	}

	created := make([]storage.Notification, 0, 1)
	for _, recipient := range conversation.Participants() {
		if recipient == message.Sender {
			continue
		}
		notification, isNew, err := tx.InsertNotification(ctx, storage.Notification{
			Recipient:      recipient,
			Type:           storage.NotificationTypeMessage,
			ConversationID: conversation.ID,
			MessageID:      message.ID,
			CreatedAt:      message.Timestamp,
		})
		if err != nil {
			return nil, err
		}
		if !isNew {
			d.logger.Debug("notification already recorded", "recipient", recipient, "message_id", message.ID)
			continue
		}
		created = append(created, *notification)
	}

	return created, nil
}

// UnreadCount returns the number of unread notifications for user.
func (d *Dispatcher) UnreadCount(ctx context.Context, user string) (int, error) {
	if strings.TrimSpace(user) == "" {
		return 0, errors.New("notify: user is required")
	}
	return d.store.UnreadNotificationCount(ctx, user)
}

// List returns user's notifications, newest first.
func (d *Dispatcher) List(ctx context.Context, user string, unreadOnly bool, limit int) ([]storage.Notification, error) {
	if strings.TrimSpace(user) == "" {
		return nil, errors.New("notify: user is required")
	}
	return d.store.ListNotifications(ctx, user, unreadOnly, limit)
}

// MarkRead marks one of user's notifications read, or all of them when
// notificationID is 0.
func (d *Dispatcher) MarkRead(ctx context.Context, user string, notificationID int64) (int64, error) {
	if strings.TrimSpace(user) == "" {
		return 0, errors.New("notify: user is required")
	}

	var ids []int64
	if notificationID != 0 {
		ids = []int64{notificationID}
	}
	changed, err := d.store.MarkNotificationsRead(ctx, user, ids)
	if err != nil {
		return 0, err
	}
	return changed, nil
}
