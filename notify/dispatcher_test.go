package notify

import (
	"context"
	"testing"

	"campuschat/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func sendAndNotify(t *testing.T, store *storage.Store, dispatcher *Dispatcher, conversationID int64, sender, content string) (*storage.Message, []storage.Notification) {
	t.Helper()

	ctx := context.Background()
	var (
		message *storage.Message
		created []storage.Notification
	)
	err := store.WithTx(ctx, func(tx *storage.Tx) error {
		var (
			conversation *storage.Conversation
			err          error
		)
		message, conversation, err = tx.AppendMessage(ctx, conversationID, sender, content)
		if err != nil {
			return err
		}
		created, err = dispatcher.NotifyMessage(ctx, tx, message, conversation)
		return err
	})
	if err != nil {
		t.Fatalf("send and notify failed: %v", err)
	}
	return message, created
}

func TestNotifyMessageTargetsOnlyTheOtherParticipant(t *testing.T) {
	store := newTestStore(t)
	dispatcher := NewDispatcher(store, nil)
	ctx := context.Background()

	conversation, _, err := store.GetOrCreateConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("GetOrCreateConversation failed: %v", err)
	}

	message, created := sendAndNotify(t, store, dispatcher, conversation.ID, "alice", "hi")
	if len(created) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(created))
	}
	if created[0].Recipient != "bob" || created[0].MessageID != message.ID || created[0].IsRead {
		t.Fatalf("unexpected notification: %+v", created[0])
	}

	aliceUnread, err := dispatcher.UnreadCount(ctx, "alice")
	if err != nil {
		t.Fatalf("UnreadCount alice failed: %v", err)
	}
	if aliceUnread != 0 {
		t.Fatalf("sender must not be notified, got %d", aliceUnread)
	}
	bobUnread, err := dispatcher.UnreadCount(ctx, "bob")
	if err != nil {
		t.Fatalf("UnreadCount bob failed: %v", err)
	}
	if bobUnread != 1 {
		t.Fatalf("expected 1 unread for bob, got %d", bobUnread)
	}
}

func TestNotifyMessageTwiceCreatesNothingNew(t *testing.T) {
	store := newTestStore(t)
	dispatcher := NewDispatcher(store, nil)
	ctx := context.Background()

	conversation, _, err := store.GetOrCreateConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("GetOrCreateConversation failed: %v", err)
	}
	message, _ := sendAndNotify(t, store, dispatcher, conversation.ID, "bob", "again")

	var created []storage.Notification
	err = store.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		created, err = dispatcher.NotifyMessage(ctx, tx, message, conversation)
		return err
	})
	if err != nil {
		t.Fatalf("second NotifyMessage failed: %v", err)
	}
	if len(created) != 0 {
		t.Fatalf("expected no new notifications, got %d", len(created))
	}

	listed, err := dispatcher.List(ctx, "alice", false, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 notification for alice, got %d", len(listed))
	}
}

func TestNotifyMessageRejectsMismatchedConversation(t *testing.T) {
	store := newTestStore(t)
	dispatcher := NewDispatcher(store, nil)
	ctx := context.Background()

	first, _, err := store.GetOrCreateConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("GetOrCreateConversation failed: %v", err)
	}
	second, _, err := store.GetOrCreateConversation(ctx, "alice", "carol")
	if err != nil {
		t.Fatalf("GetOrCreateConversation failed: %v", err)
	}
	message, _ := sendAndNotify(t, store, dispatcher, first.ID, "alice", "hi")

	err = store.WithTx(ctx, func(tx *storage.Tx) error {
		_, err := dispatcher.NotifyMessage(ctx, tx, message, second)
		return err
	})
	if err == nil {
		t.Fatal("expected mismatched conversation to fail")
	}
}

func TestMarkRead(t *testing.T) {
	store := newTestStore(t)
	dispatcher := NewDispatcher(store, nil)
	ctx := context.Background()

	conversation, _, err := store.GetOrCreateConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("GetOrCreateConversation failed: %v", err)
	}
	_, first := sendAndNotify(t, store, dispatcher, conversation.ID, "alice", "one")
	sendAndNotify(t, store, dispatcher, conversation.ID, "alice", "two")

	changed, err := dispatcher.MarkRead(ctx, "bob", first[0].ID)
	if err != nil {
		t.Fatalf("MarkRead one failed: %v", err)
	}
	if changed != 1 {
		t.Fatalf("expected 1 change, got %d", changed)
	}

	unread, err := dispatcher.List(ctx, "bob", true, 10)
	if err != nil {
		t.Fatalf("List unread failed: %v", err)
	}
	if len(unread) != 1 {
		t.Fatalf("expected 1 unread notification, got %d", len(unread))
	}

	changed, err = dispatcher.MarkRead(ctx, "bob", 0)
	if err != nil {
		t.Fatalf("MarkRead all failed: %v", err)
	}
	if changed != 1 {
		t.Fatalf("expected 1 change, got %d", changed)
	}

	if _, err := dispatcher.UnreadCount(ctx, ""); err == nil {
		t.Fatal("expected blank user to fail")
	}
}
