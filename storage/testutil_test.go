package storage

import (
	"context"
	"os"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

// newPostgresTestStore connects to CAMPUSCHAT_TEST_POSTGRES_URL or skips.
func newPostgresTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("CAMPUSCHAT_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("CAMPUSCHAT_TEST_POSTGRES_URL not set")
	}

	store, err := OpenPostgres(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open postgres test store: %v", err)
	}
	t.Cleanup(func() {
		_, _ = store.db.Exec(`TRUNCATE notifications, messages, conversations, presence, presence_sessions, outbox_events RESTART IDENTITY CASCADE`)
		if err := store.Close(); err != nil {
			t.Fatalf("close postgres test store: %v", err)
		}
	})
	if _, err := store.db.Exec(`TRUNCATE notifications, messages, conversations, presence, presence_sessions, outbox_events RESTART IDENTITY CASCADE`); err != nil {
		t.Fatalf("reset postgres test store: %v", err)
	}

	return store
}

func mustConversation(t *testing.T, store *Store, userA, userB string) *Conversation {
	t.Helper()

	conversation, _, err := store.GetOrCreateConversation(context.Background(), userA, userB)
	if err != nil {
		t.Fatalf("get or create conversation %s/%s: %v", userA, userB, err)
	}
	return conversation
}

func mustAppend(t *testing.T, store *Store, conversationID int64, sender, content string) *Message {
	t.Helper()

	message, err := store.AppendMessage(context.Background(), conversationID, sender, content)
	if err != nil {
		t.Fatalf("append message from %s: %v", sender, err)
	}
	return message
}
