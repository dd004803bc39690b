package storage

import (
	"context"
	"testing"
)

func TestOutboxEventsLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx *Tx) error {
		for _, topic := range []string{"chat_1", "user_bob", "chat_1"} {
			if _, err := tx.EnqueueEvent(ctx, "instance-a", topic, []byte(`{"topic":"`+topic+`"}`)); err != nil {
				return err
			}
		}
		_, err := tx.EnqueueEvent(ctx, "instance-b", "chat_2", []byte(`{}`))
		return err
	})
	if err != nil {
		t.Fatalf("enqueue transaction failed: %v", err)
	}

	events, err := store.ListEvents(ctx, "instance-a", 10)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events for instance-a, got %d", len(events))
	}
	wantTopics := []string{"chat_1", "user_bob", "chat_1"}
	for i, event := range events {
		if event.Topic != wantTopics[i] {
			t.Fatalf("event %d: got topic %q want %q", i, event.Topic, wantTopics[i])
		}
		if i > 0 && event.ID <= events[i-1].ID {
			t.Fatalf("events not in id order: %+v", events)
		}
	}

	if err := store.DeleteEvents(ctx, []int64{events[0].ID, events[1].ID}); err != nil {
		t.Fatalf("DeleteEvents failed: %v", err)
	}
	remaining, err := store.ListEvents(ctx, "instance-a", 10)
	if err != nil {
		t.Fatalf("ListEvents after delete failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != events[2].ID {
		t.Fatalf("unexpected remaining events: %+v", remaining)
	}

	pruned, err := store.PruneEvents(ctx, nowUnixMilli()+1000)
	if err != nil {
		t.Fatalf("PruneEvents failed: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("expected 2 pruned events, got %d", pruned)
	}
}

func TestPruneEventsKeepsRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.EnqueueEvent(ctx, "instance-a", "chat_1", []byte(`{}`))
		return err
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	pruned, err := store.PruneEvents(ctx, nowUnixMilli()-60_000)
	if err != nil {
		t.Fatalf("PruneEvents failed: %v", err)
	}
	if pruned != 0 {
		t.Fatalf("expected nothing pruned, got %d", pruned)
	}
}
