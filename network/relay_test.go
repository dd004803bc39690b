package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"campuschat/backplane"
	"campuschat/storage"
)

// recordingBackplane records publishes and fails the first failures calls.
type recordingBackplane struct {
	mu        sync.Mutex
	failures  int
	published []backplane.Message
}

func (b *recordingBackplane) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		return errors.New("backplane unavailable")
	}
	b.published = append(b.published, backplane.Message{Topic: topic, Payload: payload})
	return nil
}

func (b *recordingBackplane) Subscribe(context.Context, ...string) (backplane.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBackplane) Close() error {
	return nil
}

func (b *recordingBackplane) payloads() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.published))
	for _, message := range b.published {
		out = append(out, string(message.Payload))
	}
	return out
}

func newRelayTestStore(t *testing.T) *storage.Store {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func enqueue(t *testing.T, store *storage.Store, instanceID string, payloads ...string) {
	t.Helper()

	err := store.WithTx(context.Background(), func(tx *storage.Tx) error {
		for _, payload := range payloads {
			if _, err := tx.EnqueueEvent(context.Background(), instanceID, "chat_1", []byte(payload)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("enqueue events: %v", err)
	}
}

func TestRelayPublishesInOrder(t *testing.T) {
	store := newRelayTestStore(t)
	bp := &recordingBackplane{}
	relay, err := NewRelay(store, bp, RelayOptions{InstanceID: "a", BatchSize: 2, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}

	enqueue(t, store, "a", "1", "2", "3", "4", "5")
	enqueue(t, store, "b", "other instance")

	if err := relay.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	got := bp.payloads()
	want := []string{"1", "2", "3", "4", "5"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("published %v, want %v", got, want)
	}

	remaining, err := store.ListEvents(context.Background(), "a", 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected published events to be removed, %d remain", len(remaining))
	}
	other, err := store.ListEvents(context.Background(), "b", 0)
	if err != nil {
		t.Fatalf("list other events: %v", err)
	}
	if len(other) != 1 {
		t.Fatalf("relay must leave other instances' events alone, got %d", len(other))
	}
}

func TestRelayRetriesAfterPublishFailure(t *testing.T) {
	store := newRelayTestStore(t)
	bp := &recordingBackplane{failures: 1}
	relay, err := NewRelay(store, bp, RelayOptions{InstanceID: "a", Logger: discardLogger()})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}

	enqueue(t, store, "a", "first", "second")

	if err := relay.Flush(context.Background()); err == nil {
		t.Fatal("expected flush to report the publish failure")
	}
	if got := bp.payloads(); len(got) != 0 {
		t.Fatalf("nothing should publish past a failed event, got %v", got)
	}

	if err := relay.Flush(context.Background()); err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	if got := bp.payloads(); fmt.Sprint(got) != fmt.Sprint([]string{"first", "second"}) {
		t.Fatalf("published %v after retry", got)
	}
}

func TestRelayLoopPublishesOnKick(t *testing.T) {
	store := newRelayTestStore(t)
	bp := &recordingBackplane{}
	relay, err := NewRelay(store, bp, RelayOptions{InstanceID: "a", Interval: time.Hour, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	relay.Start()
	defer relay.Close()

	enqueue(t, store, "a", "kicked")
	relay.Kick()

	waitFor(t, func() bool {
		return len(bp.payloads()) == 1
	}, "kicked event to publish")
}

func TestRelayPruneDropsExpiredEvents(t *testing.T) {
	store := newRelayTestStore(t)
	bp := &recordingBackplane{}
	relay, err := NewRelay(store, bp, RelayOptions{InstanceID: "a", Retention: time.Millisecond, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}

	enqueue(t, store, "a", "stale")
	time.Sleep(20 * time.Millisecond)

	pruned, err := relay.Prune(context.Background())
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned %d events, want 1", pruned)
	}
}

func TestNewRelayValidatesDependencies(t *testing.T) {
	store := newRelayTestStore(t)
	if _, err := NewRelay(nil, &recordingBackplane{}, RelayOptions{InstanceID: "a"}); err == nil {
		t.Fatal("expected error without store")
	}
	if _, err := NewRelay(store, nil, RelayOptions{InstanceID: "a"}); err == nil {
		t.Fatal("expected error without backplane")
	}
	if _, err := NewRelay(store, &recordingBackplane{}, RelayOptions{}); err == nil {
		t.Fatal("expected error without instance id")
	}
}
