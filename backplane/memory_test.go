package backplane

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func receive(t *testing.T, sub Subscription) Message {
	t.Helper()

	select {
	case message, ok := <-sub.Messages():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return message
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func TestMemoryFanOutPerTopic(t *testing.T) {
	bp := NewMemory(MemoryOptions{BufferSize: 8})
	defer bp.Close()
	ctx := context.Background()

	chat, err := bp.Subscribe(ctx, "chat_1")
	if err != nil {
		t.Fatalf("Subscribe chat failed: %v", err)
	}
	both, err := bp.Subscribe(ctx, "chat_1", "user_bob")
	if err != nil {
		t.Fatalf("Subscribe both failed: %v", err)
	}

	if err := bp.Publish(ctx, "chat_1", []byte("hello")); err != nil {
		t.Fatalf("Publish chat failed: %v", err)
	}
	if err := bp.Publish(ctx, "user_bob", []byte("status")); err != nil {
		t.Fatalf("Publish user failed: %v", err)
	}
	if err := bp.Publish(ctx, "chat_2", []byte("elsewhere")); err != nil {
		t.Fatalf("Publish to topic without subscribers failed: %v", err)
	}

	if got := receive(t, chat); got.Topic != "chat_1" || string(got.Payload) != "hello" {
		t.Fatalf("unexpected chat message: %+v", got)
	}
	if got := receive(t, both); got.Topic != "chat_1" {
		t.Fatalf("unexpected first message: %+v", got)
	}
	if got := receive(t, both); got.Topic != "user_bob" || string(got.Payload) != "status" {
		t.Fatalf("unexpected second message: %+v", got)
	}

	select {
	case message := <-chat.Messages():
		t.Fatalf("chat subscriber received foreign message: %+v", message)
	default:
	}
}

func TestMemoryPreservesPublishOrder(t *testing.T) {
	bp := NewMemory(MemoryOptions{BufferSize: 128})
	defer bp.Close()
	ctx := context.Background()

	sub, err := bp.Subscribe(ctx, "chat_1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	for i := 0; i < 100; i++ {
		if err := bp.Publish(ctx, "chat_1", []byte(fmt.Sprint(i))); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}
	for i := 0; i < 100; i++ {
		if got := receive(t, sub); string(got.Payload) != fmt.Sprint(i) {
			t.Fatalf("message %d out of order: %q", i, got.Payload)
		}
	}
}

func TestMemoryDropsSlowSubscriber(t *testing.T) {
	bp := NewMemory(MemoryOptions{BufferSize: 2, DeliveryTimeout: 20 * time.Millisecond})
	defer bp.Close()
	ctx := context.Background()

	slow, err := bp.Subscribe(ctx, "chat_1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := bp.Publish(ctx, "chat_1", []byte("x")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	if bp.SubscriberCount("chat_1") != 0 {
		t.Fatalf("expected slow subscriber to be removed, have %d", bp.SubscriberCount("chat_1"))
	}

	drained := 0
	for range slow.Messages() {
		drained++
	}
	if drained != 2 {
		t.Fatalf("expected the 2 buffered messages before close, got %d", drained)
	}
}

func TestMemoryWaitsForDrainingSubscriber(t *testing.T) {
	bp := NewMemory(MemoryOptions{BufferSize: 2, DeliveryTimeout: time.Second})
	defer bp.Close()
	ctx := context.Background()

	sub, err := bp.Subscribe(ctx, "chat_1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	const total = 50
	received := make(chan int, 1)
	go func() {
		count := 0
		for message := range sub.Messages() {
			if string(message.Payload) != fmt.Sprint(count) {
				break
			}
			count++
			if count == total {
				break
			}
			time.Sleep(time.Millisecond)
		}
		received <- count
	}()

	for i := 0; i < total; i++ {
		if err := bp.Publish(ctx, "chat_1", []byte(fmt.Sprint(i))); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}

	select {
	case count := <-received:
		if count != total {
			t.Fatalf("expected %d ordered messages, got %d", total, count)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for consumer")
	}
	if bp.SubscriberCount("chat_1") != 1 {
		t.Fatal("a draining subscriber must not be dropped")
	}
}

func TestMemoryCloseReleasesBlockedPublish(t *testing.T) {
	bp := NewMemory(MemoryOptions{BufferSize: 1, DeliveryTimeout: time.Minute})
	ctx := context.Background()

	if _, err := bp.Subscribe(ctx, "chat_1"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := bp.Publish(ctx, "chat_1", []byte("fills the queue")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	published := make(chan error, 1)
	go func() {
		published <- bp.Publish(ctx, "chat_1", []byte("blocks"))
	}()
	time.Sleep(20 * time.Millisecond)
	if err := bp.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case err := <-published:
		if err != nil && !errors.Is(err, ErrClosed) {
			t.Fatalf("blocked Publish returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not release the blocked Publish")
	}
}

func TestMemorySubscriptionCloseUnsubscribes(t *testing.T) {
	bp := NewMemory(MemoryOptions{BufferSize: 4})
	defer bp.Close()
	ctx := context.Background()

	sub, err := bp.Subscribe(ctx, "chat_1", "user_alice")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if bp.SubscriberCount("chat_1") != 0 || bp.SubscriberCount("user_alice") != 0 {
		t.Fatal("expected subscription removed from every topic")
	}
	if _, ok := <-sub.Messages(); ok {
		t.Fatal("expected closed channel")
	}
	if err := bp.Publish(ctx, "chat_1", []byte("after close")); err != nil {
		t.Fatalf("Publish after unsubscribe failed: %v", err)
	}
}

func TestMemoryCloseRejectsFurtherUse(t *testing.T) {
	bp := NewMemory(MemoryOptions{BufferSize: 4})
	ctx := context.Background()

	sub, err := bp.Subscribe(ctx, "chat_1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := bp.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Fatal("expected subscription channel closed by backplane Close")
	}
	if err := bp.Publish(ctx, "chat_1", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Publish, got %v", err)
	}
	if _, err := bp.Subscribe(ctx, "chat_1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Subscribe, got %v", err)
	}
	if _, err := NewMemory(MemoryOptions{BufferSize: 1}).Subscribe(ctx); err == nil {
		t.Fatal("expected Subscribe without topics to fail")
	}
}
