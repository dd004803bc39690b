package backplane

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultDeliveryTimeout bounds how long Publish waits for a subscriber
// with a full queue before dropping it.
const DefaultDeliveryTimeout = 2 * time.Second

// MemoryOptions configures an in-process backplane.
type MemoryOptions struct {
	BufferSize      int
	DeliveryTimeout time.Duration
	Logger          *slog.Logger
}

// Memory is an in-process Backplane for single-instance deployments and tests.
type Memory struct {
	mu     sync.RWMutex
	topics map[string]map[*memorySubscription]struct{}
	closed bool

	bufferSize      int
	deliveryTimeout time.Duration
	logger          *slog.Logger
}

var _ Backplane = (*Memory)(nil)

// NewMemory constructs an in-process backplane. Zero options select
// DefaultBufferSize and DefaultDeliveryTimeout.
func NewMemory(options MemoryOptions) *Memory {
	bufferSize := options.BufferSize
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	deliveryTimeout := options.DeliveryTimeout
	if deliveryTimeout <= 0 {
		deliveryTimeout = DefaultDeliveryTimeout
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		topics:          make(map[string]map[*memorySubscription]struct{}),
		bufferSize:      bufferSize,
		deliveryTimeout: deliveryTimeout,
		logger:          logger.With("component", "backplane", "driver", "memory"),
	}
}

// Publish delivers payload to every current subscriber of topic. When a
// subscriber's queue is full Publish waits for it to drain, sharing one
// deadline of DeliveryTimeout (or ctx, if sooner) across all subscribers.
// Subscribers still full at the deadline are dropped.
func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return errors.New("backplane: topic must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	message := Message{Topic: topic, Payload: append([]byte(nil), payload...)}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*memorySubscription, 0, len(m.topics[topic]))
	for sub := range m.topics[topic] {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	waitCtx, cancel := context.WithTimeout(ctx, m.deliveryTimeout)
	defer cancel()

	for _, sub := range subs {
		if sub.deliver(waitCtx, message) {
			continue
		}
		m.logger.Warn("dropping stalled subscriber", "topic", topic, "waited", m.deliveryTimeout)
		m.remove(sub)
	}
	return nil
}

// Subscribe opens a subscription to topics.
func (m *Memory) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	if err := validateTopics(topics); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &memorySubscription{
		owner:  m,
		topics: append([]string(nil), topics...),
		ch:     make(chan Message, m.bufferSize),
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	for _, topic := range sub.topics {
		subs := m.topics[topic]
		if subs == nil {
			subs = make(map[*memorySubscription]struct{})
			m.topics[topic] = subs
		}
		subs[sub] = struct{}{}
	}
	return sub, nil
}

// Close ends every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	all := make(map[*memorySubscription]struct{})
	for _, subs := range m.topics {
		for sub := range subs {
			all[sub] = struct{}{}
		}
	}
	m.topics = make(map[string]map[*memorySubscription]struct{})
	m.mu.Unlock()

	for sub := range all {
		sub.shutdown()
	}
	return nil
}

// SubscriberCount reports how many subscriptions currently listen on topic.
func (m *Memory) SubscriberCount(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.topics[topic])
}

func (m *Memory) remove(sub *memorySubscription) {
	m.mu.Lock()
	for _, topic := range sub.topics {
		subs := m.topics[topic]
		delete(subs, sub)
		if len(subs) == 0 {
			delete(m.topics, topic)
		}
	}
	m.mu.Unlock()
	sub.shutdown()
}

type memorySubscription struct {
	owner  *Memory
	topics []string
	ch     chan Message

	// done is closed before ch so a blocked deliver lets go of mu.
	done     chan struct{}
	doneOnce sync.Once

	mu     sync.Mutex
	closed bool
}

func (s *memorySubscription) Messages() <-chan Message {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.owner.remove(s)
	return nil
}

// deliver enqueues message, waiting on a full queue until ctx is done. It
// reports false only when the subscriber stayed full past the deadline.
func (s *memorySubscription) deliver(ctx context.Context, message Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- message:
		return true
	default:
	}
	select {
	case s.ch <- message:
		return true
	case <-s.done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *memorySubscription) shutdown() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
