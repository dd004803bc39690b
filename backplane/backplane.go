package backplane

import (
	"context"
	"errors"
)

// DefaultBufferSize is the per-subscription queue depth.
const DefaultBufferSize = 64

// ErrClosed is returned by operations on a closed backplane.
var ErrClosed = errors.New("backplane: closed")

// Message is one publication delivered to a subscriber.
type Message struct {
	Topic   string
	Payload []byte
}

// Subscription receives messages for the topics it was opened with.
// Messages on one topic arrive in publish order. The channel is closed when
// the subscription ends, either by Close or because the subscriber fell
// too far behind.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Backplane is a topic-based publish/subscribe fan-out shared by every
// session on every instance. Delivery is at most once.
type Backplane interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
	Close() error
}

func validateTopics(topics []string) error {
	if len(topics) == 0 {
		return errors.New("backplane: at least one topic is required")
	}
	for _, topic := range topics {
		if topic == "" {
			return errors.New("backplane: topic must not be empty")
		}
	}
	return nil
}
