package backplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	redis "github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces channels on a shared Redis.
const DefaultRedisPrefix = "campuschat:"

var (
	envelopeEncMode cbor.EncMode
	envelopeDecMode cbor.DecMode
)

func init() {
	var err error
	envelopeEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("backplane: CBOR encoder initialization failed: " + err.Error())
	}
	envelopeDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("backplane: CBOR decoder initialization failed: " + err.Error())
	}
}

// envelope is the Redis wire form of one publication.
type envelope struct {
	Origin  string `cbor:"origin"`
	Topic   string `cbor:"topic"`
	Payload []byte `cbor:"payload"`
	SentAt  int64  `cbor:"sent_at"`
}

func encodeEnvelope(e envelope) ([]byte, error) {
	return envelopeEncMode.Marshal(e)
}

func decodeEnvelope(data []byte) (envelope, error) {
	var e envelope
	if err := envelopeDecMode.Unmarshal(data, &e); err != nil {
		return envelope{}, err
	}
	return e, nil
}

// RedisOptions configures a Redis backplane.
type RedisOptions struct {
	// Prefix is prepended to every topic to form the Redis channel name.
	Prefix string
	// Origin identifies this instance inside envelopes.
	Origin     string
	BufferSize int
	Logger     *slog.Logger
}

// Redis is a Backplane over Redis Pub/Sub, shared by every instance
// connected to the same server.
type Redis struct {
	client     *redis.Client
	ownsClient bool
	prefix     string
	origin     string
	bufferSize int
	logger     *slog.Logger
	closed     atomic.Bool
}

var _ Backplane = (*Redis)(nil)

// NewRedis connects to url (redis://...) and verifies the connection.
func NewRedis(ctx context.Context, url string, options RedisOptions) (*Redis, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("redis: url is required")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}

	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	r := NewRedisFromClient(client, options)
	r.ownsClient = true
	return r, nil
}

// NewRedisFromClient wraps an existing client. Close leaves the client open.
func NewRedisFromClient(client *redis.Client, options RedisOptions) *Redis {
	prefix := options.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	bufferSize := options.BufferSize
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Redis{
		client:     client,
		prefix:     prefix,
		origin:     options.Origin,
		bufferSize: bufferSize,
		logger:     logger.With("component", "backplane", "driver", "redis"),
	}
}

// Publish sends payload to every instance subscribed to topic.
func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if topic == "" {
		return errors.New("backplane: topic must not be empty")
	}

	data, err := encodeEnvelope(envelope{
		Origin:  r.origin,
		Topic:   topic,
		Payload: payload,
		SentAt:  time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("redis: encode envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.prefix+topic, data).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe opens a Redis Pub/Sub subscription and waits for the server to
// confirm it, so publications made after Subscribe returns are received.
func (r *Redis) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if err := validateTopics(topics); err != nil {
		return nil, err
	}

	channels := make([]string, 0, len(topics))
	for _, topic := range topics {
		channels = append(channels, r.prefix+topic)
	}

	pubsub := r.client.Subscribe(ctx, channels...)
	for range channels {
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			return nil, fmt.Errorf("redis: subscribe: %w", err)
		}
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan Message, r.bufferSize),
		done:   make(chan struct{}),
		logger: r.logger,
	}
	sub.wg.Add(1)
	go sub.forward(pubsub.Channel(redis.WithChannelSize(r.bufferSize)))
	return sub, nil
}

// Close marks the backplane closed and releases the client if it owns it.
// Open subscriptions must be closed by their owners.
func (r *Redis) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if r.ownsClient {
		return r.client.Close()
	}
	return nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan Message
	done   chan struct{}
	logger *slog.Logger

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	s.wg.Wait()
	return err
}

func (s *redisSubscription) forward(in <-chan *redis.Message) {
	defer s.wg.Done()
	defer close(s.out)

	for {
		select {
		case <-s.done:
			return
		case raw, ok := <-in:
			if !ok {
				return
			}
			e, err := decodeEnvelope([]byte(raw.Payload))
			if err != nil {
				s.logger.Warn("dropping undecodable envelope", "channel", raw.Channel, "error", err)
				continue
			}
			if !s.deliver(Message{Topic: e.Topic, Payload: e.Payload}) {
				s.logger.Warn("dropping stalled subscriber", "topic", e.Topic)
				s.closeOnce.Do(func() {
					close(s.done)
					_ = s.pubsub.Close()
				})
				return
			}
		}
	}
}

// deliver waits up to DefaultDeliveryTimeout for room in the queue and
// reports false when the subscriber stayed full.
func (s *redisSubscription) deliver(message Message) bool {
	select {
	case s.out <- message:
		return true
	default:
	}

	timer := time.NewTimer(DefaultDeliveryTimeout)
	defer timer.Stop()
	select {
	case s.out <- message:
		return true
	case <-s.done:
		return true
	case <-timer.C:
		return false
	}
}
