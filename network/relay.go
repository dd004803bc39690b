package network

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"campuschat/backplane"
	"campuschat/storage"
)

const (
	// DefaultRelayInterval is how often the relay retries pending events.
	DefaultRelayInterval = 1 * time.Second
	// DefaultEventRetention is how long an unpublished event is retried.
	DefaultEventRetention = 5 * time.Minute
	// DefaultRelayBatchSize bounds events read per pass.
	DefaultRelayBatchSize = 256
)

// RelayOptions controls Relay behavior.
type RelayOptions struct {
	InstanceID string
	Interval   time.Duration
	Retention  time.Duration
	BatchSize  int
	Logger     *slog.Logger
}

// Relay publishes committed outbox events to the backplane in commit order
// and removes them once published.
type Relay struct {
	store      *storage.Store
	backplane  backplane.Backplane
	instanceID string
	interval   time.Duration
	retention  time.Duration
	batchSize  int
	logger     *slog.Logger

	flushMu sync.Mutex

	kick      chan struct{}
	stop      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewRelay constructs a relay for one instance's outbox.
func NewRelay(store *storage.Store, bp backplane.Backplane, options RelayOptions) (*Relay, error) {
	if store == nil {
		return nil, errors.New("network: relay store is required")
	}
	if bp == nil {
		return nil, errors.New("network: relay backplane is required")
	}
	if options.InstanceID == "" {
		return nil, errors.New("network: relay instance id is required")
	}

	interval := options.Interval
	if interval <= 0 {
		interval = DefaultRelayInterval
	}
	retention := options.Retention
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	batchSize := options.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultRelayBatchSize
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Relay{
		store:      store,
		backplane:  bp,
		instanceID: options.InstanceID,
		interval:   interval,
		retention:  retention,
		batchSize:  batchSize,
		logger:     logger.With("component", "relay"),
		kick:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}, nil
}

// Start launches the background publish loop.
func (r *Relay) Start() {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.loop()
	})
}

// Kick asks the loop to publish now. It never blocks.
func (r *Relay) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Close stops the loop after one last flush.
func (r *Relay) Close() error {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	r.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Flush(ctx)
}

// Flush publishes pending events until the outbox is empty or a publish
// fails. Events after a failed one stay queued so topic order is kept.
func (r *Relay) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	for {
		events, err := r.store.ListEvents(ctx, r.instanceID, r.batchSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		published := make([]int64, 0, len(events))
		var publishErr error
		for _, event := range events {
			if err := r.backplane.Publish(ctx, event.Topic, event.Payload); err != nil {
				publishErr = err
				break
			}
			published = append(published, event.ID)
		}

		if err := r.store.DeleteEvents(ctx, published); err != nil {
			return err
		}
		if publishErr != nil {
			return publishErr
		}
		if len(events) < r.batchSize {
			return nil
		}
	}
}

// Prune drops events older than the retention window.
func (r *Relay) Prune(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-r.retention).UnixMilli()
	return r.store.PruneEvents(ctx, cutoff)
}

func (r *Relay) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-r.kick:
			r.flushAndLog()
		case <-ticker.C:
			r.flushAndLog()
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			pruned, err := r.Prune(ctx)
			cancel()
			if err != nil {
				r.logger.Warn("prune outbox failed", "error", err)
			} else if pruned > 0 {
				r.logger.Warn("dropped expired outbox events", "count", pruned)
			}
		}
	}
}

func (r *Relay) flushAndLog() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Flush(ctx); err != nil {
		r.logger.Warn("publish outbox events failed, will retry", "error", err)
	}
}
