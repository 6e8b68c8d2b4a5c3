package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hms/patientflow/internal/platform/db"
)

const deliverTimeout = 5 * time.Second

// Bus queues events and hands them to every sink from a single worker
// goroutine, so sinks see events in publish order.
type Bus struct {
	sinks  []Sink
	queue  chan Event
	logger zerolog.Logger

	mu      sync.Mutex
	closed  bool
	dropped int64
	done    chan struct{}
}

func NewBus(logger zerolog.Logger, buffer int, sinks ...Sink) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	b := &Bus{
		sinks:  sinks,
		queue:  make(chan Event, buffer),
		logger: logger.With().Str("component", "events").Logger(),
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

// Publish enqueues e. When the buffer is full the event is dropped and
// counted rather than stalling the caller.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.Facility == "" {
		e.Facility = db.FacilityFromContext(ctx)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- e:
	default:
		b.dropped++
		b.logger.Warn().Str("event_type", string(e.Type)).Str("subject", e.Subject).Msg("event buffer full, dropping event")
	}
}

func (b *Bus) run() {
	defer close(b.done)
	for e := range b.queue {
		for _, s := range b.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
			if err := s.Deliver(ctx, e); err != nil {
				b.logger.Error().Err(err).
					Str("sink", s.Name()).
					Str("event_type", string(e.Type)).
					Str("event_id", e.ID.String()).
					Msg("event delivery failed")
			}
			cancel()
		}
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close stops accepting events and waits for queued ones to drain or for
// ctx to expire.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
