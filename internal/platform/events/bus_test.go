package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hms/patientflow/internal/platform/db"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	block  chan struct{}
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Deliver(_ context.Context, e Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	if s.fail {
		return errors.New("sink down")
	}
	return nil
}

func (s *captureSink) got() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestBus_DeliversInOrderToAllSinks(t *testing.T) {
	a, b := &captureSink{}, &captureSink{fail: true}
	bus := NewBus(zerolog.Nop(), 16, a, b)

	ctx := db.WithFacility(context.Background(), "main")
	for i, typ := range []Type{VisitStarted, QueueEnqueued, QueueCalled} {
		bus.Publish(ctx, New(typ, "queue.vitals", string(rune('a'+i)), nil))
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, bus.Close(closeCtx))

	for _, sink := range []*captureSink{a, b} {
		got := sink.got()
		require.Len(t, got, 3)
		assert.Equal(t, VisitStarted, got[0].Type)
		assert.Equal(t, QueueCalled, got[2].Type)
		assert.Equal(t, "main", got[0].Facility, "facility from context")
	}
}

func TestBus_DropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	sink := &captureSink{block: block}
	bus := NewBus(zerolog.Nop(), 1, sink)

	// The worker takes the first event and blocks on the sink; the second
	// fills the buffer and the rest are dropped.
	bus.Publish(context.Background(), New(QueueHeld, "t", "1", nil))
	require.Eventually(t, func() bool { return len(bus.queue) == 0 }, 2*time.Second, 5*time.Millisecond,
		"worker never picked up first event")
	bus.Publish(context.Background(), New(QueueHeld, "t", "2", nil))
	bus.Publish(context.Background(), New(QueueHeld, "t", "3", nil))
	bus.Publish(context.Background(), New(QueueHeld, "t", "4", nil))

	require.EqualValues(t, 2, bus.Dropped())
	close(block)
	_ = bus.Close(context.Background())
	assert.Len(t, sink.got(), 2)
}

func TestBus_PublishAfterCloseIsIgnored(t *testing.T) {
	sink := &captureSink{}
	bus := NewBus(zerolog.Nop(), 4, sink)
	_ = bus.Close(context.Background())

	bus.Publish(context.Background(), New(VisitStarted, "t", "x", nil))
	assert.Empty(t, sink.got(), "no delivery after close")
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Publish(context.Background(), New(BedAssigned, AdmissionTopic(), "bed-1", nil))
	r.Publish(context.Background(), New(BedStatusChanged, AdmissionTopic(), "bed-1", nil))

	assert.Equal(t, []Type{BedAssigned, BedStatusChanged}, r.Types())
}
