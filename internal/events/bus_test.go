package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/furiwake/model"
)

type recordingSink struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recordingSink) OnEvent(_ context.Context, ev model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) snapshot() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

func TestBus_DeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	b := New(slog.Default(), 16, sink)
	b.Start(context.Background())

	for i := 0; i < 5; i++ {
		b.Publish(model.Event{Type: model.EventRequestStarted, CredentialID: "k1"})
	}
	b.Publish(model.Event{Type: model.EventRequestSucceeded, CredentialID: "k1"})

	drainCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.Drain(drainCtx)

	got := sink.snapshot()
	require.Len(t, got, 6)
	assert.Equal(t, model.EventRequestSucceeded, got[5].Type)
	for _, ev := range got {
		assert.False(t, ev.At.IsZero(), "At should be stamped")
	}
}

func TestBus_DropsWhenFull(t *testing.T) {
	// No Start: nothing consumes, so the buffer fills.
	b := New(slog.Default(), 2)
	for i := 0; i < 5; i++ {
		b.Publish(model.Event{Type: model.EventQuotaReset})
	}
	assert.Equal(t, int64(3), b.Dropped())
}

func TestBus_SinkErrorDoesNotStopDelivery(t *testing.T) {
	bad := sinkFunc(func(context.Context, model.Event) error { return errors.New("sink down") })
	good := &recordingSink{}
	b := New(slog.Default(), 16, bad, good)
	b.Start(context.Background())

	b.Publish(model.Event{Type: model.EventBudgetBreached})

	drainCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.Drain(drainCtx)

	assert.Len(t, good.snapshot(), 1)
}

func TestBus_SinkPanicIsContained(t *testing.T) {
	panicky := sinkFunc(func(context.Context, model.Event) error { panic("boom") })
	good := &recordingSink{}
	b := New(slog.Default(), 16, panicky, good)
	b.Start(context.Background())

	b.Publish(model.Event{Type: model.EventCredentialRegistered})
	b.Publish(model.Event{Type: model.EventCredentialRotated})

	drainCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.Drain(drainCtx)

	assert.Len(t, good.snapshot(), 2)
}

func TestBus_DrainDeliversBuffered(t *testing.T) {
	sink := &recordingSink{}
	b := New(slog.Default(), 64, sink)
	b.Start(context.Background())

	for i := 0; i < 20; i++ {
		b.Publish(model.Event{Type: model.EventDecisionRecorded})
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b.Drain(drainCtx)

	assert.Len(t, sink.snapshot(), 20)
}

// sinkFunc adapts a function to the Sink interface for tests.
type sinkFunc func(ctx context.Context, ev model.Event) error

func (f sinkFunc) OnEvent(ctx context.Context, ev model.Event) error { return f(ctx, ev) }
