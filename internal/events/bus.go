// Package events delivers router observability events to registered sinks.
// Delivery is asynchronous and ordered: one dispatcher goroutine fans each
// event out to every sink, so a slow sink delays events but never a route
// call. Sink failures are logged and never propagate.
package events

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/furiwake/internal/telemetry"
	"github.com/ashita-ai/furiwake/model"
)

// deliverTimeout bounds one sink invocation so a hung sink cannot stall the
// dispatcher forever.
const deliverTimeout = 5 * time.Second

// Sink receives events. Implementations must tolerate concurrent router
// shutdown and should return quickly.
type Sink interface {
	OnEvent(ctx context.Context, ev model.Event) error
}

// Bus is the buffered event pipeline. Publish never blocks; when the buffer
// is full the event is dropped and counted.
type Bus struct {
	logger *slog.Logger
	sinks  []Sink
	ch     chan model.Event

	dropped atomic.Int64

	cancelLoop context.CancelFunc
	done       chan struct{}
}

// New creates a bus with the given buffer size and sinks. Sinks are fixed at
// construction; the router registers hook adapters before Start.
func New(logger *slog.Logger, size int, sinks ...Sink) *Bus {
	return &Bus{
		logger: logger,
		sinks:  sinks,
		ch:     make(chan model.Event, size),
		done:   make(chan struct{}),
	}
}

// Start begins the dispatch loop and registers OTEL metrics. Call Drain to stop.
func (b *Bus) Start(ctx context.Context) {
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.dispatchLoop(loopCtx)
}

// Publish enqueues an event, stamping At when unset. Safe for concurrent use.
func (b *Bus) Publish(ev model.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case b.ch <- ev:
	default:
		n := b.dropped.Add(1)
		if n == 1 || n%1000 == 0 {
			b.logger.Warn("events: buffer full, dropping", "dropped_total", n, "type", ev.Type)
		}
	}
}

func (b *Bus) dispatchLoop(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			// Deliver what is already buffered before exiting.
			for {
				select {
				case ev := <-b.ch:
					b.deliver(ev)
				default:
					return
				}
			}
		case ev := <-b.ch:
			b.deliver(ev)
		}
	}
}

func (b *Bus) deliver(ev model.Event) {
	for _, s := range b.sinks {
		b.deliverOne(s, ev)
	}
}

func (b *Bus) deliverOne(s Sink, ev model.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("events: sink panicked", "type", ev.Type, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()
	if err := s.OnEvent(ctx, ev); err != nil {
		b.logger.Warn("events: sink failed", "type", ev.Type, "error", err)
	}
}

// Drain stops the dispatch loop and waits for buffered events to be
// delivered, up to ctx's deadline.
func (b *Bus) Drain(ctx context.Context) {
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("events: drain timed out", "remaining", len(b.ch))
	}
}

// Dropped returns the total number of events dropped due to a full buffer.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) registerMetrics() {
	meter := telemetry.Meter("furiwake/events")

	_, _ = meter.Int64ObservableGauge("furiwake.events.depth",
		metric.WithDescription("Events waiting in the dispatch buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(b.ch)))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("furiwake.events.dropped_total",
		metric.WithDescription("Total events dropped due to a full dispatch buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Dropped())
			return nil
		}),
	)
}
