package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/resqnet/resqnet/internal/platform/metrics"
)

const (
	DefaultQueueSize       = 1024
	DefaultDeliveryTimeout = 30 * time.Second
)

var (
	ErrQueueFull   = errors.New("event queue full")
	ErrQueueClosed = errors.New("event queue closed")
)

// Queue decouples callers from slow sinks. Publish only enqueues; a single
// worker delivers events to next in the order they were queued, giving
// each one up to the delivery timeout.
type Queue struct {
	next    Publisher
	timeout time.Duration
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	ch     chan Event
	done   chan struct{}
}

func NewQueue(next Publisher, size int, timeout time.Duration, logger zerolog.Logger, m *metrics.Metrics) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultDeliveryTimeout
	}
	q := &Queue{
		next:    next,
		timeout: timeout,
		logger:  logger.With().Str("component", "event-queue").Logger(),
		metrics: m,
		ch:      make(chan Event, size),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Publish never blocks. A full queue drops the event and reports
// ErrQueueFull.
func (q *Queue) Publish(_ context.Context, ev Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- ev:
		return nil
	default:
		q.metrics.EventPublished("queue", ErrQueueFull)
		q.logger.Warn().
			Str("event", string(ev.Type)).
			Str("emergency_id", ev.EmergencyID.String()).
			Msg("event queue full, dropping event")
		return ErrQueueFull
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for ev := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		// Sinks log their own failures.
		_ = q.next.Publish(ctx, ev)
		cancel()
	}
}

// Close stops accepting events and waits for the backlog to drain or ctx
// to end, whichever comes first.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		q.logger.Warn().Int("pending", len(q.ch)).Msg("event queue closed before draining")
		return ctx.Err()
	}
}
