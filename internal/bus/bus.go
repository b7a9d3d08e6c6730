package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCapacity is the per-subscriber buffer size when none is configured
const DefaultCapacity = 1000

// ErrClosed is returned when publishing to or subscribing on a closed bus
var ErrClosed = errors.New("bus closed")

// Policy decides what Publish does when a subscriber's buffer is full
type Policy int

const (
	// Block waits up to the send timeout, then drops the event for that subscriber
	Block Policy = iota
	// DropOnFull drops the event for that subscriber immediately
	DropOnFull
)

func (p Policy) String() string {
	if p == DropOnFull {
		return "drop_on_full"
	}
	return "block"
}

// Subscription is one consumer's bounded view of the bus
type Subscription[T any] struct {
	name    string
	policy  Policy
	ch      chan T
	dropped atomic.Uint64
}

// C returns the receive channel. It is closed when the bus closes or the
// subscription is removed.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Name returns the subscriber name
func (s *Subscription[T]) Name() string { return s.name }

// Dropped returns how many events this subscriber missed
func (s *Subscription[T]) Dropped() uint64 { return s.dropped.Load() }

// Option configures a Bus
type Option func(*options)

type options struct {
	sendTimeout time.Duration
	onDrop      func(bus, subscriber string)
}

// WithSendTimeout sets how long Publish waits on a full Block subscriber
func WithSendTimeout(d time.Duration) Option {
	return func(o *options) { o.sendTimeout = d }
}

// WithDropHook registers a callback invoked for every dropped delivery
func WithDropHook(fn func(bus, subscriber string)) Option {
	return func(o *options) { o.onDrop = fn }
}

// Bus fans every published value out to all subscribers. Each subscriber
// receives values from a given producer in publish order.
type Bus[T any] struct {
	name     string
	capacity int
	opts     options
	logger   *slog.Logger

	mu     sync.RWMutex
	subs   []*Subscription[T]
	closed bool

	published atomic.Uint64
}

// New creates a bus whose subscribers buffer up to capacity values
func New[T any](name string, capacity int, logger *slog.Logger, opts ...Option) *Bus[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	o := options{sendTimeout: time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	return &Bus[T]{
		name:     name,
		capacity: capacity,
		opts:     o,
		logger:   logger.With("bus", name),
	}
}

// Name returns the bus name
func (b *Bus[T]) Name() string { return b.name }

// Subscribe registers a new consumer
func (b *Bus[T]) Subscribe(name string, policy Policy) (*Subscription[T], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	sub := &Subscription[T]{
		name:   name,
		policy: policy,
		ch:     make(chan T, b.capacity),
	}
	b.subs = append(b.subs, sub)

	b.logger.Debug("Subscriber added", "subscriber", name, "policy", policy.String(), "capacity", b.capacity)
	return sub, nil
}

// Unsubscribe removes a consumer and closes its channel
func (b *Bus[T]) Unsubscribe(sub *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// Publish delivers v to every subscriber. A full subscriber never blocks the
// others for longer than the send timeout; deliveries it cannot accept are
// dropped and counted. Publish only fails when the bus is closed or ctx ends.
func (b *Bus[T]) Publish(ctx context.Context, v T) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	b.published.Add(1)

	for _, sub := range b.subs {
		if err := b.deliver(ctx, sub, v); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus[T]) deliver(ctx context.Context, sub *Subscription[T], v T) error {
	select {
	case sub.ch <- v:
		return nil
	default:
	}

	if sub.policy == DropOnFull || b.opts.sendTimeout <= 0 {
		b.drop(sub)
		return nil
	}

	timer := time.NewTimer(b.opts.sendTimeout)
	defer timer.Stop()

	select {
	case sub.ch <- v:
		return nil
	case <-timer.C:
		b.drop(sub)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus[T]) drop(sub *Subscription[T]) {
	n := sub.dropped.Add(1)
	b.logger.Warn("Subscriber queue is full, dropping event",
		"subscriber", sub.name,
		"dropped_total", n)
	if b.opts.onDrop != nil {
		b.opts.onDrop(b.name, sub.name)
	}
}

// Close closes every subscriber channel. Consumers drain what is buffered.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
	b.logger.Info("Bus closed", "published", b.published.Load())
}

// Stats returns publish and per-subscriber drop counters
func (b *Bus[T]) Stats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dropped := make(map[string]uint64, len(b.subs))
	for _, sub := range b.subs {
		dropped[sub.name] = sub.Dropped()
	}
	return map[string]interface{}{
		"name":        b.name,
		"capacity":    b.capacity,
		"published":   b.published.Load(),
		"subscribers": len(b.subs),
		"dropped":     dropped,
		"closed":      b.closed,
	}
}
