// Package bus implements the concurrency-bounded publish/subscribe
// dispatcher spec §4.5 describes: a single-producer-many-consumer
// queue drained by a pool of workers capped at maxConcurrency, each
// fanning an event out to its subscribers with a per-delivery timeout.
// Grounded on the teacher's pkg/core/eventbus_impl.go (consumer
// registration, Mailbox-backed queue, panic-isolated dispatch loop),
// adapted from address-keyed point-to-point messaging to
// event-type-keyed broadcast with filters and statistics.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quadgate/sred/pkg/event"
	"github.com/quadgate/sred/pkg/sredcore"
	"github.com/quadgate/sred/pkg/sredcore/concurrency"
)

// DefaultDeliveryTimeout is the per-listener delivery timeout applied
// when a subscription doesn't override it (spec §4.5, §5).
const DefaultDeliveryTimeout = 5 * time.Second

// ErrBusStopped is returned by Publish once the bus has been stopped
// (spec §4.5, §7).
var ErrBusStopped = errors.New("bus: EventBusStopped")

// Listener receives dispatched events. onError is called for handler
// failures and per-delivery timeouts; it never aborts the dispatcher.
type Listener interface {
	OnEvent(ctx context.Context, evt event.Event) error
	OnError(evt event.Event, err error)
}

// Filter is a pure predicate a subscription can apply before an event
// reaches its listener.
type Filter func(evt event.Event) bool

// TypeFilter matches events whose Type is in the given set.
func TypeFilter(types ...event.Type) Filter {
	set := make(map[event.Type]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(evt event.Event) bool {
		_, ok := set[evt.Type()]
		return ok
	}
}

// PriorityFloor matches events whose priority is at least min.
func PriorityFloor(min event.Priority) Filter {
	return func(evt event.Event) bool { return evt.Priority() >= min }
}

// Predicate adapts an arbitrary function into a Filter.
func Predicate(fn func(event.Event) bool) Filter { return Filter(fn) }

// Subscription is returned by Subscribe; pass it to Unsubscribe to stop
// delivery.
type Subscription struct {
	id       uint64
	evtType  event.Type
	listener Listener
	filters  []Filter
	timeout  time.Duration
}

func (s *Subscription) matches(evt event.Event) bool {
	if evt.Type() != s.evtType {
		return false
	}
	for _, f := range s.filters {
		if !f(evt) {
			return false
		}
	}
	return true
}

// Stats is a point-in-time snapshot of bus activity (spec §4.5).
type Stats struct {
	TotalPublished         int64
	TotalProcessed         int64
	ActiveSubscriptions    int64
	ErrorCount             int64
	AverageProcessingTimeMs float64
}

// Config controls the bus's worker pool and default delivery timeout.
type Config struct {
	MaxConcurrency  int
	QueueSize       int
	DeliveryTimeout time.Duration
}

// DefaultConfig mirrors the teacher's NewEventBus defaults (10 workers,
// 1000-deep queue).
func DefaultConfig() Config {
	return Config{MaxConcurrency: 10, QueueSize: 1000, DeliveryTimeout: DefaultDeliveryTimeout}
}

// Bus dispatches published events to matching subscriptions with
// bounded concurrency.
type Bus struct {
	cfg      Config
	logger   sredcore.Logger
	executor concurrency.Executor

	mu     sync.RWMutex
	subs   map[event.Type][]*Subscription
	nextID uint64

	stopped   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc

	totalPublished  atomic.Int64
	totalProcessed  atomic.Int64
	errorCount      atomic.Int64
	processingNanos atomic.Int64
}

// New builds a Bus. Start must be called before Publish.
func New(cfg Config, logger sredcore.Logger) *Bus {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if logger == nil {
		logger = sredcore.NewDefaultLogger()
	}
	return &Bus{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[event.Type][]*Subscription),
	}
}

// Start idempotently spawns the worker pool (spec §4.5).
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.executor != nil {
		return
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.executor = concurrency.NewExecutor(b.ctx, concurrency.ExecutorConfig{
		Workers:   b.cfg.MaxConcurrency,
		QueueSize: b.cfg.QueueSize,
	}, b.logger)
}

// Stop closes the queue and joins workers. Events in flight finish;
// events still queued are discarded.
func (b *Bus) Stop(ctx context.Context) error {
	if !b.stopped.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.RLock()
	executor := b.executor
	cancel := b.cancel
	b.mu.RUnlock()
	if cancel != nil {
		defer cancel()
	}
	if executor == nil {
		return nil
	}
	return executor.Shutdown(ctx)
}

// Subscribe registers listener for evtType, optionally narrowed by
// filters. The returned Subscription is the handle Unsubscribe expects.
func (b *Bus) Subscribe(evtType event.Type, listener Listener, filters ...Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, evtType: evtType, listener: listener, filters: filters, timeout: b.cfg.DeliveryTimeout}
	b.subs[evtType] = append(b.subs[evtType], sub)
	return sub
}

// Unsubscribe removes a previously returned Subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.evtType]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.evtType] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Publish enqueues evt for dispatch to every matching subscription.
// Fans out asynchronously; Publish itself never blocks on delivery.
func (b *Bus) Publish(evt event.Event) error {
	if b.stopped.Load() {
		return ErrBusStopped
	}
	b.mu.RLock()
	executor := b.executor
	matching := make([]*Subscription, 0, len(b.subs[evt.Type()]))
	for _, s := range b.subs[evt.Type()] {
		if s.matches(evt) {
			matching = append(matching, s)
		}
	}
	b.mu.RUnlock()

	if executor == nil {
		return errors.New("bus: not started")
	}
	b.totalPublished.Add(1)

	for _, s := range matching {
		sub := s
		task := concurrency.NewNamedTask("bus-deliver-"+evt.Type().String(), func(ctx context.Context) error {
			b.deliver(ctx, sub, evt)
			return nil
		})
		if err := executor.Submit(task); err != nil {
			if errors.Is(err, concurrency.ErrMailboxFull) {
				continue
			}
			return err
		}
	}
	return nil
}

// deliver runs one listener's OnEvent under the subscription's
// per-delivery timeout, routing failures and timeouts to OnError
// without ever propagating them to the publisher (spec §4.5, §7).
func (b *Bus) deliver(ctx context.Context, sub *Subscription, evt event.Event) {
	start := time.Now()
	deliverCtx, cancel := context.WithTimeout(ctx, sub.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errRecovered(r)
			}
		}()
		done <- sub.listener.OnEvent(deliverCtx, evt)
	}()

	var err error
	select {
	case err = <-done:
	case <-deliverCtx.Done():
		err = deliverCtx.Err()
	}

	b.totalProcessed.Add(1)
	b.processingNanos.Add(int64(time.Since(start)))

	if err != nil {
		b.errorCount.Add(1)
		sub.listener.OnError(evt, err)
	}
}

func errRecovered(r interface{}) error {
	return &panicError{value: r}
}

type panicError struct{ value interface{} }

func (e *panicError) Error() string { return "listener panicked" }

// StatsSnapshot reports the bus's current activity counters.
func (b *Bus) StatsSnapshot() Stats {
	b.mu.RLock()
	active := 0
	for _, list := range b.subs {
		active += len(list)
	}
	b.mu.RUnlock()

	processed := b.totalProcessed.Load()
	var avg float64
	if processed > 0 {
		avg = float64(b.processingNanos.Load()) / float64(processed) / float64(time.Millisecond)
	}
	return Stats{
		TotalPublished:          b.totalPublished.Load(),
		TotalProcessed:          processed,
		ActiveSubscriptions:     int64(active),
		ErrorCount:              b.errorCount.Load(),
		AverageProcessingTimeMs: avg,
	}
}
