package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quadgate/sred/pkg/event"
)

type recordingListener struct {
	mu       sync.Mutex
	received []event.Event
	errs     []error
	onEvent  func(ctx context.Context, evt event.Event) error
}

func (l *recordingListener) OnEvent(ctx context.Context, evt event.Event) error {
	l.mu.Lock()
	l.received = append(l.received, evt)
	l.mu.Unlock()
	if l.onEvent != nil {
		return l.onEvent(ctx, evt)
	}
	return nil
}

func (l *recordingListener) OnError(evt event.Event, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.received)
}

func orderCreated() event.Type { return event.Type{Namespace: "orders", Name: "created"} }

func TestPublishDispatchesToMatchingSubscriber(t *testing.T) {
	b := New(DefaultConfig(), nil)
	b.Start(context.Background())
	defer b.Stop(context.Background())

	listener := &recordingListener{}
	b.Subscribe(orderCreated(), listener)

	if err := b.Publish(event.New(orderCreated(), "order")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for listener.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if listener.count() != 1 {
		t.Fatalf("expected 1 delivery, got %d", listener.count())
	}
}

func TestSubscriptionFilterExcludesNonMatching(t *testing.T) {
	b := New(DefaultConfig(), nil)
	b.Start(context.Background())
	defer b.Stop(context.Background())

	listener := &recordingListener{}
	b.Subscribe(orderCreated(), listener, PriorityFloor(event.PriorityHigh))

	low := event.New(orderCreated(), "o1", event.WithPriority(event.PriorityLow))
	high := event.New(orderCreated(), "o2", event.WithPriority(event.PriorityHighest))
	b.Publish(low)
	b.Publish(high)

	deadline := time.Now().Add(time.Second)
	for listener.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if listener.count() != 1 {
		t.Fatalf("expected exactly 1 delivery past the priority floor, got %d", listener.count())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(DefaultConfig(), nil)
	b.Start(context.Background())
	defer b.Stop(context.Background())

	listener := &recordingListener{}
	sub := b.Subscribe(orderCreated(), listener)
	b.Unsubscribe(sub)

	b.Publish(event.New(orderCreated(), "o1"))
	time.Sleep(20 * time.Millisecond)
	if listener.count() != 0 {
		t.Fatalf("expected no deliveries after unsubscribe, got %d", listener.count())
	}
}

func TestPublishAfterStopFails(t *testing.T) {
	b := New(DefaultConfig(), nil)
	b.Start(context.Background())
	b.Stop(context.Background())

	if err := b.Publish(event.New(orderCreated(), "o1")); err != ErrBusStopped {
		t.Fatalf("expected ErrBusStopped, got %v", err)
	}
}

func TestDeliveryErrorGoesToOnErrorNeverToPublisher(t *testing.T) {
	b := New(DefaultConfig(), nil)
	b.Start(context.Background())
	defer b.Stop(context.Background())

	listener := &recordingListener{onEvent: func(ctx context.Context, evt event.Event) error {
		return context.DeadlineExceeded
	}}
	b.Subscribe(orderCreated(), listener)

	if err := b.Publish(event.New(orderCreated(), "o1")); err != nil {
		t.Fatalf("publish must not surface listener errors: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for listener.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	stats := b.StatsSnapshot()
	if stats.ErrorCount == 0 {
		t.Fatalf("expected error count to be recorded")
	}
}

func TestBoundedConcurrency(t *testing.T) {
	cfg := Config{MaxConcurrency: 2, QueueSize: 100, DeliveryTimeout: time.Second}
	b := New(cfg, nil)
	b.Start(context.Background())
	defer b.Stop(context.Background())

	var inFlight int32
	var maxObserved int32
	release := make(chan struct{})

	listener := &recordingListener{onEvent: func(ctx context.Context, evt event.Event) error {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxObserved)
			if cur <= old || atomic.CompareAndSwapInt32(&maxObserved, old, cur) {
				break
			}
		}
		<-release
		atomic.AddInt32(&inFlight, -1)
		return nil
	}}
	b.Subscribe(orderCreated(), listener)

	for i := 0; i < 10; i++ {
		b.Publish(event.New(orderCreated(), "o"))
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt32(&maxObserved) > int32(cfg.MaxConcurrency) {
		t.Fatalf("observed %d concurrent deliveries, want <= %d", maxObserved, cfg.MaxConcurrency)
	}
}
