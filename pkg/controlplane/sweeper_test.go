package controlplane

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quadgate/sred/pkg/event"
	"github.com/quadgate/sred/pkg/executor"
	"github.com/quadgate/sred/pkg/instance"
	"github.com/quadgate/sred/pkg/persistence/memstore"
	"github.com/quadgate/sred/pkg/sredcore"
	"github.com/quadgate/sred/pkg/workflow"
)

type fakeBus struct {
	mu        sync.Mutex
	published []event.Event
}

func (b *fakeBus) Publish(evt event.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, evt)
	return nil
}

func (b *fakeBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func submittedType() event.Type { return event.Type{Namespace: "orders", Name: "submitted"} }

func timeoutWorkflow(t *testing.T, action workflow.TimeoutAction, timeoutSeconds int) *workflow.WorkflowFlow {
	t.Helper()
	flow, err := workflow.NewBuilder("approval", "Approval").
		States(
			workflow.NewSequentialState("start", "Start", workflow.AsInitial()),
			workflow.NewSequentialState("review", "Review",
				workflow.PauseOnEnter(true),
				workflow.WithTimeout(timeoutSeconds),
				workflow.WithTimeoutAction(action)),
			workflow.NewSequentialState("escalated", "Escalated", workflow.AsFinal()),
		).
		Transition("start", "review", workflow.Success(), 1).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return flow
}

func TestSweepForcesTransitionOnExpiredTimeout(t *testing.T) {
	flow := timeoutWorkflow(t, workflow.TimeoutAction{Kind: workflow.TimeoutActionTransition, TargetState: "escalated"}, 1)
	store := memstore.New()
	mgr := instance.New(store, executor.New(), sredcore.NewDefaultLogger())
	mgr.RegisterWorkflow("approval", flow)

	ctx := context.Background()
	mgr.Start(ctx, "inst1", nil, "")
	mgr.Process(ctx, "inst1", submittedType(), "submit", nil)

	state, _ := mgr.GetCurrentState(ctx, "inst1")
	if state != "review" {
		t.Fatalf("expected paused at 'review', got %q", state)
	}

	time.Sleep(1100 * time.Millisecond) // ensure pause age exceeds the 1s timeout
	sweeper := New(mgr, nil, time.Hour, sredcore.NewDefaultLogger())
	sweeper.SweepOnce(ctx)

	state, _ = mgr.GetCurrentState(ctx, "inst1")
	if state != "escalated" {
		t.Fatalf("expected sweeper to force transition to 'escalated', got %q", state)
	}
}

func TestSweepPublishesEventOnExpiredTimeout(t *testing.T) {
	flow := timeoutWorkflow(t, workflow.TimeoutAction{Kind: workflow.TimeoutActionEvent, EventType: "reminder", EventName: "nudge"}, 1)
	store := memstore.New()
	mgr := instance.New(store, executor.New(), sredcore.NewDefaultLogger())
	mgr.RegisterWorkflow("approval", flow)

	ctx := context.Background()
	mgr.Start(ctx, "inst1", nil, "")
	mgr.Process(ctx, "inst1", submittedType(), "submit", nil)

	time.Sleep(1100 * time.Millisecond)
	bus := &fakeBus{}
	sweeper := New(mgr, bus, time.Hour, sredcore.NewDefaultLogger())
	sweeper.SweepOnce(ctx)

	if bus.count() != 1 {
		t.Fatalf("expected sweeper to publish 1 timeout event, got %d", bus.count())
	}
}

func TestSweepIgnoresUnexpiredPause(t *testing.T) {
	flow := timeoutWorkflow(t, workflow.TimeoutAction{Kind: workflow.TimeoutActionTransition, TargetState: "escalated"}, 3600)
	store := memstore.New()
	mgr := instance.New(store, executor.New(), sredcore.NewDefaultLogger())
	mgr.RegisterWorkflow("approval", flow)

	ctx := context.Background()
	mgr.Start(ctx, "inst1", nil, "")
	mgr.Process(ctx, "inst1", submittedType(), "submit", nil)

	sweeper := New(mgr, nil, time.Hour, sredcore.NewDefaultLogger())
	sweeper.SweepOnce(ctx)

	state, _ := mgr.GetCurrentState(ctx, "inst1")
	if state != "review" {
		t.Fatalf("expected instance to remain paused at 'review', got %q", state)
	}
}
