package orchestrator

import (
	"context"
	"testing"

	"github.com/quadgate/sred/pkg/event"
	"github.com/quadgate/sred/pkg/executor"
	"github.com/quadgate/sred/pkg/instance"
	"github.com/quadgate/sred/pkg/persistence/memstore"
	"github.com/quadgate/sred/pkg/sredcore"
	"github.com/quadgate/sred/pkg/workflow"
)

func submitted() event.Type { return event.Type{Namespace: "orders", Name: "submitted"} }

func twoStateWorkflow(t *testing.T) *workflow.WorkflowFlow {
	t.Helper()
	flow, err := workflow.NewBuilder("orders", "Orders").
		States(
			workflow.NewSequentialState("start", "Start", workflow.AsInitial()),
			workflow.NewSequentialState("done", "Done", workflow.AsFinal()),
		).
		Transition("start", "done", workflow.Success(), 1).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return flow
}

func newTestOrchestrator(t *testing.T, hook RankingHook) (*Orchestrator, *instance.Manager, *workflow.WorkflowFlow) {
	t.Helper()
	flow := twoStateWorkflow(t)
	mgr := instance.New(memstore.New(), executor.New(), sredcore.NewDefaultLogger())
	mgr.RegisterWorkflow("orders", flow)
	return New(mgr, hook), mgr, flow
}

func TestDispatchAppliesDeclaredTransition(t *testing.T) {
	orch, mgr, flow := newTestOrchestrator(t, nil)
	ctx := context.Background()
	mgr.Start(ctx, "inst1", nil, "")

	result, err := orch.Dispatch(ctx, "inst1", submitted(), "submit", nil, flow)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success")
	}
	stats := orch.StatsSnapshot()
	if stats.TotalEventsProcessed != 1 || stats.SuccessfulTransitions != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestDispatchNoOutgoingTransitionsIsSoftFailure(t *testing.T) {
	orch, mgr, flow := newTestOrchestrator(t, nil)
	ctx := context.Background()
	mgr.Start(ctx, "inst1", nil, "")
	// Drive to the terminal state, which has no outgoing transitions.
	orch.Dispatch(ctx, "inst1", submitted(), "submit", nil, flow)

	_, err := orch.Dispatch(ctx, "inst1", submitted(), "submit-again", nil, flow)
	if err == nil {
		t.Fatalf("expected NoApplicableTransition error")
	}
	oerr, ok := err.(*Error)
	if !ok || oerr.Code != CodeNoApplicableTransition {
		t.Fatalf("expected CodeNoApplicableTransition, got %v", err)
	}

	state, _ := mgr.GetCurrentState(ctx, "inst1")
	if state != "done" {
		t.Fatalf("instance must not mutate on soft failure, got state %q", state)
	}
}

func TestDispatchInvokesRankingHookAdvisoryOnly(t *testing.T) {
	var seen []Candidate
	hook := func(ctx context.Context, instanceID string, evt event.Event, candidates []Candidate) []Candidate {
		seen = candidates
		return candidates
	}
	orch, mgr, flow := newTestOrchestrator(t, hook)
	ctx := context.Background()
	mgr.Start(ctx, "inst1", nil, "")

	if _, err := orch.Dispatch(ctx, "inst1", submitted(), "submit", nil, flow); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(seen) != 1 || seen[0].To != "done" {
		t.Fatalf("expected hook to see candidate to 'done', got %+v", seen)
	}
}

// tiedWorkflow declares two equal-priority transitions out of "start"
// that both match on Success, so only a ranking hook's preferred order
// (rather than declaration order) decides which one wins.
func tiedWorkflow(t *testing.T) *workflow.WorkflowFlow {
	t.Helper()
	flow, err := workflow.NewBuilder("orders", "Orders").
		States(
			workflow.NewSequentialState("start", "Start", workflow.AsInitial()),
			workflow.NewSequentialState("fast_lane", "FastLane", workflow.AsFinal()),
			workflow.NewSequentialState("slow_lane", "SlowLane", workflow.AsFinal()),
		).
		Transition("start", "slow_lane", workflow.Success(), 1).
		Transition("start", "fast_lane", workflow.Success(), 1).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return flow
}

func TestDispatchRankingHookGovernsTieBreak(t *testing.T) {
	hook := func(ctx context.Context, instanceID string, evt event.Event, candidates []Candidate) []Candidate {
		ranked := make([]Candidate, 0, len(candidates))
		for _, c := range candidates {
			if c.To == "fast_lane" {
				ranked = append([]Candidate{c}, ranked...)
			} else {
				ranked = append(ranked, c)
			}
		}
		return ranked
	}

	mgr := instance.New(memstore.New(), executor.New(), sredcore.NewDefaultLogger())
	flow := tiedWorkflow(t)
	mgr.RegisterWorkflow("orders", flow)
	orch := New(mgr, hook)

	ctx := context.Background()
	mgr.Start(ctx, "inst1", nil, "")

	if _, err := orch.Dispatch(ctx, "inst1", submitted(), "submit", nil, flow); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	state, err := mgr.GetCurrentState(ctx, "inst1")
	if err != nil {
		t.Fatalf("get current state: %v", err)
	}
	if state != "fast_lane" {
		t.Fatalf("expected ranking hook to steer the tie-break to fast_lane, got %q", state)
	}
}

func TestDispatchWithoutHookFallsBackToDeclaredPriority(t *testing.T) {
	mgr := instance.New(memstore.New(), executor.New(), sredcore.NewDefaultLogger())
	flow := tiedWorkflow(t)
	mgr.RegisterWorkflow("orders", flow)
	orch := New(mgr, nil)

	ctx := context.Background()
	mgr.Start(ctx, "inst1", nil, "")

	if _, err := orch.Dispatch(ctx, "inst1", submitted(), "submit", nil, flow); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	state, err := mgr.GetCurrentState(ctx, "inst1")
	if err != nil {
		t.Fatalf("get current state: %v", err)
	}
	if state != "slow_lane" {
		t.Fatalf("expected declaration-order fallback to slow_lane, got %q", state)
	}
}
