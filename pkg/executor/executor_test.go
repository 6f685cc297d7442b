package executor

import (
	"context"
	"testing"

	"github.com/quadgate/sred/pkg/event"
	"github.com/quadgate/sred/pkg/handler"
	"github.com/quadgate/sred/pkg/sredcontext"
	"github.com/quadgate/sred/pkg/workflow"
)

func mustBuild(t *testing.T, b *workflow.Builder) *workflow.WorkflowFlow {
	t.Helper()
	flow, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return flow
}

func TestStepSequentialSuccessTransition(t *testing.T) {
	flow := mustBuild(t, workflow.NewBuilder("wf", "Workflow").
		States(
			workflow.NewSequentialState("start", "Start", workflow.AsInitial()),
			workflow.NewSequentialState("done", "Done", workflow.AsFinal()),
		).
		Transition("start", "done", workflow.Success(), 0))

	ctx := sredcontext.New("i1", "start", nil)
	evt := event.New(event.Type{Namespace: "x", Name: "go"}, "go")

	ex := New()
	outcome, err := ex.Step(context.Background(), flow, ctx, evt)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if outcome.NextStateID == nil || *outcome.NextStateID != "done" {
		t.Fatalf("expected next state done, got %v", outcome.NextStateID)
	}
	if outcome.History == nil || outcome.History.ToStateID != "done" {
		t.Fatal("expected a history row for the state change")
	}
}

func TestStepSequentialHandlerFailureTakesFailurePath(t *testing.T) {
	failing := workflow.WithHandler(func(ctx context.Context, e event.Event, sc handler.StateContext) (handler.StepResult, error) {
		return handler.Fail(errInvalid), nil
	})
	flow := mustBuild(t, workflow.NewBuilder("wf", "Workflow").
		States(
			workflow.NewSequentialState("validate", "Validate", workflow.AsInitial(), failing),
			workflow.NewSequentialState("failed", "Failed", workflow.AsError()),
			workflow.NewSequentialState("done", "Done", workflow.AsFinal()),
		).
		Transition("validate", "done", workflow.Success(), 0).
		Transition("validate", "failed", workflow.Failure(), 0))

	ctx := sredcontext.New("i1", "validate", nil)
	evt := event.New(event.Type{Namespace: "x", Name: "process"}, "process")

	ex := New()
	outcome, err := ex.Step(context.Background(), flow, ctx, evt)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if outcome.Result.Success {
		t.Fatal("expected failed step result")
	}
	if outcome.NextStateID == nil || *outcome.NextStateID != "failed" {
		t.Fatalf("expected failure transition to 'failed', got %v", outcome.NextStateID)
	}
}

func TestStepConditionalPicksHighestPriorityMatch(t *testing.T) {
	branches := []workflow.BranchConfiguration{
		{Name: "low", TargetState: "b", Priority: 1, Condition: func(e event.Event, sc handler.StateContext) bool { return true }},
		{Name: "high", TargetState: "c", Priority: 5, Condition: func(e event.Event, sc handler.StateContext) bool { return true }},
	}
	flow := mustBuild(t, workflow.NewBuilder("wf", "Workflow").
		States(
			workflow.NewConditionalState("cond", "Cond", branches, workflow.AsInitial()),
			workflow.NewSequentialState("b", "B"),
			workflow.NewSequentialState("c", "C", workflow.AsFinal()),
		))

	ctx := sredcontext.New("i1", "cond", nil)
	evt := event.New(event.Type{Namespace: "x", Name: "go"}, "go")

	ex := New()
	outcome, err := ex.Step(context.Background(), flow, ctx, evt)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if outcome.NextStateID == nil || *outcome.NextStateID != "c" {
		t.Fatalf("expected highest-priority branch 'c', got %v", outcome.NextStateID)
	}
	if outcome.SelectedBranch != "high" {
		t.Fatalf("expected selectedBranch 'high', got %q", outcome.SelectedBranch)
	}
}

func TestStepParallelWaitAllMergesAllBranchData(t *testing.T) {
	emit := func(key string) workflow.StateOption {
		return workflow.WithHandler(func(ctx context.Context, e event.Event, sc handler.StateContext) (handler.StepResult, error) {
			return handler.Succeed(map[string]interface{}{key: true}), nil
		})
	}
	flow := mustBuild(t, workflow.NewBuilder("wf", "Workflow").
		States(
			workflow.NewParallelState("dispatch", "Dispatch", workflow.ParallelConfiguration{
				Branches: []workflow.ParallelBranch{
					{BranchID: "sms", TargetState: "send_sms"},
					{BranchID: "email", TargetState: "send_email"},
				},
				WaitStrategy:  workflow.WaitAll,
				ErrorStrategy: workflow.ErrorFailAll,
			}, workflow.AsInitial()),
			workflow.NewSequentialState("send_sms", "SMS", emit("smsSent")),
			workflow.NewSequentialState("send_email", "Email", emit("emailSent")),
			workflow.NewSequentialState("confirm_sent", "Confirmed", workflow.AsFinal()),
		).
		Transition("dispatch", "confirm_sent", workflow.Success(), 0))

	ctx := sredcontext.New("i1", "dispatch", nil)
	evt := event.New(event.Type{Namespace: "x", Name: "dispatch"}, "dispatch")

	ex := New()
	outcome, err := ex.Step(context.Background(), flow, ctx, evt)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if outcome.NextStateID == nil || *outcome.NextStateID != "confirm_sent" {
		t.Fatalf("expected join at confirm_sent, got %v", outcome.NextStateID)
	}
	if v, ok := outcome.Context.GetLocalBool("smsSent"); !ok || !v {
		t.Fatal("expected smsSent merged from sms branch")
	}
	if v, ok := outcome.Context.GetLocalBool("emailSent"); !ok || !v {
		t.Fatal("expected emailSent merged from email branch")
	}
}

func TestStepUnknownStateIsExecutionError(t *testing.T) {
	flow := mustBuild(t, workflow.NewBuilder("wf", "Workflow").
		State(workflow.NewSequentialState("start", "Start", workflow.AsInitial())))

	ctx := sredcontext.New("i1", "ghost", nil)
	evt := event.New(event.Type{Namespace: "x", Name: "go"}, "go")

	ex := New()
	_, err := ex.Step(context.Background(), flow, ctx, evt)
	execErr, ok := err.(*ExecutionError)
	if !ok || execErr.Code != CodeUnknownState {
		t.Fatalf("expected ExecutionError(UNKNOWN_STATE), got %v", err)
	}
}

var errInvalid = stepError("invalid")

type stepError string

func (e stepError) Error() string { return string(e) }
