package instance

import (
	"context"
	"errors"
	"testing"

	"github.com/quadgate/sred/pkg/event"
	"github.com/quadgate/sred/pkg/executor"
	"github.com/quadgate/sred/pkg/handler"
	"github.com/quadgate/sred/pkg/persistence/memstore"
	"github.com/quadgate/sred/pkg/sredcore"
	"github.com/quadgate/sred/pkg/workflow"
)

func orderSubmitted() event.Type { return event.Type{Namespace: "orders", Name: "submitted"} }
func orderApproved() event.Type  { return event.Type{Namespace: "orders", Name: "approved"} }

func approvalWorkflow(t *testing.T, pauseOnReview bool) *workflow.WorkflowFlow {
	t.Helper()
	flow, err := workflow.NewBuilder("approval", "Approval").
		States(
			workflow.NewSequentialState("start", "Start", workflow.AsInitial()),
			workflow.NewSequentialState("review", "Review", workflow.PauseOnEnter(pauseOnReview)),
			workflow.NewSequentialState("approved", "Approved", workflow.AsFinal(),
				workflow.WithHandler(func(ctx context.Context, evt event.Event, sc handler.StateContext) (handler.StepResult, error) {
					return handler.Succeed(map[string]interface{}{"done": true}), nil
				})),
		).
		Transition("start", "review", workflow.Success(), 1).
		Transition("review", "approved", workflow.Success(), 1).
		Build()
	if err != nil {
		t.Fatalf("build workflow: %v", err)
	}
	return flow
}

func newManager(t *testing.T, flow *workflow.WorkflowFlow) *Manager {
	t.Helper()
	store := memstore.New()
	mgr := New(store, executor.New(), sredcore.NewDefaultLogger())
	mgr.RegisterWorkflow("approval", flow)
	return mgr
}

func TestStartCreatesInstanceAtInitialState(t *testing.T) {
	mgr := newManager(t, approvalWorkflow(t, false))
	ctx := context.Background()
	sc, err := mgr.Start(ctx, "inst1", map[string]interface{}{"orderId": "o1"}, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if sc.CurrentStateID != "start" {
		t.Fatalf("expected initial state 'start', got %q", sc.CurrentStateID)
	}
}

func TestProcessAdvancesStateAndPersists(t *testing.T) {
	mgr := newManager(t, approvalWorkflow(t, false))
	ctx := context.Background()
	if _, err := mgr.Start(ctx, "inst1", nil, ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	result, err := mgr.Process(ctx, "inst1", orderSubmitted(), "submit", nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success result")
	}

	state, err := mgr.GetCurrentState(ctx, "inst1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state != "review" {
		t.Fatalf("expected state 'review', got %q", state)
	}

	mgr.Stop("inst1")
	state, err = mgr.GetCurrentState(ctx, "inst1")
	if err != nil {
		t.Fatalf("get state after reload: %v", err)
	}
	if state != "review" {
		t.Fatalf("expected recovered state 'review', got %q", state)
	}
}

func TestProcessUnknownInstanceFails(t *testing.T) {
	mgr := newManager(t, approvalWorkflow(t, false))
	_, err := mgr.Process(context.Background(), "missing", orderSubmitted(), "submit", nil)
	if err == nil {
		t.Fatalf("expected error for unknown instance")
	}
	ierr, ok := err.(*Error)
	if !ok || ierr.Code != CodeInstanceNotFound {
		t.Fatalf("expected CodeInstanceNotFound, got %v", err)
	}
}

func TestPauseOnEnterSetsAndClearsMarkers(t *testing.T) {
	mgr := newManager(t, approvalWorkflow(t, true))
	ctx := context.Background()
	mgr.Start(ctx, "inst1", nil, "")

	mgr.Process(ctx, "inst1", orderSubmitted(), "submit", nil)
	sc, err := mgr.GetContext(ctx, "inst1")
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	if !sc.IsPaused() {
		t.Fatalf("expected instance to be paused entering 'review'")
	}

	mgr.Process(ctx, "inst1", orderApproved(), "approve", nil)
	sc, err = mgr.GetContext(ctx, "inst1")
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	if sc.IsPaused() {
		t.Fatalf("expected pause markers cleared after leaving 'review'")
	}
	if sc.CurrentStateID != "approved" {
		t.Fatalf("expected state 'approved', got %q", sc.CurrentStateID)
	}
}

func TestRunUntilCompleteStopsAtTerminalState(t *testing.T) {
	mgr := newManager(t, approvalWorkflow(t, false))
	ctx := context.Background()
	mgr.Start(ctx, "inst1", nil, "")

	events := []struct {
		Type    event.Type
		Name    string
		Payload map[string]interface{}
	}{
		{Type: orderSubmitted(), Name: "submit"},
		{Type: orderApproved(), Name: "approve"},
	}

	var completedAt string
	state, err := mgr.RunUntilComplete(ctx, "inst1", events, Callbacks{
		OnComplete: func(s string) { completedAt = s },
	})
	if err != nil {
		t.Fatalf("run until complete: %v", err)
	}
	if state != "approved" {
		t.Fatalf("expected final state 'approved', got %q", state)
	}
	if completedAt != "approved" {
		t.Fatalf("expected OnComplete callback fired at 'approved', got %q", completedAt)
	}
}

func TestRunUntilCompleteStopsAtPauseOnEnter(t *testing.T) {
	mgr := newManager(t, approvalWorkflow(t, true))
	ctx := context.Background()
	mgr.Start(ctx, "inst1", nil, "")

	events := []struct {
		Type    event.Type
		Name    string
		Payload map[string]interface{}
	}{
		{Type: orderSubmitted(), Name: "submit"},
		{Type: orderApproved(), Name: "approve"},
	}

	state, err := mgr.RunUntilComplete(ctx, "inst1", events, Callbacks{})
	if err != nil {
		t.Fatalf("run until complete: %v", err)
	}
	if state != "review" {
		t.Fatalf("expected run to stop paused at 'review', got %q", state)
	}
}

func TestForceTransitionBypassesHandlersAndRecordsReason(t *testing.T) {
	mgr := newManager(t, approvalWorkflow(t, false))
	ctx := context.Background()
	mgr.Start(ctx, "inst1", nil, "")

	if err := mgr.ForceTransition(ctx, "inst1", "approved", "manual override by admin"); err != nil {
		t.Fatalf("force transition: %v", err)
	}
	state, err := mgr.GetCurrentState(ctx, "inst1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state != "approved" {
		t.Fatalf("expected forced state 'approved', got %q", state)
	}
}

func TestForceTransitionUnknownTargetFails(t *testing.T) {
	mgr := newManager(t, approvalWorkflow(t, false))
	ctx := context.Background()
	mgr.Start(ctx, "inst1", nil, "")

	err := mgr.ForceTransition(ctx, "inst1", "nonexistent", "bad target")
	if err == nil {
		t.Fatalf("expected error for unknown target state")
	}
	ierr, ok := err.(*Error)
	if !ok || ierr.Code != CodeStateNotFound {
		t.Fatalf("expected CodeStateNotFound, got %v", err)
	}
}

func TestUpdateMetadataMergesAndPersists(t *testing.T) {
	mgr := newManager(t, approvalWorkflow(t, false))
	ctx := context.Background()
	mgr.Start(ctx, "inst1", nil, "")

	if err := mgr.UpdateMetadata(ctx, "inst1", map[string]interface{}{"priority": "high"}); err != nil {
		t.Fatalf("update metadata: %v", err)
	}
	sc, err := mgr.GetContext(ctx, "inst1")
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	if sc.Metadata()["priority"] != "high" {
		t.Fatalf("expected metadata to carry priority=high, got %v", sc.Metadata())
	}
}

func TestRefreshWorkflowSwapsCatalogEntry(t *testing.T) {
	mgr := newManager(t, approvalWorkflow(t, false))
	replacement := approvalWorkflow(t, true)
	if err := mgr.RefreshWorkflow(context.Background(), "approval", replacement); err != nil {
		t.Fatalf("refresh workflow: %v", err)
	}

	flow, ok := mgr.workflowByID("approval")
	if !ok {
		t.Fatalf("expected workflow to still be registered")
	}
	reviewState, _ := flow.State("review")
	if !reviewState.PauseOnEnter {
		t.Fatalf("expected refreshed workflow to have pauseOnEnter review state")
	}
}

func TestAuthorizerGatesForceTransitionAndRefreshWorkflow(t *testing.T) {
	mgr := newManager(t, approvalWorkflow(t, false))
	ctx := context.Background()
	mgr.Start(ctx, "inst1", nil, "")
	mgr.Process(ctx, "inst1", orderSubmitted(), "submit", nil)

	denied := errors.New("no admin token")
	mgr.SetAuthorizer(func(ctx context.Context, action string) error { return denied })

	err := mgr.ForceTransition(ctx, "inst1", "approved", "bypass")
	if err == nil {
		t.Fatal("expected ForceTransition to be denied by the authorizer")
	}
	if ierr, ok := err.(*Error); !ok || ierr.Code != CodeUnauthorized {
		t.Fatalf("expected CodeUnauthorized, got %v", err)
	}

	if err := mgr.RefreshWorkflow(ctx, "approval", approvalWorkflow(t, true)); err == nil {
		t.Fatal("expected RefreshWorkflow to be denied by the authorizer")
	}

	mgr.SetAuthorizer(func(ctx context.Context, action string) error { return nil })
	if err := mgr.ForceTransition(ctx, "inst1", "approved", "with token"); err != nil {
		t.Fatalf("expected ForceTransition to succeed once authorized, got %v", err)
	}
}

func TestStopAllClearsActiveInstances(t *testing.T) {
	mgr := newManager(t, approvalWorkflow(t, false))
	ctx := context.Background()
	mgr.Start(ctx, "inst1", nil, "")
	mgr.Start(ctx, "inst2", nil, "")

	mgr.StopAll()

	if len(mgr.active) != 0 {
		t.Fatalf("expected no active instances after StopAll, got %d", len(mgr.active))
	}
	// Instances remain recoverable from durable storage.
	state, err := mgr.GetCurrentState(ctx, "inst1")
	if err != nil || state != "start" {
		t.Fatalf("expected inst1 to still be recoverable at 'start', got %q, %v", state, err)
	}
}
