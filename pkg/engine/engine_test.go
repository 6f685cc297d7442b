package engine

import (
	"context"
	"testing"
	"time"

	"github.com/quadgate/sred/pkg/event"
	"github.com/quadgate/sred/pkg/handler"
	"github.com/quadgate/sred/pkg/sredsecurity"
	"github.com/quadgate/sred/pkg/workflow"
)

func orderSubmitted() event.Type { return event.Type{Namespace: "orders", Name: "submitted"} }
func orderApproved() event.Type  { return event.Type{Namespace: "orders", Name: "approved"} }

func approvalFlow(t *testing.T) *workflow.WorkflowFlow {
	t.Helper()
	flow, err := workflow.NewBuilder("approval", "Approval").
		States(
			workflow.NewSequentialState("start", "Start", workflow.AsInitial()),
			workflow.NewSequentialState("review", "Review"),
			workflow.NewSequentialState("approved", "Approved", workflow.AsFinal()),
		).
		Transition("start", "review", workflow.Success(), 1).
		Transition("review", "approved", workflow.Success(), 1).
		Build()
	if err != nil {
		t.Fatalf("build workflow: %v", err)
	}
	return flow
}

func buildEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := New().
		StateFlow(approvalFlow(t)).
		Handlers(map[string]handler.Func{
			"review": func(ctx context.Context, evt event.Event, sc handler.StateContext) (handler.StepResult, error) {
				return handler.Succeed(map[string]interface{}{"reviewed": true}), nil
			},
		}).
		AutoStart(true).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	return eng
}

func TestBuildDefaultsToInMemoryPersistence(t *testing.T) {
	eng := buildEngine(t)
	ctx := context.Background()
	if _, err := eng.StartInstance(ctx, "i1", nil, "approval"); err != nil {
		t.Fatalf("start instance: %v", err)
	}
	state, err := eng.GetCurrentState(ctx, "i1")
	if err != nil {
		t.Fatalf("get current state: %v", err)
	}
	if state != "start" {
		t.Fatalf("expected initial state 'start', got %q", state)
	}
}

func TestProcessDrivesHandlerBoundByName(t *testing.T) {
	eng := buildEngine(t)
	ctx := context.Background()
	if _, err := eng.StartInstance(ctx, "i1", nil, "approval"); err != nil {
		t.Fatalf("start instance: %v", err)
	}
	if _, err := eng.Process(ctx, "i1", orderSubmitted(), "submitted", nil); err != nil {
		t.Fatalf("process: %v", err)
	}
	state, err := eng.GetCurrentState(ctx, "i1")
	if err != nil {
		t.Fatalf("get current state: %v", err)
	}
	if state != "review" {
		t.Fatalf("expected state 'review', got %q", state)
	}

	if _, err := eng.Process(ctx, "i1", orderApproved(), "approved", nil); err != nil {
		t.Fatalf("process: %v", err)
	}
	sc, err := eng.GetContext(ctx, "i1")
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	if sc.CurrentStateID != "approved" {
		t.Fatalf("expected state 'approved', got %q", sc.CurrentStateID)
	}
	if v, ok := sc.GetLocal("reviewed"); !ok || v != true {
		t.Fatalf("expected the handler bound to 'review' to have run, got %v", sc.LocalState())
	}
}

func TestForceTransitionRequiresAdminTokenWhenSecurityConfigured(t *testing.T) {
	eng, err := New().
		StateFlow(approvalFlow(t)).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close(context.Background()) })

	tokens, err := sredsecurity.NewTokenService("test-signing-key", "sred-engine-test")
	if err != nil {
		t.Fatalf("new token service: %v", err)
	}
	eng.manager.SetAuthorizer(tokens.Authorizer())
	eng.tokens = tokens

	ctx := context.Background()
	if _, err := eng.StartInstance(ctx, "i1", nil, "approval"); err != nil {
		t.Fatalf("start instance: %v", err)
	}

	if err := eng.ForceTransition(ctx, "i1", "approved", "no token"); err == nil {
		t.Fatalf("expected ForceTransition without an admin token to be rejected")
	}

	token, err := eng.IssueAdminToken("operator", time.Hour)
	if err != nil {
		t.Fatalf("issue admin token: %v", err)
	}
	adminCtx := sredsecurity.WithAdminToken(ctx, token)
	if err := eng.ForceTransition(adminCtx, "i1", "approved", "with token"); err != nil {
		t.Fatalf("expected ForceTransition with a valid admin token to succeed, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	eng := buildEngine(t)
	if err := eng.Close(context.Background()); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := eng.Close(context.Background()); err != nil {
		t.Fatalf("second close should be a no-op, got: %v", err)
	}
}
