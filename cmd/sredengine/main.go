// Command sredengine boots an in-memory engine with a handful of small
// demo workflows and drives each through the engine's six scripted
// scenarios (happy path, failure branch, pause/resume, parallel
// fan-out, timeout expiry, and a forced transition), logging each
// step's outcome.
package main

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/quadgate/sred/pkg/engine"
	"github.com/quadgate/sred/pkg/event"
	"github.com/quadgate/sred/pkg/handler"
	"github.com/quadgate/sred/pkg/workflow"
)

func processEvent() event.Type { return event.Type{Namespace: "signup", Name: "process"} }
func confirmEvent() event.Type { return event.Type{Namespace: "signup", Name: "confirm"} }
func dispatchEvent() event.Type { return event.Type{Namespace: "signup", Name: "dispatch"} }

func main() {
	runHappyPathAndFailureBranch()
	runPauseAndResume()
	runParallelFanOut()
	runTimeoutExpiry()
	runForceTransition()
}

// S1/S2: start → validate → store → done, with validate's outcome
// toggled between the two runs to exercise both the success path and
// the failure branch into the error state.
func runHappyPathAndFailureBranch() {
	flow, err := workflow.NewBuilder("signup", "Signup").
		States(
			workflow.NewSequentialState("start", "Start", workflow.AsInitial()),
			workflow.NewSequentialState("validate", "Validate"),
			workflow.NewSequentialState("store", "Store"),
			workflow.NewSequentialState("done", "Done", workflow.AsFinal()),
			workflow.NewSequentialState("failed", "Failed", workflow.AsError()),
		).
		Transition("start", "validate", workflow.Success(), 1).
		Transition("validate", "store", workflow.Success(), 1).
		Transition("validate", "failed", workflow.Failure(), 1).
		Transition("store", "done", workflow.Success(), 1).
		Build()
	if err != nil {
		log.Fatalf("building signup workflow: %v", err)
	}

	validateFails := false
	validate := func(ctx context.Context, evt event.Event, sc handler.StateContext) (handler.StepResult, error) {
		if validateFails {
			return handler.Fail(errors.New("invalid")), nil
		}
		return handler.Succeed(map[string]interface{}{"validated": true}), nil
	}

	eng, err := engine.New().
		StateFlow(flow).
		Handlers(map[string]handler.Func{"validate": validate}).
		AutoStart(true).
		Build()
	if err != nil {
		log.Fatalf("building engine: %v", err)
	}
	defer eng.Close(context.Background())

	ctx := context.Background()

	log.Println("--- S1: happy path ---")
	if _, err := eng.StartInstance(ctx, "signup-1", map[string]interface{}{
		"email": "u@e", "password": "p", "username": "u",
	}, "signup"); err != nil {
		log.Fatalf("start: %v", err)
	}
	for i := 0; i < 3; i++ {
		runStep(ctx, eng, "signup-1", i+1)
	}

	log.Println("--- S2: failure branch ---")
	validateFails = true
	if _, err := eng.StartInstance(ctx, "signup-2", nil, "signup"); err != nil {
		log.Fatalf("start: %v", err)
	}
	for i := 0; i < 2; i++ {
		runStep(ctx, eng, "signup-2", i+1)
	}
}

func runStep(ctx context.Context, eng *engine.Engine, instanceID string, step int) {
	result, err := eng.Process(ctx, instanceID, processEvent(), "process", nil)
	if err != nil {
		log.Fatalf("process: %v", err)
	}
	state, _ := eng.GetCurrentState(ctx, instanceID)
	log.Printf("%s step %d: success=%v state=%s", instanceID, step, result.Success, state)
}

// S3: await_confirm pauses on entry; the instance only leaves it once
// an explicit confirm event arrives, and the pause markers clear.
func runPauseAndResume() {
	flow, err := workflow.NewBuilder("confirmation", "Confirmation").
		States(
			workflow.NewSequentialState("start", "Start", workflow.AsInitial()),
			workflow.NewSequentialState("await_confirm", "AwaitConfirm", workflow.PauseOnEnter(true)),
			workflow.NewSequentialState("done", "Done", workflow.AsFinal()),
		).
		Transition("start", "await_confirm", workflow.Success(), 1).
		Transition("await_confirm", "done", workflow.Success(), 1).
		Build()
	if err != nil {
		log.Fatalf("building confirmation workflow: %v", err)
	}

	eng, err := engine.New().StateFlow(flow).AutoStart(true).Build()
	if err != nil {
		log.Fatalf("building engine: %v", err)
	}
	defer eng.Close(context.Background())

	ctx := context.Background()
	log.Println("--- S3: pause and resume ---")
	if _, err := eng.StartInstance(ctx, "confirm-1", nil, "confirmation"); err != nil {
		log.Fatalf("start: %v", err)
	}
	if _, err := eng.Process(ctx, "confirm-1", processEvent(), "process", nil); err != nil {
		log.Fatalf("process: %v", err)
	}

	sc, err := eng.GetContext(ctx, "confirm-1")
	if err != nil {
		log.Fatalf("get context: %v", err)
	}
	log.Printf("confirm-1 paused at %q, metadata=%v", sc.CurrentStateID, sc.Metadata())

	if _, err := eng.Process(ctx, "confirm-1", confirmEvent(), "confirm", nil); err != nil {
		log.Fatalf("process confirm: %v", err)
	}
	sc, _ = eng.GetContext(ctx, "confirm-1")
	log.Printf("confirm-1 resumed to %q, metadata=%v", sc.CurrentStateID, sc.Metadata())
}

// S4: dispatch forks into send_sms/send_email and joins at
// confirm_sent once both branches report success.
func runParallelFanOut() {
	smsHandler := func(ctx context.Context, evt event.Event, sc handler.StateContext) (handler.StepResult, error) {
		return handler.Succeed(map[string]interface{}{"smsSent": true}), nil
	}
	emailHandler := func(ctx context.Context, evt event.Event, sc handler.StateContext) (handler.StepResult, error) {
		return handler.Succeed(map[string]interface{}{"emailSent": true}), nil
	}

	flow, err := workflow.NewBuilder("notify", "Notify").
		States(
			workflow.NewSequentialState("start", "Start", workflow.AsInitial()),
			workflow.NewParallelState("dispatch", "Dispatch", workflow.ParallelConfiguration{
				Branches: []workflow.ParallelBranch{
					{BranchID: "sms", TargetState: "send_sms"},
					{BranchID: "email", TargetState: "send_email"},
				},
				WaitStrategy:  workflow.WaitAll,
				ErrorStrategy: workflow.ErrorFailAll,
			}),
			workflow.NewSequentialState("send_sms", "SendSMS", workflow.WithHandler(smsHandler)),
			workflow.NewSequentialState("send_email", "SendEmail", workflow.WithHandler(emailHandler)),
			workflow.NewJoinState("confirm_sent", "ConfirmSent", workflow.AsFinal()),
		).
		Transition("start", "dispatch", workflow.Success(), 1).
		Transition("dispatch", "confirm_sent", workflow.Success(), 1).
		Build()
	if err != nil {
		log.Fatalf("building notify workflow: %v", err)
	}

	eng, err := engine.New().StateFlow(flow).AutoStart(true).Build()
	if err != nil {
		log.Fatalf("building engine: %v", err)
	}
	defer eng.Close(context.Background())

	ctx := context.Background()
	log.Println("--- S4: parallel fan-out ---")
	if _, err := eng.StartInstance(ctx, "notify-1", nil, "notify"); err != nil {
		log.Fatalf("start: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := eng.Process(ctx, "notify-1", dispatchEvent(), "dispatch", nil); err != nil {
			log.Fatalf("process: %v", err)
		}
	}
	sc, err := eng.GetContext(ctx, "notify-1")
	if err != nil {
		log.Fatalf("get context: %v", err)
	}
	log.Printf("notify-1 state=%q localState=%v", sc.CurrentStateID, sc.LocalState())
}

// S5: await_user both pauses on entry and declares a 1-second timeout
// that the control-plane sweeper forces into expired once it elapses.
func runTimeoutExpiry() {
	flow, err := workflow.NewBuilder("checkout", "Checkout").
		States(
			workflow.NewSequentialState("start", "Start", workflow.AsInitial()),
			workflow.NewSequentialState("await_user", "AwaitUser",
				workflow.PauseOnEnter(true),
				workflow.WithTimeout(1),
				workflow.WithTimeoutAction(workflow.TimeoutAction{
					Kind:        workflow.TimeoutActionTransition,
					TargetState: "expired",
				})),
			workflow.NewSequentialState("expired", "Expired", workflow.AsError()),
		).
		Transition("start", "await_user", workflow.Success(), 1).
		Build()
	if err != nil {
		log.Fatalf("building checkout workflow: %v", err)
	}

	eng, err := engine.New().StateFlow(flow).AutoStart(true).Build()
	if err != nil {
		log.Fatalf("building engine: %v", err)
	}
	defer eng.Close(context.Background())

	ctx := context.Background()
	log.Println("--- S5: timeout expiry ---")
	if _, err := eng.StartInstance(ctx, "checkout-1", nil, "checkout"); err != nil {
		log.Fatalf("start: %v", err)
	}
	if _, err := eng.Process(ctx, "checkout-1", processEvent(), "process", nil); err != nil {
		log.Fatalf("process: %v", err)
	}

	// the default control-plane sweep interval is 5s; wait past it so
	// the sweeper has a chance to observe and act on the expired pause.
	time.Sleep(6 * time.Second)

	state, err := eng.GetCurrentState(ctx, "checkout-1")
	if err != nil {
		log.Fatalf("get current state: %v", err)
	}
	log.Printf("checkout-1 state after sweep=%q", state)
}

// S6: store's handler always fails, but forceTransition bypasses it
// entirely and drives the instance to done directly.
func runForceTransition() {
	storeAlwaysFails := func(ctx context.Context, evt event.Event, sc handler.StateContext) (handler.StepResult, error) {
		return handler.Fail(errors.New("store is broken")), nil
	}

	flow, err := workflow.NewBuilder("order", "Order").
		States(
			workflow.NewSequentialState("start", "Start", workflow.AsInitial()),
			workflow.NewSequentialState("store", "Store", workflow.WithHandler(storeAlwaysFails)),
			workflow.NewSequentialState("done", "Done", workflow.AsFinal()),
			workflow.NewSequentialState("failed", "Failed", workflow.AsError()),
		).
		Transition("start", "store", workflow.Success(), 1).
		Transition("store", "failed", workflow.Failure(), 1).
		Build()
	if err != nil {
		log.Fatalf("building order workflow: %v", err)
	}

	eng, err := engine.New().StateFlow(flow).AutoStart(true).Build()
	if err != nil {
		log.Fatalf("building engine: %v", err)
	}
	defer eng.Close(context.Background())

	ctx := context.Background()
	log.Println("--- S6: force transition bypasses handler ---")
	if _, err := eng.StartInstance(ctx, "order-1", nil, "order"); err != nil {
		log.Fatalf("start: %v", err)
	}
	if _, err := eng.Process(ctx, "order-1", processEvent(), "process", nil); err != nil {
		log.Fatalf("process: %v", err)
	}
	state, _ := eng.GetCurrentState(ctx, "order-1")
	log.Printf("order-1 reached %q without invoking store's handler yet", state)

	if err := eng.ForceTransition(ctx, "order-1", "done", "admin"); err != nil {
		log.Fatalf("force transition: %v", err)
	}
	state, _ = eng.GetCurrentState(ctx, "order-1")
	log.Printf("order-1 forced to %q, bypassing store's failing handler", state)
}
