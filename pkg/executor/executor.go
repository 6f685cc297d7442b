// Package executor implements the per-workflow state machine step: given
// an instance's current state and context, apply one event and compute
// the next state, following spec §4.2's per-execution-mode contract.
// Grounded on the teacher's pkg/statemachine/machine.go processEvent
// flow (handler invocation, transition lookup, history emission) and
// pkg/workflow/engine.go's merge/fan-out bookkeeping for the parallel
// case, which this engine's own (separately named) pkg/workflow package
// does not provide — the teacher's two packages model two different
// concerns that this executor had to unify.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/quadgate/sred/pkg/event"
	"github.com/quadgate/sred/pkg/handler"
	"github.com/quadgate/sred/pkg/sredcontext"
	"github.com/quadgate/sred/pkg/workflow"
)

// Code enumerates executor-internal invariant violations (spec §7
// "Execution" kind).
type Code string

const (
	CodeUnknownState    Code = "UNKNOWN_STATE"
	CodeNoBranchMatched Code = "NO_BRANCH_MATCHED"
	CodeInvariant       Code = "EXECUTION_ERROR"
)

// ExecutionError reports an executor-internal invariant violation. It
// aborts the step without updating current state, distinct from a
// handler failure (which is data, not control — spec §9).
type ExecutionError struct {
	Code    Code
	Message string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("executor [%s]: %s", e.Code, e.Message)
}

// StepOutcome is the result of applying one event to one instance's
// current state.
type StepOutcome struct {
	NextStateID    *string // nil: unchanged, instance is in a waiting/sink state
	Context        sredcontext.StateContext
	Result         handler.StepResult
	History        *sredcontext.StateHistoryEntry // only populated if the state changed
	SelectedBranch string                         // CONDITIONAL only
}

// Executor runs one step of one workflow. It holds no per-instance
// state; callers (pkg/instance) own the serialization lock.
type Executor struct{}

// New returns a stateless Executor.
func New() *Executor { return &Executor{} }

// Step applies evt to current against flow, per spec §4.2. preferredOrder
// is an optional ranked list of target state ids (spec §9's advisory
// ranking plug point, surfaced via pkg/orchestrator.RankingHook): when
// non-empty, a transition whose target appears earlier in it wins over
// one that would otherwise come first by declared priority, as long as
// both still have a matching condition.
func (ex *Executor) Step(ctx context.Context, flow *workflow.WorkflowFlow, current sredcontext.StateContext, evt event.Event, preferredOrder ...string) (StepOutcome, error) {
	stateDef, ok := flow.State(current.CurrentStateID)
	if !ok {
		return StepOutcome{}, &ExecutionError{
			Code:    CodeUnknownState,
			Message: fmt.Sprintf("state %q not found in workflow %q", current.CurrentStateID, flow.ID),
		}
	}

	working := current.MergeLocal(evt.Payload()).WithEvent(evt)

	var (
		result         handler.StepResult
		nextStateID    *string
		selectedBranch string
	)

	switch stateDef.ExecutionMode {
	case workflow.ModeSequential, workflow.ModeJoin:
		result = runHandler(ctx, stateDef.Handler, evt, working)
		nextStateID = selectTransition(flow, stateDef.ID, result, preferredOrder)

	case workflow.ModeConditional:
		result = runHandler(ctx, stateDef.Handler, evt, working)
		if !result.Success {
			nextStateID = selectTransition(flow, stateDef.ID, result, preferredOrder)
			break
		}
		branch, matched := selectBranch(stateDef.Branches, evt, working)
		if !matched {
			return StepOutcome{}, &ExecutionError{
				Code:    CodeNoBranchMatched,
				Message: fmt.Sprintf("no branch matched for conditional state %q", stateDef.ID),
			}
		}
		selectedBranch = branch.Name
		target := branch.TargetState
		nextStateID = &target

	case workflow.ModeParallel:
		result = runHandler(ctx, stateDef.Handler, evt, working)
		if !result.Success {
			nextStateID = selectTransition(flow, stateDef.ID, result, preferredOrder)
			break
		}
		result = runParallel(ctx, flow, stateDef.Parallel, working, evt)
		nextStateID = selectTransition(flow, stateDef.ID, result, preferredOrder)

	default:
		return StepOutcome{}, &ExecutionError{
			Code:    CodeInvariant,
			Message: fmt.Sprintf("state %q has unknown execution mode %q", stateDef.ID, stateDef.ExecutionMode),
		}
	}

	mergedData := result.Data
	if selectedBranch != "" {
		if mergedData == nil {
			mergedData = map[string]interface{}{}
		} else {
			cp := make(map[string]interface{}, len(mergedData)+1)
			for k, v := range mergedData {
				cp[k] = v
			}
			mergedData = cp
		}
		mergedData["selectedBranch"] = selectedBranch
	}

	nextContext := working
	if len(mergedData) > 0 {
		nextContext = nextContext.MergeLocal(mergedData)
	}

	var history *sredcontext.StateHistoryEntry
	if nextStateID != nil && *nextStateID != stateDef.ID {
		from := stateDef.ID
		eid := evt.ID()
		nextContext = nextContext.WithCurrentState(*nextStateID)
		history = &sredcontext.StateHistoryEntry{
			ContextID:   current.ID,
			FromStateID: &from,
			ToStateID:   *nextStateID,
			EventID:     &eid,
		}
	}

	return StepOutcome{
		NextStateID:    nextStateID,
		Context:        nextContext,
		Result:         result,
		History:        history,
		SelectedBranch: selectedBranch,
	}, nil
}

// runHandler invokes fn if present, capturing both returned errors and
// panics into the step result rather than letting them escape (spec
// §9: "handler failures are data, not control").
func runHandler(ctx context.Context, fn handler.Func, evt event.Event, stateCtx sredcontext.StateContext) (result handler.StepResult) {
	if fn == nil {
		return handler.StepResult{Success: true}
	}
	defer func() {
		if r := recover(); r != nil {
			result = handler.Fail(fmt.Errorf("handler panicked: %v", r))
		}
	}()
	res, err := fn(ctx, evt, stateCtx)
	if err != nil {
		return handler.Fail(err)
	}
	return res
}

// selectTransition iterates a state's outgoing transitions in descending
// priority order (already sorted by workflow.Builder.Build) and returns
// the first whose condition matches, unless preferredOrder names an
// earlier-ranked target that also has a matching transition — in which
// case that target wins instead. nil means the instance is left in a
// waiting/sink state.
func selectTransition(flow *workflow.WorkflowFlow, stateID string, result handler.StepResult, preferredOrder []string) *string {
	candidates := flow.OutgoingTransitions(stateID)

	for _, preferred := range preferredOrder {
		for _, t := range candidates {
			if t.To == preferred && t.Condition.Matches(result) {
				to := t.To
				return &to
			}
		}
	}

	for _, t := range candidates {
		if t.Condition.Matches(result) {
			to := t.To
			return &to
		}
	}
	return nil
}

// selectBranch picks the maximum-priority branch whose condition holds;
// ties resolve by declaration order (spec §4.2) because a later branch
// only replaces the current winner on strictly greater priority.
func selectBranch(branches []workflow.BranchConfiguration, evt event.Event, stateCtx sredcontext.StateContext) (workflow.BranchConfiguration, bool) {
	var (
		best    workflow.BranchConfiguration
		found   bool
		bestPri int
	)
	for _, b := range branches {
		if b.Condition == nil || !b.Condition(evt, stateCtx) {
			continue
		}
		if !found || b.Priority > bestPri {
			found = true
			bestPri = b.Priority
			best = b
		}
	}
	return best, found
}

// runParallel forks the parallel state's branches, running each
// branch's target-state handler concurrently with a branch-tagged
// context, waits per waitStrategy, and aggregates per errorStrategy
// (spec §4.2).
func runParallel(ctx context.Context, flow *workflow.WorkflowFlow, cfg *workflow.ParallelConfiguration, stateCtx sredcontext.StateContext, evt event.Event) handler.StepResult {
	if cfg == nil || len(cfg.Branches) == 0 {
		return handler.Fail(fmt.Errorf("parallel state has no branches configured"))
	}

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type branchOutcome struct {
		branchID string
		result   handler.StepResult
	}

	results := make(chan branchOutcome, len(cfg.Branches))
	var wg sync.WaitGroup
	for _, b := range cfg.Branches {
		b := b
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-branchCtx.Done():
				results <- branchOutcome{branchID: b.BranchID, result: handler.Fail(branchCtx.Err())}
				return
			default:
			}
			tagged := stateCtx.WithMetadata(map[string]interface{}{"_branchId": b.BranchID})
			target, ok := flow.State(b.TargetState)
			if !ok {
				results <- branchOutcome{branchID: b.BranchID, result: handler.Fail(fmt.Errorf("branch %q targets unknown state %q", b.BranchID, b.TargetState))}
				return
			}
			results <- branchOutcome{branchID: b.BranchID, result: runHandler(branchCtx, target.Handler, evt, tagged)}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	want := len(cfg.Branches)
	switch cfg.WaitStrategy {
	case workflow.WaitAny:
		want = 1
	case workflow.WaitNCount:
		want = cfg.NCount
	}

	collected := make([]branchOutcome, 0, len(cfg.Branches))
	for o := range results {
		collected = append(collected, o)
		if len(collected) >= want && cfg.WaitStrategy != workflow.WaitAll {
			cancel()
			break
		}
	}

	merged := map[string]interface{}{}
	failures := 0
	for _, o := range collected {
		if o.result.Success {
			for k, v := range o.result.Data {
				merged[k] = v
			}
		} else {
			failures++
		}
	}

	switch cfg.ErrorStrategy {
	case workflow.ErrorFailAll:
		if failures > 0 {
			return handler.Fail(fmt.Errorf("%d of %d parallel branches failed", failures, len(collected)))
		}
		return handler.Succeed(merged)
	case workflow.ErrorIgnoreFailures:
		if failures == len(collected) {
			return handler.Fail(fmt.Errorf("all parallel branches failed"))
		}
		return handler.Succeed(merged)
	case workflow.ErrorTolerateFailures:
		if failures > 0 {
			return handler.Fail(fmt.Errorf("%d of %d parallel branches failed", failures, len(collected)))
		}
		return handler.Succeed(merged)
	default:
		return handler.Succeed(merged)
	}
}
