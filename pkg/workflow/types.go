// Package workflow assembles the in-memory representation of a
// workflow's states and transitions (spec §3, §4.1), grounded on the
// teacher's pkg/statemachine (StateMachineDefinition/StateDefinition/
// TransitionDefinition) generalized to the richer execution-mode model
// (sequential/conditional/parallel/join) this engine needs, plus the
// fluent builder idiom from pkg/statemachine/builder.go and
// examples/statemachine/order_processing.go.
package workflow

import (
	"github.com/quadgate/sred/pkg/event"
	"github.com/quadgate/sred/pkg/handler"
)

// StateType classifies a state's role in the workflow graph.
type StateType string

const (
	StateInitial StateType = "INITIAL"
	StateNormal  StateType = "NORMAL"
	StateFinal   StateType = "FINAL"
	StateError   StateType = "ERROR"
)

// ExecutionMode selects how the executor runs a state's step.
type ExecutionMode string

const (
	ModeSequential  ExecutionMode = "SEQUENTIAL"
	ModeConditional ExecutionMode = "CONDITIONAL"
	ModeParallel    ExecutionMode = "PARALLEL"
	ModeJoin        ExecutionMode = "JOIN"
)

// ConditionKind selects how a TransitionDefinition's condition is
// evaluated against a step result.
type ConditionKind string

const (
	ConditionSuccess ConditionKind = "SUCCESS"
	ConditionFailure ConditionKind = "FAILURE"
	ConditionCustom  ConditionKind = "CUSTOM"
)

// Predicate evaluates a Custom condition over a step result.
type Predicate func(result handler.StepResult) bool

// Condition is a transition's guard over the outcome of a step.
type Condition struct {
	Kind      ConditionKind
	Predicate Predicate // only used when Kind == ConditionCustom
}

func Success() Condition { return Condition{Kind: ConditionSuccess} }
func Failure() Condition { return Condition{Kind: ConditionFailure} }
func Custom(p Predicate) Condition {
	return Condition{Kind: ConditionCustom, Predicate: p}
}

// Matches reports whether the condition holds for the given step result.
func (c Condition) Matches(result handler.StepResult) bool {
	switch c.Kind {
	case ConditionSuccess:
		return result.Success
	case ConditionFailure:
		return !result.Success
	case ConditionCustom:
		if c.Predicate == nil {
			return false
		}
		return c.Predicate(result)
	default:
		return false
	}
}

// TimeoutActionKind selects what happens when a state outlives its
// timeout.
type TimeoutActionKind string

const (
	TimeoutActionTransition TimeoutActionKind = "TRANSITION"
	TimeoutActionEvent      TimeoutActionKind = "EVENT"
)

// TimeoutAction is the pre-declared side effect applied by the
// control-plane sweeper when a paused state's timeout elapses. The
// sweeper scans paused instances only; running instances are not swept.
type TimeoutAction struct {
	Kind        TimeoutActionKind
	TargetState string // TimeoutActionTransition
	EventType   string // TimeoutActionEvent
	EventName   string // TimeoutActionEvent
}

// BranchPredicate evaluates a CONDITIONAL state's branch against the
// triggering event and the instance's context (spec §3: "condition
// evaluated against current state, event, context").
type BranchPredicate func(evt event.Event, ctx handler.StateContext) bool

// BranchConfiguration is one outgoing option of a CONDITIONAL state.
type BranchConfiguration struct {
	Name        string
	TargetState string
	Condition   BranchPredicate
	Priority    int
}

// WaitStrategy selects how a PARALLEL state's fork waits on its
// branches.
type WaitStrategy string

const (
	WaitAll    WaitStrategy = "ALL"
	WaitAny    WaitStrategy = "ANY"
	WaitNCount WaitStrategy = "N_COUNT"
)

// ErrorStrategy selects how a PARALLEL state aggregates branch failures.
type ErrorStrategy string

const (
	ErrorFailAll          ErrorStrategy = "FAIL_ALL"
	ErrorIgnoreFailures   ErrorStrategy = "IGNORE_FAILURES"
	ErrorTolerateFailures ErrorStrategy = "TOLERATE_FAILURES"
)

// ParallelBranch is one fork target of a PARALLEL state.
type ParallelBranch struct {
	BranchID    string
	TargetState string
}

// ParallelConfiguration configures a PARALLEL (fork) state.
type ParallelConfiguration struct {
	Branches      []ParallelBranch
	WaitStrategy  WaitStrategy
	NCount        int // only meaningful when WaitStrategy == WaitNCount
	Timeout       int // seconds; stored only, the executor does not read it
	ErrorStrategy ErrorStrategy
}

// StateDefinition describes one node of the workflow graph.
type StateDefinition struct {
	ID          string
	Name        string
	Type        StateType
	ParentID    string
	IsInitial   bool
	IsFinal     bool
	IsError     bool
	Pauseable   bool
	Timeout     *int // nil = none, -1 = unlimited, >0 = seconds; 0 is invalid
	PauseOnEnter bool
	TimeoutAction *TimeoutAction
	ExecutionMode ExecutionMode
	Branches      []BranchConfiguration // CONDITIONAL
	Parallel      *ParallelConfiguration // PARALLEL
	Handler       handler.Func
}

// TransitionDefinition is a directed, conditioned, prioritized edge.
type TransitionDefinition struct {
	From      string
	To        string
	Condition Condition
	Priority  int
}

// FlowConfig holds flow-level defaults. No package reads them; they are
// not applied to states that leave the matching field unset.
type FlowConfig struct {
	Pauseable      bool
	DefaultTimeout *int
	AutoResume     bool
}

// WorkflowFlow is the built, validated, executable workflow: a named
// mapping of state id to StateDefinition plus an ordered outgoing
// transition table, keyed by from-state id.
type WorkflowFlow struct {
	ID          string
	Name        string
	Description string
	Version     string
	Author      string
	Config      FlowConfig
	States      map[string]StateDefinition
	Transitions map[string][]TransitionDefinition // from-state id -> transitions, priority-sorted
}

// State looks up a state definition by id.
func (f *WorkflowFlow) State(id string) (StateDefinition, bool) {
	s, ok := f.States[id]
	return s, ok
}

// OutgoingTransitions returns the transitions declared from a state id,
// in descending-priority order (ties preserve declaration order).
func (f *WorkflowFlow) OutgoingTransitions(stateID string) []TransitionDefinition {
	return f.Transitions[stateID]
}

// InitialState returns the workflow's single initial state.
func (f *WorkflowFlow) InitialState() (StateDefinition, bool) {
	for _, s := range f.States {
		if s.IsInitial {
			return s, true
		}
	}
	return StateDefinition{}, false
}
