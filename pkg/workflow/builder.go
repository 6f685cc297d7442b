package workflow

import (
	"regexp"
	"sort"

	"github.com/quadgate/sred/pkg/handler"
)

// StateOption configures a StateDefinition produced by one of the
// New*State constructors below.
type StateOption func(*StateDefinition)

func AsInitial() StateOption       { return func(s *StateDefinition) { s.IsInitial = true } }
func AsFinal() StateOption         { return func(s *StateDefinition) { s.IsFinal = true } }
func AsError() StateOption         { return func(s *StateDefinition) { s.IsError = true } }
func WithParent(id string) StateOption {
	return func(s *StateDefinition) { s.ParentID = id }
}
func Pauseable(v bool) StateOption { return func(s *StateDefinition) { s.Pauseable = v } }
func PauseOnEnter(v bool) StateOption {
	return func(s *StateDefinition) { s.PauseOnEnter = v }
}
func WithTimeout(seconds int) StateOption {
	return func(s *StateDefinition) { s.Timeout = &seconds }
}
func WithTimeoutAction(a TimeoutAction) StateOption {
	return func(s *StateDefinition) { s.TimeoutAction = &a }
}
func WithHandler(fn handler.Func) StateOption {
	return func(s *StateDefinition) { s.Handler = fn }
}

// NewSequentialState builds a SEQUENTIAL state (the default mode).
func NewSequentialState(id, name string, opts ...StateOption) StateDefinition {
	return newState(id, name, ModeSequential, opts...)
}

// NewConditionalState builds a CONDITIONAL state with the given branches.
func NewConditionalState(id, name string, branches []BranchConfiguration, opts ...StateOption) StateDefinition {
	s := newState(id, name, ModeConditional, opts...)
	s.Branches = branches
	return s
}

// NewParallelState builds a PARALLEL (fork) state with the given
// parallel configuration.
func NewParallelState(id, name string, cfg ParallelConfiguration, opts ...StateOption) StateDefinition {
	s := newState(id, name, ModeParallel, opts...)
	s.Parallel = &cfg
	return s
}

// NewJoinState builds a JOIN state (the conventional target of a
// PARALLEL state's branches).
func NewJoinState(id, name string, opts ...StateOption) StateDefinition {
	return newState(id, name, ModeJoin, opts...)
}

func newState(id, name string, mode ExecutionMode, opts ...StateOption) StateDefinition {
	s := StateDefinition{
		ID:            id,
		Name:          name,
		Type:          StateNormal,
		ExecutionMode: mode,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.IsInitial {
		s.Type = StateInitial
	} else if s.IsFinal {
		s.Type = StateFinal
	} else if s.IsError {
		s.Type = StateError
	}
	return s
}

// Builder assembles a WorkflowFlow from state and transition
// declarations. Grounded on the teacher's pkg/statemachine.Builder
// fluent chain, generalized to this engine's execution-mode model.
type Builder struct {
	id          string
	name        string
	description string
	version     string
	author      string
	config      FlowConfig
	states      []StateDefinition
	transitions []TransitionDefinition
}

// NewBuilder starts a workflow builder for the given id/name.
func NewBuilder(id, name string) *Builder {
	return &Builder{id: id, name: name}
}

func (b *Builder) Description(d string) *Builder { b.description = d; return b }
func (b *Builder) Version(v string) *Builder      { b.version = v; return b }
func (b *Builder) Author(a string) *Builder       { b.author = a; return b }
func (b *Builder) Config(cfg FlowConfig) *Builder { b.config = cfg; return b }

// State adds a state declaration.
func (b *Builder) State(s StateDefinition) *Builder {
	b.states = append(b.states, s)
	return b
}

// States adds several state declarations.
func (b *Builder) States(states ...StateDefinition) *Builder {
	b.states = append(b.states, states...)
	return b
}

// Transition adds a transition declaration.
func (b *Builder) Transition(from, to string, cond Condition, priority int) *Builder {
	b.transitions = append(b.transitions, TransitionDefinition{
		From: from, To: to, Condition: cond, Priority: priority,
	})
	return b
}

// Bind attaches a handler function to an already-declared state id.
// External binders call this after scanning supplied objects for
// handler bindings (spec §6).
func (b *Builder) Bind(stateID string, fn handler.Func) *Builder {
	for i := range b.states {
		if b.states[i].ID == stateID {
			b.states[i].Handler = fn
			return b
		}
	}
	return b
}

var terminalIDPattern = regexp.MustCompile(`(?i)(success|completed|failed|error)$`)

// Build validates the accumulated declarations and returns an
// executable WorkflowFlow, or the first ValidationError encountered.
func (b *Builder) Build() (*WorkflowFlow, error) {
	states := make(map[string]StateDefinition, len(b.states))
	for _, s := range b.states {
		states[s.ID] = s
	}

	var initialCount int
	for _, s := range states {
		if s.IsInitial {
			initialCount++
		}
	}
	if initialCount == 0 {
		return nil, newValidationError(CodeNoInitialState, "workflow %q declares no initial state", b.id)
	}
	if initialCount > 1 {
		return nil, newValidationError(CodeDuplicateInitialState, "workflow %q declares %d initial states", b.id, initialCount)
	}

	for id, s := range states {
		if s.Timeout != nil && *s.Timeout == 0 {
			return nil, newValidationError(CodeInvalidTimeout, "state %q has invalid timeout 0 (use -1 for unlimited, >0 for a limit, or omit)", id)
		}
		if s.TimeoutAction != nil {
			switch s.TimeoutAction.Kind {
			case TimeoutActionTransition:
				if _, ok := states[s.TimeoutAction.TargetState]; !ok {
					return nil, newValidationError(CodeInvalidTimeoutAction, "state %q timeout action targets unknown state %q", id, s.TimeoutAction.TargetState)
				}
			case TimeoutActionEvent:
				if s.TimeoutAction.EventType == "" || s.TimeoutAction.EventName == "" {
					return nil, newValidationError(CodeInvalidTimeoutAction, "state %q timeout action of kind event requires eventType and eventName", id)
				}
			default:
				return nil, newValidationError(CodeInvalidTimeoutAction, "state %q timeout action has unknown kind %q", id, s.TimeoutAction.Kind)
			}
		}
		if s.ExecutionMode == ModeConditional {
			if len(s.Branches) == 0 {
				return nil, newValidationError(CodeMissingBranchConfig, "conditional state %q declares no branches", id)
			}
			for _, branch := range s.Branches {
				if _, ok := states[branch.TargetState]; !ok {
					return nil, newValidationError(CodeUnknownState, "state %q branch %q targets unknown state %q", id, branch.Name, branch.TargetState)
				}
			}
		}
		if s.ExecutionMode == ModeParallel {
			if s.Parallel == nil || len(s.Parallel.Branches) == 0 {
				return nil, newValidationError(CodeMissingBranchConfig, "parallel state %q declares no branches", id)
			}
			for _, pb := range s.Parallel.Branches {
				if _, ok := states[pb.TargetState]; !ok {
					return nil, newValidationError(CodeUnknownState, "state %q parallel branch %q targets unknown state %q", id, pb.BranchID, pb.TargetState)
				}
			}
			if s.Parallel.WaitStrategy == WaitNCount && s.Parallel.NCount > len(s.Parallel.Branches) {
				return nil, newValidationError(CodeInvalidParallelConfig, "state %q requests N_COUNT=%d but only declares %d branches", id, s.Parallel.NCount, len(s.Parallel.Branches))
			}
		}
	}

	transitions := make(map[string][]TransitionDefinition)
	for _, t := range b.transitions {
		if _, ok := states[t.From]; !ok {
			return nil, newValidationError(CodeUnknownState, "transition references unknown from-state %q", t.From)
		}
		if _, ok := states[t.To]; !ok {
			return nil, newValidationError(CodeUnknownState, "transition references unknown to-state %q", t.To)
		}
		transitions[t.From] = append(transitions[t.From], t)
	}
	for from := range transitions {
		list := transitions[from]
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].Priority > list[j].Priority
		})
		transitions[from] = list
	}

	return &WorkflowFlow{
		ID:          b.id,
		Name:        b.name,
		Description: b.description,
		Version:     b.version,
		Author:      b.author,
		Config:      b.config,
		States:      states,
		Transitions: transitions,
	}, nil
}

// IsTerminalState applies the engine-default terminal-state heuristic
// (spec §9, resolved open question): explicit flags OR an id matching
// the success|completed|failed|error suffix pattern.
func IsTerminalState(s StateDefinition) bool {
	if s.IsFinal || s.IsError {
		return true
	}
	return terminalIDPattern.MatchString(s.ID)
}
