// Package instance owns the set of active workflow instances in memory
// and mediates between callers and the per-workflow executor (spec
// §4.3): creation, event processing, recovery across restarts, forced
// transitions, and multi-workflow catalog management. Grounded on the
// teacher's pkg/statemachine.stateMachine (per-instance
// transitionMu serializing steps, uuid-generated ids, logger/
// persistence wiring via options) generalized from one machine per
// process to many instances sharing a catalog of workflows and a
// common persistence adapter.
package instance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quadgate/sred/pkg/event"
	"github.com/quadgate/sred/pkg/executor"
	"github.com/quadgate/sred/pkg/handler"
	"github.com/quadgate/sred/pkg/persistence"
	"github.com/quadgate/sred/pkg/sredcontext"
	"github.com/quadgate/sred/pkg/sredcore"
	"github.com/quadgate/sred/pkg/workflow"
)

// Callbacks customize RunUntilComplete's observable behaviour (spec §7
// "onStateChange, onComplete, onError").
type Callbacks struct {
	OnStateChange func(stateID string)
	OnComplete    func(stateID string)
	OnError       func(err error)
}

// Manager owns active instances and the workflow catalog. Safe for
// concurrent use; every per-instance mutation serializes through that
// instance's own lock (spec §5).
type Manager struct {
	adapter  persistence.Adapter
	executor *executor.Executor
	logger   sredcore.Logger

	catalogMu      sync.RWMutex
	workflows      map[string]*workflow.WorkflowFlow
	defaultWorkflow string

	instMu   sync.Mutex // guards locks and active map membership
	locks    map[string]*sync.Mutex
	active   map[string]sredcontext.StateContext

	authorize func(ctx context.Context, action string) error
}

// SetAuthorizer installs a gate consulted by ForceTransition and
// RefreshWorkflow before they take effect (spec §11's reserved
// "Security" error kind for disallowed administrative access). A nil
// authorizer (the default) performs no check. pkg/sredsecurity
// provides a JWT-backed implementation.
func (m *Manager) SetAuthorizer(fn func(ctx context.Context, action string) error) {
	m.authorize = fn
}

func (m *Manager) checkAuthorized(ctx context.Context, action string) error {
	if m.authorize == nil {
		return nil
	}
	if err := m.authorize(ctx, action); err != nil {
		return newError(CodeUnauthorized, err, "administrative action %q not authorized", action)
	}
	return nil
}

// New builds an instance Manager backed by adapter, stepping workflows
// with the given executor.
func New(adapter persistence.Adapter, exec *executor.Executor, logger sredcore.Logger) *Manager {
	if logger == nil {
		logger = sredcore.NewDefaultLogger()
	}
	return &Manager{
		adapter:   adapter,
		executor:  exec,
		logger:    logger,
		workflows: make(map[string]*workflow.WorkflowFlow),
		locks:     make(map[string]*sync.Mutex),
		active:    make(map[string]sredcontext.StateContext),
	}
}

// RegisterWorkflow adds flow to the catalog under id. The first
// registered workflow becomes the default used by Start when no
// workflowID is given.
func (m *Manager) RegisterWorkflow(id string, flow *workflow.WorkflowFlow) {
	m.catalogMu.Lock()
	defer m.catalogMu.Unlock()
	m.workflows[id] = flow
	if m.defaultWorkflow == "" {
		m.defaultWorkflow = id
	}
}

// RefreshWorkflow atomically swaps the workflow object registered under
// id. In-flight steps that already hold the old *WorkflowFlow continue
// against it; only subsequent lookups observe the replacement (spec
// §4.3, §5). Gated by the manager's authorizer, if one is set.
func (m *Manager) RefreshWorkflow(ctx context.Context, id string, flow *workflow.WorkflowFlow) error {
	if err := m.checkAuthorized(ctx, "RefreshWorkflow"); err != nil {
		return err
	}
	m.catalogMu.Lock()
	defer m.catalogMu.Unlock()
	m.workflows[id] = flow
	return nil
}

// SwitchWorkflow changes the default workflow id used by future Start
// calls that don't name one explicitly.
func (m *Manager) SwitchWorkflow(id string) {
	m.catalogMu.Lock()
	defer m.catalogMu.Unlock()
	m.defaultWorkflow = id
}

func (m *Manager) workflowByID(id string) (*workflow.WorkflowFlow, bool) {
	m.catalogMu.RLock()
	defer m.catalogMu.RUnlock()
	f, ok := m.workflows[id]
	return f, ok
}

// WorkflowFor returns the workflow registered for instanceID, resolving
// it via the instance's persisted workflowId metadata. Used by
// pkg/controlplane to look up a paused state's TimeoutAction.
func (m *Manager) WorkflowFor(ctx context.Context, instanceID string) (*workflow.WorkflowFlow, error) {
	sc, err := m.LoadInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	workflowID, _ := sc.Metadata()[sredcontext.MetaWorkflowID].(string)
	flow, ok := m.workflowByID(workflowID)
	if !ok {
		return nil, newError(CodeUnknownWorkflow, nil, "instance %q references unknown workflow %q", instanceID, workflowID)
	}
	return flow, nil
}

// Adapter exposes the manager's persistence adapter for components
// (like pkg/controlplane) that need to scan paused instances directly.
func (m *Manager) Adapter() persistence.Adapter { return m.adapter }

func (m *Manager) lockFor(instanceID string) *sync.Mutex {
	m.instMu.Lock()
	defer m.instMu.Unlock()
	l, ok := m.locks[instanceID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[instanceID] = l
	}
	return l
}

// Start creates a new instance, persists its initial context, and
// holds it in memory. workflowID empty selects the manager's default.
func (m *Manager) Start(ctx context.Context, instanceID string, initialData map[string]interface{}, workflowID string) (sredcontext.StateContext, error) {
	if workflowID == "" {
		m.catalogMu.RLock()
		workflowID = m.defaultWorkflow
		m.catalogMu.RUnlock()
	}
	flow, ok := m.workflowByID(workflowID)
	if !ok {
		return sredcontext.StateContext{}, newError(CodeUnknownWorkflow, nil, "unknown workflow %q", workflowID)
	}
	initial, ok := flow.InitialState()
	if !ok {
		return sredcontext.StateContext{}, newError(CodeStateNotFound, nil, "workflow %q has no initial state", workflowID)
	}
	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	lock := m.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	sc := sredcontext.New(instanceID, initial.ID, initialData)
	sc = sc.WithMetadata(map[string]interface{}{sredcontext.MetaWorkflowID: workflowID})

	if err := m.adapter.SaveContext(ctx, sc); err != nil {
		return sredcontext.StateContext{}, newError(CodePersistenceError, err, "saving initial context for %q", instanceID)
	}

	m.instMu.Lock()
	m.active[instanceID] = sc
	m.instMu.Unlock()

	return sc, nil
}

// LoadInstance returns the in-memory instance if present, else reads it
// from the persistence adapter and restores it to memory.
func (m *Manager) LoadInstance(ctx context.Context, instanceID string) (sredcontext.StateContext, error) {
	m.instMu.Lock()
	sc, ok := m.active[instanceID]
	m.instMu.Unlock()
	if ok {
		return sc, nil
	}

	loaded, err := m.adapter.LoadContext(ctx, instanceID)
	if err != nil {
		return sredcontext.StateContext{}, newError(CodePersistenceError, err, "loading context %q", instanceID)
	}
	if loaded == nil {
		return sredcontext.StateContext{}, newError(CodeInstanceNotFound, nil, "instance %q not found", instanceID)
	}
	workflowID, _ := loaded.Metadata()[sredcontext.MetaWorkflowID].(string)
	if _, ok := m.workflowByID(workflowID); !ok {
		return sredcontext.StateContext{}, newError(CodeUnknownWorkflow, nil, "instance %q references unknown workflow %q", instanceID, workflowID)
	}

	m.instMu.Lock()
	m.active[instanceID] = *loaded
	m.instMu.Unlock()

	return *loaded, nil
}

// GetCurrentState returns the instance's current state id.
func (m *Manager) GetCurrentState(ctx context.Context, instanceID string) (string, error) {
	sc, err := m.LoadInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	return sc.CurrentStateID, nil
}

// GetContext returns a copy of the instance's current context.
func (m *Manager) GetContext(ctx context.Context, instanceID string) (sredcontext.StateContext, error) {
	return m.LoadInstance(ctx, instanceID)
}

// Process applies one event to an instance, selecting among matching
// transitions purely by declared priority. Equivalent to
// ProcessRanked with no preferred order.
func (m *Manager) Process(ctx context.Context, instanceID string, evtType event.Type, eventName string, payload map[string]interface{}) (handler.StepResult, error) {
	return m.ProcessRanked(ctx, instanceID, evtType, eventName, payload, nil)
}

// ProcessRanked applies one event to an instance: loads it if needed,
// runs the executor's step under the instance lock, and commits the
// event, context, and (if the state changed) a history row atomically
// through the persistence adapter's transactional scope (spec §4.3,
// §4.4's atomicity requirement). Pause markers are applied on entry to
// a pauseOnEnter state and cleared on the next successful transition
// out of a paused state. preferredOrder is forwarded to the executor
// as an advisory ranking of target state ids (spec §9, pkg/orchestrator
// .RankingHook): it only breaks ties among transitions that already
// satisfy the workflow's own conditions, never introduces a transition
// the workflow doesn't declare.
func (m *Manager) ProcessRanked(ctx context.Context, instanceID string, evtType event.Type, eventName string, payload map[string]interface{}, preferredOrder []string) (handler.StepResult, error) {
	lock := m.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	current, err := m.loadLocked(ctx, instanceID)
	if err != nil {
		return handler.StepResult{}, err
	}

	workflowID, _ := current.Metadata()[sredcontext.MetaWorkflowID].(string)
	flow, ok := m.workflowByID(workflowID)
	if !ok {
		return handler.StepResult{}, newError(CodeUnknownWorkflow, nil, "instance %q references unknown workflow %q", instanceID, workflowID)
	}

	evt := event.New(evtType, eventName, event.WithPayload(payload))

	txCtx, scope, err := m.adapter.Begin(ctx)
	if err != nil {
		return handler.StepResult{}, newError(CodePersistenceError, err, "beginning transaction for %q", instanceID)
	}

	outcome, stepErr := m.executor.Step(txCtx, flow, current, evt, preferredOrder...)
	if stepErr != nil {
		scope.Rollback()
		return handler.StepResult{}, newError(CodeExecutionError, stepErr, "stepping instance %q", instanceID)
	}

	nextContext := applyPauseTransition(flow, current, outcome)

	if err := m.adapter.SaveEvent(txCtx, instanceID, evt); err != nil {
		scope.Rollback()
		return handler.StepResult{}, newError(CodePersistenceError, err, "saving event for %q", instanceID)
	}
	if err := m.adapter.SaveContext(txCtx, nextContext); err != nil {
		scope.Rollback()
		return handler.StepResult{}, newError(CodePersistenceError, err, "saving context for %q", instanceID)
	}
	if outcome.History != nil {
		if err := m.adapter.SaveStateHistory(txCtx, *outcome.History); err != nil {
			scope.Rollback()
			return handler.StepResult{}, newError(CodePersistenceError, err, "saving history for %q", instanceID)
		}
	}
	if err := scope.Commit(); err != nil {
		scope.Rollback()
		return handler.StepResult{}, newError(CodePersistenceError, err, "committing transaction for %q", instanceID)
	}

	m.instMu.Lock()
	m.active[instanceID] = nextContext
	m.instMu.Unlock()

	return outcome.Result, nil
}

// applyPauseTransition sets the pause markers on entry to a
// pauseOnEnter state and clears them if the instance was paused and
// just transitioned out (spec §4.8, testable property 6).
func applyPauseTransition(flow *workflow.WorkflowFlow, prior sredcontext.StateContext, outcome executor.StepOutcome) sredcontext.StateContext {
	next := outcome.Context
	stateChanged := outcome.History != nil

	if stateChanged && prior.IsPaused() {
		next = next.WithoutMetadataKeys(sredcontext.MetaPausedAt, sredcontext.MetaPausedState, sredcontext.MetaPauseTimeout)
	}
	if stateChanged {
		if stateDef, ok := flow.State(next.CurrentStateID); ok && stateDef.PauseOnEnter {
			var timeout interface{}
			if stateDef.Timeout != nil {
				timeout = *stateDef.Timeout
			}
			next = next.WithMetadata(map[string]interface{}{
				sredcontext.MetaPausedAt:     time.Now().UTC().Format(time.RFC3339),
				sredcontext.MetaPausedState:  next.CurrentStateID,
				sredcontext.MetaPauseTimeout: timeout,
			})
		}
	}
	return next
}

func (m *Manager) loadLocked(ctx context.Context, instanceID string) (sredcontext.StateContext, error) {
	m.instMu.Lock()
	sc, ok := m.active[instanceID]
	m.instMu.Unlock()
	if ok {
		return sc, nil
	}
	loaded, err := m.adapter.LoadContext(ctx, instanceID)
	if err != nil {
		return sredcontext.StateContext{}, newError(CodePersistenceError, err, "loading context %q", instanceID)
	}
	if loaded == nil {
		return sredcontext.StateContext{}, newError(CodeInstanceNotFound, nil, "instance %q not found", instanceID)
	}
	return *loaded, nil
}

// RunUntilComplete drives Process in a loop until the instance reaches
// a terminal state (by workflow flags or the resolved id-suffix
// heuristic, spec §9), pauses (pauseOnEnter), or fails.
func (m *Manager) RunUntilComplete(ctx context.Context, instanceID string, events []struct {
	Type    event.Type
	Name    string
	Payload map[string]interface{}
}, cb Callbacks) (string, error) {
	for _, e := range events {
		result, err := m.Process(ctx, instanceID, e.Type, e.Name, e.Payload)
		if err != nil {
			if cb.OnError != nil {
				cb.OnError(err)
			}
			return "", err
		}
		if !result.Success {
			if cb.OnError != nil {
				cb.OnError(fmt.Errorf("step failed: %v", result.Error))
			}
		}

		state, err := m.GetCurrentState(ctx, instanceID)
		if err != nil {
			return "", err
		}
		if cb.OnStateChange != nil {
			cb.OnStateChange(state)
		}

		workflowID, _ := m.mustContext(instanceID).Metadata()[sredcontext.MetaWorkflowID].(string)
		if flow, ok := m.workflowByID(workflowID); ok {
			if stateDef, ok := flow.State(state); ok {
				if workflow.IsTerminalState(stateDef) {
					if cb.OnComplete != nil {
						cb.OnComplete(state)
					}
					return state, nil
				}
				if stateDef.PauseOnEnter {
					return state, nil
				}
			}
		}
	}
	state, _ := m.GetCurrentState(ctx, instanceID)
	return state, nil
}

func (m *Manager) mustContext(instanceID string) sredcontext.StateContext {
	m.instMu.Lock()
	defer m.instMu.Unlock()
	return m.active[instanceID]
}

// ForceTransition bypasses handler execution: it validates the target
// state exists in the instance's workflow, updates currentStateId
// directly, persists, and records a history row with a nil eventId and
// the given reason (spec §4.3, scenario S6).
func (m *Manager) ForceTransition(ctx context.Context, instanceID, targetStateID, reason string) error {
	if err := m.checkAuthorized(ctx, "ForceTransition"); err != nil {
		return err
	}
	lock := m.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	current, err := m.loadLocked(ctx, instanceID)
	if err != nil {
		return err
	}
	workflowID, _ := current.Metadata()[sredcontext.MetaWorkflowID].(string)
	flow, ok := m.workflowByID(workflowID)
	if !ok {
		return newError(CodeUnknownWorkflow, nil, "instance %q references unknown workflow %q", instanceID, workflowID)
	}
	if _, ok := flow.State(targetStateID); !ok {
		return newError(CodeStateNotFound, nil, "target state %q not found in workflow %q", targetStateID, workflowID)
	}

	from := current.CurrentStateID
	next := current.WithCurrentState(targetStateID)

	txCtx, scope, err := m.adapter.Begin(ctx)
	if err != nil {
		return newError(CodePersistenceError, err, "beginning transaction for %q", instanceID)
	}
	if err := m.adapter.SaveContext(txCtx, next); err != nil {
		scope.Rollback()
		return newError(CodePersistenceError, err, "saving context for %q", instanceID)
	}
	if err := m.adapter.SaveStateHistory(txCtx, sredcontext.StateHistoryEntry{
		ContextID:   instanceID,
		FromStateID: &from,
		ToStateID:   targetStateID,
		EventID:     nil,
		Reason:      reason,
	}); err != nil {
		scope.Rollback()
		return newError(CodePersistenceError, err, "saving history for %q", instanceID)
	}
	if err := scope.Commit(); err != nil {
		scope.Rollback()
		return newError(CodePersistenceError, err, "committing transaction for %q", instanceID)
	}

	m.instMu.Lock()
	m.active[instanceID] = next
	m.instMu.Unlock()
	return nil
}

// UpdateMetadata merges data into the instance's metadata and persists
// the result. Does not touch the event log or state history.
func (m *Manager) UpdateMetadata(ctx context.Context, instanceID string, data map[string]interface{}) error {
	lock := m.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	current, err := m.loadLocked(ctx, instanceID)
	if err != nil {
		return err
	}
	next := current.WithMetadata(data)
	if err := m.adapter.SaveContext(ctx, next); err != nil {
		return newError(CodePersistenceError, err, "saving metadata update for %q", instanceID)
	}
	m.instMu.Lock()
	m.active[instanceID] = next
	m.instMu.Unlock()
	return nil
}

// Stop drops an instance from the in-memory active set. Its durable
// context is untouched and LoadInstance will recover it later.
func (m *Manager) Stop(instanceID string) {
	m.instMu.Lock()
	defer m.instMu.Unlock()
	delete(m.active, instanceID)
	delete(m.locks, instanceID)
}

// StopAll drops every active instance from memory.
func (m *Manager) StopAll() {
	m.instMu.Lock()
	defer m.instMu.Unlock()
	m.active = make(map[string]sredcontext.StateContext)
	m.locks = make(map[string]*sync.Mutex)
}
