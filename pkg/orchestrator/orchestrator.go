// Package orchestrator is the glue that receives external events,
// picks the single applicable transition for an instance's current
// state, and drives the instance manager to apply it under the
// instance's lock (spec §4.7). It also tallies statistics. It does not
// handle temporal events; pkg/scheduler's Submit routes those by kind.
// Grounded on the teacher's pkg/statemachine/machine.go processEvent
// pre-check (locating the current state's outgoing transitions before
// stepping) and pkg/core/eventbus_impl.go's atomic stats counters.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quadgate/sred/pkg/event"
	"github.com/quadgate/sred/pkg/handler"
	"github.com/quadgate/sred/pkg/instance"
	"github.com/quadgate/sred/pkg/workflow"
)

// Code enumerates orchestrator-level failure kinds.
type Code string

const (
	CodeNoApplicableTransition Code = "NO_APPLICABLE_TRANSITION"
	CodeUnknownInstance        Code = "UNKNOWN_INSTANCE"
)

// Error reports an orchestrator-level soft failure. NoApplicableTransition
// never mutates the instance (spec §4.7, §9).
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("orchestrator [%s]: %s", e.Code, e.Message) }

// Candidate is one transition the ranking hook may reorder.
type Candidate struct {
	From     string
	To       string
	Priority int
}

// RankingHook is the advisory plug point spec §9's "inference engine /
// policy engine" design note describes: given the candidates already
// satisfying the workflow's own transition table, return a re-ranked
// subset (most preferred first). The orchestrator falls back to its own
// priority order when no hook is configured or the hook returns nil.
type RankingHook func(ctx context.Context, instanceID string, evt event.Event, candidates []Candidate) []Candidate

// Stats mirrors spec §4.7's tracked counters.
type Stats struct {
	TotalEventsProcessed    int64
	SuccessfulTransitions   int64
	FailedTransitions       int64
	AverageProcessingMs     float64
	LastProcessedAt         time.Time
}

// Orchestrator turns events into instance-manager calls.
type Orchestrator struct {
	manager *instance.Manager
	hook    RankingHook

	mu              sync.Mutex
	totalEvents     int64
	successes       int64
	failures        int64
	totalNanos      int64
	lastProcessedAt time.Time
}

// New builds an Orchestrator over manager. hook may be nil.
func New(manager *instance.Manager, hook RankingHook) *Orchestrator {
	return &Orchestrator{manager: manager, hook: hook}
}

// candidatesFor collects the instance's current outgoing transitions as
// ranking candidates, without evaluating any condition yet — conditions
// depend on a StepResult that only exists once the step runs (spec
// §4.2), so the pre-check here only establishes that at least one
// transition is declared for this state.
func candidatesFor(flow *workflow.WorkflowFlow, stateID string) []Candidate {
	transitions := flow.OutgoingTransitions(stateID)
	out := make([]Candidate, 0, len(transitions))
	for _, t := range transitions {
		out = append(out, Candidate{From: t.From, To: t.To, Priority: t.Priority})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// Dispatch applies evt to instanceID: it pre-checks that the current
// state has at least one declared outgoing transition, runs the
// optional ranking hook over those candidates, and forwards the
// hook's preferred target order to the instance manager so it governs
// tie-breaks among transitions whose conditions already match (spec
// §9's advisory ranking plug point; it can reorder which matching
// transition wins, never make an undeclared one match). Returns
// NoApplicableTransition without mutating the instance when the state
// has no outgoing transitions at all.
func (o *Orchestrator) Dispatch(ctx context.Context, instanceID string, evtType event.Type, eventName string, payload map[string]interface{}, flow *workflow.WorkflowFlow) (handler.StepResult, error) {
	start := time.Now()

	stateID, err := o.manager.GetCurrentState(ctx, instanceID)
	if err != nil {
		return handler.StepResult{}, err
	}

	candidates := candidatesFor(flow, stateID)
	if len(candidates) == 0 {
		o.recordFailure(start)
		return handler.StepResult{}, &Error{
			Code:    CodeNoApplicableTransition,
			Message: fmt.Sprintf("state %q declares no outgoing transitions", stateID),
		}
	}

	var preferredOrder []string
	if o.hook != nil {
		evt := event.New(evtType, eventName, event.WithPayload(payload))
		if ranked := o.hook(ctx, instanceID, evt, candidates); len(ranked) > 0 {
			candidates = ranked
		}
		preferredOrder = make([]string, len(candidates))
		for i, c := range candidates {
			preferredOrder[i] = c.To
		}
	}

	result, err := o.manager.ProcessRanked(ctx, instanceID, evtType, eventName, payload, preferredOrder)
	if err != nil {
		o.recordFailure(start)
		return handler.StepResult{}, err
	}
	if !result.Success {
		o.recordFailure(start)
		return result, nil
	}
	o.recordSuccess(start)
	return result, nil
}

func (o *Orchestrator) recordSuccess(start time.Time) {
	o.record(start)
	atomic.AddInt64(&o.successes, 1)
}

func (o *Orchestrator) recordFailure(start time.Time) {
	o.record(start)
	atomic.AddInt64(&o.failures, 1)
}

func (o *Orchestrator) record(start time.Time) {
	atomic.AddInt64(&o.totalEvents, 1)
	atomic.AddInt64(&o.totalNanos, int64(time.Since(start)))
	o.mu.Lock()
	o.lastProcessedAt = time.Now().UTC()
	o.mu.Unlock()
}

// StatsSnapshot returns the current counters.
func (o *Orchestrator) StatsSnapshot() Stats {
	total := atomic.LoadInt64(&o.totalEvents)
	var avgMs float64
	if total > 0 {
		avgMs = float64(atomic.LoadInt64(&o.totalNanos)) / float64(total) / float64(time.Millisecond)
	}
	o.mu.Lock()
	last := o.lastProcessedAt
	o.mu.Unlock()
	return Stats{
		TotalEventsProcessed:  total,
		SuccessfulTransitions: atomic.LoadInt64(&o.successes),
		FailedTransitions:     atomic.LoadInt64(&o.failures),
		AverageProcessingMs:   avgMs,
		LastProcessedAt:       last,
	}
}
