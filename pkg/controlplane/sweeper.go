// Package controlplane runs the background sweeper that enforces pause
// timeouts (spec §4.8): it periodically scans paused instances and, for
// any whose pause age exceeds the state's configured timeout, invokes
// the state's TimeoutAction — forceTransition for kind "transition",
// or a bus publish for kind "event". Timeout -1 disables expiry.
// Grounded on the teacher's pkg/core/concurrency executor idiom for a
// periodic background worker and pkg/statemachine/machine.go's timeout
// handling inside processEvent, generalized into a standalone sweep
// since this engine's timeouts are cross-instance, not per-step.
package controlplane

import (
	"context"
	"sync"
	"time"

	"github.com/quadgate/sred/pkg/event"
	"github.com/quadgate/sred/pkg/instance"
	"github.com/quadgate/sred/pkg/sredcontext"
	"github.com/quadgate/sred/pkg/sredcore"
	"github.com/quadgate/sred/pkg/workflow"
)

// Publisher is the minimal bus surface the sweeper needs for
// kind "event" timeout actions.
type Publisher interface {
	Publish(evt event.Event) error
}

// Sweeper periodically scans paused instances for expired timeouts.
type Sweeper struct {
	manager  *instance.Manager
	bus      Publisher
	logger   sredcore.Logger
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Sweeper that checks for expired pauses every interval.
func New(manager *instance.Manager, bus Publisher, interval time.Duration, logger sredcore.Logger) *Sweeper {
	if logger == nil {
		logger = sredcore.NewDefaultLogger()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{manager: manager, bus: bus, interval: interval, logger: logger}
}

// Start spawns the periodic sweep loop. Idempotent.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(runCtx)
}

// Stop halts the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single pass over every paused instance, exported so
// callers (and tests) can drive the sweep deterministically instead of
// waiting on the ticker.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	ids, err := s.manager.Adapter().FindPausedInstances(ctx)
	if err != nil {
		s.logger.Warnf("controlplane: scanning paused instances: %v", err)
		return
	}
	for _, id := range ids {
		s.sweepOne(ctx, id)
	}
}

func (s *Sweeper) sweepOne(ctx context.Context, instanceID string) {
	sc, err := s.manager.GetContext(ctx, instanceID)
	if err != nil {
		s.logger.Warnf("controlplane: loading instance %q: %v", instanceID, err)
		return
	}
	if !sc.IsPaused() {
		return
	}

	flow, err := s.manager.WorkflowFor(ctx, instanceID)
	if err != nil {
		s.logger.Warnf("controlplane: resolving workflow for %q: %v", instanceID, err)
		return
	}
	stateDef, ok := flow.State(sc.CurrentStateID)
	if !ok || stateDef.TimeoutAction == nil || stateDef.Timeout == nil || *stateDef.Timeout < 0 {
		return
	}

	pausedAt, ok := pausedAtTime(sc)
	if !ok {
		return
	}
	timeout := time.Duration(*stateDef.Timeout) * time.Second
	if time.Since(pausedAt) < timeout {
		return
	}

	s.applyTimeoutAction(ctx, instanceID, *stateDef.TimeoutAction)
}

func pausedAtTime(sc sredcontext.StateContext) (time.Time, bool) {
	raw, ok := sc.Metadata()[sredcontext.MetaPausedAt]
	if !ok {
		return time.Time{}, false
	}
	s, ok := raw.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (s *Sweeper) applyTimeoutAction(ctx context.Context, instanceID string, action workflow.TimeoutAction) {
	switch action.Kind {
	case workflow.TimeoutActionTransition:
		if err := s.manager.ForceTransition(ctx, instanceID, action.TargetState, "timeout"); err != nil {
			s.logger.Warnf("controlplane: forcing timeout transition for %q: %v", instanceID, err)
		}
	case workflow.TimeoutActionEvent:
		if s.bus == nil {
			return
		}
		evtType := event.Type{Namespace: "controlplane", Name: action.EventType}
		evt := event.New(evtType, action.EventName, event.WithPayload(map[string]interface{}{"instanceId": instanceID}))
		if err := s.bus.Publish(evt); err != nil {
			s.logger.Warnf("controlplane: publishing timeout event for %q: %v", instanceID, err)
		}
	}
}
