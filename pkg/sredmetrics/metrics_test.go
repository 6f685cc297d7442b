package sredmetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordEventPublishedIncrementsCounter(t *testing.T) {
	m := New()
	m.RecordEventPublished("orders", "submitted")
	m.RecordEventPublished("orders", "submitted")

	got := testutil.ToFloat64(m.EventsPublishedTotal.WithLabelValues("orders", "submitted"))
	if got != 2 {
		t.Fatalf("expected counter 2, got %v", got)
	}
}

func TestRecordEventDeliveryTracksErrors(t *testing.T) {
	m := New()
	m.RecordEventDelivery("orders", "submitted", 5*time.Millisecond, nil)
	m.RecordEventDelivery("orders", "submitted", 5*time.Millisecond, errors.New("boom"))

	got := testutil.ToFloat64(m.EventDeliveryErrors.WithLabelValues("orders", "submitted"))
	if got != 1 {
		t.Fatalf("expected 1 delivery error, got %v", got)
	}
}

func TestRecordTransitionIncrementsByOutcome(t *testing.T) {
	m := New()
	m.RecordTransition("approval", "success", 10*time.Millisecond)
	m.RecordTransition("approval", "failure", 10*time.Millisecond)

	if got := testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("approval", "success")); got != 1 {
		t.Fatalf("expected 1 success transition, got %v", got)
	}
	if got := testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("approval", "failure")); got != 1 {
		t.Fatalf("expected 1 failure transition, got %v", got)
	}
}

func TestSetInstanceCountsUpdatesGauges(t *testing.T) {
	m := New()
	m.SetInstanceCounts(7, 3)

	if got := testutil.ToFloat64(m.ActiveInstances); got != 7 {
		t.Fatalf("expected 7 active instances, got %v", got)
	}
	if got := testutil.ToFloat64(m.PausedInstances); got != 3 {
		t.Fatalf("expected 3 paused instances, got %v", got)
	}
}

func TestRecordSweepCountsForcedTransitions(t *testing.T) {
	m := New()
	m.RecordSweep(0)
	m.RecordSweep(2)

	if got := testutil.ToFloat64(m.SweepsCompletedTotal); got != 2 {
		t.Fatalf("expected 2 sweeps recorded, got %v", got)
	}
	if got := testutil.ToFloat64(m.SweepForcedTransitions); got != 2 {
		t.Fatalf("expected 2 forced transitions recorded, got %v", got)
	}
}

func TestNewListenerServesHealthz(t *testing.T) {
	m := New()
	healthy := true
	l := NewListener(":0", m, func() error {
		if healthy {
			return nil
		}
		return errors.New("not ready")
	})
	if l == nil {
		t.Fatal("expected non-nil listener")
	}
}
