package reconcile

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestAnalysisTrigger_DefiniteUsesShortDelay(t *testing.T) {
	var fired atomic.Int32
	trigger := NewAnalysisTrigger(20*time.Millisecond, 500*time.Millisecond, func() {
		fired.Add(1)
	})
	defer trigger.Stop()

	trigger.Schedule(true)

	time.Sleep(100 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("fired %d times, want 1", got)
	}
}

func TestAnalysisTrigger_PartialWaitsLonger(t *testing.T) {
	var fired atomic.Int32
	trigger := NewAnalysisTrigger(20*time.Millisecond, 200*time.Millisecond, func() {
		fired.Add(1)
	})
	defer trigger.Stop()

	trigger.Schedule(false)

	time.Sleep(80 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("fired %d times before partial delay elapsed, want 0", got)
	}
	time.Sleep(250 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("fired %d times, want 1", got)
	}
}

func TestAnalysisTrigger_RescheduleReplacesPending(t *testing.T) {
	var fired atomic.Int32
	trigger := NewAnalysisTrigger(50*time.Millisecond, 500*time.Millisecond, func() {
		fired.Add(1)
	})
	defer trigger.Stop()

	// Rapid rounds keep pushing the single pending timer out.
	for i := 0; i < 5; i++ {
		trigger.Schedule(true)
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(150 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("fired %d times, want exactly 1", got)
	}
}

func TestAnalysisTrigger_Flush(t *testing.T) {
	var fired atomic.Int32
	trigger := NewAnalysisTrigger(time.Hour, time.Hour, func() {
		fired.Add(1)
	})
	defer trigger.Stop()

	trigger.Schedule(true)
	trigger.Flush()
	if got := fired.Load(); got != 1 {
		t.Fatalf("fired %d times after flush, want 1", got)
	}

	// Nothing pending: flush is a no-op.
	trigger.Flush()
	if got := fired.Load(); got != 1 {
		t.Fatalf("fired %d times after second flush, want 1", got)
	}
}

func TestAnalysisTrigger_StopCancelsPending(t *testing.T) {
	var fired atomic.Int32
	trigger := NewAnalysisTrigger(30*time.Millisecond, 30*time.Millisecond, func() {
		fired.Add(1)
	})

	trigger.Schedule(true)
	trigger.Stop()
	trigger.Schedule(true) // ignored after Stop

	time.Sleep(100 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("fired %d times after stop, want 0", got)
	}
}
