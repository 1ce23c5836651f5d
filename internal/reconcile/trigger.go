package reconcile

import (
	"sync"
	"time"
)

// AnalysisTrigger debounces re-analysis of the transcript. Rounds containing a
// definite report use the short delay (recognition has settled for at least
// one sentence); partial-only rounds wait longer so unstable text is not
// analyzed. Scheduling is single-flight and last-write-wins: every round
// resets the one pending timer, it never queues.
type AnalysisTrigger struct {
	definiteDelay time.Duration
	partialDelay  time.Duration
	fire          func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewAnalysisTrigger creates a trigger that invokes fire after the debounce
// period. Non-positive delays fall back to 200 ms / 1 s.
func NewAnalysisTrigger(definiteDelay, partialDelay time.Duration, fire func()) *AnalysisTrigger {
	if definiteDelay <= 0 {
		definiteDelay = 200 * time.Millisecond
	}
	if partialDelay <= 0 {
		partialDelay = time.Second
	}
	return &AnalysisTrigger{
		definiteDelay: definiteDelay,
		partialDelay:  partialDelay,
		fire:          fire,
	}
}

// Schedule arms (or re-arms) the debounce timer for the round that just
// arrived.
func (t *AnalysisTrigger) Schedule(sawDefinite bool) {
	delay := t.partialDelay
	if sawDefinite {
		delay = t.definiteDelay
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(delay, t.fire)
}

// Flush fires immediately if a trigger is pending, for end-of-session use.
func (t *AnalysisTrigger) Flush() {
	t.mu.Lock()
	pending := t.timer != nil && t.timer.Stop()
	t.timer = nil
	t.mu.Unlock()
	if pending {
		t.fire()
	}
}

// Stop cancels any pending trigger and refuses further scheduling.
func (t *AnalysisTrigger) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
