// Package reconcile merges the recognizer's revisable utterance reports into a
// stable, monotonically-improving transcript and decides when downstream
// analysis should re-run.
package reconcile

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/klinika/server/domain/entities"
)

// Reconciler holds the latest known utterance per (start time, role) key.
// It is fed from a single receive path per session; the mutex exists so
// Snapshot can be taken from other goroutines.
type Reconciler struct {
	mu     sync.Mutex
	byKey  map[string]entities.Utterance
	logger *zap.Logger
}

// NewReconciler creates an empty reconciler. One instance per session; no
// state is shared across sessions.
func NewReconciler(logger *zap.Logger) *Reconciler {
	return &Reconciler{
		byKey:  make(map[string]entities.Utterance),
		logger: logger,
	}
}

// RoundResult describes the effect of one batch of reports.
type RoundResult struct {
	// Changed holds the stored value for every key that materially changed
	// this round, in report order. Consumers replace by key rather than
	// append.
	Changed []entities.Utterance
	// SawDefinite reports whether any accepted report was final.
	SawDefinite bool
}

// Apply folds one batch of reports into the transcript. A report replaces the
// stored value when it is definite, extends the end time, or ties the end time
// with longer text; anything else is a stale duplicate and is discarded. A
// report that wins the comparison but carries no new information (verbatim
// replay of a definite report) changes nothing, which makes replay idempotent.
func (r *Reconciler) Apply(reports []entities.Utterance) RoundResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result RoundResult
	changedKeys := make(map[string]int)

	for _, report := range reports {
		key := report.Key()
		prev, exists := r.byKey[key]
		if exists && !report.Supersedes(prev) {
			r.logger.Debug("discarded stale utterance report",
				zap.String("key", key),
				zap.Float64("end_time", report.EndTime))
			continue
		}
		if exists && report == prev {
			continue
		}

		r.byKey[key] = report
		if report.Definite {
			result.SawDefinite = true
		}

		if idx, seen := changedKeys[key]; seen {
			result.Changed[idx] = report
		} else {
			changedKeys[key] = len(result.Changed)
			result.Changed = append(result.Changed, report)
		}
	}

	return result
}

// Snapshot returns the current transcript ordered by start time, with role as
// the tie-breaker so doctor and patient fragments starting together keep a
// stable order.
func (r *Reconciler) Snapshot() []entities.Utterance {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]entities.Utterance, 0, len(r.byKey))
	for _, u := range r.byKey {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		return out[i].Role < out[j].Role
	})
	return out
}

// Len returns the number of reconciled utterances.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey)
}
