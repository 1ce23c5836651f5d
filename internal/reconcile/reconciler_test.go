package reconcile

import (
	"testing"

	"go.uber.org/zap"

	"github.com/klinika/server/domain/entities"
)

func utterance(start, end float64, role entities.SpeakerRole, text string, definite bool) entities.Utterance {
	return entities.Utterance{StartTime: start, EndTime: end, Role: role, Text: text, Definite: definite}
}

func TestReconciler_PartialGrowth(t *testing.T) {
	r := NewReconciler(zap.NewNop())

	round := r.Apply([]entities.Utterance{
		utterance(0, 0.8, entities.RoleDoctor, "您好", false),
	})
	if len(round.Changed) != 1 || round.SawDefinite {
		t.Fatalf("first round = %+v, want one partial change", round)
	}

	round = r.Apply([]entities.Utterance{
		utterance(0, 1.6, entities.RoleDoctor, "您好，请问哪里不舒服？", true),
	})
	if len(round.Changed) != 1 {
		t.Fatalf("second round changed %d, want 1", len(round.Changed))
	}
	if !round.SawDefinite {
		t.Error("SawDefinite = false, want true")
	}

	snapshot := r.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("Snapshot() has %d utterances, want 1", len(snapshot))
	}
	if snapshot[0].Text != "您好，请问哪里不舒服？" || !snapshot[0].Definite {
		t.Errorf("Snapshot()[0] = %+v", snapshot[0])
	}
}

func TestReconciler_StaleDuplicateDiscarded(t *testing.T) {
	r := NewReconciler(zap.NewNop())

	r.Apply([]entities.Utterance{
		utterance(0, 1.6, entities.RoleDoctor, "您好，请问哪里不舒服？", false),
	})

	// A shorter replay of the same sentence must not regress the transcript.
	round := r.Apply([]entities.Utterance{
		utterance(0, 0.8, entities.RoleDoctor, "您好", false),
	})
	if len(round.Changed) != 0 {
		t.Fatalf("stale round changed %d, want 0", len(round.Changed))
	}
	if got := r.Snapshot()[0].Text; got != "您好，请问哪里不舒服？" {
		t.Errorf("text regressed to %q", got)
	}
}

func TestReconciler_TieBreaksOnLongerText(t *testing.T) {
	r := NewReconciler(zap.NewNop())

	r.Apply([]entities.Utterance{utterance(0, 1.0, entities.RolePatient, "我头", false)})
	round := r.Apply([]entities.Utterance{utterance(0, 1.0, entities.RolePatient, "我头疼", false)})
	if len(round.Changed) != 1 {
		t.Fatalf("equal-end longer text changed %d, want 1", len(round.Changed))
	}

	round = r.Apply([]entities.Utterance{utterance(0, 1.0, entities.RolePatient, "我头", false)})
	if len(round.Changed) != 0 {
		t.Fatalf("equal-end shorter text changed %d, want 0", len(round.Changed))
	}
}

func TestReconciler_DefiniteReplayIsIdempotent(t *testing.T) {
	r := NewReconciler(zap.NewNop())
	final := utterance(2.1, 4.4, entities.RolePatient, "我最近总是头疼。", true)

	round := r.Apply([]entities.Utterance{final})
	if len(round.Changed) != 1 {
		t.Fatalf("first apply changed %d, want 1", len(round.Changed))
	}

	// The backend re-sends finals; a verbatim replay must change nothing.
	round = r.Apply([]entities.Utterance{final})
	if len(round.Changed) != 0 {
		t.Fatalf("replay changed %d, want 0", len(round.Changed))
	}
	if round.SawDefinite {
		t.Error("SawDefinite = true for a no-op replay, want false")
	}
}

func TestReconciler_SeparateKeysPerSpeaker(t *testing.T) {
	r := NewReconciler(zap.NewNop())

	round := r.Apply([]entities.Utterance{
		utterance(5.0, 6.7, entities.RoleDoctor, "持续多久了？", true),
		utterance(5.0, 6.2, entities.RolePatient, "嗯……", true),
	})
	if len(round.Changed) != 2 {
		t.Fatalf("changed %d, want 2 (one per speaker)", len(round.Changed))
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestReconciler_DuplicateKeyWithinRound(t *testing.T) {
	r := NewReconciler(zap.NewNop())

	round := r.Apply([]entities.Utterance{
		utterance(0, 0.8, entities.RoleDoctor, "这种情况", false),
		utterance(0, 1.5, entities.RoleDoctor, "这种情况持续多久了？", true),
	})
	if len(round.Changed) != 1 {
		t.Fatalf("changed %d, want 1 (same key folded)", len(round.Changed))
	}
	if round.Changed[0].Text != "这种情况持续多久了？" {
		t.Errorf("Changed[0].Text = %q, want the later report", round.Changed[0].Text)
	}
}

func TestReconciler_SnapshotOrdering(t *testing.T) {
	r := NewReconciler(zap.NewNop())
	r.Apply([]entities.Utterance{
		utterance(7.2, 8.9, entities.RolePatient, "大概两个星期了。", true),
		utterance(0, 1.6, entities.RoleDoctor, "您好，请问哪里不舒服？", true),
		utterance(2.1, 4.4, entities.RolePatient, "我最近总是头疼。", true),
	})

	snapshot := r.Snapshot()
	if len(snapshot) != 3 {
		t.Fatalf("Snapshot() has %d utterances, want 3", len(snapshot))
	}
	for i := 1; i < len(snapshot); i++ {
		if snapshot[i-1].StartTime > snapshot[i].StartTime {
			t.Fatalf("snapshot not ordered by start time: %+v", snapshot)
		}
	}
}
