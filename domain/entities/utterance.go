package entities

import (
	"fmt"
	"strings"
)

// SpeakerRole identifies who produced an utterance.
type SpeakerRole string

const (
	RoleDoctor  SpeakerRole = "Doctor"
	RolePatient SpeakerRole = "Patient"
)

// Utterance is one speaker-attributed transcript fragment as reported by the
// recognizer. A fragment with Definite=false is an interim result and may be
// revised by later reports sharing the same key; Definite=true marks the
// final form of the sentence.
type Utterance struct {
	StartTime float64     `json:"start_time" bson:"start_time"` // seconds
	EndTime   float64     `json:"end_time" bson:"end_time"`     // seconds
	Role      SpeakerRole `json:"role" bson:"role"`
	Text      string      `json:"text" bson:"text"`
	Definite  bool        `json:"definite" bson:"definite"`
}

// Key identifies the logical sentence this fragment belongs to. Successive
// reports for one sentence share the start time (to 10 ms) and the role.
func (u Utterance) Key() string {
	return fmt.Sprintf("%.2f_%s", u.StartTime, u.Role)
}

// Supersedes reports whether u should replace prev in the transcript.
// A definite report always wins; otherwise the report must extend the time
// range, or tie on end time with strictly more text.
func (u Utterance) Supersedes(prev Utterance) bool {
	if u.Definite {
		return true
	}
	if u.EndTime > prev.EndTime {
		return true
	}
	return u.EndTime == prev.EndTime && len(u.Text) > len(prev.Text)
}

// doctorLexicon holds clinician-opening markers used by the best-effort role
// heuristic when the recognizer supplies no speaker id.
var doctorLexicon = []string{"医生", "大夫", "您好", "请问", "什么", "怎么", "多久", "哪里"}

// roleTextLimit bounds the heuristic: long narrative fragments are assumed to
// be the patient even when they contain a lexicon marker.
const roleTextLimit = 50

// RoleFromSpeakerID maps a recognizer speaker id to a role. Speaker 0 is
// treated as the doctor by convention of the diarization output.
func RoleFromSpeakerID(id string) SpeakerRole {
	if id == "0" {
		return RoleDoctor
	}
	return RolePatient
}

// InferRole classifies a fragment without a speaker id. This is a best-effort
// lexical heuristic, not an authoritative attribution; callers that need
// accuracy should prefer the speaker id when the backend provides one.
func InferRole(text string) SpeakerRole {
	if len([]rune(text)) >= roleTextLimit {
		return RolePatient
	}
	for _, marker := range doctorLexicon {
		if strings.Contains(text, marker) {
			return RoleDoctor
		}
	}
	return RolePatient
}
