package entities

import (
	"errors"
	"time"
)

// TranscriptRecord is the persisted form of one completed recognition session.
type TranscriptRecord struct {
	ID          string      `json:"id" bson:"_id,omitempty"`
	SessionID   string      `json:"session_id" bson:"session_id"`
	Provider    string      `json:"provider" bson:"provider"`
	StartedAt   time.Time   `json:"started_at" bson:"started_at"`
	CompletedAt time.Time   `json:"completed_at" bson:"completed_at"`
	Utterances  []Utterance `json:"utterances" bson:"utterances"`
}

// Validate checks the record before persistence.
func (r *TranscriptRecord) Validate() error {
	if r.SessionID == "" {
		return errors.New("session_id is required")
	}
	if r.Provider == "" {
		return errors.New("provider is required")
	}
	return nil
}

// FullText joins the utterances into a single display string, one line per
// fragment, prefixed with the speaker role.
func (r *TranscriptRecord) FullText() string {
	var b []byte
	for i, u := range r.Utterances {
		if i > 0 {
			b = append(b, '\n')
		}
		b = append(b, string(u.Role)...)
		b = append(b, ':', ' ')
		b = append(b, u.Text...)
	}
	return string(b)
}
