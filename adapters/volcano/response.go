package volcano

import (
	"encoding/json"
	"strings"

	"github.com/klinika/server/domain/entities"
)

// recognitionPayload mirrors the JSON payload of a server-full-response.
// Wire times are integer milliseconds.
type recognitionPayload struct {
	Result *recognitionResult `json:"result"`
	// Legacy shape: bare text at the top level.
	Text string `json:"text"`
}

type recognitionResult struct {
	Text       string          `json:"text"`
	StartTime  float64         `json:"start_time"`
	EndTime    float64         `json:"end_time"`
	SpeakerID  json.RawMessage `json:"speaker_id"`
	Definite   *bool           `json:"definite"`
	Utterances []wireUtterance `json:"utterances"`
}

type wireUtterance struct {
	Text      string          `json:"text"`
	StartTime float64         `json:"start_time"`
	EndTime   float64         `json:"end_time"`
	SpeakerID json.RawMessage `json:"speaker_id"`
	Definite  *bool           `json:"definite"`
}

// ParseUtterances converts a server-full-response payload into utterances.
// Empty-text fragments are dropped; a malformed payload is a *DecodeError.
// The three shapes the backend produces are all handled: result.utterances[],
// a single result object, and a bare top-level text field.
func ParseUtterances(payload []byte) ([]entities.Utterance, error) {
	if len(payload) == 0 {
		return nil, nil
	}

	var parsed recognitionPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, &DecodeError{Reason: "parse response payload", FrameLen: len(payload), Err: err}
	}

	var wire []wireUtterance
	switch {
	case parsed.Result != nil && len(parsed.Result.Utterances) > 0:
		wire = parsed.Result.Utterances
	case parsed.Result != nil && parsed.Result.Text != "":
		wire = []wireUtterance{{
			Text:      parsed.Result.Text,
			StartTime: parsed.Result.StartTime,
			EndTime:   parsed.Result.EndTime,
			SpeakerID: parsed.Result.SpeakerID,
			Definite:  parsed.Result.Definite,
		}}
	case parsed.Text != "":
		wire = []wireUtterance{{Text: parsed.Text, Definite: boolPtr(true)}}
	}

	utterances := make([]entities.Utterance, 0, len(wire))
	for _, w := range wire {
		text := strings.TrimSpace(w.Text)
		if text == "" {
			continue
		}

		start := w.StartTime / 1000
		end := w.EndTime / 1000
		if end < start {
			end = start
		}

		role := entities.InferRole(text)
		if id, ok := speakerID(w.SpeakerID); ok {
			role = entities.RoleFromSpeakerID(id)
		}

		// Absent definite means a non-streaming result, which is final.
		definite := true
		if w.Definite != nil {
			definite = *w.Definite
		}

		utterances = append(utterances, entities.Utterance{
			StartTime: start,
			EndTime:   end,
			Role:      role,
			Text:      text,
			Definite:  definite,
		})
	}

	return utterances, nil
}

// speakerID normalizes the speaker_id field, which the backend emits either
// as a JSON number or a string.
func speakerID(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, true
	}
	var asNumber json.Number
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return asNumber.String(), true
	}
	return string(raw), true
}

func boolPtr(v bool) *bool { return &v }
