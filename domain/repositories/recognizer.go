package repositories

import (
	"context"

	"github.com/klinika/server/domain/entities"
)

// AudioConfig describes the linear PCM buffer handed to a recognizer.
type AudioConfig struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	Bits       int `json:"bits"`
	// SegmentDurationMs controls the realtime pacing of the upload; each
	// audio frame carries this many milliseconds of samples.
	SegmentDurationMs int `json:"segment_duration_ms"`
}

// UtteranceSink receives every decoded utterance batch as it arrives from the
// recognizer, partial and final alike, in stream order.
type UtteranceSink func(utterances []entities.Utterance)

// SpeechRecognizer abstracts a streaming speech recognition backend. StreamFile
// replays a complete WAV buffer as a realtime stream and blocks until the
// backend signals completion, the context is cancelled, or a fatal error
// occurs. Implementations must keep emitting to the sink while the upload is
// still in flight.
type SpeechRecognizer interface {
	StreamFile(ctx context.Context, audio []byte, config AudioConfig, emit UtteranceSink) error
}
