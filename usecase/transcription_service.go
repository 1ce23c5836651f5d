package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/klinika/server/domain/entities"
	"github.com/klinika/server/domain/repositories"
	"github.com/klinika/server/internal/audio"
	"github.com/klinika/server/internal/reconcile"
)

// Callbacks receive transcript progress during a session. Either field may be
// nil. They are invoked from the recognizer's receive path, one at a time.
type Callbacks struct {
	// OnTranscriptUpdate fires for every batch of utterances that changed the
	// transcript, in stream order. Consumers replace by utterance key.
	OnTranscriptUpdate func(changed []entities.Utterance)
	// OnAnalysis fires after recognition has been quiet long enough that
	// re-analyzing the transcript is worthwhile, and once more at the end.
	OnAnalysis func(snapshot []entities.Utterance)
}

// TranscriptionService runs a full recognition session: it inspects the audio,
// streams it through the selected provider, reconciles the revisable results
// into a stable transcript, and optionally persists the outcome.
type TranscriptionService struct {
	providers         map[string]repositories.SpeechRecognizer
	transcripts       repositories.TranscriptRepository
	segmentDurationMs int
	definiteDebounce  time.Duration
	partialDebounce   time.Duration
	logger            *zap.Logger
}

// NewTranscriptionService creates the service. transcripts may be nil to
// disable persistence.
func NewTranscriptionService(
	providers map[string]repositories.SpeechRecognizer,
	transcripts repositories.TranscriptRepository,
	segmentDurationMs int,
	definiteDebounce time.Duration,
	partialDebounce time.Duration,
	logger *zap.Logger,
) *TranscriptionService {
	if segmentDurationMs <= 0 {
		segmentDurationMs = 200
	}
	return &TranscriptionService{
		providers:         providers,
		transcripts:       transcripts,
		segmentDurationMs: segmentDurationMs,
		definiteDebounce:  definiteDebounce,
		partialDebounce:   partialDebounce,
		logger:            logger,
	}
}

// Transcribe streams the WAV buffer through the named provider and blocks
// until recognition completes. It returns the final reconciled transcript;
// persistence failures are logged, not returned, because the transcript
// itself is already in hand.
func (s *TranscriptionService) Transcribe(
	ctx context.Context,
	sessionID string,
	provider string,
	wavData []byte,
	callbacks Callbacks,
) (*entities.TranscriptRecord, error) {
	recognizer, ok := s.providers[provider]
	if !ok {
		return nil, fmt.Errorf("unknown recognition provider %q", provider)
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	info, err := audio.ReadInfo(wavData)
	if err != nil {
		return nil, fmt.Errorf("inspect audio: %w", err)
	}

	logger := s.logger.With(
		zap.String("session_id", sessionID),
		zap.String("provider", provider),
	)
	logger.Info("starting transcription",
		zap.Int("sample_rate", info.SampleRate),
		zap.Int("channels", info.Channels),
		zap.Int("bytes", len(wavData)))

	reconciler := reconcile.NewReconciler(logger)
	trigger := reconcile.NewAnalysisTrigger(s.definiteDebounce, s.partialDebounce, func() {
		if callbacks.OnAnalysis != nil {
			callbacks.OnAnalysis(reconciler.Snapshot())
		}
	})
	defer trigger.Stop()

	startedAt := time.Now()
	sink := func(reports []entities.Utterance) {
		round := reconciler.Apply(reports)
		if len(round.Changed) == 0 {
			return
		}
		if callbacks.OnTranscriptUpdate != nil {
			callbacks.OnTranscriptUpdate(round.Changed)
		}
		trigger.Schedule(round.SawDefinite)
	}

	cfg := repositories.AudioConfig{
		SampleRate:        info.SampleRate,
		Channels:          info.Channels,
		Bits:              info.BitDepth,
		SegmentDurationMs: s.segmentDurationMs,
	}
	if err := recognizer.StreamFile(ctx, wavData, cfg, sink); err != nil {
		return nil, fmt.Errorf("recognition stream: %w", err)
	}

	// The stream is over; a pending debounce no longer buys stability.
	trigger.Flush()

	record := &entities.TranscriptRecord{
		SessionID:   sessionID,
		Provider:    provider,
		StartedAt:   startedAt,
		CompletedAt: time.Now(),
		Utterances:  reconciler.Snapshot(),
	}
	logger.Info("transcription completed",
		zap.Int("utterances", len(record.Utterances)),
		zap.Duration("elapsed", record.CompletedAt.Sub(record.StartedAt)))

	if s.transcripts != nil {
		if err := s.transcripts.Save(ctx, record); err != nil {
			logger.Error("failed to persist transcript", zap.Error(err))
		}
	}

	return record, nil
}

// Providers lists the registered provider names.
func (s *TranscriptionService) Providers() []string {
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	return names
}
