// Package google adapts Google Cloud Speech-to-Text streaming recognition to
// the SpeechRecognizer interface. It exists as an alternative backend for
// deployments that cannot reach the primary recognizer.
package google

import (
	"context"
	"fmt"
	"io"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/klinika/server/domain/entities"
	"github.com/klinika/server/domain/repositories"
	"github.com/klinika/server/internal/audio"
)

// Recognizer streams audio to Google Cloud Speech-to-Text.
type Recognizer struct {
	languageCode string
	logger       *zap.Logger
}

// NewRecognizer creates a recognizer. Credentials come from the standard
// GOOGLE_APPLICATION_CREDENTIALS environment variable.
func NewRecognizer(languageCode string, logger *zap.Logger) *Recognizer {
	if languageCode == "" {
		languageCode = "cmn-Hans-CN"
	}
	return &Recognizer{languageCode: languageCode, logger: logger}
}

// StreamFile replays the WAV buffer as a realtime stream and forwards interim
// and final results to the sink until the backend finishes.
func (r *Recognizer) StreamFile(ctx context.Context, data []byte, config repositories.AudioConfig, emit repositories.UtteranceSink) error {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("create speech client: %w", err)
	}
	defer client.Close()

	stream, err := client.StreamingRecognize(ctx)
	if err != nil {
		return fmt.Errorf("open streaming recognize: %w", err)
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz:            int32(config.SampleRate),
					AudioChannelCount:          int32(config.Channels),
					LanguageCode:               r.languageCode,
					EnableAutomaticPunctuation: true,
				},
				InterimResults: true,
			},
		},
	}); err != nil {
		return fmt.Errorf("send streaming config: %w", err)
	}

	segmentDuration := time.Duration(config.SegmentDurationMs) * time.Millisecond
	segments := audio.Segment(data, audio.SegmentSize(config.Channels, config.SampleRate, segmentDuration))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for _, segment := range segments {
			if err := stream.Send(&speechpb.StreamingRecognizeRequest{
				StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
					AudioContent: segment,
				},
			}); err != nil {
				return fmt.Errorf("send audio: %w", err)
			}
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-time.After(segmentDuration):
			}
		}
		if err := stream.CloseSend(); err != nil {
			return fmt.Errorf("close send stream: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		// Google reports only the end time of each result; the start of a
		// result is the end of the previous final one.
		var lastFinalEnd float64
		for {
			resp, err := stream.Recv()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("receive response: %w", err)
			}

			var batch []entities.Utterance
			for _, result := range resp.Results {
				if len(result.Alternatives) == 0 {
					continue
				}
				text := result.Alternatives[0].Transcript
				if text == "" {
					continue
				}
				end := result.ResultEndTime.AsDuration().Seconds()
				u := entities.Utterance{
					StartTime: lastFinalEnd,
					EndTime:   end,
					Role:      entities.InferRole(text),
					Text:      text,
					Definite:  result.IsFinal,
				}
				if result.IsFinal {
					lastFinalEnd = end
				}
				batch = append(batch, u)
			}
			if len(batch) > 0 {
				emit(batch)
			}
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}
	r.logger.Info("google recognition stream completed",
		zap.Int("segments", len(segments)))
	return nil
}
