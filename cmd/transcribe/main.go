package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/klinika/server/adapters/google"
	"github.com/klinika/server/adapters/mongo"
	"github.com/klinika/server/adapters/simulated"
	"github.com/klinika/server/adapters/volcano"
	"github.com/klinika/server/domain/entities"
	"github.com/klinika/server/domain/repositories"
	"github.com/klinika/server/internal/config"
	"github.com/klinika/server/usecase"
)

func main() {
	var (
		file     = flag.String("file", "", "path to the WAV file to transcribe")
		provider = flag.String("provider", "volcano", "recognition provider: volcano, google, or simulated")
		session  = flag.String("session", "", "session id for the stored transcript (generated when empty)")
		relayURL = flag.String("relay", "", "relay websocket URL; when set, audio goes through the relay instead of dialing the backend directly")
	)
	flag.Parse()

	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if *file == "" && *provider != "simulated" {
		fmt.Fprintln(os.Stderr, "usage: transcribe -file consultation.wav [-provider volcano|google|simulated]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	volcanoCfg := volcano.Config{
		URL:               cfg.VolcanoAPIURL,
		ResourceID:        cfg.VolcanoResourceID,
		AppKey:            cfg.VolcanoAppKey,
		AccessKey:         cfg.VolcanoAccessKey,
		UID:               cfg.VolcanoUID,
		ModelName:         cfg.VolcanoModelName,
		AckTimeout:        cfg.AckTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		RelayReadyTimeout: cfg.RelayReadyTimeout,
		OutboundProxyURL:  cfg.OutboundProxyURL,
	}
	if *relayURL != "" {
		volcanoCfg.URL = *relayURL
		volcanoCfg.ViaRelay = true
	}

	providers := map[string]repositories.SpeechRecognizer{
		"volcano":   volcano.NewRecognizer(volcanoCfg, logger),
		"google":    google.NewRecognizer("", logger),
		"simulated": simulated.NewRecognizer(nil, logger),
	}

	var transcripts repositories.TranscriptRepository
	if cfg.MongoURI != "" {
		client, err := mongo.NewClient(cfg.MongoURI, cfg.MongoDatabase, logger)
		if err != nil {
			logger.Fatal("failed to connect to MongoDB", zap.Error(err))
		}
		defer client.Close(context.Background())
		transcripts = mongo.NewTranscriptRepository(client.Database)
	}

	service := usecase.NewTranscriptionService(
		providers,
		transcripts,
		cfg.SegmentDurationMs,
		cfg.DefiniteDebounce,
		cfg.PartialDebounce,
		logger,
	)

	var audioData []byte
	if *file != "" {
		audioData, err = os.ReadFile(*file)
		if err != nil {
			logger.Fatal("failed to read audio file", zap.Error(err))
		}
	} else {
		// The simulated provider ignores audio but the pipeline still
		// inspects the header; hand it a minimal valid buffer.
		audioData = simulatedWAV()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		cancel()
	}()

	record, err := service.Transcribe(ctx, *session, *provider, audioData, usecase.Callbacks{
		OnTranscriptUpdate: func(changed []entities.Utterance) {
			for _, u := range changed {
				marker := " "
				if u.Definite {
					marker = "*"
				}
				fmt.Printf("%s [%6.2f-%6.2f] %s: %s\n", marker, u.StartTime, u.EndTime, u.Role, u.Text)
			}
		},
		OnAnalysis: func(snapshot []entities.Utterance) {
			logger.Info("transcript settled; analysis would run here",
				zap.Int("utterances", len(snapshot)))
		},
	})
	if err != nil {
		logger.Fatal("transcription failed", zap.Error(err))
	}

	fmt.Println("\n--- final transcript ---")
	fmt.Println(record.FullText())
}

// simulatedWAV builds the smallest WAV header the inspector accepts: 16-bit
// mono PCM at 16 kHz with one second of silence.
func simulatedWAV() []byte {
	const (
		sampleRate = 16000
		dataLen    = sampleRate * 2
	)
	header := []byte{
		'R', 'I', 'F', 'F',
		0, 0, 0, 0,
		'W', 'A', 'V', 'E',
		'f', 'm', 't', ' ',
		16, 0, 0, 0,
		1, 0, // PCM
		1, 0, // mono
		0, 0, 0, 0, // sample rate
		0, 0, 0, 0, // byte rate
		2, 0, // block align
		16, 0, // bits per sample
		'd', 'a', 't', 'a',
		0, 0, 0, 0,
	}
	putLE32 := func(offset int, v uint32) {
		header[offset] = byte(v)
		header[offset+1] = byte(v >> 8)
		header[offset+2] = byte(v >> 16)
		header[offset+3] = byte(v >> 24)
	}
	putLE32(4, uint32(36+dataLen))
	putLE32(24, sampleRate)
	putLE32(28, sampleRate*2)
	putLE32(40, dataLen)
	return append(header, make([]byte, dataLen)...)
}
