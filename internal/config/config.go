// Package config loads runtime configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every knob the binaries read. Fields left empty keep their
// documented defaults.
type Config struct {
	Port string

	// Recognition backend.
	VolcanoAPIURL     string
	VolcanoAppKey     string
	VolcanoAccessKey  string
	VolcanoResourceID string
	VolcanoUID        string
	VolcanoModelName  string
	OutboundProxyURL  string
	SegmentDurationMs int
	AckTimeout        time.Duration
	IdleTimeout       time.Duration
	RelayReadyTimeout time.Duration

	// Relay authentication. Empty disables the token gate.
	RelayJWTSecret string

	// Transcript analysis debounce.
	DefiniteDebounce time.Duration
	PartialDebounce  time.Duration

	// Persistence. Empty URI disables transcript storage.
	MongoURI      string
	MongoDatabase string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (*Config, error) {
	// Missing .env is the normal case in production.
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		VolcanoAPIURL:     getEnv("VOLCANO_API_URL", "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel"),
		VolcanoAppKey:     os.Getenv("VOLCANO_APP_KEY"),
		VolcanoAccessKey:  os.Getenv("VOLCANO_ACCESS_KEY"),
		VolcanoResourceID: getEnv("VOLCANO_RESOURCE_ID", "volc.bigasr.sauc.duration"),
		VolcanoUID:        getEnv("VOLCANO_UID", "demo_uid"),
		VolcanoModelName:  getEnv("VOLCANO_MODEL_NAME", "bigmodel"),
		OutboundProxyURL:  os.Getenv("OUTBOUND_PROXY_URL"),
		RelayJWTSecret:    os.Getenv("RELAY_JWT_SECRET"),
		MongoURI:          os.Getenv("MONGODB_URI"),
		MongoDatabase:     getEnv("MONGODB_DATABASE", "klinika"),
	}

	var err error
	if cfg.SegmentDurationMs, err = getEnvInt("SEGMENT_DURATION_MS", 200); err != nil {
		return nil, err
	}
	if cfg.AckTimeout, err = getEnvDurationMs("ACK_TIMEOUT_MS", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.IdleTimeout, err = getEnvDurationMs("IDLE_TIMEOUT_MS", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.RelayReadyTimeout, err = getEnvDurationMs("RELAY_READY_TIMEOUT_MS", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.DefiniteDebounce, err = getEnvDurationMs("DEFINITE_DEBOUNCE_MS", 200*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.PartialDebounce, err = getEnvDurationMs("PARTIAL_DEBOUNCE_MS", time.Second); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getEnvDurationMs(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return time.Duration(n) * time.Millisecond, nil
}
