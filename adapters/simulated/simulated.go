// Package simulated provides a scripted recognizer for demos and tests. It
// replays a fixed consultation dialogue through the same sink contract as the
// real backends, partials first, so the rest of the pipeline exercises its
// revision handling without network access.
package simulated

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/klinika/server/domain/entities"
	"github.com/klinika/server/domain/repositories"
)

// Step is one scripted emission: a batch of utterance reports delivered after
// a delay.
type Step struct {
	Delay   time.Duration
	Reports []entities.Utterance
}

// Recognizer replays a script. The audio buffer is ignored beyond requiring
// it to be non-empty, matching the interface contract.
type Recognizer struct {
	script []Step
	logger *zap.Logger
}

// NewRecognizer creates a recognizer replaying the given script. A nil script
// uses a built-in consultation dialogue.
func NewRecognizer(script []Step, logger *zap.Logger) *Recognizer {
	if script == nil {
		script = DefaultScript()
	}
	return &Recognizer{script: script, logger: logger}
}

// StreamFile replays the script against the sink, honoring each step's delay.
func (r *Recognizer) StreamFile(ctx context.Context, audio []byte, config repositories.AudioConfig, emit repositories.UtteranceSink) error {
	for i, step := range r.script {
		if step.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(step.Delay):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		emit(step.Reports)
		r.logger.Debug("replayed scripted step",
			zap.Int("step", i),
			zap.Int("reports", len(step.Reports)))
	}
	return nil
}

// DefaultScript is a short doctor/patient exchange in which every sentence
// first appears as a growing partial and then settles as definite.
func DefaultScript() []Step {
	const delay = 150 * time.Millisecond
	return []Step{
		{Delay: delay, Reports: []entities.Utterance{
			{StartTime: 0.00, EndTime: 0.80, Role: entities.RoleDoctor, Text: "您好，请问", Definite: false},
		}},
		{Delay: delay, Reports: []entities.Utterance{
			{StartTime: 0.00, EndTime: 1.60, Role: entities.RoleDoctor, Text: "您好，请问哪里不舒服？", Definite: true},
		}},
		{Delay: delay, Reports: []entities.Utterance{
			{StartTime: 2.10, EndTime: 3.00, Role: entities.RolePatient, Text: "我最近总是", Definite: false},
		}},
		{Delay: delay, Reports: []entities.Utterance{
			{StartTime: 2.10, EndTime: 4.40, Role: entities.RolePatient, Text: "我最近总是头疼，晚上也睡不好。", Definite: true},
		}},
		{Delay: delay, Reports: []entities.Utterance{
			{StartTime: 5.00, EndTime: 5.90, Role: entities.RoleDoctor, Text: "这种情况持续", Definite: false},
			{StartTime: 5.00, EndTime: 6.70, Role: entities.RoleDoctor, Text: "这种情况持续多久了？", Definite: true},
		}},
		{Delay: delay, Reports: []entities.Utterance{
			{StartTime: 7.20, EndTime: 8.90, Role: entities.RolePatient, Text: "大概两个星期了。", Definite: true},
		}},
	}
}
