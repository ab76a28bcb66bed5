// Package pipeline drives one recording through normalization,
// transcription and summarization, committing progress after every step.
package pipeline

import (
	"context"
	"errors"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"voicememo/internal/apperr"
	"voicememo/internal/metrics"
	"voicememo/internal/models"
	"voicememo/internal/stt"
	"voicememo/internal/transcode"
)

// Progress checkpoints committed by Run.
const (
	ProgressStarted     = 10
	ProgressTranscribe  = 20
	ProgressTranscribed = 50
	ProgressSummarize   = 60
	ProgressComplete    = 100
)

// Store persists recording state. Every write fails with a NotFound error
// when the recording no longer exists.
type Store interface {
	GetByID(ctx context.Context, id string) (*models.Recording, error)
	StartProcessing(ctx context.Context, id string, progress int) error
	UpdateStage(ctx context.Context, id, status string, progress int) error
	SaveTranscript(ctx context.Context, id, text string, progress int) error
	Complete(ctx context.Context, id, summary string) error
	Reset(ctx context.Context, id, reason string) error
}

// Normalizer prepares an upload for the upstream service.
type Normalizer interface {
	Normalize(ctx context.Context, path string) (transcode.Normalized, error)
}

// Transcriber turns an audio file into upstream results.
type Transcriber interface {
	Transcribe(ctx context.Context, path string, chunkSize, sampleRate int, encoding string) ([]stt.Result, error)
}

// Summarizer turns a transcript into a report.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

// Pipeline runs recording jobs.
type Pipeline struct {
	store       Store
	normalizer  Normalizer
	transcriber Transcriber
	summarizer  Summarizer
	chunkSize   int
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// New creates a pipeline.
func New(store Store, normalizer Normalizer, transcriber Transcriber, summarizer Summarizer,
	chunkSize int, m *metrics.Metrics, logger zerolog.Logger) *Pipeline {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Pipeline{
		store:       store,
		normalizer:  normalizer,
		transcriber: transcriber,
		summarizer:  summarizer,
		chunkSize:   chunkSize,
		metrics:     m,
		logger:      logger,
	}
}

// Run processes recording id to completion.
//
// A recording deleted while the job runs stops the job without error and is
// never written again. Any other failure resets the recording to idle/0,
// clears partial artifacts, records the message in last_error and is
// returned.
func (p *Pipeline) Run(ctx context.Context, id string) error {
	log := p.logger.With().Str("recording_id", id).Logger()

	rec, err := p.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return apperr.Errorf(apperr.KindNotFound, "pipeline.run", "recording %s not found", id)
	}

	p.metrics.JobStarted()
	start := time.Now()

	err = p.runRecovered(ctx, rec, log)
	outcome := "complete"
	switch {
	case err == nil:
		log.Info().Dur("elapsed", time.Since(start)).Msg("recording processed")
	case errors.Is(err, apperr.NotFound):
		outcome = "deleted"
		log.Info().Msg("recording deleted during processing, job stopped")
		err = nil
	default:
		outcome = "failed"
		log.Error().Err(err).Str("kind", string(apperr.KindOf(err))).Msg("recording processing failed")
		// the reset must land even when the job was cancelled
		if rerr := p.store.Reset(context.WithoutCancel(ctx), id, err.Error()); rerr != nil && !errors.Is(rerr, apperr.NotFound) {
			log.Error().Err(rerr).Msg("failed to reset recording")
		}
	}
	p.metrics.JobFinished(outcome, time.Since(start).Seconds())
	return err
}

// runRecovered turns a panic in any stage into an ordinary failure so the
// recording is reset like any other.
func (p *Pipeline) runRecovered(ctx context.Context, rec *models.Recording, log zerolog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("recording stage panicked")
			err = apperr.Errorf(apperr.KindInternal, "pipeline.run", "panic: %v", r)
		}
	}()
	return p.run(ctx, rec, log)
}

func (p *Pipeline) run(ctx context.Context, rec *models.Recording, log zerolog.Logger) error {
	id := rec.ID

	// 1. normalize
	if err := p.store.StartProcessing(ctx, id, ProgressStarted); err != nil {
		return err
	}
	norm, err := p.normalizer.Normalize(ctx, rec.AudioPath)
	if err != nil {
		return err
	}
	if norm.Temporary {
		defer removeTemp(norm.Path, log)
	}

	// 2. transcribe
	if err := p.store.UpdateStage(ctx, id, models.StatusSTT, ProgressTranscribe); err != nil {
		return err
	}
	results, err := p.transcriber.Transcribe(ctx, norm.Path, p.chunkSize, norm.Container.SampleRate, norm.Container.Encoding)
	if err != nil {
		return err
	}
	transcript := stt.FinalTranscript(results)
	if err := p.store.SaveTranscript(ctx, id, transcript, ProgressTranscribed); err != nil {
		return err
	}
	if norm.Temporary {
		removeTemp(norm.Path, log)
	}
	log.Debug().Int("results", len(results)).Int("chars", len(transcript)).Msg("transcript saved")

	// 3. summarize
	if err := p.store.UpdateStage(ctx, id, models.StatusAI, ProgressSummarize); err != nil {
		return err
	}
	summary, err := p.summarizer.Summarize(ctx, transcript)
	if err != nil {
		return err
	}
	return p.store.Complete(ctx, id, summary)
}

// removeTemp deletes a normalized sibling file. The original upload is never
// passed here.
func removeTemp(path string, log zerolog.Logger) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", path).Msg("failed to remove normalized file")
	}
}
