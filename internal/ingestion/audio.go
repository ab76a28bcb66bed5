package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voicememo/internal/apperr"
	"voicememo/internal/models"
	"voicememo/internal/transcode"
)

// DefaultTitle is used when neither a title nor a filename is given.
const DefaultTitle = "녹음"

// Store is the part of the recording repository ingestion needs
type Store interface {
	Create(ctx context.Context, rec *models.Recording) error
	GetByID(ctx context.Context, id string) (*models.Recording, error)
	Delete(ctx context.Context, id string) error
}

// Submitter starts background processing for a recording
type Submitter interface {
	Submit(recordingID string) error
}

// AudioIngester handles audio uploads and their removal
type AudioIngester struct {
	store   Store
	jobs    Submitter
	dataDir string
	logger  zerolog.Logger
}

// NewAudioIngester creates a new AudioIngester
func NewAudioIngester(store Store, jobs Submitter, dataDir string, logger zerolog.Logger) *AudioIngester {
	return &AudioIngester{
		store:   store,
		jobs:    jobs,
		dataDir: dataDir,
		logger:  logger,
	}
}

// UploadOptions describes one uploaded audio file
type UploadOptions struct {
	Title       string // optional, defaults to the filename
	Filename    string
	ContentType string
	Reader      io.Reader
}

// Ingest saves the upload, creates the recording and queues it for processing.
// The returned recording is in the idle state; the job moves it forward.
func (i *AudioIngester) Ingest(ctx context.Context, opts UploadOptions) (*models.Recording, error) {
	const op = "ingestion.ingest"

	if opts.Reader == nil {
		return nil, apperr.Errorf(apperr.KindValidation, op, "no audio file provided")
	}
	ext := transcode.ExtensionFor(opts.Filename, opts.ContentType)
	if !transcode.IsSupportedFormat(ext) {
		return nil, apperr.Errorf(apperr.KindValidation, op, "unsupported audio format: %s", opts.Filename)
	}

	id := uuid.New().String()
	audioDir := filepath.Join(i.dataDir, "audio")
	if err := os.MkdirAll(audioDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audio directory: %w", err)
	}

	destPath := filepath.Join(audioDir, id+ext)
	n, err := saveFile(destPath, opts.Reader)
	if err != nil {
		os.Remove(destPath)
		return nil, err
	}
	if n == 0 {
		os.Remove(destPath)
		return nil, apperr.Errorf(apperr.KindValidation, op, "audio file is empty")
	}

	rec := &models.Recording{
		ID:        id,
		Title:     titleFor(opts.Title, opts.Filename),
		Duration:  durationOf(destPath, ext),
		AudioPath: destPath,
		Status:    models.StatusIdle,
	}
	if err := i.store.Create(ctx, rec); err != nil {
		os.Remove(destPath)
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}

	if err := i.jobs.Submit(rec.ID); err != nil {
		if derr := i.store.Delete(context.WithoutCancel(ctx), rec.ID); derr != nil {
			i.logger.Error().Err(derr).Str("recording_id", rec.ID).Msg("failed to roll back recording")
		}
		os.Remove(destPath)
		return nil, fmt.Errorf("failed to submit job: %w", err)
	}

	i.logger.Info().
		Str("recording_id", rec.ID).
		Str("title", rec.Title).
		Int64("bytes", n).
		Msg("recording uploaded")
	return rec, nil
}

// Delete removes the recording's audio file and then its row.
// A job still running for it stops at its next write.
func (i *AudioIngester) Delete(ctx context.Context, id string) error {
	rec, err := i.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return apperr.Errorf(apperr.KindNotFound, "ingestion.delete", "recording %s not found", id)
	}

	if rec.AudioPath != "" {
		if err := os.Remove(rec.AudioPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove audio file: %w", err)
		}
	}
	if err := i.store.Delete(ctx, id); err != nil {
		return err
	}

	i.logger.Info().Str("recording_id", id).Msg("recording deleted")
	return nil
}

func saveFile(path string, r io.Reader) (int64, error) {
	dest, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}
	n, err := io.Copy(dest, r)
	if cerr := dest.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("failed to save file: %w", err)
	}
	return n, nil
}

// durationOf returns whole seconds for WAV uploads and 0 when unknown.
func durationOf(path, ext string) int {
	if ext != ".wav" {
		return 0
	}
	info, err := transcode.ProbeWAV(path)
	if err != nil {
		return 0
	}
	return int(math.Round(info.Seconds()))
}

func titleFor(title, filename string) string {
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	if f := strings.TrimSpace(filename); f != "" {
		return f
	}
	return DefaultTitle
}
