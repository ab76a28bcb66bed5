package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// InterruptedReason is recorded on recordings whose job died with the process.
const InterruptedReason = "interrupted: server restarted during processing"

var (
	// ErrAlreadyRunning is returned when a job for the recording is in flight.
	ErrAlreadyRunning = errors.New("job already running for this recording")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("worker stopped")
)

// JobHandler is a function that processes one recording
type JobHandler func(ctx context.Context, recordingID string) error

// Recoverer resets recordings left mid-pipeline by a previous process.
type Recoverer interface {
	ResetInterrupted(ctx context.Context, reason string) (int64, error)
}

// PendingLister lists recordings that were accepted but never started.
type PendingLister interface {
	PendingIDs(ctx context.Context) ([]string, error)
}

// Worker runs recording jobs in the background, at most one per recording
// and at most maxConcurrent at a time.
type Worker struct {
	handler JobHandler
	sem     chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
	stopped  bool
}

// NewWorker creates a new worker
func NewWorker(handler JobHandler, maxConcurrent int, logger zerolog.Logger) *Worker {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		handler:  handler,
		sem:      make(chan struct{}, maxConcurrent),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		inFlight: make(map[string]struct{}),
	}
}

// Submit starts the job for recordingID asynchronously. Jobs beyond the
// concurrency limit wait for a free slot.
func (w *Worker) Submit(recordingID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return ErrStopped
	}
	if _, ok := w.inFlight[recordingID]; ok {
		return ErrAlreadyRunning
	}
	w.inFlight[recordingID] = struct{}{}
	w.wg.Add(1)

	go w.run(recordingID)
	w.logger.Info().Str("recording_id", recordingID).Msg("job submitted")
	return nil
}

// Running reports whether a job for recordingID is in flight.
func (w *Worker) Running(recordingID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.inFlight[recordingID]
	return ok
}

// Wait blocks until every submitted job has finished.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Stop cancels running jobs and waits for them to return
func (w *Worker) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
	w.logger.Info().Msg("worker stopped")
}

// RecoverInterrupted resets recordings a previous process left in a
// processing state. Call it once at boot, before accepting uploads.
func (w *Worker) RecoverInterrupted(ctx context.Context, r Recoverer) (int64, error) {
	n, err := r.ResetInterrupted(ctx, InterruptedReason)
	if err != nil {
		return 0, fmt.Errorf("failed to reset interrupted recordings: %w", err)
	}
	if n > 0 {
		w.logger.Warn().Int64("count", n).Msg("reset recordings interrupted by restart")
	}
	return n, nil
}

// ResumePending submits recordings a previous process accepted but never
// started, including jobs that were still waiting for a slot at Stop.
func (w *Worker) ResumePending(ctx context.Context, l PendingLister) (int, error) {
	ids, err := l.PendingIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending recordings: %w", err)
	}
	n := 0
	for _, id := range ids {
		if err := w.Submit(id); err != nil {
			if errors.Is(err, ErrAlreadyRunning) {
				continue
			}
			return n, err
		}
		n++
	}
	if n > 0 {
		w.logger.Info().Int("count", n).Msg("resumed pending recordings")
	}
	return n, nil
}

func (w *Worker) run(recordingID string) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		delete(w.inFlight, recordingID)
		w.mu.Unlock()
	}()

	select {
	case w.sem <- struct{}{}:
	case <-w.ctx.Done():
		// still idle, ResumePending picks it up at the next boot
		w.logger.Info().Str("recording_id", recordingID).Msg("job dropped before start")
		return
	}
	defer func() { <-w.sem }()

	log := w.logger.With().Str("recording_id", recordingID).Logger()
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("job panicked")
		}
	}()

	log.Info().Msg("processing recording")
	if err := w.handler(w.ctx, recordingID); err != nil {
		log.Error().Err(err).Msg("job failed")
		return
	}
}
