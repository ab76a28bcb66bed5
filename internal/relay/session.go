package relay

import (
	"context"
	"sync"

	"voicememo/internal/apperr"
	"voicememo/internal/stt"
)

// Accepted sample rate range of the upstream streaming endpoint.
const (
	minSampleRate = 8000
	maxSampleRate = 48000
)

var supportedEncodings = map[string]bool{
	"LINEAR16": true,
	"WAV":      true,
	"FLAC":     true,
	"MULAW":    true,
	"ALAW":     true,
	"AMR":      true,
	"AMR_WB":   true,
	"OGG_OPUS": true,
	"OPUS":     true,
}

// streamSession is the per-connection state shared by the receiver and the
// forwarder. The queue is closed exactly once, by the receiver, and a closed
// queue is the end-of-stream sentinel.
type streamSession struct {
	queue     chan []byte
	closeOnce sync.Once

	mu           sync.Mutex
	sampleRate   int
	encoding     string
	audioStarted bool
	failure      error
}

func newStreamSession(queueSize int) *streamSession {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &streamSession{
		queue:      make(chan []byte, queueSize),
		sampleRate: stt.DefaultSampleRate,
		encoding:   stt.DefaultEncoding,
	}
}

// configure applies a client config message. Parameters are fixed once the
// first audio frame has been queued.
func (s *streamSession) configure(msg ClientMessage) error {
	const op = "relay.config"

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.audioStarted {
		return apperr.Errorf(apperr.KindProtocol, op, "config received after audio started")
	}
	if msg.SampleRate != nil {
		if *msg.SampleRate < minSampleRate || *msg.SampleRate > maxSampleRate {
			return apperr.Errorf(apperr.KindValidation, op,
				"sample_rate %d out of range %d-%d", *msg.SampleRate, minSampleRate, maxSampleRate)
		}
		s.sampleRate = *msg.SampleRate
	}
	if msg.Encoding != "" {
		if !supportedEncodings[msg.Encoding] {
			return apperr.Errorf(apperr.KindValidation, op, "unsupported encoding %q", msg.Encoding)
		}
		s.encoding = msg.Encoding
	}
	return nil
}

// push queues one audio frame, blocking while the queue is full.
func (s *streamSession) push(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	s.audioStarted = true
	s.mu.Unlock()

	select {
	case s.queue <- frame:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// finish enqueues the end-of-stream sentinel.
func (s *streamSession) finish() {
	s.closeOnce.Do(func() { close(s.queue) })
}

// params returns the upstream parameters currently in force.
func (s *streamSession) params() stt.Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return stt.Params{
		SampleRate:          s.sampleRate,
		Encoding:            s.encoding,
		UseITN:              true,
		UseDisfluencyFilter: true,
	}
}

func (s *streamSession) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == nil {
		s.failure = err
	}
}

func (s *streamSession) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}
