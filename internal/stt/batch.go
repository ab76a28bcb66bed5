package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultChunkSize is the number of bytes sent per audio frame in batch mode.
const DefaultChunkSize = 8192

// BatchTranscriber streams a finite audio file through an upstream session
// and collects every result in the order it arrived.
type BatchTranscriber struct {
	streamer Streamer
	logger   zerolog.Logger
}

// NewBatchTranscriber creates a transcriber using streamer for sessions.
func NewBatchTranscriber(streamer Streamer, logger zerolog.Logger) *BatchTranscriber {
	return &BatchTranscriber{streamer: streamer, logger: logger}
}

// Transcribe reads path sequentially in chunkSize frames and returns all
// results, partial ones included. Any session error fails the whole call.
func (b *BatchTranscriber) Transcribe(ctx context.Context, path string, chunkSize, sampleRate int, encoding string) ([]Result, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer f.Close()

	sess, err := b.streamer.Open(ctx, Params{
		SampleRate:          sampleRate,
		Encoding:            encoding,
		UseITN:              true,
		UseDisfluencyFilter: false,
	})
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	g, gctx := errgroup.WithContext(ctx)

	// A failure on either side must unblock the other.
	go func() {
		<-gctx.Done()
		sess.Close()
	}()

	var frames, bytesSent int
	g.Go(func() error {
		buf := make([]byte, chunkSize)
		for {
			if err := gctx.Err(); err != nil {
				return err
			}
			n, err := f.Read(buf)
			if n > 0 {
				if sendErr := sess.Send(buf[:n]); sendErr != nil {
					return sendErr
				}
				frames++
				bytesSent += n
			}
			if errors.Is(err, io.EOF) {
				return sess.CloseSend()
			}
			if err != nil {
				return fmt.Errorf("failed to read audio file: %w", err)
			}
		}
	})

	var results []Result
	g.Go(func() error {
		for {
			r, err := sess.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			results = append(results, r)
		}
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	b.logger.Debug().
		Str("path", path).
		Int("frames", frames).
		Int("bytes", bytesSent).
		Int("results", len(results)).
		Msg("batch transcription finished")

	return results, nil
}

// FinalTranscript joins the text of final results with single spaces.
func FinalTranscript(results []Result) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		if r.Final {
			parts = append(parts, r.Text())
		}
	}
	return strings.Join(parts, " ")
}
