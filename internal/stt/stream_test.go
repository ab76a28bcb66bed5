package stt_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"voicememo/internal/apperr"
	"voicememo/internal/metrics"
	"voicememo/internal/stt"
	"voicememo/internal/stt/stttest"
)

func newClient(srv *stttest.Server) *stt.Client {
	cfg := srv.Config()
	cache := stt.NewTokenCache(cfg, metrics.NewNop(), zerolog.Nop())
	return stt.NewClient(cfg, cache, zerolog.Nop())
}

func TestSessionWireProtocol(t *testing.T) {
	srv := stttest.NewServer(stttest.WithResults(
		stttest.Partial(0, "안"),
		stttest.Final(0, "안녕하세요"),
		stttest.Final(1, "강의를 시작합니다"),
	))
	defer srv.Close()

	sess, err := newClient(srv).Open(context.Background(), stt.Params{
		SampleRate:          44100,
		Encoding:            stt.EncodingLinear16,
		UseITN:              true,
		UseDisfluencyFilter: true,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer sess.Close()

	frames := [][]byte{{1, 2, 3}, {4, 5}, {6}}
	for _, f := range frames {
		if err := sess.Send(f); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}
	if err := sess.CloseSend(); err != nil {
		t.Fatalf("CloseSend() error = %v", err)
	}

	var got []stt.Result
	for {
		r, err := sess.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		got = append(got, r)
	}

	if len(got) != 3 {
		t.Fatalf("received %d results, want 3", len(got))
	}
	if got[0].Final || got[1].Text() != "안녕하세요" || got[2].Seq != 1 {
		t.Errorf("unexpected results %+v", got)
	}

	streams := srv.Streams()
	if len(streams) != 1 {
		t.Fatalf("streams = %d, want 1", len(streams))
	}
	rec := streams[0]
	if rec.Authorization != "Bearer "+stttest.Token(1) {
		t.Errorf("Authorization = %q", rec.Authorization)
	}
	wantQuery := map[string]string{
		"sample_rate":           "44100",
		"encoding":              "LINEAR16",
		"use_itn":               "true",
		"use_disfluency_filter": "true",
	}
	for k, v := range wantQuery {
		if rec.Query.Get(k) != v {
			t.Errorf("query %s = %q, want %q", k, rec.Query.Get(k), v)
		}
	}
	if len(rec.Frames) != len(frames) || !rec.GotEOS {
		t.Errorf("upstream saw %d frames, eos=%v", len(rec.Frames), rec.GotEOS)
	}
}

func TestSessionMalformedResult(t *testing.T) {
	srv := stttest.NewServer(stttest.WithMalformedResult())
	defer srv.Close()

	sess, err := newClient(srv).Open(context.Background(), stt.Params{SampleRate: 16000, Encoding: stt.EncodingLinear16})
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	sess.CloseSend()
	if _, err := sess.Recv(); !errors.Is(err, apperr.Protocol) {
		t.Fatalf("Recv() err = %v, want protocol failure", err)
	}
}

func TestOpenFailures(t *testing.T) {
	tests := []struct {
		name string
		opts []stttest.Option
		want error
	}{
		{"credential rejected", []stttest.Option{stttest.WithAuthFailures(1)}, apperr.Auth},
		{"handshake rejected", []stttest.Option{stttest.WithRejectedStream()}, apperr.UpstreamConnect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := stttest.NewServer(tt.opts...)
			defer srv.Close()

			sess, err := newClient(srv).Open(context.Background(), stt.Params{SampleRate: 16000, Encoding: stt.EncodingLinear16})
			if err == nil {
				sess.Close()
				t.Fatal("Open() succeeded")
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRejectedTokenIsExchangedAgain(t *testing.T) {
	srv := stttest.NewServer(stttest.WithUnauthorizedStreams(1))
	defer srv.Close()
	client := newClient(srv)
	params := stt.Params{SampleRate: 16000, Encoding: stt.EncodingLinear16}

	if sess, err := client.Open(context.Background(), params); !errors.Is(err, apperr.UpstreamConnect) {
		if sess != nil {
			sess.Close()
		}
		t.Fatalf("first Open() err = %v, want upstream connect failure", err)
	}

	sess, err := client.Open(context.Background(), params)
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	defer sess.Close()
	if err := sess.CloseSend(); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.Recv(); err != io.EOF {
		t.Fatalf("Recv() err = %v, want io.EOF", err)
	}

	if got := srv.AuthCalls(); got != 2 {
		t.Errorf("credential exchanges = %d, want 2", got)
	}
	streams := srv.Streams()
	if len(streams) != 1 || streams[0].Authorization != "Bearer "+stttest.Token(2) {
		t.Errorf("streams = %+v, want one session with the fresh token", streams)
	}
}

func TestSessionCloseUnblocksRecv(t *testing.T) {
	srv := stttest.NewServer()
	defer srv.Close()

	sess, err := newClient(srv).Open(context.Background(), stt.Params{SampleRate: 16000, Encoding: stt.EncodingLinear16})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := sess.Recv()
		done <- err
	}()

	sess.Close()
	sess.Close()
	if err := <-done; err == nil || errors.Is(err, io.EOF) {
		t.Errorf("Recv() after Close = %v, want a connection error", err)
	}
}
