package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"voicememo/internal/apperr"
	"voicememo/internal/config"
	"voicememo/internal/metrics"
	"voicememo/internal/stt"
)

// --- fake client connection ---

type frame struct {
	mt   int
	data []byte
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type fakeConn struct {
	in         chan frame
	failWrites bool

	mu       sync.Mutex
	written  []map[string]any
	deadline time.Time

	closeFrame chan struct{}
	closeOnce  sync.Once
	closed     chan struct{}
	closedOnce sync.Once
}

func newFakeConn(frames ...frame) *fakeConn {
	c := &fakeConn{
		in:         make(chan frame, len(frames)+1),
		closeFrame: make(chan struct{}),
		closed:     make(chan struct{}),
	}
	for _, f := range frames {
		c.in <- f
	}
	return c
}

func binary(b ...byte) frame { return frame{websocket.BinaryMessage, b} }

func text(v any) frame {
	data, _ := json.Marshal(v)
	return frame{websocket.TextMessage, data}
}

func rawText(s string) frame { return frame{websocket.TextMessage, []byte(s)} }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case f, ok := <-c.in:
		if !ok {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return f.mt, f.data, nil
	case <-c.closeFrame:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	case <-timeout:
		return 0, nil, timeoutError{}
	}
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) WriteJSON(v any) error {
	if c.failWrites {
		return errors.New("broken pipe")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	json.Unmarshal(data, &m)
	c.mu.Lock()
	c.written = append(c.written, m)
	c.mu.Unlock()
	return nil
}

// WriteControl answers a close frame the way a browser would.
func (c *fakeConn) WriteControl(mt int, _ []byte, _ time.Time) error {
	if mt == websocket.CloseMessage {
		c.closeOnce.Do(func() { close(c.closeFrame) })
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closedOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) messages() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.written...)
}

func countType(msgs []map[string]any, typ string) int {
	n := 0
	for _, m := range msgs {
		if m["type"] == typ {
			n++
		}
	}
	return n
}

// --- fake upstream ---

type fakeStreamer struct {
	openErr error
	results []stt.Result
	recvErr error

	mu       sync.Mutex
	opened   []stt.Params
	sessions []*fakeSession
}

func (s *fakeStreamer) Open(_ context.Context, p stt.Params) (stt.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, p)
	if s.openErr != nil {
		return nil, s.openErr
	}
	sess := &fakeSession{
		results: s.results,
		recvErr: s.recvErr,
		eos:     make(chan struct{}),
		closed:  make(chan struct{}),
	}
	s.sessions = append(s.sessions, sess)
	return sess, nil
}

func (s *fakeStreamer) session(t *testing.T) *fakeSession {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sessions) != 1 {
		t.Fatalf("upstream sessions = %d, want 1", len(s.sessions))
	}
	return s.sessions[0]
}

// fakeSession replays its results once the relay has sent EOS.
type fakeSession struct {
	results []stt.Result
	recvErr error

	mu        sync.Mutex
	frames    [][]byte
	next      int
	eos       chan struct{}
	eosOnce   sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *fakeSession) Send(f []byte) error {
	select {
	case <-s.closed:
		return apperr.Errorf(apperr.KindUpstreamConnect, "fake.send", "closed")
	default:
	}
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) CloseSend() error {
	s.eosOnce.Do(func() { close(s.eos) })
	return nil
}

func (s *fakeSession) Recv() (stt.Result, error) {
	select {
	case <-s.eos:
	case <-s.closed:
		return stt.Result{}, apperr.Errorf(apperr.KindUpstreamConnect, "fake.recv", "closed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next < len(s.results) {
		r := s.results[s.next]
		s.next++
		return r, nil
	}
	if s.recvErr != nil {
		return stt.Result{}, s.recvErr
	}
	return stt.Result{}, io.EOF
}

func (s *fakeSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSession) gotEOS() bool {
	select {
	case <-s.eos:
		return true
	default:
		return false
	}
}

func (s *fakeSession) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// --- helpers ---

func newTestRelay(streamer stt.Streamer) *Relay {
	return New(streamer, config.RelayConfig{QueueSize: 4}, metrics.NewNop(), zerolog.Nop())
}

func serve(t *testing.T, r *Relay, conn *fakeConn) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- r.Serve(context.Background(), conn) }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func result(seq int, final bool, text string) stt.Result {
	return stt.Result{Seq: seq, Final: final, StartAt: int64(seq) * 1000, Duration: 900,
		Alternatives: []stt.Alternative{{Text: text}}}
}

func intPtr(n int) *int { return &n }

// --- tests ---

func TestRelayForwardsResultsInOrder(t *testing.T) {
	streamer := &fakeStreamer{results: []stt.Result{
		result(7, false, "안"),
		result(7, true, "안녕하세요"),
		result(8, true, "시작합니다"),
	}}
	conn := newFakeConn(
		text(ClientMessage{Type: TypeConfig, SampleRate: intPtr(44100)}),
		binary(1, 2),
		binary(3, 4),
		binary(5, 6),
		text(ClientMessage{Type: TypeEOS}),
	)

	if err := serve(t, newTestRelay(streamer), conn); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	msgs := conn.messages()
	if len(msgs) != 4 {
		t.Fatalf("messages = %v", msgs)
	}
	wantSeq := []float64{7, 7, 8}
	for i, seq := range wantSeq {
		if msgs[i]["type"] != TypeSTTResult || msgs[i]["seq"] != seq {
			t.Errorf("message %d = %v", i, msgs[i])
		}
	}
	if msgs[1]["text"] != "안녕하세요" || msgs[1]["final"] != true {
		t.Errorf("result payload = %v", msgs[1])
	}
	if msgs[3]["type"] != TypeEOSAck {
		t.Errorf("last message = %v, want eos_ack", msgs[3])
	}
	if countType(msgs, TypeError) != 0 {
		t.Error("error sent alongside eos_ack")
	}

	p := streamer.opened[0]
	if p.SampleRate != 44100 || p.Encoding != stt.EncodingLinear16 || !p.UseITN || !p.UseDisfluencyFilter {
		t.Errorf("upstream params = %+v", p)
	}
	sess := streamer.session(t)
	if sess.frameCount() != 3 || !sess.gotEOS() {
		t.Errorf("upstream got %d frames, eos=%v", sess.frameCount(), sess.gotEOS())
	}
}

func TestRelayEOSWithoutAudio(t *testing.T) {
	streamer := &fakeStreamer{}
	conn := newFakeConn(text(ClientMessage{Type: TypeEOS}))

	if err := serve(t, newTestRelay(streamer), conn); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	msgs := conn.messages()
	if len(msgs) != 1 || msgs[0]["type"] != TypeEOSAck {
		t.Fatalf("messages = %v", msgs)
	}
	p := streamer.opened[0]
	if p.SampleRate != stt.DefaultSampleRate || p.Encoding != stt.DefaultEncoding {
		t.Errorf("default params = %+v", p)
	}
}

func TestRelayOpenFailureSendsOnlyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"auth", apperr.Errorf(apperr.KindAuth, "stt.open", "rejected"), apperr.Auth},
		{"connect", apperr.Errorf(apperr.KindUpstreamConnect, "stt.open", "refused"), apperr.UpstreamConnect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newFakeConn(binary(1), text(ClientMessage{Type: TypeEOS}))
			err := serve(t, newTestRelay(&fakeStreamer{openErr: tt.err}), conn)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Serve() err = %v, want %v", err, tt.want)
			}

			msgs := conn.messages()
			if len(msgs) != 1 || msgs[0]["type"] != TypeError {
				t.Fatalf("messages = %v, want a single error", msgs)
			}
			if msgs[0]["message"] == "" {
				t.Error("error message is empty")
			}
		})
	}
}

func TestRelayUpstreamFailureAfterResults(t *testing.T) {
	streamer := &fakeStreamer{
		results: []stt.Result{result(1, true, "첫 문장")},
		recvErr: apperr.Errorf(apperr.KindProtocol, "stt.recv", "malformed result frame"),
	}
	conn := newFakeConn(binary(1), text(ClientMessage{Type: TypeEOS}))

	err := serve(t, newTestRelay(streamer), conn)
	if !errors.Is(err, apperr.Protocol) {
		t.Fatalf("Serve() err = %v", err)
	}

	msgs := conn.messages()
	if countType(msgs, TypeSTTResult) != 1 || countType(msgs, TypeError) != 1 || countType(msgs, TypeEOSAck) != 0 {
		t.Fatalf("messages = %v", msgs)
	}
	if msgs[len(msgs)-1]["type"] != TypeError {
		t.Error("error must terminate the reply sequence")
	}
}

func TestRelayClientProtocolErrors(t *testing.T) {
	tests := []struct {
		name   string
		frames []frame
		want   error
	}{
		{
			name:   "config after audio",
			frames: []frame{binary(1), text(ClientMessage{Type: TypeConfig, SampleRate: intPtr(8000)})},
			want:   apperr.Protocol,
		},
		{
			name:   "malformed json",
			frames: []frame{rawText("{nope")},
			want:   apperr.Protocol,
		},
		{
			name:   "unknown type",
			frames: []frame{text(map[string]string{"type": "pause"})},
			want:   apperr.Protocol,
		},
		{
			name:   "sample rate out of range",
			frames: []frame{text(ClientMessage{Type: TypeConfig, SampleRate: intPtr(1000)})},
			want:   apperr.Validation,
		},
		{
			name:   "unsupported encoding",
			frames: []frame{text(ClientMessage{Type: TypeConfig, Encoding: "MP3"})},
			want:   apperr.Validation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newFakeConn(tt.frames...)
			err := serve(t, newTestRelay(&fakeStreamer{}), conn)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Serve() err = %v, want %v", err, tt.want)
			}

			msgs := conn.messages()
			if countType(msgs, TypeError) != 1 || countType(msgs, TypeEOSAck) != 0 {
				t.Fatalf("messages = %v, want exactly one error and no eos_ack", msgs)
			}
			if msgs[len(msgs)-1]["type"] != TypeError {
				t.Error("error must terminate the reply sequence")
			}
		})
	}
}

func TestRelayDisconnectDrainsUpstream(t *testing.T) {
	streamer := &fakeStreamer{results: []stt.Result{result(0, true, "끝")}}
	conn := newFakeConn(binary(1), binary(2))
	close(conn.in)

	if err := serve(t, newTestRelay(streamer), conn); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	sess := streamer.session(t)
	if !sess.gotEOS() {
		t.Error("upstream was not sent EOS after the client disconnected")
	}
	if sess.frameCount() != 2 {
		t.Errorf("frames = %d, want 2", sess.frameCount())
	}
}

func TestRelayClientGoneWhileRelaying(t *testing.T) {
	streamer := &fakeStreamer{results: []stt.Result{
		result(0, true, "a"),
		result(1, true, "b"),
	}}
	conn := newFakeConn(binary(1), text(ClientMessage{Type: TypeEOS}))
	conn.failWrites = true

	if err := serve(t, newTestRelay(streamer), conn); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if !streamer.session(t).gotEOS() {
		t.Error("upstream session was not finished")
	}
}

func TestRelayIdleTimeout(t *testing.T) {
	conn := newFakeConn(binary(1))
	r := newTestRelay(&fakeStreamer{})
	r.idleTimeout = 50 * time.Millisecond

	err := serve(t, r, conn)
	if !errors.Is(err, apperr.Timeout) {
		t.Fatalf("Serve() err = %v, want timeout", err)
	}
	msgs := conn.messages()
	if countType(msgs, TypeError) != 1 || countType(msgs, TypeEOSAck) != 0 {
		t.Errorf("messages = %v", msgs)
	}
}

func TestRelayBackpressureDoesNotDeadlock(t *testing.T) {
	frames := make([]frame, 0, 50)
	for i := 0; i < 49; i++ {
		frames = append(frames, binary(byte(i)))
	}
	frames = append(frames, text(ClientMessage{Type: TypeEOS}))

	streamer := &fakeStreamer{}
	conn := newFakeConn(frames...)
	r := New(streamer, config.RelayConfig{QueueSize: 1}, metrics.NewNop(), zerolog.Nop())

	if err := serve(t, r, conn); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if got := streamer.session(t).frameCount(); got != 49 {
		t.Errorf("frames forwarded = %d, want 49 in order", got)
	}
}

func TestSessionConfigureLocksAfterAudio(t *testing.T) {
	s := newStreamSession(2)
	if err := s.configure(ClientMessage{Type: TypeConfig, SampleRate: intPtr(48000), Encoding: "OGG_OPUS"}); err != nil {
		t.Fatal(err)
	}
	if err := s.push(context.Background(), []byte{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.configure(ClientMessage{Type: TypeConfig, SampleRate: intPtr(16000)}); !errors.Is(err, apperr.Protocol) {
		t.Fatalf("late configure err = %v", err)
	}
	p := s.params()
	if p.SampleRate != 48000 || p.Encoding != "OGG_OPUS" {
		t.Errorf("params changed after audio: %+v", p)
	}

	s.finish()
	s.finish()
}
