// Package stttest provides an in-process fake of the upstream STT service
// for tests: a credential endpoint and a streaming endpoint that records
// what it receives and replays scripted results after EOS.
package stttest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voicememo/internal/config"
	"voicememo/internal/stt"
)

// StreamRecord is what one streaming session delivered to the fake.
type StreamRecord struct {
	Query         url.Values
	Authorization string
	Frames        [][]byte
	GotEOS        bool
}

// Option configures a Server.
type Option func(*Server)

// WithResults sets the result frames replayed after EOS.
func WithResults(results ...stt.Result) Option {
	return func(s *Server) { s.results = results }
}

// WithMalformedResult makes the stream answer EOS with an undecodable frame.
func WithMalformedResult() Option {
	return func(s *Server) { s.malformed = true }
}

// WithAuthFailures makes the first n credential exchanges fail with 401.
func WithAuthFailures(n int) Option {
	return func(s *Server) { s.authFailures = n }
}

// WithAuthGate blocks each exchange after signalling entered until release
// is closed.
func WithAuthGate(entered chan<- struct{}, release <-chan struct{}) Option {
	return func(s *Server) {
		s.authEntered = entered
		s.authRelease = release
	}
}

// WithRejectedStream makes the streaming handshake fail with 403.
func WithRejectedStream() Option {
	return func(s *Server) { s.rejectStream = true }
}

// WithUnauthorizedStreams makes the first n streaming handshakes fail with 401.
func WithUnauthorizedStreams(n int) Option {
	return func(s *Server) { s.unauthorizedStreams = n }
}

// WithTokenTTL sets how long issued tokens stay valid.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Server) { s.ttl = ttl }
}

// Server is a fake upstream. Options are fixed at construction.
type Server struct {
	*httptest.Server

	results      []stt.Result
	malformed    bool
	authFailures int
	authEntered  chan<- struct{}
	authRelease  <-chan struct{}
	rejectStream bool
	ttl          time.Duration

	unauthorizedStreams int

	upgrader websocket.Upgrader

	mu          sync.Mutex
	authCalls   int
	streamCalls int
	streams     []*StreamRecord
}

// ClientID and ClientSecret are the credentials the fake accepts.
const (
	ClientID     = "test-client"
	ClientSecret = "test-secret"
)

// NewServer starts a fake upstream. Close it when done.
func NewServer(opts ...Option) *Server {
	s := &Server{ttl: time.Hour}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/authenticate", s.handleAuth)
	mux.HandleFunc("/v1/transcribe:streaming", s.handleStream)
	s.Server = httptest.NewServer(mux)
	return s
}

// Config returns upstream settings pointing at the fake.
func (s *Server) Config() config.ReturnZeroConfig {
	return config.ReturnZeroConfig{
		ClientID:       ClientID,
		ClientSecret:   ClientSecret,
		AuthURL:        s.URL + "/v1/authenticate",
		StreamURL:      "ws" + strings.TrimPrefix(s.URL, "http") + "/v1/transcribe:streaming",
		ConnectTimeout: 5,
		RequestTimeout: 5,
	}
}

// AuthCalls returns the number of credential exchanges served.
func (s *Server) AuthCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authCalls
}

// Streams returns a snapshot of every streaming session seen so far.
func (s *Server) Streams() []StreamRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StreamRecord, len(s.streams))
	for i, rec := range s.streams {
		out[i] = *rec
		out[i].Frames = append([][]byte(nil), rec.Frames...)
	}
	return out
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.authCalls++
	call := s.authCalls
	s.mu.Unlock()

	if s.authEntered != nil {
		s.authEntered <- struct{}{}
		<-s.authRelease
	}

	if err := r.ParseForm(); err != nil ||
		r.PostForm.Get("client_id") != ClientID ||
		r.PostForm.Get("client_secret") != ClientSecret ||
		call <= s.authFailures {
		http.Error(w, `{"code":"H0002","msg":"invalid credentials"}`, http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token": Token(call),
		"expire_at":    time.Now().Add(s.ttl).UnixMilli(),
	})
}

// Token returns the token handed out by the n-th exchange (1-based).
func Token(n int) string {
	return "token-" + strconv.Itoa(n)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.rejectStream {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	s.mu.Lock()
	s.streamCalls++
	unauthorized := s.streamCalls <= s.unauthorizedStreams
	s.mu.Unlock()
	if unauthorized {
		http.Error(w, "token expired", http.StatusUnauthorized)
		return
	}

	rec := &StreamRecord{
		Query:         r.URL.Query(),
		Authorization: r.Header.Get("Authorization"),
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.streams = append(s.streams, rec)
	s.mu.Unlock()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt == websocket.TextMessage && string(data) == "EOS" {
			s.mu.Lock()
			rec.GotEOS = true
			s.mu.Unlock()
			break
		}
		s.mu.Lock()
		rec.Frames = append(rec.Frames, data)
		s.mu.Unlock()
	}

	if s.malformed {
		conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
	} else {
		for _, res := range s.results {
			if err := conn.WriteJSON(res); err != nil {
				return
			}
		}
	}

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	// wait for the client's close reply so it reads every frame first
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Final and Partial build result frames for scripting.
func Final(seq int, text string) stt.Result {
	return stt.Result{Seq: seq, Final: true, Alternatives: []stt.Alternative{{Text: text}}}
}

func Partial(seq int, text string) stt.Result {
	return stt.Result{Seq: seq, Final: false, Alternatives: []stt.Alternative{{Text: text}}}
}
