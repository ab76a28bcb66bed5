package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"voicememo/internal/apperr"
	"voicememo/internal/config"
)

// Encodings accepted by the streaming endpoint.
const (
	EncodingLinear16 = "LINEAR16"
	EncodingFLAC     = "FLAC"
	EncodingOggOpus  = "OGG_OPUS"
)

// Defaults for a session whose client never negotiated anything.
const (
	DefaultSampleRate = 16000
	DefaultEncoding   = EncodingLinear16
)

// endOfStream is the text frame that tells the upstream no more audio follows.
const endOfStream = "EOS"

// Params are the per-session query parameters of the streaming endpoint.
type Params struct {
	SampleRate          int
	Encoding            string
	UseITN              bool
	UseDisfluencyFilter bool
}

// Query renders p as the streaming URL query.
func (p Params) Query() url.Values {
	q := url.Values{}
	q.Set("sample_rate", strconv.Itoa(p.SampleRate))
	q.Set("encoding", p.Encoding)
	q.Set("use_itn", strconv.FormatBool(p.UseITN))
	q.Set("use_disfluency_filter", strconv.FormatBool(p.UseDisfluencyFilter))
	return q
}

// Alternative is one transcription hypothesis of a result.
type Alternative struct {
	Text string `json:"text"`
}

// Result is one result frame from the upstream. Seq is assigned upstream.
type Result struct {
	Seq          int           `json:"seq"`
	StartAt      int64         `json:"start_at"`
	Duration     int64         `json:"duration"`
	Final        bool          `json:"final"`
	Alternatives []Alternative `json:"alternatives"`
}

// Text returns the best alternative's text, or "" when there is none.
func (r Result) Text() string {
	if len(r.Alternatives) == 0 {
		return ""
	}
	return r.Alternatives[0].Text
}

// Session is one open upstream streaming session.
//
// Send and CloseSend must be called from one goroutine and Recv from one
// other goroutine. Close may be called from anywhere, any number of times,
// and unblocks a pending Recv.
type Session interface {
	// Send forwards one audio frame.
	Send(frame []byte) error
	// CloseSend signals that no more audio follows.
	CloseSend() error
	// Recv returns the next result, or io.EOF once the upstream closed the
	// session normally.
	Recv() (Result, error)
	Close() error
}

// Streamer opens upstream sessions.
type Streamer interface {
	Open(ctx context.Context, p Params) (Session, error)
}

// Client opens streaming sessions against the Return Zero endpoint.
type Client struct {
	streamURL      string
	tokens         TokenSource
	dialer         *websocket.Dialer
	connectTimeout time.Duration
	logger         zerolog.Logger
}

// NewClient creates a streaming client authenticating through tokens.
func NewClient(cfg config.ReturnZeroConfig, tokens TokenSource, logger zerolog.Logger) *Client {
	timeout := cfg.GetConnectTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		streamURL: cfg.StreamURL,
		tokens:    tokens,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
		connectTimeout: timeout,
		logger:         logger,
	}
}

// Open authenticates and dials a new session with p.
func (c *Client) Open(ctx context.Context, p Params) (Session, error) {
	const op = "stt.open"

	token, err := c.tokens.Token(ctx)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			err = apperr.E(apperr.KindAuth, op, err)
		}
		return nil, err
	}

	u, err := url.Parse(c.streamURL)
	if err != nil {
		return nil, apperr.E(apperr.KindUpstreamConnect, op, fmt.Errorf("invalid stream url: %w", err))
	}
	u.RawQuery = p.Query().Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dialCtx, u.String(), header)
	if err != nil {
		if resp != nil {
			if resp.StatusCode == http.StatusUnauthorized {
				c.invalidate()
			}
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, apperr.E(apperr.KindUpstreamConnect, op, err)
	}

	c.logger.Debug().
		Int("sample_rate", p.SampleRate).
		Str("encoding", p.Encoding).
		Msg("upstream session opened")

	return &wsSession{conn: conn}, nil
}

// invalidate drops a token the upstream refused so the next Open exchanges
// a fresh one.
func (c *Client) invalidate() {
	if inv, ok := c.tokens.(interface{ Invalidate() }); ok {
		inv.Invalidate()
		c.logger.Warn().Msg("upstream rejected the credential, dropping it")
	}
}

type wsSession struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (s *wsSession) Send(frame []byte) error {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return apperr.E(apperr.KindUpstreamConnect, "stt.send", err)
	}
	return nil
}

func (s *wsSession) CloseSend() error {
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(endOfStream)); err != nil {
		return apperr.E(apperr.KindUpstreamConnect, "stt.close_send", err)
	}
	return nil
}

func (s *wsSession) Recv() (Result, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err,
			websocket.CloseNormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNoStatusReceived,
		) {
			return Result{}, io.EOF
		}
		return Result{}, apperr.E(apperr.KindUpstreamConnect, "stt.recv", err)
	}

	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, apperr.E(apperr.KindProtocol, "stt.recv", fmt.Errorf("malformed result frame: %w", err))
	}
	return r, nil
}

func (s *wsSession) Close() error {
	s.closeOnce.Do(func() {
		err := s.conn.Close()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			s.closeErr = err
		}
	})
	return s.closeErr
}
