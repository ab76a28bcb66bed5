// Package relay bridges a live client WebSocket to an upstream streaming STT
// session.
//
// Each connection runs two tasks. The receiver reads client frames and
// queues audio. The forwarder opens the upstream session on the first
// dequeue, streams the queue upstream and relays results back. The reply
// sequence always ends with exactly one eos_ack or one error message.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"voicememo/internal/apperr"
	"voicememo/internal/config"
	"voicememo/internal/metrics"
	"voicememo/internal/stt"
)

// closeGrace bounds how long Serve waits for the client to answer the close
// handshake before dropping the connection.
const closeGrace = 3 * time.Second

// ClientConn is the client side of a live session. *websocket.Conn
// satisfies it.
//
// ReadMessage and SetReadDeadline are only called by the receiver and
// WriteJSON only by the forwarder, then by Serve once the forwarder is done.
type ClientConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Relay serves live sessions against one upstream streamer.
type Relay struct {
	streamer    stt.Streamer
	queueSize   int
	idleTimeout time.Duration
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// New creates a relay.
func New(streamer stt.Streamer, cfg config.RelayConfig, m *metrics.Metrics, logger zerolog.Logger) *Relay {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Relay{
		streamer:    streamer,
		queueSize:   cfg.QueueSize,
		idleTimeout: cfg.GetIdleTimeout(),
		metrics:     m,
		logger:      logger,
	}
}

// Serve runs one live session until both the receiver has exited and the
// reply sequence has been sent. It returns the failure reported to the
// client, or nil when the session ended with eos_ack.
func (r *Relay) Serve(ctx context.Context, conn ClientConn) error {
	r.metrics.RelayStarted()
	start := time.Now()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	sess := newStreamSession(r.queueSize)

	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		if err := r.receive(ctx, conn, sess); err != nil {
			sess.fail(err)
			cancel(err)
		}
		sess.finish()
	}()

	err := r.forward(ctx, conn, sess)
	if recvErr := sess.err(); recvErr != nil {
		err = recvErr
	}

	outcome := r.reply(conn, err)

	// End the session with a close handshake, which also unblocks the
	// receiver if the client is still sending.
	cancel(nil)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	select {
	case <-recvDone:
	case <-time.After(closeGrace):
		conn.Close()
		<-recvDone
	}

	r.metrics.RelayFinished(outcome)
	r.logger.Info().
		Str("outcome", outcome).
		Dur("elapsed", time.Since(start)).
		Msg("live session finished")

	return err
}

// receive reads client frames until eos, a disconnect or a failure.
func (r *Relay) receive(ctx context.Context, conn ClientConn, sess *streamSession) error {
	const op = "relay.receive"

	for {
		if r.idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(r.idleTimeout))
		}

		mt, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return apperr.Errorf(apperr.KindTimeout, op, "no client frame for %s", r.idleTimeout)
			}
			// A disconnect is a normal end of the stream.
			r.logger.Debug().Err(err).Msg("client disconnected")
			return nil
		}

		switch mt {
		case websocket.BinaryMessage:
			if len(data) == 0 {
				continue
			}
			if err := sess.push(ctx, data); err != nil {
				return nil
			}
			r.metrics.RecordAudioFrame(len(data))

		case websocket.TextMessage:
			var msg ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				return apperr.E(apperr.KindProtocol, op, err)
			}
			switch msg.Type {
			case TypeConfig:
				if err := sess.configure(msg); err != nil {
					return err
				}
				r.logger.Debug().Interface("params", sess.params()).Msg("session configured")
			case TypeEOS:
				return nil
			default:
				return apperr.Errorf(apperr.KindProtocol, op, "unknown message type %q", msg.Type)
			}
		}
	}
}

// forward drains the queue into an upstream session and relays its results.
func (r *Relay) forward(ctx context.Context, conn ClientConn, sess *streamSession) error {
	var first []byte
	var more bool
	select {
	case first, more = <-sess.queue:
	case <-ctx.Done():
		return context.Cause(ctx)
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}

	up, err := r.streamer.Open(ctx, sess.params())
	if err != nil {
		return err
	}
	defer up.Close()

	g, gctx := errgroup.WithContext(ctx)
	sendCtx, stopSend := context.WithCancel(gctx)
	defer stopSend()

	go func() {
		<-gctx.Done()
		up.Close()
	}()

	g.Go(func() error {
		if !more {
			return up.CloseSend()
		}
		if err := up.Send(first); err != nil {
			return err
		}
		for {
			select {
			case frame, ok := <-sess.queue:
				if !ok {
					return up.CloseSend()
				}
				if err := up.Send(frame); err != nil {
					return err
				}
			case <-sendCtx.Done():
				if gctx.Err() != nil {
					return context.Cause(gctx)
				}
				// upstream already closed
				return nil
			}
		}
	})

	g.Go(func() error {
		defer stopSend()
		clientGone := false
		for {
			res, err := up.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if clientGone {
				continue
			}
			if err := conn.WriteJSON(ResultMessage{
				Type:     TypeSTTResult,
				Seq:      res.Seq,
				Final:    res.Final,
				Text:     res.Text(),
				StartAt:  res.StartAt,
				Duration: res.Duration,
			}); err != nil {
				// keep draining so the upstream session ends in order
				clientGone = true
				continue
			}
			r.metrics.RecordResultRelayed()
		}
	})

	return g.Wait()
}

// reply sends the final message of the session and returns the outcome label.
func (r *Relay) reply(conn ClientConn, err error) string {
	if err == nil {
		if werr := conn.WriteJSON(AckMessage{Type: TypeEOSAck}); werr != nil {
			return "client_gone"
		}
		return "eos_ack"
	}

	r.logger.Warn().Err(err).Str("kind", string(apperr.KindOf(err))).Msg("live session failed")
	// best effort, the client may already be gone
	_ = conn.WriteJSON(ErrorMessage{Type: TypeError, Message: err.Error()})
	return string(apperr.KindOf(err))
}
