package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"voicememo/internal/relay"
)

// LiveRelay はライブセッションを中継する
type LiveRelay interface {
	Serve(ctx context.Context, conn relay.ClientConn) error
}

// StreamHandler はライブ文字起こしの WebSocket ハンドラー
type StreamHandler struct {
	relay    LiveRelay
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewStreamHandler は新しいStreamHandlerを作成
// allowedOrigins が空、または "*" を含む場合はすべてのオリジンを許可する
func NewStreamHandler(r LiveRelay, allowedOrigins []string, logger zerolog.Logger) *StreamHandler {
	return &StreamHandler{
		relay: r,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger,
	}
}

// Live は接続をアップグレードしてリレーに渡す
// GET /ws/stt
func (h *StreamHandler) Live(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade がエラーレスポンスを書き込み済み
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return nil
	}

	if err := h.relay.Serve(c.Request().Context(), conn); err != nil {
		h.logger.Warn().Err(err).Str("remote", c.RealIP()).Msg("live session ended with error")
	}
	return nil
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(set) == 0 {
			return true
		}
		return set[origin]
	}
}
