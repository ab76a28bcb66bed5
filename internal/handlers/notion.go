package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"voicememo/internal/apperr"
	"voicememo/internal/config"
	"voicememo/internal/notion"
)

// セッションのキー
const (
	sessionName     = "voicememo_session"
	sessionKeyToken = "notion_token"
	sessionKeyPage  = "notion_page_id"
	sessionMaxAge   = 7 * 24 * 60 * 60 // 7日
)

// NotionPublisher は Notion への書き込みを担当する
type NotionPublisher interface {
	Me(ctx context.Context, token string) error
	CreateLecturePage(ctx context.Context, token, parentID, title, summary string) (string, error)
}

// ResultURLWriter は公開先URLを録音に保存する
type ResultURLWriter interface {
	SetResultURL(ctx context.Context, id, url string) error
}

// NewSessionStore は httpOnly / SameSite=Lax のクッキーセッションストアを作成
func NewSessionStore(secret string) *sessions.CookieStore {
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return store
}

// NotionHandler は Notion 連携APIのハンドラー
type NotionHandler struct {
	client        NotionPublisher
	store         sessions.Store
	recordings    ResultURLWriter
	defaultToken  string
	defaultPageID string
	logger        zerolog.Logger
}

// NewNotionHandler は新しいNotionHandlerを作成
// 設定ファイルのトークンとページは、セッションに設定が無いときに使われる
func NewNotionHandler(client NotionPublisher, store sessions.Store, recordings ResultURLWriter,
	cfg config.NotionConfig, logger zerolog.Logger) *NotionHandler {
	h := &NotionHandler{
		client:       client,
		store:        store,
		recordings:   recordings,
		defaultToken: cfg.APIKey,
		logger:       logger,
	}
	if cfg.PageURL != "" {
		pageID, err := notion.ExtractPageID(cfg.PageURL)
		if err != nil {
			logger.Warn().Err(err).Msg("ignoring configured notion page url")
		} else {
			h.defaultPageID = pageID
		}
	}
	return h
}

// NotionConfigRequest は設定保存リクエスト
type NotionConfigRequest struct {
	Token   string `json:"token"`
	PageURL string `json:"pageUrl"`
}

// NotionSaveRequest は保存リクエスト
type NotionSaveRequest struct {
	RecordingID string `json:"recordingId"`
	Title       string `json:"title"`
	Summary     string `json:"summary"`
}

// Status は連携状態を返す
// GET /api/notion/status
func (h *NotionHandler) Status(c echo.Context) error {
	token, pageID := h.credentials(c)
	return c.JSON(http.StatusOK, map[string]bool{"connected": token != "" && pageID != ""})
}

// Config はトークンを検証し、ページIDと一緒にセッションへ保存する
// POST /api/notion/config
func (h *NotionHandler) Config(c echo.Context) error {
	var req NotionConfigRequest
	if err := c.Bind(&req); err != nil || req.Token == "" || req.PageURL == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "token and pageUrl are required"})
	}

	if err := h.client.Me(c.Request().Context(), req.Token); err != nil {
		h.logger.Info().Err(err).Msg("notion token rejected")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "유효하지 않은 Notion 토큰입니다"})
	}
	pageID, err := notion.ExtractPageID(req.PageURL)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "유효하지 않은 Notion URL입니다. 페이지 URL을 확인해주세요"})
	}

	sess, _ := h.store.Get(c.Request(), sessionName)
	sess.Values[sessionKeyToken] = req.Token
	sess.Values[sessionKeyPage] = pageID
	if err := sess.Save(c.Request(), c.Response()); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to save session"})
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

// Disconnect はセッションから連携情報を消す
// POST /api/notion/disconnect
func (h *NotionHandler) Disconnect(c echo.Context) error {
	sess, _ := h.store.Get(c.Request(), sessionName)
	delete(sess.Values, sessionKeyToken)
	delete(sess.Values, sessionKeyPage)
	if err := sess.Save(c.Request(), c.Response()); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to save session"})
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

// Save は要約を Notion ページとして作成し、URLを録音に記録する
// POST /api/notion/save
func (h *NotionHandler) Save(c echo.Context) error {
	ctx := c.Request().Context()

	var req NotionSaveRequest
	if err := c.Bind(&req); err != nil || req.Title == "" || req.Summary == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "title and summary are required"})
	}

	token, pageID := h.credentials(c)
	if token == "" || pageID == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Notion이 연결되지 않았습니다"})
	}

	url, err := h.client.CreateLecturePage(ctx, token, pageID, req.Title, req.Summary)
	if err != nil {
		h.logger.Error().Err(err).Msg("notion save failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Notion 저장 실패: " + err.Error()})
	}

	if req.RecordingID != "" {
		// ページは作成済みなので、録音が消えていてもURLは返す
		if err := h.recordings.SetResultURL(ctx, req.RecordingID, url); err != nil {
			if !errors.Is(err, apperr.NotFound) {
				h.logger.Error().Err(err).Str("recording_id", req.RecordingID).Msg("failed to store notion url")
			}
		}
	}

	return c.JSON(http.StatusOK, map[string]string{"url": url})
}

// credentials はセッション、無ければ設定ファイルの値を返す
func (h *NotionHandler) credentials(c echo.Context) (token, pageID string) {
	sess, _ := h.store.Get(c.Request(), sessionName)
	token, _ = sess.Values[sessionKeyToken].(string)
	pageID, _ = sess.Values[sessionKeyPage].(string)
	if token == "" && pageID == "" {
		return h.defaultToken, h.defaultPageID
	}
	return token, pageID
}
