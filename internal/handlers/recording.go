package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"voicememo/internal/apperr"
	"voicememo/internal/ingestion"
	"voicememo/internal/models"
)

// Ingester はアップロードと削除を担当する
type Ingester interface {
	Ingest(ctx context.Context, opts ingestion.UploadOptions) (*models.Recording, error)
	Delete(ctx context.Context, id string) error
}

// RecordingReader は録音の読み出しを担当する
type RecordingReader interface {
	GetByID(ctx context.Context, id string) (*models.Recording, error)
	List(ctx context.Context, limit int) ([]models.Recording, error)
}

// RecordingHandler は録音APIのハンドラー
type RecordingHandler struct {
	ingester       Ingester
	repo           RecordingReader
	maxUploadBytes int64
}

// NewRecordingHandler は新しいRecordingHandlerを作成
func NewRecordingHandler(ingester Ingester, repo RecordingReader, maxUploadMB int) *RecordingHandler {
	return &RecordingHandler{
		ingester:       ingester,
		repo:           repo,
		maxUploadBytes: int64(maxUploadMB) << 20,
	}
}

// Upload は音声ファイルを受け取り、処理を開始する
// POST /api/recordings
func (h *RecordingHandler) Upload(c echo.Context) error {
	ctx := c.Request().Context()

	fh, err := c.FormFile("audio")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "no audio file uploaded"})
	}
	if h.maxUploadBytes > 0 && fh.Size > h.maxUploadBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "audio file too large"})
	}

	f, err := fh.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to open file"})
	}
	defer f.Close()

	rec, err := h.ingester.Ingest(ctx, ingestion.UploadOptions{
		Title:       c.FormValue("title"),
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Reader:      f,
	})
	if err != nil {
		return errorJSON(c, err)
	}

	// ジョブはバックグラウンドで stt に進む
	return c.JSON(http.StatusAccepted, map[string]string{
		"id":      rec.ID,
		"status":  models.StatusSTT,
		"message": "처리를 시작합니다",
	})
}

// List は録音一覧を新しい順に取得
// GET /api/recordings
func (h *RecordingHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	limit := 100
	if l := c.QueryParam("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	recordings, err := h.repo.List(ctx, limit)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, recordings)
}

// Get は録音の詳細を取得
// GET /api/recordings/:id
func (h *RecordingHandler) Get(c echo.Context) error {
	rec, err := h.find(c)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

// Status は処理状況を取得（ポーリング用）
// GET /api/recordings/:id/status
func (h *RecordingHandler) Status(c echo.Context) error {
	rec, err := h.find(c)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, rec.StatusView())
}

// Delete は録音と音声ファイルを削除
// DELETE /api/recordings/:id
func (h *RecordingHandler) Delete(c echo.Context) error {
	if err := h.ingester.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "삭제되었습니다"})
}

func (h *RecordingHandler) find(c echo.Context) (*models.Recording, error) {
	id := c.Param("id")
	rec, err := h.repo.GetByID(c.Request().Context(), id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperr.Errorf(apperr.KindNotFound, "recordings.get", "녹음을 찾을 수 없습니다")
	}
	return rec, nil
}
