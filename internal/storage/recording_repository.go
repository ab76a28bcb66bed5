package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"voicememo/internal/apperr"
	"voicememo/internal/models"
)

const recordingColumns = `id, title, duration, audio_path, stt_text, summary, result_url,
	status, progress, last_error, created_at, updated_at`

// RecordingRepository は録音のデータアクセス層
type RecordingRepository struct {
	db  *DB
	now func() time.Time
}

// NewRecordingRepository は新しいRecordingRepositoryを作成
func NewRecordingRepository(db *DB) *RecordingRepository {
	return &RecordingRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Create は新しい録音を作成
func (r *RecordingRepository) Create(ctx context.Context, rec *models.Recording) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := r.now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = models.StatusIdle
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO recordings (`+recordingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Title, rec.Duration, rec.AudioPath, rec.STTText, rec.Summary, rec.ResultURL,
		rec.Status, rec.Progress, rec.LastError, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert recording: %w", err)
	}
	return nil
}

// GetByID はIDで録音を取得（存在しない場合は nil, nil）
func (r *RecordingRepository) GetByID(ctx context.Context, id string) (*models.Recording, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE id = ?`, id)
	rec, err := scanRecording(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List は録音一覧を新しい順に取得
func (r *RecordingRepository) List(ctx context.Context, limit int) ([]models.Recording, error) {
	if limit == 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+recordingColumns+` FROM recordings ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recordings := []models.Recording{}
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		recordings = append(recordings, *rec)
	}
	return recordings, rows.Err()
}

// StartProcessing はパイプライン開始を記録し、前回のエラーを消す
func (r *RecordingRepository) StartProcessing(ctx context.Context, id string, progress int) error {
	return r.update(ctx, "recordings.start", id,
		`UPDATE recordings SET status = ?, progress = ?, last_error = NULL, updated_at = ? WHERE id = ?`,
		models.StatusSTT, progress, r.now(), id)
}

// UpdateStage はステータスと進捗を更新
func (r *RecordingRepository) UpdateStage(ctx context.Context, id, status string, progress int) error {
	return r.update(ctx, "recordings.update_stage", id,
		`UPDATE recordings SET status = ?, progress = ?, updated_at = ? WHERE id = ?`,
		status, progress, r.now(), id)
}

// SaveTranscript はSTT結果と進捗を同時に保存
func (r *RecordingRepository) SaveTranscript(ctx context.Context, id, text string, progress int) error {
	return r.update(ctx, "recordings.save_transcript", id,
		`UPDATE recordings SET stt_text = ?, progress = ?, updated_at = ? WHERE id = ?`,
		text, progress, r.now(), id)
}

// Complete は要約を保存して完了状態にする
func (r *RecordingRepository) Complete(ctx context.Context, id, summary string) error {
	return r.update(ctx, "recordings.complete", id,
		`UPDATE recordings SET summary = ?, status = ?, progress = 100, updated_at = ? WHERE id = ?`,
		summary, models.StatusComplete, r.now(), id)
}

// Reset は失敗した録音を idle/0 に戻し、途中成果物を破棄する
func (r *RecordingRepository) Reset(ctx context.Context, id, reason string) error {
	return r.update(ctx, "recordings.reset", id,
		`UPDATE recordings
		 SET status = ?, progress = 0, stt_text = NULL, summary = NULL, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		models.StatusIdle, reason, r.now(), id)
}

// SetResultURL は公開先のURLを保存
func (r *RecordingRepository) SetResultURL(ctx context.Context, id, url string) error {
	return r.update(ctx, "recordings.set_result_url", id,
		`UPDATE recordings SET result_url = ?, updated_at = ? WHERE id = ?`,
		url, r.now(), id)
}

// Delete は録音を削除
func (r *RecordingRepository) Delete(ctx context.Context, id string) error {
	return r.update(ctx, "recordings.delete", id, `DELETE FROM recordings WHERE id = ?`, id)
}

// ResetInterrupted は処理途中で止まった録音（プロセス再起動など）を idle に戻す
func (r *RecordingRepository) ResetInterrupted(ctx context.Context, reason string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE recordings
		SET status = ?, progress = 0, stt_text = NULL, summary = NULL, last_error = ?, updated_at = ?
		WHERE status IN (?, ?)`,
		models.StatusIdle, reason, r.now(), models.StatusSTT, models.StatusAI)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PendingIDs は受け付けたまま一度も処理が始まっていない録音のIDを古い順に返す
func (r *RecordingRepository) PendingIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM recordings
		WHERE status = ? AND progress = 0 AND last_error IS NULL AND stt_text IS NULL
		ORDER BY created_at`,
		models.StatusIdle)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// update は1行だけを対象にした書き込みを行い、行が無ければ NotFound を返す
func (r *RecordingRepository) update(ctx context.Context, op, id, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return apperr.Errorf(apperr.KindNotFound, op, "recording %s not found", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecording(s rowScanner) (*models.Recording, error) {
	var rec models.Recording
	var sttText, summary, resultURL, lastError sql.NullString
	err := s.Scan(
		&rec.ID, &rec.Title, &rec.Duration, &rec.AudioPath, &sttText, &summary, &resultURL,
		&rec.Status, &rec.Progress, &lastError, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.STTText = nullable(sttText)
	rec.Summary = nullable(summary)
	rec.ResultURL = nullable(resultURL)
	rec.LastError = nullable(lastError)
	return &rec, nil
}

func nullable(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}
