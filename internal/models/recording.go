package models

import "time"

// Recording はアップロードされた講義録音とその処理結果
type Recording struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Duration  int       `json:"duration"`
	AudioPath string    `json:"-"`
	STTText   *string   `json:"sttText"`
	Summary   *string   `json:"summary"`
	ResultURL *string   `json:"notionUrl"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	LastError *string   `json:"lastError,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// 処理ステータス
const (
	StatusIdle     = "idle"
	StatusSTT      = "stt"
	StatusAI       = "ai"
	StatusComplete = "complete"
)

// RecordingStatus はポーリング用の軽量レスポンス
type RecordingStatus struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

// StatusView はステータスだけを取り出す
func (r *Recording) StatusView() RecordingStatus {
	return RecordingStatus{Status: r.Status, Progress: r.Progress}
}

// IsProcessing はパイプラインが走っている状態かどうか
func (r *Recording) IsProcessing() bool {
	return r.Status == StatusSTT || r.Status == StatusAI
}
