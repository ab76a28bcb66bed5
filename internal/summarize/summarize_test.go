package summarize

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"voicememo/internal/config"
)

func newTestClient(url, key string) *Client {
	return New(config.SummarizerConfig{
		BaseURL:     url + "/",
		APIKey:      key,
		Model:       "test-model",
		Temperature: 0.3,
		Timeout:     5,
	}, zerolog.Nop())
}

func TestSummarizeRequestShape(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"# 강의 요약 보고서"}}]}`))
	}))
	defer srv.Close()

	summary, err := newTestClient(srv.URL, "sk-test").Summarize(context.Background(), "오늘은 그래프 이론")
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if summary != "# 강의 요약 보고서" {
		t.Errorf("summary = %q", summary)
	}
	if got.Model != "test-model" || got.Temperature != 0.3 {
		t.Errorf("request = %+v", got)
	}
	if len(got.Messages) != 1 || !strings.Contains(got.Messages[0].Content, "오늘은 그래프 이론") {
		t.Errorf("prompt does not contain the transcript: %+v", got.Messages)
	}
}

func TestSummarizeErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"http error", http.StatusTooManyRequests, `{"error":{"message":"rate limited"}}`},
		{"no choices", http.StatusOK, `{"choices":[]}`},
		{"blank content", http.StatusOK, `{"choices":[{"message":{"content":"  "}}]}`},
		{"error object", http.StatusOK, `{"error":{"message":"model unavailable"}}`},
		{"not json", http.StatusOK, `<html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			if _, err := newTestClient(srv.URL, "sk-test").Summarize(context.Background(), "x"); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSummarizeRequiresKey(t *testing.T) {
	if _, err := newTestClient("http://127.0.0.1:1", "").Summarize(context.Background(), "x"); err == nil {
		t.Error("expected error without API key")
	}
}

func TestPromptEmbedsTranscript(t *testing.T) {
	p := Prompt("TRANSCRIPT")
	if !strings.Contains(p, "TRANSCRIPT") || !strings.Contains(p, "# 강의 요약 보고서") {
		t.Errorf("unexpected prompt:\n%s", p)
	}
}
