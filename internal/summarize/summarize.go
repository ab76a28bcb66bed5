// Package summarize turns a lecture transcript into a structured report via
// an OpenAI-compatible chat completions endpoint (OpenRouter by default).
package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"voicememo/internal/config"
)

const reportPrompt = `
당신은 대학 강의를 정리하는 AI 비서입니다.

다음 강의 내용을 보고서 형식으로 정리해주세요:

%s

다음 형식으로 작성해주세요:

# 강의 요약 보고서

## 📝 강의 개요
(3-5문장으로 강의 전체 내용 요약)

## 🔑 핵심 키워드
- 키워드1
- 키워드2
- 키워드3
- ...

## 📚 주요 내용
### 1. 주제1
- 세부 내용
- 세부 내용

### 2. 주제2
- 세부 내용
- 세부 내용

## 💡 중요 포인트
- 꼭 기억해야 할 핵심 개념
- 시험이나 과제에 나올 만한 내용
`

// Prompt renders the lecture-report prompt for transcript.
func Prompt(transcript string) string {
	return fmt.Sprintf(reportPrompt, transcript)
}

// Client calls the chat completions endpoint.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	logger      zerolog.Logger
}

// New creates a summarizer client from cfg.
func New(cfg config.SummarizerConfig, logger zerolog.Logger) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: cfg.GetTimeout()},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		logger:      logger,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Summarize returns the report for transcript.
func (c *Client) Summarize(ctx context.Context, transcript string) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("summarizer API key not set: set OPENROUTER_API_KEY or summarizer.api_key")
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Temperature: c.temperature,
		Messages:    []chatMessage{{Role: "user", Content: Prompt(transcript)}},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling summarizer: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading summarizer response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("summarizer error (HTTP %d): %s", resp.StatusCode, string(respBody))
	}

	var cr chatResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return "", fmt.Errorf("parsing summarizer response: %w", err)
	}
	if cr.Error != nil {
		return "", fmt.Errorf("summarizer error: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 || strings.TrimSpace(cr.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("empty response from summarizer")
	}

	summary := cr.Choices[0].Message.Content
	c.logger.Debug().
		Str("model", c.model).
		Int("transcript_chars", len(transcript)).
		Int("summary_chars", len(summary)).
		Msg("summary generated")
	return summary, nil
}
