// Package notion publishes lecture reports as Notion pages.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"voicememo/internal/apperr"
	"voicememo/internal/config"
)

const (
	apiVersion = "2022-06-28"
	// maxChildren is the block limit of a single create or append request.
	maxChildren = 100
)

var pageIDPattern = regexp.MustCompile(`([a-f0-9]{32}|[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12})`)

// ExtractPageID returns the 32-character page id contained in a Notion URL.
func ExtractPageID(url string) (string, error) {
	m := pageIDPattern.FindString(url)
	if m == "" {
		return "", apperr.Errorf(apperr.KindValidation, "notion.page_id", "invalid Notion URL: %s", url)
	}
	return strings.ReplaceAll(m, "-", ""), nil
}

// Client calls the Notion REST API. The integration token is passed per
// call since every browser session may connect its own workspace.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     zerolog.Logger
}

// New creates a Notion client.
func New(cfg config.NotionConfig, logger zerolog.Logger) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.notion.com/v1"
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(base, "/"),
		logger:     logger,
	}
}

// Me verifies token by fetching the integration's bot user.
func (c *Client) Me(ctx context.Context, token string) error {
	return c.do(ctx, token, http.MethodGet, "/users/me", nil, nil)
}

type pageRequest struct {
	Parent     map[string]string `json:"parent"`
	Properties map[string]any    `json:"properties"`
	Children   []Block           `json:"children"`
}

type pageResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreateLecturePage creates a child page of parentID holding summary and
// returns its URL.
func (c *Client) CreateLecturePage(ctx context.Context, token, parentID, title, summary string) (string, error) {
	blocks := SummaryToBlocks(summary)
	first, rest := blocks, []Block(nil)
	if len(blocks) > maxChildren {
		first, rest = blocks[:maxChildren], blocks[maxChildren:]
	}
	if first == nil {
		first = []Block{}
	}

	req := pageRequest{
		Parent: map[string]string{"page_id": parentID},
		Properties: map[string]any{
			"title": map[string]any{
				"title": richText(title),
			},
		},
		Children: first,
	}

	var page pageResponse
	if err := c.do(ctx, token, http.MethodPost, "/pages", req, &page); err != nil {
		return "", err
	}

	for len(rest) > 0 {
		n := min(len(rest), maxChildren)
		body := map[string]any{"children": rest[:n]}
		if err := c.do(ctx, token, http.MethodPatch, "/blocks/"+page.ID+"/children", body, nil); err != nil {
			return "", fmt.Errorf("failed to append blocks: %w", err)
		}
		rest = rest[n:]
	}

	c.logger.Info().Str("page_id", page.ID).Int("blocks", len(blocks)).Msg("notion page created")
	return page.URL, nil
}

func (c *Client) do(ctx context.Context, token, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Notion-Version", apiVersion)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling Notion API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading Notion response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("notion API error (HTTP %d): %s", resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parsing Notion response: %w", err)
		}
	}
	return nil
}
