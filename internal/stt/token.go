package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"voicememo/internal/apperr"
	"voicememo/internal/config"
	"voicememo/internal/metrics"
)

const defaultExchangeTimeout = 15 * time.Second

// Credential is an upstream bearer token and the instant it stops being valid.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// Valid reports whether the credential can still be used at now.
func (c Credential) Valid(now time.Time) bool {
	return c.Token != "" && now.Before(c.ExpiresAt)
}

// TokenSource hands out bearer tokens for the streaming endpoint.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenCache caches the upstream credential and refreshes it on expiry.
// Concurrent callers that find the credential expired share one exchange.
type TokenCache struct {
	httpClient   *http.Client
	authURL      string
	clientID     string
	clientSecret string
	timeout      time.Duration
	now          func() time.Time
	metrics      *metrics.Metrics
	logger       zerolog.Logger

	mu    sync.RWMutex
	cred  Credential
	group singleflight.Group
}

// NewTokenCache creates a cache for the credentials in cfg.
func NewTokenCache(cfg config.ReturnZeroConfig, m *metrics.Metrics, logger zerolog.Logger) *TokenCache {
	timeout := cfg.GetRequestTimeout()
	if timeout <= 0 {
		timeout = defaultExchangeTimeout
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &TokenCache{
		httpClient:   &http.Client{},
		authURL:      cfg.AuthURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		timeout:      timeout,
		now:          time.Now,
		metrics:      m,
		logger:       logger,
	}
}

// Token returns the cached token, exchanging credentials first if it expired.
//
// The exchange is not tied to ctx: a caller that gives up stops waiting but
// the exchange keeps running for the remaining waiters.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	if tok, ok := c.cached(); ok {
		return tok, nil
	}

	ch := c.group.DoChan("token", func() (any, error) {
		if tok, ok := c.cached(); ok {
			return tok, nil
		}

		exCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		cred, err := c.exchange(exCtx)
		if err != nil {
			c.metrics.RecordTokenExchange("error")
			c.logger.Warn().Err(err).Msg("credential exchange failed")
			return "", err
		}
		c.metrics.RecordTokenExchange("ok")

		c.mu.Lock()
		c.cred = cred
		c.mu.Unlock()

		c.logger.Info().Time("expires_at", cred.ExpiresAt).Msg("credential refreshed")
		return cred.Token, nil
	})

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for credential: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the cached credential so the next call exchanges again.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.cred = Credential{}
	c.mu.Unlock()
}

func (c *TokenCache) cached() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cred.Valid(c.now()) {
		return c.cred.Token, true
	}
	return "", false
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpireAt    int64  `json:"expire_at"` // unix milliseconds
}

func (c *TokenCache) exchange(ctx context.Context) (Credential, error) {
	const op = "stt.token_exchange"

	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Credential{}, apperr.E(apperr.KindAuth, op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Credential{}, apperr.E(apperr.KindAuth, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Credential{}, apperr.Errorf(apperr.KindAuth, op,
			"authenticate returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Credential{}, apperr.E(apperr.KindAuth, op, fmt.Errorf("decode response: %w", err))
	}
	if tr.AccessToken == "" {
		return Credential{}, apperr.Errorf(apperr.KindAuth, op, "response has no access_token")
	}

	return Credential{
		Token:     tr.AccessToken,
		ExpiresAt: time.UnixMilli(tr.ExpireAt),
	}, nil
}
