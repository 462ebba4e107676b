// Package token acquires and mints the short-lived bearer tokens the
// realtime service requires. Client fetches tokens from a token endpoint
// over HTTP; Issuer is the signing half such an endpoint uses (cmd/tokend
// ships one).
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const requestTimeout = 15 * time.Second

// ErrRequestFailed reports a token endpoint round trip that did not produce
// a usable token.
var ErrRequestFailed = errors.New("token: request failed")

// Client fetches bearer tokens over HTTP. It satisfies the session's token
// source.
type Client struct {
	url  string
	http *http.Client
}

// NewClient points at a token endpoint. A nil httpClient selects a default
// with a request timeout.
func NewClient(url string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	return &Client{url: url, http: httpClient}
}

// tokenResponse tolerates the field spellings different token endpoints
// use for the same value.
type tokenResponse struct {
	Token            string `json:"token"`
	AccessToken      string `json:"access_token"`
	AccessTokenCamel string `json:"accessToken"`
	JWT              string `json:"jwt"`
}

func (r tokenResponse) value() string {
	for _, v := range []string{r.Token, r.AccessToken, r.AccessTokenCamel, r.JWT} {
		if v != "" {
			return v
		}
	}
	return ""
}

// Token requests a bearer token for app with the given lifetime in seconds.
func (c *Client) Token(ctx context.Context, app string, ttlSeconds int) (string, error) {
	body, err := json.Marshal(map[string]any{
		"app":        app,
		"expires_in": ttlSeconds,
	})
	if err != nil {
		return "", fmt.Errorf("marshal token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrRequestFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: http %d", ErrRequestFailed, resp.StatusCode)
	}
	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrRequestFailed, err)
	}
	tok := tr.value()
	if tok == "" {
		return "", fmt.Errorf("%w: no token in response", ErrRequestFailed)
	}
	return tok, nil
}
