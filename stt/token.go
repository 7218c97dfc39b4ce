package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// TokenSource issues the short-lived token used to open a streaming session.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// AssemblyAITokens mints temporary streaming tokens with an account API key.
type AssemblyAITokens struct {
	URL        string
	APIKey     string
	TTL        time.Duration
	HTTPClient *http.Client
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (a *AssemblyAITokens) Token(ctx context.Context) (string, error) {
	base, err := url.Parse(a.URL)
	if err != nil {
		return "", errors.Wrap(err, "parse token url")
	}
	ttl := a.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	q := base.Query()
	q.Set("expires_in_seconds", strconv.Itoa(int(ttl/time.Second)))
	base.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return "", errors.Wrap(err, "build token request")
	}
	req.Header.Set("Authorization", a.APIKey)

	client := a.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "request token")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, body)
	}
	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", errors.Wrap(err, "decode token response")
	}
	if tr.Token == "" {
		return "", errors.New("token endpoint returned no token")
	}
	return tr.Token, nil
}
