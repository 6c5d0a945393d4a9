package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"collabkit/internal/config"
	"collabkit/internal/logging"
	"collabkit/internal/realtime"
)

// APIKeyHeader carries the long-lived key exchanged for access tokens.
const APIKeyHeader = "X-Api-Key"

var ErrMissingToken = errors.New("auth: token response has no token")

type tokenRequest struct {
	Refresh bool `json:"refresh"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// KeyExchange trades an API key for short-lived bearer tokens.
type KeyExchange struct {
	http   *http.Client
	apiKey string
	logger *logging.Logger

	mu       sync.RWMutex
	tokenURL string
}

func NewKeyExchange(httpClient *http.Client, apiKey string, baseURL string, logger *logging.Logger) (*KeyExchange, error) {
	if logger == nil {
		panic("auth.NewKeyExchange: logger must not be nil")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	k := &KeyExchange{http: httpClient, apiKey: apiKey, logger: logger.Named("auth")}
	if err := k.SetBaseURL(baseURL); err != nil {
		return nil, err
	}
	return k, nil
}

// SetBaseURL points the exchange at the token endpoint of another server.
func (k *KeyExchange) SetBaseURL(baseURL string) error {
	endpoints, err := config.BuildEndpoints(baseURL)
	if err != nil {
		return err
	}
	k.mu.Lock()
	k.tokenURL = endpoints.TokenURL
	k.mu.Unlock()
	return nil
}

func (k *KeyExchange) TokenURL() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.tokenURL
}

// Token requests an access token. refresh asks the server to mint a new one
// instead of returning the one it already issued.
func (k *KeyExchange) Token(ctx context.Context, refresh bool) (string, error) {
	url := k.TokenURL()
	k.logger.Debug("requesting access token", logging.Field("url", url), logging.Field("refresh", refresh))

	body, err := json.Marshal(tokenRequest{Refresh: refresh})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set(APIKeyHeader, k.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	k.logger.Debugf("POST %s -> %s", url, resp.Status)

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= http.StatusBadRequest {
		k.logger.Warn("token request rejected",
			logging.Field("status", resp.Status),
			logging.Field("response", logging.FormatPayload(data)),
		)
		return "", &realtime.StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	var decoded tokenResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return "", fmt.Errorf("invalid token response: %w", err)
	}
	if strings.TrimSpace(decoded.Token) == "" {
		return "", ErrMissingToken
	}
	if decoded.ExpiresAt > 0 {
		k.logger.Debug("access token acquired", logging.Field("expires_at", time.Unix(decoded.ExpiresAt, 0).UTC().Format(time.RFC3339)))
	} else {
		k.logger.Debug("access token acquired")
	}
	return decoded.Token, nil
}
