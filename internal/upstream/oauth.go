// Package upstream holds the HTTP clients for the vendor's OAuth and
// recognition endpoints. Failure classification happens here, at the call
// boundary, so the rest of the system works with structured reasons instead
// of scraping error strings.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"aipgate/internal/pool"
)

// tokenFetchTimeout bounds one token endpoint call. Never retried in place;
// the pool's fallback ladder decides what happens next.
const tokenFetchTimeout = 15 * time.Second

// TokenClient implements pool.TokenSource against a client_credentials
// OAuth endpoint.
type TokenClient struct {
	endpoint string
	client   *http.Client
}

func NewTokenClient(endpoint string) *TokenClient {
	return &TokenClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: tokenFetchTimeout},
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// FetchToken exchanges a credential for an access token. Non-200 responses
// and payloads missing the token field report as rejected (with the
// upstream's message preserved for classification); transport failures
// report as unavailable.
func (c *TokenClient) FetchToken(ctx context.Context, credential pool.Credential) (string, time.Duration, error) {
	params := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {credential.ID},
		"client_secret": {credential.Secret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return "", 0, pool.NewFetchUnavailable(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, pool.NewFetchUnavailable(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, pool.NewFetchUnavailable(err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", 0, pool.NewFetchRejected(
			fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var payload tokenResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", 0, pool.NewFetchRejected(fmt.Sprintf("malformed token response: %v", err))
	}
	if payload.AccessToken == "" {
		return "", 0, pool.NewFetchRejected(
			fmt.Sprintf("token response missing access_token: %s", strings.TrimSpace(string(body))))
	}

	return payload.AccessToken, time.Duration(payload.ExpiresIn) * time.Second, nil
}
