package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// maxBodyBytes caps gateway response bodies read into memory.
const maxBodyBytes = 1 << 20

// Credential is a bearer token with the lifetime the gateway granted.
type Credential struct {
	Token string
	TTL   time.Duration
}

// Fetcher performs the OAuth client-credentials exchange. It holds no state
// beyond configuration and never retries.
type Fetcher struct {
	client   *http.Client
	url      string
	basicKey string
}

// NewFetcher builds a Fetcher for baseURL+authPath using the consumer key/secret.
func NewFetcher(client *http.Client, baseURL, authPath, consumerKey, consumerSecret string) *Fetcher {
	return &Fetcher{
		client:   client,
		url:      baseURL + authPath,
		basicKey: base64.StdEncoding.EncodeToString([]byte(consumerKey + ":" + consumerSecret)),
	}
}

type tokenResponse struct {
	AccessToken string  `json:"access_token"`
	ExpiresIn   seconds `json:"expires_in"`
}

// seconds accepts both 3599 and "3599".
type seconds int64

func (s *seconds) UnmarshalJSON(b []byte) error {
	raw := string(b)
	if raw == "null" {
		return nil
	}
	if unq, err := strconv.Unquote(raw); err == nil {
		raw = unq
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid seconds %s: %w", b, err)
	}
	*s = seconds(n)
	return nil
}

// Fetch requests a new token. Every failure wraps ErrAuth.
func (f *Fetcher) Fetch(ctx context.Context) (Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: build request: %w", ErrAuth, err)
	}
	req.Header.Set("Authorization", "Basic "+f.basicKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %w", ErrAuth, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Credential{}, fmt.Errorf("%w: read body: %w", ErrAuth, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Credential{}, fmt.Errorf("%w: status %d: %s", ErrAuth, resp.StatusCode, truncate(body, 256))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Credential{}, fmt.Errorf("%w: decode body: %w", ErrAuth, err)
	}
	if tr.AccessToken == "" || tr.ExpiresIn <= 0 {
		return Credential{}, fmt.Errorf("%w: response missing access_token or expires_in", ErrAuth)
	}
	return Credential{
		Token: tr.AccessToken,
		TTL:   time.Duration(tr.ExpiresIn) * time.Second,
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
