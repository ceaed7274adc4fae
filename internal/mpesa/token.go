package mpesa

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/BiniyamTT/mpesa-api/internal/metrics"
)

// DefaultSafetyMargin is subtracted from the gateway TTL so a token is never
// handed out right before it expires mid-request.
const DefaultSafetyMargin = 5 * time.Minute

// CredentialFetcher obtains a fresh bearer token.
type CredentialFetcher interface {
	Fetch(ctx context.Context) (Credential, error)
}

// TokenCache holds one bearer token for the whole process.
//
// Reads of a valid token only take the read lock. Refreshes are coalesced with
// singleflight, keyed by generation: Invalidate bumps the generation, so a fetch
// that started earlier can neither satisfy later callers nor install its token.
type TokenCache struct {
	fetcher CredentialFetcher
	margin  time.Duration
	log     *slog.Logger
	metrics metrics.Recorder
	nowFunc func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	gen       uint64
}

// TokenCacheOption customizes a TokenCache.
type TokenCacheOption func(*TokenCache)

func WithSafetyMargin(d time.Duration) TokenCacheOption {
	return func(c *TokenCache) { c.margin = d }
}

func WithLogger(l *slog.Logger) TokenCacheOption {
	return func(c *TokenCache) { c.log = l }
}

func WithMetrics(r metrics.Recorder) TokenCacheOption {
	return func(c *TokenCache) { c.metrics = r }
}

func WithClock(now func() time.Time) TokenCacheOption {
	return func(c *TokenCache) { c.nowFunc = now }
}

// NewTokenCache returns an empty cache. Construct one per process and share it.
func NewTokenCache(fetcher CredentialFetcher, opts ...TokenCacheOption) *TokenCache {
	c := &TokenCache{
		fetcher: fetcher,
		margin:  DefaultSafetyMargin,
		log:     slog.Default(),
		metrics: metrics.Nop{},
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the cached token while it is valid, otherwise waits for the
// single in-flight refresh (starting one if needed).
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	c.mu.RLock()
	token, expiresAt, gen := c.token, c.expiresAt, c.gen
	c.mu.RUnlock()

	if token != "" && c.nowFunc().Before(expiresAt) {
		c.metrics.TokenCacheHit()
		return token, nil
	}

	// The shared fetch must not die with whichever caller happened to start it.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		return c.refresh(fetchCtx, gen)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrAuth, ctx.Err())
	}
}

func (c *TokenCache) refresh(ctx context.Context, gen uint64) (string, error) {
	// A flight for this generation may already have finished between the
	// caller's read and DoChan.
	c.mu.RLock()
	if c.gen == gen && c.token != "" && c.nowFunc().Before(c.expiresAt) {
		token := c.token
		c.mu.RUnlock()
		return token, nil
	}
	c.mu.RUnlock()

	c.log.Info("fetching new mpesa token")
	fetchedAt := c.nowFunc()
	cred, err := c.fetcher.Fetch(ctx)
	if err == nil {
		expiresAt := fetchedAt.Add(cred.TTL - c.margin)
		if !expiresAt.After(fetchedAt) {
			err = fmt.Errorf("%w: token ttl %s does not exceed safety margin %s", ErrAuth, cred.TTL, c.margin)
		} else {
			return c.install(gen, cred.Token, expiresAt), nil
		}
	}

	c.metrics.TokenFetched(false)
	c.log.Error("mpesa token fetch failed", "error", err)

	c.mu.Lock()
	if c.gen == gen {
		c.token = ""
		c.expiresAt = time.Time{}
	}
	c.mu.Unlock()
	return "", err
}

func (c *TokenCache) install(gen uint64, token string, expiresAt time.Time) string {
	c.metrics.TokenFetched(true)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		// Invalidated mid-flight: hand the token to the callers that were
		// already waiting, but keep it out of the cache.
		c.log.Warn("discarding mpesa token fetched before invalidation")
		return token
	}
	c.token = token
	c.expiresAt = expiresAt
	c.log.Info("cached new mpesa token", "expires_at", expiresAt)
	return token
}

// Invalidate drops the cached token; the next Token call always fetches.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	old := c.gen
	c.gen++
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()

	c.group.Forget(strconv.FormatUint(old, 10))
}

// Refresh invalidates the cache and fetches a new token.
func (c *TokenCache) Refresh(ctx context.Context) (string, error) {
	c.Invalidate()
	return c.Token(ctx)
}

// TokenStatus is a redacted view of the cache.
type TokenStatus struct {
	Active    bool      `json:"active"`
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (c *TokenCache) Status() TokenStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return TokenStatus{
		Active:    c.token != "" && c.nowFunc().Before(c.expiresAt),
		Token:     Redact(c.token),
		ExpiresAt: c.expiresAt,
	}
}

// Redact keeps the first 10 characters of a token.
func Redact(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 10 {
		return token[:len(token)/2] + "..."
	}
	return token[:10] + "..."
}
