package mpesa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeFetcher hands out tok-1, tok-2, ... and counts calls. When gate is set,
// each Fetch blocks until the gate is closed.
type fakeFetcher struct {
	calls atomic.Int64
	ttl   time.Duration
	err   error
	gate  chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context) (Credential, error) {
	n := f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return Credential{}, f.err
	}
	return Credential{Token: fmt.Sprintf("tok-%d", n), TTL: f.ttl}, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 9, 18, 5, 58, 23, 0, time.UTC)}
}

func TestToken_CachesUntilEffectiveExpiry(t *testing.T) {
	f := &fakeFetcher{ttl: time.Hour}
	clock := newClock()
	c := NewTokenCache(f, WithClock(clock.Now))
	ctx := context.Background()

	tok, err := c.Token(ctx)
	if err != nil || tok != "tok-1" {
		t.Fatalf("first Token: %q %v", tok, err)
	}

	// 54m59s later: still inside ttl - 5m margin.
	clock.Advance(54*time.Minute + 59*time.Second)
	if tok, _ := c.Token(ctx); tok != "tok-1" {
		t.Fatalf("expected cached tok-1, got %s", tok)
	}
	if f.calls.Load() != 1 {
		t.Fatalf("expected 1 fetch, got %d", f.calls.Load())
	}

	// Exactly at ttl - margin the token must not be reused.
	clock.Advance(time.Second)
	if tok, _ := c.Token(ctx); tok != "tok-2" {
		t.Fatalf("expected refreshed tok-2, got %s", tok)
	}
	if f.calls.Load() != 2 {
		t.Fatalf("expected 2 fetches, got %d", f.calls.Load())
	}
}

func TestToken_ConcurrentCallersShareOneFetch(t *testing.T) {
	f := &fakeFetcher{ttl: time.Hour, gate: make(chan struct{})}
	c := NewTokenCache(f)

	const callers = 50
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = c.Token(context.Background())
		}(i)
	}

	// Let the first fetch start, then give the rest time to pile up on it.
	for f.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	if got := f.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one fetch, got %d", got)
	}
	for i := range tokens {
		if errs[i] != nil || tokens[i] != "tok-1" {
			t.Fatalf("caller %d got %q %v", i, tokens[i], errs[i])
		}
	}
}

func TestInvalidate_ForcesFreshFetch(t *testing.T) {
	f := &fakeFetcher{ttl: time.Hour}
	c := NewTokenCache(f)
	ctx := context.Background()

	if tok, _ := c.Token(ctx); tok != "tok-1" {
		t.Fatalf("expected tok-1, got %s", tok)
	}
	c.Invalidate()
	if c.Status().Active {
		t.Fatalf("expected inactive status after invalidate")
	}
	if tok, _ := c.Token(ctx); tok != "tok-2" {
		t.Fatalf("expected tok-2 after invalidate, got %s", tok)
	}
}

func TestInvalidate_InFlightFetchIsNotInstalled(t *testing.T) {
	gate := make(chan struct{})
	f := &fakeFetcher{ttl: time.Hour, gate: gate}
	c := NewTokenCache(f)

	slow := make(chan string)
	go func() {
		tok, _ := c.Token(context.Background())
		slow <- tok
	}()
	for f.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	c.Invalidate()
	// Unblock both the stale fetch and the fresh one triggered below.
	close(gate)

	fresh, err := c.Token(context.Background())
	if err != nil {
		t.Fatalf("Token error: %v", err)
	}
	if fresh != "tok-2" {
		t.Fatalf("expected fresh tok-2 after invalidate, got %s", fresh)
	}
	if stale := <-slow; stale != "tok-1" {
		t.Fatalf("expected in-flight caller to get tok-1, got %s", stale)
	}
	if got := c.Status(); !got.Active || got.Token != Redact("tok-2") {
		t.Fatalf("expected tok-2 cached, got %+v", got)
	}
}

func TestToken_FetchFailureClearsCache(t *testing.T) {
	f := &fakeFetcher{ttl: time.Hour}
	clock := newClock()
	c := NewTokenCache(f, WithClock(clock.Now))
	ctx := context.Background()

	if _, err := c.Token(ctx); err != nil {
		t.Fatalf("Token error: %v", err)
	}
	clock.Advance(time.Hour)
	f.err = fmt.Errorf("%w: status 500", ErrAuth)

	if _, err := c.Token(ctx); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	st := c.Status()
	if st.Active || st.Token != "" || !st.ExpiresAt.IsZero() {
		t.Fatalf("expected empty cache after failure, got %+v", st)
	}

	// Next call retries cleanly.
	f.err = nil
	if tok, err := c.Token(ctx); err != nil || tok != "tok-3" {
		t.Fatalf("expected recovery with tok-3, got %q %v", tok, err)
	}
}

func TestToken_TTLShorterThanMarginIsRejected(t *testing.T) {
	f := &fakeFetcher{ttl: 4 * time.Minute}
	c := NewTokenCache(f)

	if _, err := c.Token(context.Background()); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth for short ttl, got %v", err)
	}
	if c.Status().Token != "" {
		t.Fatalf("short-lived token must not be cached")
	}
}

func TestToken_WaiterCanAbandon(t *testing.T) {
	f := &fakeFetcher{ttl: time.Hour, gate: make(chan struct{})}
	c := NewTokenCache(f)
	defer close(f.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.Token(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRefresh_ReplacesToken(t *testing.T) {
	f := &fakeFetcher{ttl: time.Hour}
	c := NewTokenCache(f)
	ctx := context.Background()

	c.Token(ctx)
	tok, err := c.Refresh(ctx)
	if err != nil || tok != "tok-2" {
		t.Fatalf("Refresh: %q %v", tok, err)
	}
}

func TestRedact(t *testing.T) {
	if got := Redact("abcdefghijklmnop"); got != "abcdefghij..." {
		t.Fatalf("unexpected redaction %s", got)
	}
	if got := Redact("short"); got != "sh..." {
		t.Fatalf("unexpected redaction %s", got)
	}
	if Redact("") != "" {
		t.Fatalf("empty token should stay empty")
	}
}
