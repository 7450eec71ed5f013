package creds

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clinichub/ddxwatch/internal/store"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// countingExchanger hands out sequential tokens and counts exchanges.
type countingExchanger struct {
	calls   atomic.Int32
	expiry  time.Time
	failErr error

	// block, when non-nil, is closed by the test to release in-flight
	// exchanges, proving concurrent callers coalesced.
	block chan struct{}
}

func (e *countingExchanger) Exchange(_ context.Context, tenantID string) (string, time.Time, error) {
	n := e.calls.Add(1)

	if e.block != nil {
		<-e.block
	}

	if e.failErr != nil {
		return "", time.Time{}, e.failErr
	}

	return tenantID + "-token-" + string(rune('0'+n)), e.expiry, nil
}

func newTestCache(t *testing.T, ex Exchanger) (*Cache, *store.Store, *time.Time) {
	t.Helper()

	s, err := store.Open(":memory:", testLogger(t))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	t.Cleanup(func() { s.Close() })

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	c := NewCache(s, ex, testLogger(t))
	c.nowFunc = func() time.Time { return now }

	return c, s, &now
}

func TestToken_CachedNoExchange(t *testing.T) {
	t.Parallel()

	ex := &countingExchanger{expiry: time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)}
	c, _, _ := newTestCache(t, ex)
	ctx := context.Background()

	first, err := c.Token(ctx, "firm-a")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	second, err := c.Token(ctx, "firm-a")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	if first != second {
		t.Errorf("tokens differ across cached calls: %q vs %q", first, second)
	}

	if got := ex.calls.Load(); got != 1 {
		t.Errorf("exchanger called %d times, want 1", got)
	}
}

func TestToken_ConcurrentCallersSingleExchange(t *testing.T) {
	t.Parallel()

	ex := &countingExchanger{
		expiry: time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC),
		block:  make(chan struct{}),
	}
	c, _, _ := newTestCache(t, ex)
	ctx := context.Background()

	const callers = 8

	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = c.Token(ctx, "firm-a")
		}(i)
	}

	// Let all goroutines pile onto the flight before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(ex.block)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}

		if tokens[i] != tokens[0] {
			t.Errorf("caller %d got %q, want %q", i, tokens[i], tokens[0])
		}
	}

	if got := ex.calls.Load(); got != 1 {
		t.Errorf("exchanger called %d times, want exactly 1", got)
	}
}

func TestToken_ExpiredTriggersRefresh(t *testing.T) {
	t.Parallel()

	ex := &countingExchanger{expiry: time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)}
	c, _, now := newTestCache(t, ex)
	ctx := context.Background()

	if _, err := c.Token(ctx, "firm-a"); err != nil {
		t.Fatalf("Token: %v", err)
	}

	// Advance inside the refresh skew of expiry.
	*now = time.Date(2026, 3, 10, 12, 59, 0, 0, time.UTC)
	ex.expiry = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	if _, err := c.Token(ctx, "firm-a"); err != nil {
		t.Fatalf("Token after expiry: %v", err)
	}

	if got := ex.calls.Load(); got != 2 {
		t.Errorf("exchanger called %d times, want 2", got)
	}
}

func TestToken_PersistedTokenSurvivesRestart(t *testing.T) {
	t.Parallel()

	ex := &countingExchanger{expiry: time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)}
	c, s, _ := newTestCache(t, ex)
	ctx := context.Background()

	first, err := c.Token(ctx, "firm-a")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	// A fresh cache over the same store must reuse the persisted token.
	restarted := NewCache(s, ex, testLogger(t))
	restarted.nowFunc = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }

	second, err := restarted.Token(ctx, "firm-a")
	if err != nil {
		t.Fatalf("Token after restart: %v", err)
	}

	if second != first {
		t.Errorf("restarted cache got %q, want persisted %q", second, first)
	}

	if got := ex.calls.Load(); got != 1 {
		t.Errorf("exchanger called %d times, want 1 (persisted token reused)", got)
	}
}

func TestToken_ExchangeFailurePropagates(t *testing.T) {
	t.Parallel()

	ex := &countingExchanger{failErr: errors.New("idp unreachable")}
	c, _, _ := newTestCache(t, ex)

	_, err := c.Token(context.Background(), "firm-a")
	if err == nil {
		t.Fatal("want error from failed exchange")
	}

	// A failed flight is not cached: the next call exchanges again.
	ex.failErr = nil
	ex.expiry = time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)

	if _, err := c.Token(context.Background(), "firm-a"); err != nil {
		t.Fatalf("Token after recovery: %v", err)
	}
}

func TestSource_BindsTenant(t *testing.T) {
	t.Parallel()

	ex := &countingExchanger{expiry: time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)}
	c, _, _ := newTestCache(t, ex)

	src := c.Source("firm-b")

	tok, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	if tok == "" || tok[:6] != "firm-b" {
		t.Errorf("token %q not issued for firm-b", tok)
	}
}
