package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudgate/gateway/internal/config"
	"github.com/cloudgate/gateway/internal/ratelimit/store"
)

func testConfig(limit, window int) config.RateLimitConfig {
	return config.RateLimitConfig{
		RequestsPerWindow: limit,
		WindowSeconds:     window,
		KeyPrefix:         "ratelimit",
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLimiter(t *testing.T, limit, window int) (*Limiter, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	l := New(store.NewMemoryStore(), testConfig(limit, window), slog.Default())
	l.now = clock.now
	return l, clock
}

func TestLimiter_AllowsUpToLimit(t *testing.T) {
	l, clock := newTestLimiter(t, 3, 60)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, info := l.Allow(ctx, "client-a")
		require.True(t, allowed, "request %d should be admitted", i+1)
		assert.Equal(t, 3, info.Limit)
		assert.Equal(t, 2-i, info.Remaining)
		assert.Equal(t, clock.now().Unix()+60, info.Reset)
		clock.advance(time.Nanosecond)
	}

	allowed, info := l.Allow(ctx, "client-a")
	assert.False(t, allowed)
	assert.Equal(t, 0, info.Remaining)
}

func TestLimiter_RejectionsDoNotConsumeWindow(t *testing.T) {
	l, clock := newTestLimiter(t, 2, 60)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _ := l.Allow(ctx, "client-a")
		require.True(t, allowed)
		clock.advance(time.Nanosecond)
	}

	// Rejected attempts are compensated out of the window, so usage
	// stays pinned at the limit no matter how many times the client
	// hammers the gateway.
	for i := 0; i < 5; i++ {
		allowed, _ := l.Allow(ctx, "client-a")
		assert.False(t, allowed)
		clock.advance(time.Nanosecond)
	}

	usage, err := l.Usage(ctx, "client-a")
	require.NoError(t, err)
	assert.Equal(t, 2, usage.Used)
	assert.Equal(t, 0, usage.Remaining)
}

func TestLimiter_WindowSlides(t *testing.T) {
	l, clock := newTestLimiter(t, 2, 60)
	ctx := context.Background()

	allowed, _ := l.Allow(ctx, "client-a")
	require.True(t, allowed)
	clock.advance(time.Nanosecond)
	allowed, _ = l.Allow(ctx, "client-a")
	require.True(t, allowed)

	allowed, _ = l.Allow(ctx, "client-a")
	require.False(t, allowed)

	// After the window passes the old entries purge out.
	clock.advance(61 * time.Second)
	allowed, info := l.Allow(ctx, "client-a")
	assert.True(t, allowed)
	assert.Equal(t, 1, info.Remaining)
}

func TestLimiter_IdentifiersIsolated(t *testing.T) {
	l, clock := newTestLimiter(t, 1, 60)
	ctx := context.Background()

	allowed, _ := l.Allow(ctx, "client-a")
	require.True(t, allowed)
	allowed, _ = l.Allow(ctx, "client-a")
	require.False(t, allowed)

	clock.advance(time.Nanosecond)
	allowed, _ = l.Allow(ctx, "client-b")
	assert.True(t, allowed, "client-b has its own window")
}

func TestLimiter_UsageIsReadOnly(t *testing.T) {
	l, clock := newTestLimiter(t, 5, 60)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _ := l.Allow(ctx, "client-a")
		require.True(t, allowed)
		clock.advance(time.Nanosecond)
	}

	for i := 0; i < 3; i++ {
		usage, err := l.Usage(ctx, "client-a")
		require.NoError(t, err)
		assert.Equal(t, 2, usage.Used)
		assert.Equal(t, 3, usage.Remaining)
	}
}

func TestLimiter_UpdateConfig(t *testing.T) {
	l, clock := newTestLimiter(t, 1, 60)
	ctx := context.Background()

	allowed, _ := l.Allow(ctx, "client-a")
	require.True(t, allowed)
	allowed, _ = l.Allow(ctx, "client-a")
	require.False(t, allowed)

	clock.advance(time.Nanosecond)
	l.UpdateConfig(testConfig(5, 60))

	allowed, info := l.Allow(ctx, "client-a")
	assert.True(t, allowed)
	assert.Equal(t, 5, info.Limit)
}

type failingStore struct{}

func (failingStore) SlideWindow(context.Context, string, int64, int64, string, time.Duration) (int64, error) {
	return 0, errors.New("store down")
}
func (failingStore) RemoveMember(context.Context, string, string) error { return errors.New("down") }
func (failingStore) PurgeCount(context.Context, string, int64) (int64, error) {
	return 0, errors.New("down")
}
func (failingStore) Close() error { return nil }

func TestLimiter_FallsBackWhenStoreDown(t *testing.T) {
	l := New(failingStore{}, testConfig(5, 60), slog.Default())
	ctx := context.Background()

	// Local token bucket starts full, so the first burst is admitted
	// and the excess is shed.
	admitted := 0
	var lastRemaining []int
	for i := 0; i < 20; i++ {
		if allowed, info := l.Allow(ctx, "client-a"); allowed {
			admitted++
			lastRemaining = append(lastRemaining, info.Remaining)
		}
	}
	assert.Equal(t, 5, admitted)

	// Remaining counts down from the bucket fill instead of pinning at a
	// constant, so clients can still pace themselves.
	require.Len(t, lastRemaining, 5)
	for i := 1; i < len(lastRemaining); i++ {
		assert.LessOrEqual(t, lastRemaining[i], lastRemaining[i-1],
			"remaining must not increase within a shed burst")
	}
	assert.Less(t, lastRemaining[4], 5, "final admission must report a drained bucket")
}

func TestLimiter_UsageErrorWhenStoreDown(t *testing.T) {
	l := New(failingStore{}, testConfig(5, 60), slog.Default())

	_, err := l.Usage(context.Background(), "client-a")
	assert.Error(t, err)
}
