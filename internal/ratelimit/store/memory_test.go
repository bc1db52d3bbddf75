package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SlideWindowCountsBeforeInsert(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for want := int64(0); want < 3; want++ {
		count, err := s.SlideWindow(ctx, "ratelimit:ip1", 940, 1000, fmt.Sprintf("1000:%d", want), time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, count)
	}
}

func TestMemoryStore_PurgeDropsOldEntries(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.SlideWindow(ctx, "ratelimit:ip1", 940, 1000, "1000:1", time.Minute)
	require.NoError(t, err)

	// Window slid past the entry's score.
	count, err := s.PurgeCount(ctx, "ratelimit:ip1", 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestMemoryStore_RemoveMember(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.SlideWindow(ctx, "ratelimit:ip1", 940, 1000, "1000:1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.RemoveMember(ctx, "ratelimit:ip1", "1000:1"))
	require.NoError(t, s.RemoveMember(ctx, "ratelimit:ip1", "not-there"))
	require.NoError(t, s.RemoveMember(ctx, "no-such-key", "1000:1"))

	count, err := s.PurgeCount(ctx, "ratelimit:ip1", 940)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestMemoryStore_KeyExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Unix(1700000000, 0)
	s.now = func() time.Time { return base }

	_, err := s.SlideWindow(ctx, "ratelimit:ip1", 940, 1000, "1000:1", 61*time.Second)
	require.NoError(t, err)

	s.now = func() time.Time { return base.Add(62 * time.Second) }

	count, err := s.PurgeCount(ctx, "ratelimit:ip1", 940)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count, "idle key discarded after TTL")
}

func TestMemoryStore_ConcurrentSameKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.SlideWindow(ctx, "ratelimit:ip1", 940, 1000, fmt.Sprintf("1000:%d", i), time.Minute)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	count, err := s.PurgeCount(ctx, "ratelimit:ip1", 940)
	require.NoError(t, err)
	assert.Equal(t, int64(50), count, "no lost inserts under concurrency")
}
