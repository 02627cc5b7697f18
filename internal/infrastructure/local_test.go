package infrastructure

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKnownDevices(t *testing.T) {
	known, err := NewKnownDevices(2)
	require.NoError(t, err)

	known.Add("AA:BB:CC:DD:EE:01")
	known.Add("AA:BB:CC:DD:EE:02")
	assert.True(t, known.Contains("AA:BB:CC:DD:EE:01"))

	known.Add("AA:BB:CC:DD:EE:03")
	assert.False(t, known.Contains("AA:BB:CC:DD:EE:02"), "least recently used entry is evicted")
	assert.True(t, known.Contains("AA:BB:CC:DD:EE:01"), "a hit keeps the entry")

	known.Remove("AA:BB:CC:DD:EE:03")
	assert.False(t, known.Contains("AA:BB:CC:DD:EE:03"))
}

func TestLocalCacheExpiry(t *testing.T) {
	ctx := context.Background()
	cache := NewLocalCache(10, time.Hour)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	require.NoError(t, cache.Set(ctx, "short", "a", 15*time.Second))
	require.NoError(t, cache.Set(ctx, "long", "b", 10*time.Minute))

	v, ok, err := cache.Get(ctx, "short")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	now = now.Add(16 * time.Second)
	_, ok, _ = cache.Get(ctx, "short")
	assert.False(t, ok)

	v, ok, _ = cache.Get(ctx, "long")
	assert.True(t, ok)
	assert.Equal(t, "b", v)

	require.NoError(t, cache.Delete(ctx, "long"))
	_, ok, _ = cache.Get(ctx, "long")
	assert.False(t, ok)
}

func TestSessionCacheIsNotEvictedBySize(t *testing.T) {
	ctx := context.Background()
	bounded := NewLocalCache(100, time.Hour)
	sessions := NewSessionCache(time.Hour)

	for _, c := range []*LocalCache{bounded, sessions} {
		require.NoError(t, c.Set(ctx, "session:revoked:s1", "1", 30*time.Minute))
		for i := 0; i < 20000; i++ {
			require.NoError(t, c.Set(ctx, "key:"+strconv.Itoa(i), "x", time.Minute))
		}
	}

	_, ok, err := bounded.Get(ctx, "session:revoked:s1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = sessions.Get(ctx, "session:revoked:s1")
	require.NoError(t, err)
	assert.True(t, ok)
}
