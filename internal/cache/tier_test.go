package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTierLRUEviction(t *testing.T) {
	tier := newMemoryTier(2, 0)
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, "a", []byte("1")))
	require.NoError(t, tier.Set(ctx, "b", []byte("2")))

	// Touch "a" so "b" becomes the LRU victim.
	_, ok, err := tier.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, tier.Set(ctx, "c", []byte("3")))
	assert.Equal(t, 2, tier.Len())
	assert.Equal(t, int64(1), tier.Evictions())

	_, ok, err = tier.Get(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = tier.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = tier.Get(ctx, "c")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryTierOverwriteDoesNotEvict(t *testing.T) {
	tier := newMemoryTier(2, 0)
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, "a", []byte("1")))
	require.NoError(t, tier.Set(ctx, "b", []byte("2")))
	require.NoError(t, tier.Set(ctx, "a", []byte("updated")))

	assert.Equal(t, 2, tier.Len())
	assert.Equal(t, int64(0), tier.Evictions())

	value, ok, err := tier.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("updated"), value)
}

func TestMemoryTierTTL(t *testing.T) {
	tier := newMemoryTier(10, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, "short-lived", []byte("v")))

	value, ok, err := tier.Get(ctx, "short-lived")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)

	time.Sleep(30 * time.Millisecond)

	_, ok, err = tier.Get(ctx, "short-lived")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryTierCleanupExpired(t *testing.T) {
	tier := newMemoryTier(10, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, "a", []byte("1")))
	require.NoError(t, tier.Set(ctx, "b", []byte("2")))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, tier.Set(ctx, "fresh", []byte("3")))

	removed, err := tier.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, tier.Len())

	// A second sweep is a no-op.
	removed, err = tier.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestDiskTierRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tier, err := newDiskTier(dir, 0)
	require.NoError(t, err)
	defer tier.Close()

	ctx := context.Background()
	require.NoError(t, tier.Set(ctx, "k", []byte("persisted")))

	value, ok, err := tier.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("persisted"), value)
	assert.Equal(t, 1, tier.Len())

	require.NoError(t, tier.Delete(ctx, "k"))
	_, ok, err = tier.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, tier.Len())
}

func TestDiskTierSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	tier, err := newDiskTier(dir, 0)
	require.NoError(t, err)
	require.NoError(t, tier.Set(ctx, "durable", []byte("v")))
	require.NoError(t, tier.Close())

	reopened, err := newDiskTier(dir, 0)
	require.NoError(t, err)
	defer reopened.Close()

	value, ok, err := reopened.Get(ctx, "durable")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)
}

func TestDiskTierCleanupExpired(t *testing.T) {
	tier, err := newDiskTier(t.TempDir(), 20*time.Millisecond)
	require.NoError(t, err)
	defer tier.Close()

	ctx := context.Background()
	require.NoError(t, tier.Set(ctx, "a", []byte("1")))
	require.NoError(t, tier.Set(ctx, "b", []byte("2")))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, tier.Set(ctx, "fresh", []byte("3")))

	// Expired entries already read as misses before the sweep.
	_, ok, err := tier.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	removed, err := tier.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, tier.Len())

	removed, err = tier.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestDiskTierClear(t *testing.T) {
	tier, err := newDiskTier(t.TempDir(), 0)
	require.NoError(t, err)
	defer tier.Close()

	ctx := context.Background()
	require.NoError(t, tier.Set(ctx, "a", []byte("1")))
	require.NoError(t, tier.Set(ctx, "b", []byte("2")))
	require.NoError(t, tier.Clear(ctx))
	assert.Equal(t, 0, tier.Len())
}

func TestHybridTierPromotesDiskHits(t *testing.T) {
	disk, err := newDiskTier(t.TempDir(), 0)
	require.NoError(t, err)
	hot := newMemoryTier(1, 0)
	tier := newHybridTier(hot, disk)
	defer tier.Close()

	ctx := context.Background()
	require.NoError(t, tier.Set(ctx, "first", []byte("1")))
	// Writing "second" evicts "first" from the single-slot hot set.
	require.NoError(t, tier.Set(ctx, "second", []byte("2")))

	_, ok, err := hot.Get(ctx, "first")
	require.NoError(t, err)
	require.False(t, ok)

	// The hybrid lookup still hits through the persistent copy and
	// promotes it back into memory.
	value, ok, err := tier.Get(ctx, "first")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), value)

	_, ok, err = hot.Get(ctx, "first")
	require.NoError(t, err)
	assert.True(t, ok)

	// Hot-set eviction never removed the persistent copies.
	assert.Equal(t, 2, tier.Len())
}

func TestHybridTierPromotionKeepsEntryAge(t *testing.T) {
	disk, err := newDiskTier(t.TempDir(), 100*time.Millisecond)
	require.NoError(t, err)
	hot := newMemoryTier(1, 100*time.Millisecond)
	tier := newHybridTier(hot, disk)
	defer tier.Close()

	ctx := context.Background()
	require.NoError(t, tier.Set(ctx, "a", []byte("1")))
	// Writing "b" evicts "a" from the single-slot hot set.
	require.NoError(t, tier.Set(ctx, "b", []byte("2")))

	time.Sleep(60 * time.Millisecond)

	// A mid-life promotion must not restart the hot copy's ttl clock.
	_, ok, err := tier.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)

	removed, err := tier.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, ok, err = tier.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok, "entry past its ttl must not be served")
}

func TestHybridTierDeleteRemovesBothCopies(t *testing.T) {
	disk, err := newDiskTier(t.TempDir(), 0)
	require.NoError(t, err)
	tier := newHybridTier(newMemoryTier(4, 0), disk)
	defer tier.Close()

	ctx := context.Background()
	require.NoError(t, tier.Set(ctx, "k", []byte("v")))
	require.NoError(t, tier.Delete(ctx, "k"))

	_, ok, err := tier.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, tier.Len())
}

func TestHybridTierCleanupCountsDiskOnly(t *testing.T) {
	disk, err := newDiskTier(t.TempDir(), 20*time.Millisecond)
	require.NoError(t, err)
	tier := newHybridTier(newMemoryTier(4, 20*time.Millisecond), disk)
	defer tier.Close()

	ctx := context.Background()
	require.NoError(t, tier.Set(ctx, "a", []byte("1")))
	require.NoError(t, tier.Set(ctx, "b", []byte("2")))
	time.Sleep(30 * time.Millisecond)

	// Each entry exists in both the hot set and the persistent store, but
	// the sweep reports it once.
	removed, err := tier.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}
