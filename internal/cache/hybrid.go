package cache

import "context"

// hybridTier layers an in-memory hot set over a persistent backing
// store. LRU eviction of the hot set never touches the persistent copy;
// disk hits are promoted back into memory.
type hybridTier struct {
	hot  *memoryTier
	disk *diskTier
}

func newHybridTier(hot *memoryTier, disk *diskTier) *hybridTier {
	return &hybridTier{hot: hot, disk: disk}
}

func (t *hybridTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if value, ok, err := t.hot.Get(ctx, key); err == nil && ok {
		return value, true, nil
	}
	value, createdAt, ok, err := t.disk.getWithCreatedAt(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	// Promote on the entry's original clock, so the hot copy expires when
	// the persistent copy does. Best effort: a full hot set just evicts
	// its LRU entry.
	_ = t.hot.setWithCreatedAt(ctx, key, value, createdAt)
	return value, true, nil
}

func (t *hybridTier) Set(ctx context.Context, key string, value []byte) error {
	if err := t.disk.Set(ctx, key, value); err != nil {
		return err
	}
	return t.hot.Set(ctx, key, value)
}

func (t *hybridTier) Delete(ctx context.Context, key string) error {
	if err := t.hot.Delete(ctx, key); err != nil {
		return err
	}
	return t.disk.Delete(ctx, key)
}

func (t *hybridTier) Clear(ctx context.Context) error {
	if err := t.hot.Clear(ctx); err != nil {
		return err
	}
	return t.disk.Clear(ctx)
}

func (t *hybridTier) CleanupExpired(ctx context.Context) (int, error) {
	// The persistent copy is authoritative for the removal count; hot-set
	// entries expire on the same clock and would double count.
	if _, err := t.hot.CleanupExpired(ctx); err != nil {
		return 0, err
	}
	return t.disk.CleanupExpired(ctx)
}

func (t *hybridTier) Len() int { return t.disk.Len() }

func (t *hybridTier) Evictions() int64 { return t.hot.Evictions() }

func (t *hybridTier) Close() error {
	return t.disk.Close()
}
