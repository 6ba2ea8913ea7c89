package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// memoryTier is a thread-safe LRU cache with TTL expiry: a hash map for
// O(1) lookups over a doubly-linked list for recency order.
type memoryTier struct {
	mu sync.Mutex

	maxEntries int
	ttl        time.Duration

	list  *list.List
	items map[string]*list.Element

	evictions atomic.Int64
}

type memoryEntry struct {
	key       string
	value     []byte
	createdAt time.Time
}

func newMemoryTier(maxEntries int, ttl time.Duration) *memoryTier {
	return &memoryTier{
		maxEntries: maxEntries,
		ttl:        ttl,
		list:       list.New(),
		items:      make(map[string]*list.Element, maxEntries),
	}
}

func (t *memoryTier) expired(e *memoryEntry, now time.Time) bool {
	return t.ttl > 0 && now.Sub(e.createdAt) > t.ttl
}

func (t *memoryTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.items[key]
	if !ok {
		return nil, false, nil
	}
	entry := el.Value.(*memoryEntry)
	if t.expired(entry, time.Now()) {
		t.list.Remove(el)
		delete(t.items, key)
		return nil, false, nil
	}
	t.list.MoveToFront(el)
	return entry.value, true, nil
}

func (t *memoryTier) Set(ctx context.Context, key string, value []byte) error {
	return t.setWithCreatedAt(ctx, key, value, time.Now())
}

// setWithCreatedAt stores an entry on an explicit creation time, so a
// copy promoted from another tier keeps expiring on its original age.
func (t *memoryTier) setWithCreatedAt(_ context.Context, key string, value []byte, createdAt time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.items[key]; ok {
		entry := el.Value.(*memoryEntry)
		entry.value = value
		entry.createdAt = createdAt
		t.list.MoveToFront(el)
		return nil
	}

	el := t.list.PushFront(&memoryEntry{key: key, value: value, createdAt: createdAt})
	t.items[key] = el

	for t.list.Len() > t.maxEntries {
		oldest := t.list.Back()
		if oldest == nil {
			break
		}
		t.list.Remove(oldest)
		delete(t.items, oldest.Value.(*memoryEntry).key)
		t.evictions.Add(1)
	}
	return nil
}

func (t *memoryTier) Delete(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.items[key]; ok {
		t.list.Remove(el)
		delete(t.items, key)
	}
	return nil
}

func (t *memoryTier) Clear(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.list.Init()
	t.items = make(map[string]*list.Element, t.maxEntries)
	return nil
}

func (t *memoryTier) CleanupExpired(_ context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	removed := 0
	for el := t.list.Back(); el != nil; {
		prev := el.Prev()
		entry := el.Value.(*memoryEntry)
		if t.expired(entry, now) {
			t.list.Remove(el)
			delete(t.items, entry.key)
			removed++
		}
		el = prev
	}
	return removed, nil
}

func (t *memoryTier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.list.Len()
}

func (t *memoryTier) Evictions() int64 { return t.evictions.Load() }

func (t *memoryTier) Close() error { return nil }
