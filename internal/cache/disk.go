package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/seralabs/researchmem/internal/apptype"
)

// diskTier persists entries in a badger store. Values carry an 8-byte
// created-at header so expiry follows the shared now - created_at > ttl
// contract and CleanupExpired can report an exact count.
type diskTier struct {
	db  *badger.DB
	ttl time.Duration

	closeOnce sync.Once
	closeErr  error
}

const createdAtHeaderLen = 8

func newDiskTier(dir string, ttl time.Duration) (*diskTier, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, apptype.NewBackingStoreError("open", fmt.Errorf("badger open %s: %w", dir, err))
	}
	return &diskTier{db: db, ttl: ttl}, nil
}

func encodeValue(value []byte, createdAt time.Time) []byte {
	buf := make([]byte, createdAtHeaderLen+len(value))
	binary.BigEndian.PutUint64(buf, uint64(createdAt.UnixNano()))
	copy(buf[createdAtHeaderLen:], value)
	return buf
}

func decodeValue(raw []byte) (value []byte, createdAt time.Time, ok bool) {
	if len(raw) < createdAtHeaderLen {
		return nil, time.Time{}, false
	}
	nanos := int64(binary.BigEndian.Uint64(raw))
	return raw[createdAtHeaderLen:], time.Unix(0, nanos), true
}

func (t *diskTier) expired(createdAt, now time.Time) bool {
	return t.ttl > 0 && now.Sub(createdAt) > t.ttl
}

func (t *diskTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, _, ok, err := t.getWithCreatedAt(ctx, key)
	return value, ok, err
}

// getWithCreatedAt additionally reports the entry's creation time, which
// the hybrid tier carries through promotion.
func (t *diskTier) getWithCreatedAt(_ context.Context, key string) ([]byte, time.Time, bool, error) {
	var value []byte
	var created time.Time
	var hit bool
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		v, createdAt, ok := decodeValue(raw)
		if !ok || t.expired(createdAt, time.Now()) {
			return nil
		}
		value = v
		created = createdAt
		hit = true
		return nil
	})
	if err != nil {
		return nil, time.Time{}, false, apptype.NewBackingStoreError("get", err)
	}
	return value, created, hit, nil
}

func (t *diskTier) Set(_ context.Context, key string, value []byte) error {
	err := t.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), encodeValue(value, time.Now()))
	})
	if err != nil {
		return apptype.NewBackingStoreError("set", err)
	}
	return nil
}

func (t *diskTier) Delete(_ context.Context, key string) error {
	err := t.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return apptype.NewBackingStoreError("delete", err)
	}
	return nil
}

func (t *diskTier) Clear(_ context.Context) error {
	if err := t.db.DropAll(); err != nil {
		return apptype.NewBackingStoreError("clear", err)
	}
	return nil
}

func (t *diskTier) CleanupExpired(_ context.Context) (int, error) {
	now := time.Now()
	var stale [][]byte

	err := t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			_, createdAt, ok := decodeValue(raw)
			if !ok || t.expired(createdAt, now) {
				stale = append(stale, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, apptype.NewBackingStoreError("cleanup_expired", err)
	}

	removed := 0
	for _, key := range stale {
		err := t.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			return removed, apptype.NewBackingStoreError("cleanup_expired", err)
		}
		removed++
	}
	return removed, nil
}

func (t *diskTier) Len() int {
	count := 0
	_ = t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count
}

func (t *diskTier) Evictions() int64 { return 0 }

func (t *diskTier) Close() error {
	t.closeOnce.Do(func() {
		if err := t.db.Close(); err != nil {
			t.closeErr = apptype.NewBackingStoreError("close", err)
		}
	})
	return t.closeErr
}
