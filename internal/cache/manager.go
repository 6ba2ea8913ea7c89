package cache

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/seralabs/researchmem/internal/apptype"
	"github.com/seralabs/researchmem/internal/metrics"
)

// Degradation thresholds for health checks.
const (
	errorRateThreshold     = 0.25
	capacityUsageThreshold = 0.90
)

// namedCache pairs a tier with its config and per-cache counters.
type namedCache struct {
	name string
	tier Tier
	cfg  Config

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// Manager routes requests to named caches, aggregates statistics, and
// runs periodic maintenance. It must be constructed once per process and
// shared by handle. A missing or disabled cache degrades gracefully:
// lookups miss, writes report false, and the caller's workflow continues.
type Manager struct {
	caches map[string]*namedCache

	closeOnce sync.Once
	closeErr  error
}

// NewManager builds the fixed registry of named caches from configs.
func NewManager(configs map[string]Config) (*Manager, error) {
	m := &Manager{caches: make(map[string]*namedCache, len(configs))}
	for name, cfg := range configs {
		if err := cfg.validate(name); err != nil {
			m.closeAll()
			return nil, err
		}
		tier, err := newTier(name, cfg)
		if err != nil {
			m.closeAll()
			return nil, err
		}
		m.caches[name] = &namedCache{name: name, tier: tier, cfg: cfg}
	}
	return m, nil
}

// lookup returns the named cache, logging a warning when unknown so a
// disabled cache never aborts producers.
func (m *Manager) lookup(name string) *namedCache {
	nc, ok := m.caches[name]
	if !ok {
		log.Printf("Warning: unknown cache %q, treating as miss", name)
		return nil
	}
	return nc
}

// Get returns the cached value for key. Unknown caches and backing-store
// failures report a miss rather than an error.
func (m *Manager) Get(ctx context.Context, cacheName, key string) ([]byte, bool) {
	nc := m.lookup(cacheName)
	if nc == nil {
		return nil, false
	}
	done := metrics.TimeCacheOp(cacheName, "get")
	value, ok, err := nc.tier.Get(ctx, key)
	done(err == nil)
	if err != nil {
		nc.errors.Add(1)
		log.Printf("Warning: cache %q get failed, treating as miss: %v", cacheName, err)
		return nil, false
	}
	if ok {
		nc.hits.Add(1)
		return value, true
	}
	nc.misses.Add(1)
	return nil, false
}

// Set stores a value. Failures are logged and reported as false, never
// surfaced as errors.
func (m *Manager) Set(ctx context.Context, cacheName, key string, value []byte) bool {
	nc := m.lookup(cacheName)
	if nc == nil {
		return false
	}
	done := metrics.TimeCacheOp(cacheName, "set")
	err := nc.tier.Set(ctx, key, value)
	done(err == nil)
	if err != nil {
		nc.errors.Add(1)
		log.Printf("Warning: cache %q set failed: %v", cacheName, err)
		return false
	}
	return true
}

// Delete removes a key. Unknown caches report false.
func (m *Manager) Delete(ctx context.Context, cacheName, key string) bool {
	nc := m.lookup(cacheName)
	if nc == nil {
		return false
	}
	done := metrics.TimeCacheOp(cacheName, "delete")
	err := nc.tier.Delete(ctx, key)
	done(err == nil)
	if err != nil {
		nc.errors.Add(1)
		log.Printf("Warning: cache %q delete failed: %v", cacheName, err)
		return false
	}
	return true
}

// Clear empties one cache, or every cache when cacheName is empty.
func (m *Manager) Clear(ctx context.Context, cacheName string) error {
	if cacheName != "" {
		nc, ok := m.caches[cacheName]
		if !ok {
			return fmt.Errorf("cache %q: %w", cacheName, apptype.ErrNotFound)
		}
		return nc.tier.Clear(ctx)
	}
	for _, nc := range m.caches {
		if err := nc.tier.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear cache %q: %w", nc.name, err)
		}
	}
	return nil
}

// CleanupExpired sweeps one cache, or all of them, and returns the total
// number of entries removed.
func (m *Manager) CleanupExpired(ctx context.Context, cacheName string) (int, error) {
	if cacheName != "" {
		nc, ok := m.caches[cacheName]
		if !ok {
			return 0, fmt.Errorf("cache %q: %w", cacheName, apptype.ErrNotFound)
		}
		return nc.tier.CleanupExpired(ctx)
	}
	total := 0
	for _, nc := range m.caches {
		removed, err := nc.tier.CleanupExpired(ctx)
		if err != nil {
			nc.errors.Add(1)
			return total, fmt.Errorf("failed to sweep cache %q: %w", nc.name, err)
		}
		total += removed
	}
	return total, nil
}

// CacheStats reports per-cache counters.
type CacheStats struct {
	Name      string  `json:"name"`
	Entries   int     `json:"entries"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Errors    int64   `json:"errors"`
	HitRate   float64 `json:"hitRate"`
}

// AggregateStats combines every cache's counters.
type AggregateStats struct {
	Caches         []CacheStats `json:"caches"`
	TotalHits      int64        `json:"totalHits"`
	TotalMisses    int64        `json:"totalMisses"`
	TotalEvictions int64        `json:"totalEvictions"`
	TotalErrors    int64        `json:"totalErrors"`
	OverallHitRate float64      `json:"overallHitRate"`
}

func (nc *namedCache) stats() CacheStats {
	s := CacheStats{
		Name:      nc.name,
		Entries:   nc.tier.Len(),
		Hits:      nc.hits.Load(),
		Misses:    nc.misses.Load(),
		Evictions: nc.tier.Evictions(),
		Errors:    nc.errors.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Stats returns counters for one cache, or for every cache when
// cacheName is empty.
func (m *Manager) Stats(cacheName string) (*AggregateStats, error) {
	agg := &AggregateStats{}
	if cacheName != "" {
		nc, ok := m.caches[cacheName]
		if !ok {
			return nil, fmt.Errorf("cache %q: %w", cacheName, apptype.ErrNotFound)
		}
		agg.Caches = append(agg.Caches, nc.stats())
	} else {
		for _, nc := range m.caches {
			agg.Caches = append(agg.Caches, nc.stats())
		}
		sort.Slice(agg.Caches, func(i, j int) bool { return agg.Caches[i].Name < agg.Caches[j].Name })
	}
	for _, s := range agg.Caches {
		agg.TotalHits += s.Hits
		agg.TotalMisses += s.Misses
		agg.TotalEvictions += s.Evictions
		agg.TotalErrors += s.Errors
	}
	if total := agg.TotalHits + agg.TotalMisses; total > 0 {
		agg.OverallHitRate = float64(agg.TotalHits) / float64(total)
	}
	return agg, nil
}

// CacheHealth is one cache's health-check outcome.
type CacheHealth struct {
	Healthy bool   `json:"healthy"`
	Reason  string `json:"reason,omitempty"`
}

// HealthReport maps cache names to their health.
type HealthReport struct {
	Healthy bool                   `json:"healthy"`
	Caches  map[string]CacheHealth `json:"caches"`
}

// HealthCheck round-trips a synthetic key through every cache
// concurrently and flags caches whose error rate or capacity usage
// crosses the degradation thresholds.
func (m *Manager) HealthCheck(ctx context.Context) *HealthReport {
	report := &HealthReport{Healthy: true, Caches: make(map[string]CacheHealth, len(m.caches))}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, nc := range m.caches {
		nc := nc
		g.Go(func() error {
			health := m.probe(gctx, nc)
			mu.Lock()
			report.Caches[nc.name] = health
			if !health.Healthy {
				report.Healthy = false
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return report
}

func (m *Manager) probe(ctx context.Context, nc *namedCache) CacheHealth {
	probeKey := "healthcheck:" + uuid.NewString()
	probeValue := []byte("ok")

	if err := nc.tier.Set(ctx, probeKey, probeValue); err != nil {
		nc.errors.Add(1)
		return CacheHealth{Healthy: false, Reason: fmt.Sprintf("probe set failed: %v", err)}
	}
	value, ok, err := nc.tier.Get(ctx, probeKey)
	if err != nil || !ok || string(value) != string(probeValue) {
		nc.errors.Add(1)
		return CacheHealth{Healthy: false, Reason: "probe round-trip failed"}
	}
	_ = nc.tier.Delete(ctx, probeKey)

	stats := nc.stats()
	if total := stats.Hits + stats.Misses + stats.Errors; total > 0 {
		if rate := float64(stats.Errors) / float64(total); rate > errorRateThreshold {
			return CacheHealth{Healthy: false, Reason: fmt.Sprintf("error rate %.2f above threshold", rate)}
		}
	}
	if max := nc.cfg.MaxEntries; max > 0 {
		// MaxEntries bounds the in-memory set only. For a hybrid tier that
		// is the hot set, not the freely growing persistent store; a plain
		// disk tier is unbounded and skips the check.
		entries, bounded := stats.Entries, true
		switch tier := nc.tier.(type) {
		case *hybridTier:
			entries = tier.hot.Len()
		case *diskTier:
			bounded = false
		}
		if bounded {
			if usage := float64(entries) / float64(max); usage > capacityUsageThreshold {
				return CacheHealth{Healthy: false, Reason: fmt.Sprintf("capacity usage %.2f above threshold", usage)}
			}
		}
	}
	return CacheHealth{Healthy: true}
}

// WarmUp preloads entries into a named cache and returns how many were
// stored.
func (m *Manager) WarmUp(ctx context.Context, cacheName string, entries map[string][]byte) (int, error) {
	nc, ok := m.caches[cacheName]
	if !ok {
		return 0, fmt.Errorf("cache %q: %w", cacheName, apptype.ErrNotFound)
	}
	stored := 0
	for key, value := range entries {
		if err := nc.tier.Set(ctx, key, value); err != nil {
			nc.errors.Add(1)
			return stored, fmt.Errorf("failed to warm cache %q: %w", cacheName, err)
		}
		stored++
	}
	return stored, nil
}

// Close shuts down every tier. Idempotent, and safe to call again after
// a failed close.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.closeErr = m.closeAll()
	})
	return m.closeErr
}

func (m *Manager) closeAll() error {
	var firstErr error
	for _, nc := range m.caches {
		if nc == nil || nc.tier == nil {
			continue
		}
		if err := nc.tier.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close cache %q: %w", nc.name, err)
		}
	}
	return firstErr
}
