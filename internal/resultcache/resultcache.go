// Package resultcache is a content-addressable store for expensive
// computation results, keyed by an exact fingerprint of the normalized
// request, with a secondary embedding index for nearest-neighbor lookup.
package resultcache

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/seralabs/researchmem/internal/apptype"
	"github.com/seralabs/researchmem/internal/fingerprint"
	"github.com/seralabs/researchmem/internal/metrics"
	"github.com/seralabs/researchmem/internal/vectormath"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS cache_entries (
        key                TEXT PRIMARY KEY,
        fingerprint_inputs TEXT NOT NULL,
        payload            BLOB NOT NULL,
        embedding          BLOB,
        metadata           TEXT NOT NULL DEFAULT '{}',
        created_at         TEXT NOT NULL,
        lookup_hash        TEXT NOT NULL
    )`,
	`CREATE TABLE IF NOT EXISTS cache_stats (
        stat_key   TEXT PRIMARY KEY,
        stat_value INTEGER NOT NULL DEFAULT 0,
        updated_at TEXT NOT NULL
    )`,
	`CREATE INDEX IF NOT EXISTS idx_cache_entries_created_at ON cache_entries(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_entries_lookup ON cache_entries(lookup_hash)`,
}

// Stat keys persisted in cache_stats.
const (
	statHits           = "hits"
	statMisses         = "misses"
	statSimilarityHits = "similarity_hits"
	statTotalStored    = "total_stored"
)

// Config holds the result cache configuration.
type Config struct {
	// URL is the libSQL database URL for the cache backing store.
	URL string
	// EmbeddingDims is the fixed embedding dimension for this deployment.
	// Entries with a mismatched dimension are rejected at Put time, never
	// silently truncated. Zero disables the embedding index.
	EmbeddingDims int
	// SimilarityThreshold is the default cutoff for FindSimilar.
	SimilarityThreshold float64
	// MaxSimilarResults caps similarity search results.
	MaxSimilarResults int
	// MaxScanEntries bounds the linear similarity scan. Zero means
	// unbounded; the scan is linear by design at this corpus scale.
	MaxScanEntries int
}

// DefaultConfig returns a Config with documented defaults.
func DefaultConfig() *Config {
	return &Config{
		URL:                 "file:./resultcache.db",
		SimilarityThreshold: 0.85,
		MaxSimilarResults:   10,
	}
}

func (c *Config) validate() error {
	if c.URL == "" {
		return apptype.NewValidationError("url", "cache database URL cannot be empty")
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return apptype.NewValidationError("similarity_threshold", "must be in [0, 1]")
	}
	if c.EmbeddingDims < 0 {
		return apptype.NewValidationError("embedding_dimension", "cannot be negative")
	}
	return nil
}

// Stats reports cache contents and hit counters.
type Stats struct {
	Count          int     `json:"count"`
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	SimilarityHits int64   `json:"similarityHits"`
	TotalStored    int64   `json:"totalStored"`
	HitRate        float64 `json:"hitRate"`
}

// Cache is the content-addressable result store.
type Cache struct {
	config *Config
	db     *sql.DB

	closeOnce sync.Once
	closeErr  error
}

// New opens (or creates) the cache database and applies the schema.
func New(config *Config) (*Cache, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.MaxSimilarResults <= 0 {
		config.MaxSimilarResults = 10
	}

	db, err := sql.Open("libsql", config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open result cache database: %w", err)
	}

	c := &Cache{config: config, db: db}
	if err := c.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize result cache schema: %w", err)
	}
	return c, nil
}

func (c *Cache) initialize() error {
	tx, err := c.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for initialization: %w", err)
	}
	defer tx.Rollback()

	for _, statement := range schema {
		if _, err := tx.Exec(statement); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return tx.Commit()
}

// Fingerprint returns the exact-match key for a request without storing
// anything.
func (c *Cache) Fingerprint(request map[string]any) string {
	return fingerprint.Key(request)
}

// Put fingerprints the request and stores (or overwrites) the entry.
// It returns the computed key.
func (c *Cache) Put(ctx context.Context, request map[string]any, payload []byte, embedding []float32, metadata map[string]string) (string, error) {
	done := metrics.TimeOp("cache_put")
	success := false
	defer func() { done(success) }()

	if len(embedding) > 0 && c.config.EmbeddingDims > 0 && len(embedding) != c.config.EmbeddingDims {
		return "", apptype.NewValidationError("embedding",
			fmt.Sprintf("dimension mismatch: expected %d, got %d", c.config.EmbeddingDims, len(embedding)))
	}

	inputs := fingerprint.Canonical(request)
	key := fingerprint.Key(request)
	lookup := strconv.FormatUint(xxhash.Sum64String(inputs), 16)

	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", apptype.NewValidationError("metadata", fmt.Sprintf("not serializable: %v", err))
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (key, fingerprint_inputs, payload, embedding, metadata, created_at, lookup_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key, inputs, payload, encodeEmbedding(embedding), string(metaJSON),
		time.Now().UTC().Format(time.RFC3339Nano), lookup)
	if err != nil {
		return "", apptype.NewBackingStoreError("cache_put", err)
	}

	if err := c.bumpStat(ctx, statTotalStored); err != nil {
		return "", err
	}
	success = true
	return key, nil
}

// GetExact looks up an entry by the exact fingerprint of the request.
// The boolean reports whether the lookup hit.
func (c *Cache) GetExact(ctx context.Context, request map[string]any) (*apptype.CacheEntry, bool, error) {
	done := metrics.TimeOp("cache_get_exact")
	success := false
	defer func() { done(success) }()

	key := fingerprint.Key(request)
	row := c.db.QueryRowContext(ctx,
		`SELECT key, fingerprint_inputs, payload, embedding, metadata, created_at FROM cache_entries WHERE key = ?`, key)

	entry, err := scanEntry(row)
	if err != nil {
		if err == sql.ErrNoRows {
			if serr := c.bumpStat(ctx, statMisses); serr != nil {
				return nil, false, serr
			}
			success = true
			return nil, false, nil
		}
		return nil, false, apptype.NewBackingStoreError("cache_get_exact", err)
	}

	if err := c.bumpStat(ctx, statHits); err != nil {
		return nil, false, err
	}
	success = true
	return entry, true, nil
}

// FindSimilar scans stored embeddings and returns entries whose cosine
// similarity to the query meets threshold, sorted descending and
// truncated to maxResults. A linear scan by design at this scale; an ANN
// index would replace it without changing the interface.
func (c *Cache) FindSimilar(ctx context.Context, embedding []float32, threshold float64, maxResults int) ([]apptype.SimilarResult, error) {
	done := metrics.TimeOp("cache_find_similar")
	success := false
	defer func() { done(success) }()

	if threshold <= 0 {
		threshold = c.config.SimilarityThreshold
	}
	if maxResults <= 0 || maxResults > c.config.MaxSimilarResults {
		maxResults = c.config.MaxSimilarResults
	}

	query := `SELECT key, fingerprint_inputs, payload, embedding, metadata, created_at
	          FROM cache_entries WHERE embedding IS NOT NULL ORDER BY created_at DESC`
	var args []any
	if c.config.MaxScanEntries > 0 {
		query += " LIMIT ?"
		args = append(args, c.config.MaxScanEntries)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apptype.NewBackingStoreError("cache_find_similar", err)
	}
	defer rows.Close()

	results := make([]apptype.SimilarResult, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		sim := vectormath.Cosine(embedding, entry.Embedding)
		if sim >= threshold {
			results = append(results, apptype.SimilarResult{Entry: *entry, Similarity: sim})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apptype.NewBackingStoreError("cache_find_similar", err)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	if len(results) > 0 {
		if err := c.bumpStat(ctx, statSimilarityHits); err != nil {
			return nil, err
		}
	}
	success = true
	return results, nil
}

// Stats returns the entry count and persistent hit/miss counters.
func (c *Cache) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cache_entries").Scan(&stats.Count); err != nil {
		return nil, apptype.NewBackingStoreError("cache_stats", err)
	}

	rows, err := c.db.QueryContext(ctx, "SELECT stat_key, stat_value FROM cache_stats")
	if err != nil {
		return nil, apptype.NewBackingStoreError("cache_stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var value int64
		if err := rows.Scan(&key, &value); err != nil {
			return nil, apptype.NewBackingStoreError("cache_stats", err)
		}
		switch key {
		case statHits:
			stats.Hits = value
		case statMisses:
			stats.Misses = value
		case statSimilarityHits:
			stats.SimilarityHits = value
		case statTotalStored:
			stats.TotalStored = value
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apptype.NewBackingStoreError("cache_stats", err)
	}

	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats, nil
}

// Clear removes every entry and returns how many were removed. Counters
// survive a clear.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	done := metrics.TimeOp("cache_clear")
	success := false
	defer func() { done(success) }()

	var count int
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cache_entries").Scan(&count); err != nil {
		return 0, apptype.NewBackingStoreError("cache_clear", err)
	}
	if _, err := c.db.ExecContext(ctx, "DELETE FROM cache_entries"); err != nil {
		return 0, apptype.NewBackingStoreError("cache_clear", err)
	}
	success = true
	return count, nil
}

// Close releases the underlying connection. Safe to call more than once.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		if err := c.db.Close(); err != nil {
			c.closeErr = apptype.NewBackingStoreError("close", err)
		}
	})
	return c.closeErr
}

func (c *Cache) bumpStat(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO cache_stats (stat_key, stat_value, updated_at) VALUES (?, 1, ?)
		 ON CONFLICT(stat_key) DO UPDATE SET stat_value = stat_value + 1, updated_at = excluded.updated_at`,
		key, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return apptype.NewBackingStoreError("cache_stats", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*apptype.CacheEntry, error) {
	var (
		entry         apptype.CacheEntry
		embeddingBlob []byte
		metaJSON      string
		createdAt     string
	)
	if err := row.Scan(&entry.Key, &entry.FingerprintInputs, &entry.Payload,
		&embeddingBlob, &metaJSON, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &entry.Metadata); err != nil {
		return nil, fmt.Errorf("corrupt metadata for cache entry %s: %w", entry.Key, err)
	}
	entry.Embedding = decodeEmbedding(embeddingBlob)
	entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &entry, nil
}

// encodeEmbedding packs a vector as little-endian float32 bytes. A nil
// vector stores as NULL.
func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
