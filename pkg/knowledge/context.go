package knowledge

import (
	"context"
	"sync"

	"github.com/seralabs/researchmem/internal/apptype"
	"github.com/seralabs/researchmem/internal/cache"
	"github.com/seralabs/researchmem/internal/embeddings"
	"github.com/seralabs/researchmem/internal/graph"
	"github.com/seralabs/researchmem/internal/novelty"
	"github.com/seralabs/researchmem/internal/resultcache"
)

// Context bundles the persistence subsystems behind a library-first API:
// the entity graph, the fingerprinted result cache, the tiered cache
// manager, and the novelty scorer.
type Context struct {
	graph   *graph.Store
	results *resultcache.Cache
	caches  *cache.Manager
	scorer  *novelty.Scorer

	closeOnce sync.Once
	closeErr  error
}

// NewContext constructs a Context with the provided config. The embeddings
// provider may be nil, in which case novelty checks fall back to lexical
// overlap for items without embeddings.
func NewContext(cfg *Config, provider embeddings.Provider) (*Context, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	store, err := graph.NewStore(cfg.Graph.toInternal())
	if err != nil {
		return nil, err
	}
	results, err := resultcache.New(cfg.Results.toInternal())
	if err != nil {
		store.Close()
		return nil, err
	}
	caches, err := cache.NewManager(cfg.Caches)
	if err != nil {
		results.Close()
		store.Close()
		return nil, err
	}
	scorer, err := novelty.NewScorer(cfg.Novelty.toInternal(), provider)
	if err != nil {
		caches.Close()
		results.Close()
		store.Close()
		return nil, err
	}
	return &Context{graph: store, results: results, caches: caches, scorer: scorer}, nil
}

// Close releases all subsystem resources. Safe to call more than once.
func (k *Context) Close() error {
	k.closeOnce.Do(func() {
		var firstErr error
		for _, closer := range []func() error{
			k.caches.Close,
			k.results.Close,
			k.graph.Close,
		} {
			if err := closer(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		k.closeErr = firstErr
	})
	return k.closeErr
}

// Graph operations

func (k *Context) AddEntity(ctx context.Context, entity apptype.Entity, merge bool) (string, error) {
	return k.graph.AddEntity(ctx, entity, merge)
}

func (k *Context) GetEntity(ctx context.Context, id, project string) (*apptype.Entity, error) {
	return k.graph.GetEntity(ctx, id, project)
}

func (k *Context) UpdateEntity(ctx context.Context, id string, updates map[string]any) error {
	return k.graph.UpdateEntity(ctx, id, updates)
}

func (k *Context) DeleteEntity(ctx context.Context, id string) error {
	return k.graph.DeleteEntity(ctx, id)
}

func (k *Context) AddRelationship(ctx context.Context, rel apptype.Relationship) (string, error) {
	return k.graph.AddRelationship(ctx, rel)
}

func (k *Context) DeleteRelationship(ctx context.Context, id string) error {
	return k.graph.DeleteRelationship(ctx, id)
}

func (k *Context) QueryRelated(ctx context.Context, id, relType string, direction apptype.Direction, maxDepth int) ([]apptype.Entity, error) {
	return k.graph.QueryRelated(ctx, id, relType, direction, maxDepth)
}

func (k *Context) GraphStatistics(ctx context.Context, project string) (*apptype.GraphStats, error) {
	return k.graph.Statistics(ctx, project)
}

func (k *Context) ExportGraph(ctx context.Context, path, project string) error {
	return k.graph.Export(ctx, path, project)
}

func (k *Context) ImportGraph(ctx context.Context, path string, clear bool, project string) (int, error) {
	return k.graph.Import(ctx, path, clear, project)
}

func (k *Context) ResetGraph(ctx context.Context, project string) error {
	return k.graph.Reset(ctx, project)
}

// Result cache operations

func (k *Context) Fingerprint(request map[string]any) string {
	return k.results.Fingerprint(request)
}

func (k *Context) PutResult(ctx context.Context, request map[string]any, payload []byte, embedding []float32, metadata map[string]string) (string, error) {
	return k.results.Put(ctx, request, payload, embedding, metadata)
}

func (k *Context) GetResult(ctx context.Context, request map[string]any) (*apptype.CacheEntry, bool, error) {
	return k.results.GetExact(ctx, request)
}

func (k *Context) FindSimilarResults(ctx context.Context, embedding []float32, threshold float64, maxResults int) ([]apptype.SimilarResult, error) {
	return k.results.FindSimilar(ctx, embedding, threshold, maxResults)
}

func (k *Context) ResultStats(ctx context.Context) (*resultcache.Stats, error) {
	return k.results.Stats(ctx)
}

func (k *Context) ClearResults(ctx context.Context) (int, error) {
	return k.results.Clear(ctx)
}

// Tiered cache operations

func (k *Context) CacheGet(ctx context.Context, cacheName, key string) ([]byte, bool) {
	return k.caches.Get(ctx, cacheName, key)
}

func (k *Context) CacheSet(ctx context.Context, cacheName, key string, value []byte) bool {
	return k.caches.Set(ctx, cacheName, key, value)
}

func (k *Context) CacheDelete(ctx context.Context, cacheName, key string) bool {
	return k.caches.Delete(ctx, cacheName, key)
}

func (k *Context) CacheClear(ctx context.Context, cacheName string) error {
	return k.caches.Clear(ctx, cacheName)
}

func (k *Context) CleanupExpired(ctx context.Context, cacheName string) (int, error) {
	return k.caches.CleanupExpired(ctx, cacheName)
}

func (k *Context) CacheStats(cacheName string) (*cache.AggregateStats, error) {
	return k.caches.Stats(cacheName)
}

func (k *Context) CacheHealth(ctx context.Context) *cache.HealthReport {
	return k.caches.HealthCheck(ctx)
}

func (k *Context) WarmUp(ctx context.Context, cacheName string, entries map[string][]byte) (int, error) {
	return k.caches.WarmUp(ctx, cacheName, entries)
}

// Novelty operations

func (k *Context) IndexKnown(ctx context.Context, kind novelty.Kind, items []novelty.Item) error {
	return k.scorer.Index(ctx, kind, items)
}

func (k *Context) CheckNovelty(ctx context.Context, kind novelty.Kind, candidate novelty.Item) (*apptype.NoveltyResult, error) {
	return k.scorer.Check(ctx, kind, candidate)
}

func (k *Context) CheckNoveltyBatch(ctx context.Context, kind novelty.Kind, candidates []novelty.Item) (*apptype.BatchNoveltyResult, error) {
	return k.scorer.CheckBatch(ctx, kind, candidates)
}
