package knowledge

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seralabs/researchmem/internal/cache"
	"github.com/seralabs/researchmem/internal/graph"
	"github.com/seralabs/researchmem/internal/novelty"
	"github.com/seralabs/researchmem/internal/resultcache"
)

// Config exposes a stable wrapper for subsystem configuration in package
// mode. Most fields map directly to the internal configs.
type Config struct {
	Graph   GraphConfig             `yaml:"graph"`
	Results ResultsConfig           `yaml:"results"`
	Caches  map[string]cache.Config `yaml:"caches"`
	Novelty NoveltyConfig           `yaml:"novelty"`
}

// GraphConfig configures the entity graph store.
type GraphConfig struct {
	URL                 string  `yaml:"url"`
	AuthToken           string  `yaml:"auth_token"`
	FuzzyTitleThreshold float64 `yaml:"fuzzy_title_threshold"`
	AllowSelfLoops      bool    `yaml:"allow_self_loops"`
	MaxOpenConns        int     `yaml:"max_open_conns"`
	MaxIdleConns        int     `yaml:"max_idle_conns"`
}

// ResultsConfig configures the fingerprinted result cache.
type ResultsConfig struct {
	URL                 string  `yaml:"url"`
	EmbeddingDims       int     `yaml:"embedding_dims"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	MaxSimilarResults   int     `yaml:"max_similar_results"`
	MaxScanEntries      int     `yaml:"max_scan_entries"`
}

// NoveltyConfig configures the novelty scorer.
type NoveltyConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	LexicalScale        float64 `yaml:"lexical_scale"`
	MaxMatches          int     `yaml:"max_matches"`
	EmbeddingDims       int     `yaml:"embedding_dims"`
}

// DefaultConfig returns a config with working defaults for local use.
func DefaultConfig() *Config {
	g := graph.NewConfig()
	r := resultcache.DefaultConfig()
	n := novelty.DefaultConfig()
	return &Config{
		Graph: GraphConfig{
			URL:                 g.URL,
			AuthToken:           g.AuthToken,
			FuzzyTitleThreshold: g.FuzzyTitleThreshold,
			MaxOpenConns:        g.MaxOpenConns,
			MaxIdleConns:        g.MaxIdleConns,
		},
		Results: ResultsConfig{
			URL:                 r.URL,
			EmbeddingDims:       r.EmbeddingDims,
			SimilarityThreshold: r.SimilarityThreshold,
			MaxSimilarResults:   r.MaxSimilarResults,
			MaxScanEntries:      r.MaxScanEntries,
		},
		Caches: map[string]cache.Config{
			"results": {Tier: cache.TierMemory, TTL: time.Hour, MaxEntries: 1024},
		},
		Novelty: NoveltyConfig{
			SimilarityThreshold: n.SimilarityThreshold,
			LexicalScale:        n.LexicalScale,
			MaxMatches:          n.MaxMatches,
			EmbeddingDims:       n.EmbeddingDims,
		},
	}
}

// LoadConfig reads a YAML config file and merges it over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *GraphConfig) toInternal() *graph.Config {
	return &graph.Config{
		URL:                 c.URL,
		AuthToken:           c.AuthToken,
		FuzzyTitleThreshold: c.FuzzyTitleThreshold,
		AllowSelfLoops:      c.AllowSelfLoops,
		MaxOpenConns:        c.MaxOpenConns,
		MaxIdleConns:        c.MaxIdleConns,
	}
}

func (c *ResultsConfig) toInternal() *resultcache.Config {
	return &resultcache.Config{
		URL:                 c.URL,
		EmbeddingDims:       c.EmbeddingDims,
		SimilarityThreshold: c.SimilarityThreshold,
		MaxSimilarResults:   c.MaxSimilarResults,
		MaxScanEntries:      c.MaxScanEntries,
	}
}

func (c *NoveltyConfig) toInternal() *novelty.Config {
	return &novelty.Config{
		SimilarityThreshold: c.SimilarityThreshold,
		LexicalScale:        c.LexicalScale,
		MaxMatches:          c.MaxMatches,
		EmbeddingDims:       c.EmbeddingDims,
	}
}
