// Package novelty flags semantically redundant work before it is
// scheduled. Candidates are compared against indexes of prior tasks and
// findings using embeddings when available, with a lexical fallback.
package novelty

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/seralabs/researchmem/internal/apptype"
	"github.com/seralabs/researchmem/internal/embeddings"
	"github.com/seralabs/researchmem/internal/metrics"
	"github.com/seralabs/researchmem/internal/vectormath"
)

// Kind selects which index a candidate is checked against.
type Kind string

const (
	KindTask    Kind = "task"
	KindFinding Kind = "finding"
)

// Item is one unit of prior or candidate work.
type Item struct {
	Text      string
	Embedding []float32
	Metadata  map[string]string
}

type indexedItem struct {
	text      string
	embedding []float32
	metadata  map[string]string
}

// Config holds the scorer configuration.
type Config struct {
	// SimilarityThreshold: a candidate whose max similarity meets or
	// exceeds it is redundant.
	SimilarityThreshold float64
	// LexicalScale discounts the redundancy threshold when only lexical
	// overlap is available. The lexical signal underestimates semantic
	// similarity, so moderately high overlap already flags redundancy.
	LexicalScale float64
	// MaxMatches caps the ranked nearest-match list.
	MaxMatches int
	// EmbeddingDims is the fixed embedding dimension. Mismatched vectors
	// are rejected at index time, never truncated. Zero skips the check.
	EmbeddingDims int
}

// DefaultConfig returns a Config with documented defaults.
func DefaultConfig() *Config {
	return &Config{
		SimilarityThreshold: 0.80,
		LexicalScale:        0.75,
		MaxMatches:          5,
	}
}

func (c *Config) validate() error {
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return apptype.NewValidationError("similarity_threshold", "must be in (0, 1]")
	}
	if c.LexicalScale <= 0 || c.LexicalScale > 1 {
		return apptype.NewValidationError("lexical_scale", "must be in (0, 1]")
	}
	if c.EmbeddingDims < 0 {
		return apptype.NewValidationError("embedding_dimension", "cannot be negative")
	}
	return nil
}

// Scorer maintains parallel indexes of past tasks and findings and
// scores candidates against them. Results are ephemeral.
type Scorer struct {
	mu       sync.RWMutex
	indexes  map[Kind][]indexedItem
	provider embeddings.Provider
	config   *Config
}

// NewScorer constructs a Scorer. provider may be nil, in which case only
// caller-supplied embeddings and the lexical fallback are used.
func NewScorer(config *Config, provider embeddings.Provider) (*Scorer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.MaxMatches <= 0 {
		config.MaxMatches = 5
	}
	if provider != nil && config.EmbeddingDims > 0 && provider.Dimensions() != config.EmbeddingDims {
		return nil, apptype.NewValidationError("embedding_dimension",
			fmt.Sprintf("provider dims %d do not match configured %d", provider.Dimensions(), config.EmbeddingDims))
	}
	return &Scorer{
		indexes:  make(map[Kind][]indexedItem),
		provider: provider,
		config:   config,
	}, nil
}

// Index appends items to the index for kind. Text is normalized; when an
// embedding function is configured, missing vectors are generated.
// Without one, only the text is retained for the lexical fallback.
func (s *Scorer) Index(ctx context.Context, kind Kind, items []Item) error {
	done := metrics.TimeOp("novelty_index")
	success := false
	defer func() { done(success) }()

	prepared := make([]indexedItem, 0, len(items))
	var missing []int
	for i, item := range items {
		text := normalizeText(item.Text)
		if text == "" {
			return apptype.NewValidationError("text", fmt.Sprintf("item %d has no text", i))
		}
		if len(item.Embedding) > 0 && s.config.EmbeddingDims > 0 && len(item.Embedding) != s.config.EmbeddingDims {
			return apptype.NewValidationError("embedding",
				fmt.Sprintf("item %d: dimension mismatch: expected %d, got %d", i, s.config.EmbeddingDims, len(item.Embedding)))
		}
		if len(item.Embedding) == 0 && s.provider != nil {
			missing = append(missing, i)
		}
		prepared = append(prepared, indexedItem{text: text, embedding: item.Embedding, metadata: item.Metadata})
	}

	if len(missing) > 0 {
		inputs := make([]string, len(missing))
		for j, idx := range missing {
			inputs[j] = prepared[idx].text
		}
		vecs, err := s.provider.Embed(ctx, inputs)
		if err != nil {
			return fmt.Errorf("embeddings provider failed: %w", err)
		}
		if len(vecs) != len(inputs) {
			return fmt.Errorf("embeddings provider returned %d vectors for %d inputs", len(vecs), len(inputs))
		}
		for j, idx := range missing {
			prepared[idx].embedding = vecs[j]
		}
	}

	s.mu.Lock()
	s.indexes[kind] = append(s.indexes[kind], prepared...)
	s.mu.Unlock()
	success = true
	return nil
}

// IndexedCount returns the number of items indexed under kind.
func (s *Scorer) IndexedCount(kind Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.indexes[kind])
}

// Check scores a candidate against the index for kind.
func (s *Scorer) Check(ctx context.Context, kind Kind, candidate Item) (*apptype.NoveltyResult, error) {
	done := metrics.TimeOp("novelty_check")
	success := false
	defer func() { done(success) }()

	text := normalizeText(candidate.Text)
	if text == "" {
		return nil, apptype.NewValidationError("text", "candidate has no text")
	}
	embedding := candidate.Embedding
	if len(embedding) > 0 && s.config.EmbeddingDims > 0 && len(embedding) != s.config.EmbeddingDims {
		return nil, apptype.NewValidationError("embedding",
			fmt.Sprintf("dimension mismatch: expected %d, got %d", s.config.EmbeddingDims, len(embedding)))
	}
	if len(embedding) == 0 && s.provider != nil {
		vecs, err := s.provider.Embed(ctx, []string{text})
		if err != nil {
			return nil, fmt.Errorf("embeddings provider failed: %w", err)
		}
		if len(vecs) == 1 {
			embedding = vecs[0]
		}
	}

	s.mu.RLock()
	index := s.indexes[kind]
	s.mu.RUnlock()

	matches := make([]apptype.NoveltyMatch, 0, len(index))
	semantic := false
	for _, prior := range index {
		var sim float64
		if len(embedding) > 0 && len(prior.embedding) > 0 {
			sim = vectormath.Cosine(embedding, prior.embedding)
			semantic = true
		} else {
			sim = lexicalOverlap(text, prior.text)
		}
		matches = append(matches, apptype.NoveltyMatch{
			Text:       prior.text,
			Metadata:   prior.metadata,
			Similarity: sim,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	maxSim := 0.0
	if len(matches) > 0 {
		maxSim = matches[0].Similarity
	}
	if len(matches) > s.config.MaxMatches {
		matches = matches[:s.config.MaxMatches]
	}

	threshold := s.config.SimilarityThreshold
	if !semantic {
		// Lexical-only evidence: lower the redundancy bar.
		threshold *= s.config.LexicalScale
	}

	result := &apptype.NoveltyResult{
		MaxSimilarity:  maxSim,
		NoveltyScore:   1 - maxSim,
		IsNovel:        maxSim < threshold,
		NearestMatches: matches,
	}
	success = true
	return result, nil
}

// CheckBatch aggregates Check over every candidate in a proposed batch.
func (s *Scorer) CheckBatch(ctx context.Context, kind Kind, candidates []Item) (*apptype.BatchNoveltyResult, error) {
	batch := &apptype.BatchNoveltyResult{Details: make([]apptype.NoveltyResult, 0, len(candidates))}
	var noveltySum float64
	for _, candidate := range candidates {
		result, err := s.Check(ctx, kind, candidate)
		if err != nil {
			return nil, err
		}
		batch.Details = append(batch.Details, *result)
		noveltySum += result.NoveltyScore
		if result.IsNovel {
			batch.NovelCount++
		} else {
			batch.RedundantCount++
		}
	}
	if len(candidates) > 0 {
		batch.AverageNovelty = noveltySum / float64(len(candidates))
	}
	return batch, nil
}

func normalizeText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// lexicalOverlap is the Jaccard ratio of the two token sets.
func lexicalOverlap(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(text) {
		set[tok] = struct{}{}
	}
	return set
}
