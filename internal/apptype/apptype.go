package apptype

import "time"

// Entity represents a typed node in the knowledge graph.
type Entity struct {
	ID          string         `json:"id"`
	EntityType  string         `json:"entityType"`
	Properties  map[string]any `json:"properties"`
	Confidence  float64        `json:"confidence"`
	Project     string         `json:"project,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	CreatedBy   string         `json:"createdBy,omitempty"`
	Verified    bool           `json:"verified"`
	Annotations []Annotation   `json:"annotations,omitempty"`
}

// Annotation is a free-text note attached to an entity.
type Annotation struct {
	Text      string    `json:"text"`
	Author    string    `json:"author,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Relationship represents a directed, typed edge between two entities.
// Properties may carry provenance fields (agent, timestamp, numeric
// evidence such as p-value or effect size).
type Relationship struct {
	ID           string         `json:"id"`
	SourceID     string         `json:"sourceId"`
	TargetID     string         `json:"targetId"`
	RelationType string         `json:"relationType"`
	Properties   map[string]any `json:"properties,omitempty"`
	Confidence   float64        `json:"confidence"`
	CreatedAt    time.Time      `json:"createdAt"`
	CreatedBy    string         `json:"createdBy,omitempty"`
}

// Direction selects which edges a traversal follows.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
	DirectionBoth     Direction = "both"
)

// CacheEntry is a stored result keyed by an exact-match fingerprint.
type CacheEntry struct {
	Key               string            `json:"key"`
	FingerprintInputs string            `json:"fingerprintInputs"`
	Payload           []byte            `json:"payload"`
	Embedding         []float32         `json:"embedding,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// SimilarResult pairs a cache entry with its cosine similarity to a query.
type SimilarResult struct {
	Entry      CacheEntry `json:"entry"`
	Similarity float64    `json:"similarity"`
}

// NoveltyMatch is one prior item ranked by similarity to a candidate.
type NoveltyMatch struct {
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Similarity float64           `json:"similarity"`
}

// NoveltyResult is the outcome of a single novelty check. Results are
// ephemeral and never persisted.
type NoveltyResult struct {
	MaxSimilarity  float64        `json:"maxSimilarity"`
	NoveltyScore   float64        `json:"noveltyScore"`
	IsNovel        bool           `json:"isNovel"`
	NearestMatches []NoveltyMatch `json:"nearestMatches,omitempty"`
}

// BatchNoveltyResult aggregates novelty checks over a proposed batch.
type BatchNoveltyResult struct {
	AverageNovelty float64         `json:"averageNovelty"`
	NovelCount     int             `json:"novelCount"`
	RedundantCount int             `json:"redundantCount"`
	Details        []NoveltyResult `json:"details"`
}

// GraphStats summarizes the contents of the entity graph.
type GraphStats struct {
	EntityCount         int            `json:"entityCount"`
	RelationshipCount   int            `json:"relationshipCount"`
	EntitiesByType      map[string]int `json:"entitiesByType"`
	RelationshipsByType map[string]int `json:"relationshipsByType"`
}
