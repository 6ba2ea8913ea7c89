package graph

import (
	"os"

	"github.com/seralabs/researchmem/internal/apptype"
)

// Config holds the entity graph store configuration.
type Config struct {
	// URL is the libSQL database URL. File URLs open an embedded database.
	URL string
	// AuthToken authenticates against remote databases.
	AuthToken string
	// FuzzyTitleThreshold is the token-overlap ratio above which two
	// title/name values are considered the same logical entity when no
	// shared external identifier exists. The heuristic is not complete:
	// near-duplicates with differently worded titles will not be merged.
	FuzzyTitleThreshold float64
	// AllowSelfLoops permits relationships whose source and target are the
	// same entity. Forbidden by default.
	AllowSelfLoops bool

	// Connection pool tuning.
	MaxOpenConns int
	MaxIdleConns int
}

// NewConfig creates a Config from environment variables with defaults.
func NewConfig() *Config {
	url := os.Getenv("RESEARCHMEM_GRAPH_URL")
	if url == "" {
		url = "file:./researchmem.db"
	}
	return &Config{
		URL:                 url,
		AuthToken:           os.Getenv("RESEARCHMEM_GRAPH_AUTH_TOKEN"),
		FuzzyTitleThreshold: 0.90,
	}
}

func (c *Config) validate() error {
	if c.URL == "" {
		return apptype.NewValidationError("url", "database URL cannot be empty")
	}
	if c.FuzzyTitleThreshold <= 0 || c.FuzzyTitleThreshold > 1 {
		return apptype.NewValidationError("fuzzy_title_threshold", "must be in (0, 1]")
	}
	return nil
}
