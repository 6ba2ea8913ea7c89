package cache

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seralabs/researchmem/internal/apptype"
)

// TierKind selects the backing tier of a named cache.
type TierKind string

const (
	// TierMemory keeps entries in process memory only.
	TierMemory TierKind = "memory"
	// TierDisk keeps entries in a persistent badger store only.
	TierDisk TierKind = "disk"
	// TierHybrid keeps an in-memory hot set backed by persistent storage.
	TierHybrid TierKind = "hybrid"
)

// Config configures one named cache.
type Config struct {
	// Tier is the backing tier kind.
	Tier TierKind `yaml:"tier"`
	// TTL is the time after which an entry counts as expired
	// (now - created_at > ttl). Zero means entries never expire.
	TTL time.Duration `yaml:"ttl"`
	// MaxEntries bounds the in-memory set (memory tier, or the hot set of
	// a hybrid tier). Zero applies the default.
	MaxEntries int `yaml:"max_entries"`
	// Dir is the directory for persistent tiers.
	Dir string `yaml:"dir"`
}

// UnmarshalYAML accepts TTL as a duration string ("2h", "30m").
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Tier       TierKind `yaml:"tier"`
		TTL        string   `yaml:"ttl"`
		MaxEntries int      `yaml:"max_entries"`
		Dir        string   `yaml:"dir"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.Tier = raw.Tier
	c.MaxEntries = raw.MaxEntries
	c.Dir = raw.Dir
	c.TTL = 0
	if raw.TTL != "" {
		ttl, err := time.ParseDuration(raw.TTL)
		if err != nil {
			return fmt.Errorf("invalid ttl %q: %w", raw.TTL, err)
		}
		c.TTL = ttl
	}
	return nil
}

const defaultMaxEntries = 1024

func (c *Config) validate(name string) error {
	switch c.Tier {
	case TierMemory:
	case TierDisk, TierHybrid:
		if c.Dir == "" {
			return apptype.NewValidationError("dir",
				fmt.Sprintf("cache %q: persistent tier requires a directory", name))
		}
	default:
		return apptype.NewValidationError("tier",
			fmt.Sprintf("cache %q: unknown tier kind %q", name, c.Tier))
	}
	if c.TTL < 0 {
		return apptype.NewValidationError("ttl", fmt.Sprintf("cache %q: ttl cannot be negative", name))
	}
	if c.MaxEntries < 0 {
		return apptype.NewValidationError("max_entries", fmt.Sprintf("cache %q: cannot be negative", name))
	}
	return nil
}

// newTier constructs the configured backing tier for a named cache.
func newTier(name string, cfg Config) (Tier, error) {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	switch cfg.Tier {
	case TierMemory:
		return newMemoryTier(maxEntries, cfg.TTL), nil
	case TierDisk:
		return newDiskTier(cfg.Dir, cfg.TTL)
	case TierHybrid:
		disk, err := newDiskTier(cfg.Dir, cfg.TTL)
		if err != nil {
			return nil, err
		}
		return newHybridTier(newMemoryTier(maxEntries, cfg.TTL), disk), nil
	default:
		return nil, apptype.NewValidationError("tier",
			fmt.Sprintf("cache %q: unknown tier kind %q", name, cfg.Tier))
	}
}
