package dedup

import (
	"fmt"
	"slices"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"exploitwatch/internal/incident"
)

// CacheConfig sizes the seen-hash cache.
type CacheConfig struct {
	Size              int     `mapstructure:"size"`
	BloomCapacity     uint    `mapstructure:"bloom_capacity"`
	BloomFalsePosRate float64 `mapstructure:"bloom_false_positive_rate"`
}

// DefaultCacheConfig returns the stock sizing.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{Size: 4096, BloomCapacity: 100_000, BloomFalsePosRate: 0.01}
}

type seenEntry struct {
	fingerprint string
	sources     []string
}

// SeenCache remembers recently stored hashes. The LRU answers "already
// stored with these fields and this source"; the bloom filter answers
// "never stored by this process", which lets the deduplicator skip the
// lookup and go straight to insert-if-absent. Neither is authoritative.
type SeenCache struct {
	mu       sync.Mutex
	recent   *lru.Cache[string, seenEntry]
	filter   *bloom.BloomFilter
	capacity uint
	fpRate   float64
	added    uint
}

// NewSeenCache builds a cache from cfg, filling zero values with defaults.
func NewSeenCache(cfg CacheConfig) (*SeenCache, error) {
	def := DefaultCacheConfig()
	if cfg.Size <= 0 {
		cfg.Size = def.Size
	}
	if cfg.BloomCapacity == 0 {
		cfg.BloomCapacity = def.BloomCapacity
	}
	if cfg.BloomFalsePosRate <= 0 || cfg.BloomFalsePosRate >= 1 {
		cfg.BloomFalsePosRate = def.BloomFalsePosRate
	}
	recent, err := lru.New[string, seenEntry](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("create seen cache: %w", err)
	}
	return &SeenCache{
		recent:   recent,
		filter:   bloom.NewWithEstimates(cfg.BloomCapacity, cfg.BloomFalsePosRate),
		capacity: cfg.BloomCapacity,
		fpRate:   cfg.BloomFalsePosRate,
	}, nil
}

// MaybeSeen is false only for hashes this process has never remembered.
func (c *SeenCache) MaybeSeen(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter.TestString(hash)
}

// Confirms reports whether inc is already stored with identical mergeable
// fields and inc's source recorded.
func (c *SeenCache) Confirms(inc incident.Incident) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.recent.Get(inc.ContentHash)
	if !ok {
		return false
	}
	return entry.fingerprint == inc.Fingerprint() && slices.Contains(entry.sources, inc.SourceName)
}

// Remember records the stored view of an incident.
func (c *SeenCache) Remember(stored incident.Incident) {
	sources := slices.Clone(stored.Sources)
	if !slices.Contains(sources, stored.SourceName) {
		sources = append(sources, stored.SourceName)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.recent.Add(stored.ContentHash, seenEntry{fingerprint: stored.Fingerprint(), sources: sources})
	if !c.filter.TestString(stored.ContentHash) {
		if c.added >= c.capacity {
			// past capacity the false-positive rate degrades; start over
			c.filter = bloom.NewWithEstimates(c.capacity, c.fpRate)
			c.added = 0
		}
		c.filter.AddString(stored.ContentHash)
		c.added++
	}
}

// Forget drops a hash from the LRU.
func (c *SeenCache) Forget(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recent.Remove(hash)
}

// Len reports the number of LRU entries.
func (c *SeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recent.Len()
}
