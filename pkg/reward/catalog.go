package reward

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Character is a collectible mascot bound to a waste category.
type Character struct {
	ID            string `json:"id" yaml:"id"`
	Name          string `json:"name" yaml:"name"`
	Type          string `json:"type" yaml:"type"`
	Dialog        string `json:"dialog" yaml:"dialog"`
	MatchCategory string `json:"match_category" yaml:"match_category"`
}

// CharacterSource loads the full character catalog.
type CharacterSource interface {
	ListCharacters(ctx context.Context) ([]Character, error)
}

// CatalogConfig sizes the catalog cache.
type CatalogConfig struct {
	// Size bounds the number of cached categories. Default: 512
	Size int

	// TTL expires cached entries. Default: 10m
	TTL time.Duration

	Logger *slog.Logger
}

// DefaultCatalogConfig returns the default cache settings.
func DefaultCatalogConfig() CatalogConfig {
	return CatalogConfig{Size: 512, TTL: 10 * time.Minute}
}

// Catalog maps categories to characters through a TTL cache in front of the source.
type Catalog struct {
	source CharacterSource
	cache  *expirable.LRU[string, Character]
	logger *slog.Logger

	// serializes backend loads
	loadMu sync.Mutex
}

// NewCatalog creates a catalog over source.
func NewCatalog(source CharacterSource, cfg CatalogConfig) *Catalog {
	if cfg.Size <= 0 {
		cfg.Size = DefaultCatalogConfig().Size
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCatalogConfig().TTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Catalog{
		source: source,
		cache:  expirable.NewLRU[string, Character](cfg.Size, nil, cfg.TTL),
		logger: cfg.Logger.With("component", "catalog"),
	}
}

func normalize(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}

// Warmup loads every character into the cache and returns how many were cached.
func (c *Catalog) Warmup(ctx context.Context) (int, error) {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	return c.load(ctx)
}

// Refresh replaces the cached catalog with the current source, dropping characters
// that were removed. Lookups during the reload wait for it.
func (c *Catalog) Refresh(ctx context.Context) (int, error) {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	chars, err := c.source.ListCharacters(ctx)
	if err != nil {
		return 0, fmt.Errorf("catalog: refresh: %w", err)
	}
	c.cache.Purge()
	return c.fill(chars), nil
}

func (c *Catalog) load(ctx context.Context) (int, error) {
	chars, err := c.source.ListCharacters(ctx)
	if err != nil {
		return 0, fmt.Errorf("catalog: load: %w", err)
	}
	n := c.fill(chars)
	c.logger.Debug("catalog loaded", "characters", n)
	return n, nil
}

func (c *Catalog) fill(chars []Character) int {
	n := 0
	for _, ch := range chars {
		key := normalize(ch.MatchCategory)
		if key == "" {
			continue
		}
		c.cache.Add(key, ch)
		n++
	}
	return n
}

// ForCategory returns the character of the first category that has one. A cache miss
// reloads the catalog once.
func (c *Catalog) ForCategory(ctx context.Context, categories ...string) (Character, bool, error) {
	if ch, ok := c.lookup(categories); ok {
		return ch, true, nil
	}

	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if ch, ok := c.lookup(categories); ok {
		return ch, true, nil
	}
	if _, err := c.load(ctx); err != nil {
		return Character{}, false, err
	}
	ch, ok := c.lookup(categories)
	return ch, ok, nil
}

func (c *Catalog) lookup(categories []string) (Character, bool) {
	for _, cat := range categories {
		if key := normalize(cat); key != "" {
			if ch, ok := c.cache.Get(key); ok {
				return ch, true
			}
		}
	}
	return Character{}, false
}

// Len returns the number of cached categories.
func (c *Catalog) Len() int {
	return c.cache.Len()
}

// Purge drops every cached entry.
func (c *Catalog) Purge() {
	c.cache.Purge()
}
