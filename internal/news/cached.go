package news

import (
	"context"
	"fmt"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"variation-radar/internal/config"
	"variation-radar/internal/model"
)

// Cached memoises a provider per instrument and direction for a fixed TTL.
// Failed lookups are not cached.
type Cached struct {
	next  Provider
	cache *expirable.LRU[string, []model.ContextItem]
}

// NewCached wraps next with an expiring LRU cache.
func NewCached(next Provider, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = 128
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cached{
		next:  next,
		cache: expirable.NewLRU[string, []model.ContextItem](size, nil, ttl),
	}
}

// FindContext serves a cached answer or asks the wrapped provider.
func (c *Cached) FindContext(ctx context.Context, instrument string, pct decimal.Decimal) ([]model.ContextItem, error) {
	key := instrument + "|" + model.Direction(pct)
	if items, ok := c.cache.Get(key); ok {
		return items, nil
	}
	items, err := c.next.FindContext(ctx, instrument, pct)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, items)
	return items, nil
}

// New builds the provider selected by cfg, wrapped in the TTL cache.
// The returned close func releases any client the provider holds.
func New(ctx context.Context, cfg config.NewsConfig, logger zerolog.Logger) (Provider, func() error, error) {
	noClose := func() error { return nil }

	catalog, err := LoadCatalog(nil)
	if err != nil {
		return nil, noClose, err
	}

	var (
		provider Provider
		closeFn  = noClose
	)
	switch cfg.Provider {
	case "", "none":
		return Noop{}, noClose, nil
	case "canned":
		provider = NewCanned(catalog, logger)
	case "gemini":
		var client *genai.Client
		client, err = NewGeminiClient(ctx, cfg.Gemini.APIKey)
		if err != nil {
			return nil, noClose, err
		}
		provider = NewGemini(client, catalog, GeminiOptions{
			Model:    cfg.Gemini.Model,
			Timeout:  cfg.Gemini.Timeout,
			MaxItems: cfg.MaxItems,
		}, logger)
		closeFn = client.Close
	default:
		return nil, noClose, fmt.Errorf("news: unknown provider %q", cfg.Provider)
	}

	return NewCached(provider, cfg.CacheSize, cfg.CacheTTL), closeFn, nil
}

var _ Provider = (*Cached)(nil)
