package news

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"variation-radar/internal/model"
)

// Canned serves context from the static catalog. It stands in for a live news search.
type Canned struct {
	catalog *Catalog
	logger  zerolog.Logger
	now     func() time.Time
}

// NewCanned builds a canned provider over catalog.
func NewCanned(catalog *Catalog, logger zerolog.Logger) *Canned {
	return &Canned{
		catalog: catalog,
		logger:  logger.With().Str("component", "news_canned").Logger(),
		now:     time.Now,
	}
}

// FindContext returns posts first, then news, Portuguese before English.
// Unknown instruments have no context.
func (c *Canned) FindContext(_ context.Context, instrument string, pct decimal.Decimal) ([]model.ContextItem, error) {
	topic, ok := c.catalog.Topic(instrument)
	if !ok {
		c.logger.Debug().Str("instrument", instrument).Msg("no topic for instrument")
		return nil, nil
	}

	c.logger.Debug().
		Str("instrument", instrument).
		Str("variation_pct", pct.StringFixed(2)).
		Interface("queries", c.catalog.Queries(instrument, pct)).
		Msg("looking up context")

	stamp := c.now().UTC()
	out := make([]model.ContextItem, 0, len(topic.Items))
	for _, kind := range []model.ContextKind{model.ContextPost, model.ContextNews} {
		for _, lang := range []string{"pt", "en"} {
			for _, item := range topic.Items {
				if item.Kind != kind || item.Language != lang {
					continue
				}
				item.Timestamp = stamp
				out = append(out, item)
			}
		}
	}
	return out, nil
}

// Noop never returns context.
type Noop struct{}

// FindContext returns nothing.
func (Noop) FindContext(context.Context, string, decimal.Decimal) ([]model.ContextItem, error) {
	return nil, nil
}

var (
	_ Provider = (*Canned)(nil)
	_ Provider = Noop{}
)
