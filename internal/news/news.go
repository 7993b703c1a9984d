// Package news looks up context (headlines and social posts) for a price move.
package news

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"variation-radar/internal/model"
)

// Provider returns context items for an instrument move. An empty result means no context.
type Provider interface {
	FindContext(ctx context.Context, instrument string, pct decimal.Decimal) ([]model.ContextItem, error)
}

//go:embed catalog.yaml
var defaultCatalog []byte

// Topic groups the query terms and canned items of related instruments.
type Topic struct {
	Name        string              `yaml:"name"`
	Instruments []string            `yaml:"instruments"`
	Keywords    []string            `yaml:"keywords"`
	Query       map[string]string   `yaml:"query"`
	Items       []model.ContextItem `yaml:"items"`
}

// Catalog is the keyword table shared by every provider.
type Catalog struct {
	Topics     []Topic                      `yaml:"topics"`
	Directions map[string]map[string]string `yaml:"directions"`
}

// LoadCatalog parses a YAML catalog. Nil data loads the embedded default.
func LoadCatalog(data []byte) (*Catalog, error) {
	if data == nil {
		data = defaultCatalog
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse news catalog: %w", err)
	}
	return &c, nil
}

// Topic resolves the topic of an instrument, first by exact name then by keyword.
func (c *Catalog) Topic(instrument string) (Topic, bool) {
	for _, t := range c.Topics {
		for _, name := range t.Instruments {
			if strings.EqualFold(name, instrument) {
				return t, true
			}
		}
	}
	lower := strings.ToLower(instrument)
	for _, t := range c.Topics {
		for _, kw := range t.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return t, true
			}
		}
	}
	return Topic{}, false
}

// Queries builds one search query per language from topic terms and direction words.
// A non-positive move uses the "down" words.
func (c *Catalog) Queries(instrument string, pct decimal.Decimal) map[string]string {
	topic, ok := c.Topic(instrument)
	if !ok {
		return nil
	}
	direction := "down"
	if pct.Sign() > 0 {
		direction = "up"
	}
	words := c.Directions[direction]

	out := make(map[string]string, len(topic.Query))
	for lang, base := range topic.Query {
		q := base
		if w := words[lang]; w != "" {
			q += " " + w
		}
		out[lang] = q
	}
	return out
}
