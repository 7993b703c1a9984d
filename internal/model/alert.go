package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ContextKind distinguishes enrichment sources.
type ContextKind string

const (
	ContextNews ContextKind = "news"
	ContextPost ContextKind = "post"
)

// ContextItem is a supplementary piece of context attached to an alert after the fact.
type ContextItem struct {
	Kind      ContextKind `json:"type" yaml:"type"`
	Language  string      `json:"language" yaml:"language"`
	Title     string      `json:"title,omitempty" yaml:"title"`
	Content   string      `json:"content" yaml:"content"`
	Source    string      `json:"source" yaml:"source"`
	URL       string      `json:"url" yaml:"url"`
	Timestamp time.Time   `json:"timestamp" yaml:"-"`
}

// AlertRecord captures a threshold crossing for one instrument in one cycle.
type AlertRecord struct {
	ID           string          `json:"id"`
	Instrument   string          `json:"pair"`
	VariationPct decimal.Decimal `json:"variation"`
	Price        decimal.Decimal `json:"price"`
	Timestamp    time.Time       `json:"timestamp"`
	Enrichment   []ContextItem   `json:"news"`
	EnrichedAt   *time.Time      `json:"enriched_at,omitempty"`
}

// Enriched reports whether context has been attached to the record.
func (r AlertRecord) Enriched() bool {
	return r.EnrichedAt != nil
}

// Direction classifies the sign of a variation.
func Direction(pct decimal.Decimal) string {
	switch pct.Sign() {
	case 1:
		return "up"
	case -1:
		return "down"
	default:
		return "flat"
	}
}
