package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Sample is a single price observation. Samples are never mutated after they are appended.
type Sample struct {
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
}

// History is the ordered sample sequence of one instrument, oldest first.
type History []Sample

// Latest returns the most recent sample.
func (h History) Latest() (Sample, bool) {
	if len(h) == 0 {
		return Sample{}, false
	}
	return h[len(h)-1], true
}

// Clone returns a copy that does not share the backing array.
func (h History) Clone() History {
	if h == nil {
		return nil
	}
	out := make(History, len(h))
	copy(out, h)
	return out
}

// Trim drops the oldest samples so that at most limit remain.
func (h History) Trim(limit int) History {
	if limit <= 0 || len(h) <= limit {
		return h
	}
	return h[len(h)-limit:]
}
