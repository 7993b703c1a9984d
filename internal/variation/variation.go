// Package variation derives the period-over-period percentage change of a price history.
package variation

import (
	"github.com/shopspring/decimal"

	"variation-radar/internal/model"
)

// Kind tells whether a Result carries a usable percentage.
type Kind int

const (
	// NoSignal means fewer than two samples are available.
	NoSignal Kind = iota
	// Undefined means the previous price is zero.
	Undefined
	// Value means Pct holds the percentage change.
	Value
)

func (k Kind) String() string {
	switch k {
	case NoSignal:
		return "no_signal"
	case Undefined:
		return "undefined"
	case Value:
		return "value"
	default:
		return "unknown"
	}
}

var hundred = decimal.NewFromInt(100)

// Result is the outcome of Compute.
type Result struct {
	Kind Kind
	Pct  decimal.Decimal
}

// Ok reports whether the result carries a percentage.
func (r Result) Ok() bool {
	return r.Kind == Value
}

// String formats the percentage with two decimals, or N/A.
func (r Result) String() string {
	if !r.Ok() {
		return "N/A"
	}
	return r.Pct.StringFixed(2) + "%"
}

// Compute returns the percentage change between the two most recent samples.
func Compute(h model.History) Result {
	if len(h) < 2 {
		return Result{Kind: NoSignal}
	}
	return Between(h[len(h)-2], h[len(h)-1])
}

// Between returns the percentage change from prev to latest.
func Between(prev, latest model.Sample) Result {
	if prev.Price.IsZero() {
		return Result{Kind: Undefined}
	}
	pct := latest.Price.Sub(prev.Price).Div(prev.Price).Mul(hundred)
	return Result{Kind: Value, Pct: pct}
}
