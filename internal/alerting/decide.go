// Package alerting decides threshold crossings, records them and renders alert text.
package alerting

import (
	"github.com/shopspring/decimal"

	"variation-radar/internal/variation"
)

// State is the outcome of a threshold test.
type State int

const (
	StateNoAlert State = iota
	StateAlerting
)

func (s State) String() string {
	if s == StateAlerting {
		return "alerting"
	}
	return "no_alert"
}

// Decide alerts when the variation is defined and |pct| >= threshold.
func Decide(res variation.Result, threshold decimal.Decimal) State {
	if !res.Ok() {
		return StateNoAlert
	}
	if res.Pct.Abs().GreaterThanOrEqual(threshold) {
		return StateAlerting
	}
	return StateNoAlert
}
