package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"variation-radar/internal/model"
	"variation-radar/internal/variation"
)

// DefaultLogCapacity bounds the persisted alert log.
const DefaultLogCapacity = 1000

// AlertLog persists alert records.
type AlertLog interface {
	AppendAlert(ctx context.Context, rec model.AlertRecord, limit int) error
}

// Event is emitted for every threshold crossing.
type Event struct {
	Record         model.AlertRecord
	Threshold      decimal.Decimal
	Direction      string
	CurrencySymbol string
}

// Engine turns variation results into logged alert events.
type Engine struct {
	log      AlertLog
	capacity int
	symbols  map[string]string
	logger   zerolog.Logger
	now      func() time.Time
	newID    func() string
}

// NewEngine builds an alert engine writing to log.
func NewEngine(log AlertLog, capacity int, symbols map[string]string, logger zerolog.Logger) *Engine {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &Engine{
		log:      log,
		capacity: capacity,
		symbols:  symbols,
		logger:   logger.With().Str("component", "alert_engine").Logger(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Evaluate returns nil when res does not cross threshold. Otherwise it appends an AlertRecord
// to the log and returns the Event. A log failure is returned alongside the event.
func (e *Engine) Evaluate(ctx context.Context, instrument string, latest model.Sample, res variation.Result, threshold decimal.Decimal) (*Event, error) {
	if Decide(res, threshold) != StateAlerting {
		return nil, nil
	}

	ts := latest.Timestamp
	if ts.IsZero() {
		ts = e.now().UTC()
	}

	ev := &Event{
		Record: model.AlertRecord{
			ID:           e.newID(),
			Instrument:   instrument,
			VariationPct: res.Pct,
			Price:        latest.Price,
			Timestamp:    ts,
		},
		Threshold:      threshold,
		Direction:      model.Direction(res.Pct),
		CurrencySymbol: e.symbols[instrument],
	}

	e.logger.Info().
		Str("instrument", instrument).
		Str("variation_pct", res.Pct.StringFixed(2)).
		Str("threshold_pct", threshold.String()).
		Str("direction", ev.Direction).
		Msg("variation crossed threshold")

	if e.log == nil {
		return ev, nil
	}
	if err := e.log.AppendAlert(ctx, ev.Record, e.capacity); err != nil {
		return ev, fmt.Errorf("%w: append alert %s: %w", model.ErrPersistence, ev.Record.ID, err)
	}
	return ev, nil
}
