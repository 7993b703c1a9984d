// Package report sends a scheduled digest of the latest prices to every subscriber.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"variation-radar/internal/alerting"
	"variation-radar/internal/dispatch"
)

// Source supplies the prices and the broadcast channel.
type Source interface {
	CurrentPrices() []alerting.PriceLine
	Broadcast(ctx context.Context, text string) (dispatch.DeliveryReport, error)
}

// Reporter runs the daily price digest on a cron schedule.
type Reporter struct {
	cron   *cron.Cron
	source Source
	loc    *time.Location
	logger zerolog.Logger
	now    func() time.Time
	ctx    context.Context
}

// New builds a Reporter. schedule uses the standard five-field cron syntax in loc.
func New(ctx context.Context, source Source, schedule string, loc *time.Location, logger zerolog.Logger) (*Reporter, error) {
	if loc == nil {
		loc = time.UTC
	}
	r := &Reporter{
		cron:   cron.New(cron.WithLocation(loc)),
		source: source,
		loc:    loc,
		logger: logger.With().Str("component", "report").Logger(),
		now:    time.Now,
		ctx:    ctx,
	}
	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return nil, fmt.Errorf("register price report %q: %w", schedule, err)
	}
	return r, nil
}

// Start starts the cron scheduler.
func (r *Reporter) Start() {
	r.cron.Start()
	r.logger.Info().Msg("price report scheduled")
}

// Stop stops the cron scheduler and waits for a running report.
func (r *Reporter) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info().Msg("price report stopped")
}

// SendNow renders and broadcasts the report immediately.
func (r *Reporter) SendNow(ctx context.Context) (dispatch.DeliveryReport, error) {
	text := alerting.RenderPrices(r.source.CurrentPrices(), r.now().In(r.loc))
	report, err := r.source.Broadcast(ctx, text)
	if err != nil {
		return report, fmt.Errorf("broadcast price report: %w", err)
	}
	r.logger.Info().
		Int("delivered", len(report.Succeeded)).
		Int("failed", len(report.Failed)).
		Msg("price report sent")
	return report, nil
}

func (r *Reporter) run() {
	if _, err := r.SendNow(r.ctx); err != nil {
		r.logger.Error().Err(err).Msg("price report failed")
	}
}
