// Package dispatch fans alert messages out to every subscriber and sends context follow-ups.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc/pool"

	"variation-radar/internal/alerting"
	"variation-radar/internal/model"
	"variation-radar/internal/news"
	"variation-radar/internal/notifier"
)

// EnrichmentSink stores context items on a persisted alert.
type EnrichmentSink interface {
	AttachEnrichment(ctx context.Context, id string, items []model.ContextItem, at time.Time) error
}

// DeliveryReport is the per-recipient outcome of one broadcast.
type DeliveryReport struct {
	Succeeded []string
	Failed    map[string]error
}

// Attempted returns the number of recipients tried.
func (r DeliveryReport) Attempted() int {
	return len(r.Succeeded) + len(r.Failed)
}

// Report is the outcome of dispatching one alert event.
type Report struct {
	Primary    DeliveryReport
	FollowUp   DeliveryReport
	Enrichment []model.ContextItem
	// EnrichmentErr is set when the context lookup or its persistence failed.
	EnrichmentErr error
}

// Options tune the dispatcher.
type Options struct {
	MaxParallel   int
	MaxItems      int
	Location      *time.Location
	LookupTimeout time.Duration
}

// Dispatcher delivers alert events through a Notifier.
type Dispatcher struct {
	notifier notifier.Notifier
	news     news.Provider
	sink     EnrichmentSink
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
}

// New builds a dispatcher. news and sink may be nil.
func New(n notifier.Notifier, provider news.Provider, sink EnrichmentSink, opts Options, logger zerolog.Logger) *Dispatcher {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 8
	}
	if opts.MaxItems <= 0 {
		opts.MaxItems = alerting.DefaultContextItems
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 30 * time.Second
	}
	if provider == nil {
		provider = news.Noop{}
	}
	return &Dispatcher{
		notifier: n,
		news:     provider,
		sink:     sink,
		opts:     opts,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		now:      time.Now,
	}
}

// Dispatch sends the alert, looks up context and, when some is found, stores it on the
// alert record and sends a follow-up to the same recipients.
func (d *Dispatcher) Dispatch(ctx context.Context, ev alerting.Event, recipients []string) Report {
	rec := ev.Record
	log := d.logger.With().Str("instrument", rec.Instrument).Str("alert_id", rec.ID).Logger()

	report := Report{
		Primary: d.Broadcast(ctx, alerting.RenderAlert(ev, d.opts.Location), recipients),
	}
	log.Info().
		Int("recipients", len(recipients)).
		Int("delivered", len(report.Primary.Succeeded)).
		Int("failed", len(report.Primary.Failed)).
		Msg("alert dispatched")

	lookupCtx, cancel := context.WithTimeout(ctx, d.opts.LookupTimeout)
	items, err := d.news.FindContext(lookupCtx, rec.Instrument, rec.VariationPct)
	cancel()
	if err != nil {
		report.EnrichmentErr = fmt.Errorf("%w: %s: %w", model.ErrEnrichment, rec.Instrument, err)
		log.Warn().Err(err).Msg("context lookup failed, continuing without context")
		return report
	}
	if len(items) == 0 {
		log.Debug().Msg("no context found")
		return report
	}

	report.Enrichment = items
	at := d.now().UTC()
	if d.sink != nil {
		if err := d.sink.AttachEnrichment(ctx, rec.ID, items, at); err != nil {
			report.EnrichmentErr = fmt.Errorf("%w: attach to %s: %w", model.ErrPersistence, rec.ID, err)
			log.Warn().Err(err).Msg("failed to store context on alert")
		}
	}

	text := alerting.RenderContext(rec.Instrument, rec.VariationPct, items, d.opts.MaxItems, inZone(at, d.opts.Location))
	report.FollowUp = d.Broadcast(ctx, text, recipients)
	log.Info().
		Int("items", len(items)).
		Int("delivered", len(report.FollowUp.Succeeded)).
		Int("failed", len(report.FollowUp.Failed)).
		Msg("context follow-up dispatched")
	return report
}

// Broadcast sends text to every recipient independently. One failure never blocks the others.
func (d *Dispatcher) Broadcast(ctx context.Context, text string, recipients []string) DeliveryReport {
	report := DeliveryReport{Failed: make(map[string]error)}
	targets := lo.Uniq(recipients)
	if len(targets) == 0 {
		return report
	}

	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(d.opts.MaxParallel)
	for _, recipient := range targets {
		p.Go(func() {
			err := d.send(ctx, recipient, text)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[recipient] = err
				return
			}
			report.Succeeded = append(report.Succeeded, recipient)
		})
	}
	p.Wait()

	sort.Strings(report.Succeeded)
	for recipient, err := range report.Failed {
		d.logger.Warn().Err(err).Str("recipient", recipient).Msg("delivery failed")
	}
	return report
}

func (d *Dispatcher) send(ctx context.Context, recipient, text string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: notifier panic: %v", model.ErrDelivery, r)
		}
	}()
	if err := d.notifier.Send(ctx, recipient, text); err != nil {
		return fmt.Errorf("%w: %s: %w", model.ErrDelivery, recipient, err)
	}
	return nil
}

func inZone(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		return t
	}
	return t.In(loc)
}
