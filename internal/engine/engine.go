// Package engine owns one monitoring instance: its instruments, schedule, subscriber set and
// the per-cycle fetch, history, variation, alert and dispatch pipeline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"variation-radar/internal/alerting"
	"variation-radar/internal/dispatch"
	"variation-radar/internal/fetcher"
	"variation-radar/internal/history"
	"variation-radar/internal/metrics"
	"variation-radar/internal/model"
	"variation-radar/internal/scheduler"
	"variation-radar/internal/storage"
	"variation-radar/internal/variation"
)

var (
	// ErrInvalidThreshold is returned for negative thresholds.
	ErrInvalidThreshold = errors.New("engine: threshold must not be negative")
	// ErrInvalidRecipient is returned for an empty recipient id.
	ErrInvalidRecipient = errors.New("engine: recipient id is required")
)

// Instrument is one monitored price series.
type Instrument struct {
	Name           string
	Feed           fetcher.PriceFeed
	CurrencySymbol string
}

// Dispatcher delivers alert events and plain broadcasts.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev alerting.Event, recipients []string) dispatch.Report
	Broadcast(ctx context.Context, text string, recipients []string) dispatch.DeliveryReport
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Instruments []Instrument
	Storage     storage.Backend
	Dispatcher  Dispatcher
}

// Options configure the schedule and the persisted bounds.
type Options struct {
	Interval        time.Duration
	Threshold       decimal.Decimal
	AlignToStart    bool
	StartupDelay    time.Duration
	AdvisoryLockKey int64
	HistoryCapacity int
	AlertCapacity   int
}

// ScheduleState is the runtime view of the check loop.
type ScheduleState struct {
	Running     bool
	State       string
	Interval    time.Duration
	Threshold   decimal.Decimal
	LastCheck   *time.Time
	Instruments []string
}

// CycleReport summarises one check cycle.
type CycleReport struct {
	At         time.Time
	Skipped    bool
	Samples    map[string]model.Sample
	Variations map[string]variation.Result
	Events     []alerting.Event
	Dispatches []dispatch.Report
}

// Engine runs the monitoring pipeline for a fixed set of instruments.
type Engine struct {
	instruments []Instrument
	store       storage.Backend
	history     *history.Store
	alerts      *alerting.Engine
	dispatcher  Dispatcher
	locker      storage.AdvisoryLocker
	lockKey     int64
	sched       *scheduler.Scheduler
	logger      zerolog.Logger
	now         func() time.Time

	mu        sync.RWMutex
	interval  time.Duration
	threshold decimal.Decimal
	lastCheck *time.Time
	loaded    bool

	cycleMu sync.Mutex
}

// New validates deps and opts and builds a stopped Engine.
func New(deps Deps, opts Options, logger zerolog.Logger) (*Engine, error) {
	if len(deps.Instruments) == 0 {
		return nil, fmt.Errorf("engine: at least one instrument is required")
	}
	if deps.Storage == nil {
		return nil, fmt.Errorf("engine: storage is required")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("engine: dispatcher is required")
	}
	seen := make(map[string]struct{}, len(deps.Instruments))
	symbols := make(map[string]string, len(deps.Instruments))
	for _, inst := range deps.Instruments {
		if strings.TrimSpace(inst.Name) == "" {
			return nil, fmt.Errorf("engine: instrument name is required")
		}
		if inst.Feed == nil {
			return nil, fmt.Errorf("engine: instrument %s has no feed", inst.Name)
		}
		if _, dup := seen[inst.Name]; dup {
			return nil, fmt.Errorf("engine: duplicate instrument %s", inst.Name)
		}
		seen[inst.Name] = struct{}{}
		symbols[inst.Name] = inst.CurrencySymbol
	}
	if opts.Interval <= 0 {
		return nil, scheduler.ErrInvalidInterval
	}
	if opts.Threshold.IsNegative() {
		return nil, ErrInvalidThreshold
	}

	log := logger.With().Str("component", "engine").Logger()
	e := &Engine{
		instruments: deps.Instruments,
		store:       deps.Storage,
		history:     history.NewStore(deps.Storage, opts.HistoryCapacity, logger),
		alerts:      alerting.NewEngine(deps.Storage, opts.AlertCapacity, symbols, logger),
		dispatcher:  deps.Dispatcher,
		lockKey:     opts.AdvisoryLockKey,
		logger:      log,
		now:         time.Now,
		interval:    opts.Interval,
		threshold:   opts.Threshold,
	}
	if l, ok := deps.Storage.(storage.AdvisoryLocker); ok {
		e.locker = l
	}

	sched, err := scheduler.New(scheduler.Options{
		Interval:     e.Interval,
		AlignToStart: opts.AlignToStart,
		StartupDelay: opts.StartupDelay,
	}, logger)
	if err != nil {
		return nil, err
	}
	e.sched = sched
	return e, nil
}

// Instruments returns the monitored instrument names in configuration order.
func (e *Engine) Instruments() []string {
	return lo.Map(e.instruments, func(inst Instrument, _ int) string { return inst.Name })
}

// Load warms the price histories from storage. It runs once; later calls are no-ops.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	if e.loaded {
		e.mu.Unlock()
		return nil
	}
	e.loaded = true
	e.mu.Unlock()

	if err := e.history.Load(ctx, e.Instruments()); err != nil {
		e.logger.Warn().Err(err).Msg("some histories could not be loaded")
		return err
	}
	return nil
}

// Run blocks running the check loop until Stop is called or ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	_ = e.Load(ctx)
	e.refreshSubscriberGauge(ctx)
	return e.sched.Run(ctx, e.tick)
}

// Start launches the check loop in the background. The engine reports Running once Start
// returns, so a concurrent Start fails with scheduler.ErrAlreadyRunning.
func (e *Engine) Start(ctx context.Context) error {
	if e.Interval() <= 0 {
		return scheduler.ErrInvalidInterval
	}
	_ = e.Load(ctx)
	if err := e.sched.Start(ctx, e.tick); err != nil {
		return err
	}
	e.refreshSubscriberGauge(ctx)
	return nil
}

// Stop asks the loop to finish after the in-flight cycle. It reports whether a loop was running.
func (e *Engine) Stop() bool {
	return e.sched.Stop()
}

// Done is closed when the current loop exits.
func (e *Engine) Done() <-chan struct{} {
	return e.sched.Done()
}

// Status returns a snapshot of the schedule state.
func (e *Engine) Status() ScheduleState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := ScheduleState{
		State:       e.sched.State().String(),
		Running:     e.sched.Running(),
		Interval:    e.interval,
		Threshold:   e.threshold,
		Instruments: e.Instruments(),
	}
	if e.lastCheck != nil {
		at := *e.lastCheck
		st.LastCheck = &at
	}
	return st
}

// Interval returns the current check interval.
func (e *Engine) Interval() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.interval
}

// Threshold returns the current alert threshold in percent.
func (e *Engine) Threshold() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.threshold
}

// SetInterval changes the interval from the next sleep on.
func (e *Engine) SetInterval(d time.Duration) error {
	if d <= 0 {
		return scheduler.ErrInvalidInterval
	}
	e.mu.Lock()
	e.interval = d
	e.mu.Unlock()
	e.logger.Info().Dur("interval", d).Msg("interval updated")
	return nil
}

// SetThreshold changes the alert threshold from the next cycle on.
func (e *Engine) SetThreshold(pct decimal.Decimal) error {
	if pct.IsNegative() {
		return ErrInvalidThreshold
	}
	e.mu.Lock()
	e.threshold = pct
	e.mu.Unlock()
	e.logger.Info().Str("threshold_pct", pct.String()).Msg("threshold updated")
	return nil
}

// AddSubscriber registers a recipient. It returns false when already registered.
func (e *Engine) AddSubscriber(ctx context.Context, sub model.Subscriber) (bool, error) {
	sub.RecipientID = strings.TrimSpace(sub.RecipientID)
	if sub.RecipientID == "" {
		return false, ErrInvalidRecipient
	}
	if sub.RegisteredAt.IsZero() {
		sub.RegisteredAt = e.now().UTC()
	}
	added, err := e.store.AddSubscriber(ctx, sub)
	if err != nil {
		return false, fmt.Errorf("%w: add subscriber %s: %w", model.ErrPersistence, sub.RecipientID, err)
	}
	if added {
		e.logger.Info().Str("recipient", sub.RecipientID).Str("username", sub.Username).Msg("subscriber registered")
		e.refreshSubscriberGauge(ctx)
	}
	return added, nil
}

// RemoveSubscriber unregisters a recipient. It returns false when it was not registered.
func (e *Engine) RemoveSubscriber(ctx context.Context, recipientID string) (bool, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return false, ErrInvalidRecipient
	}
	removed, err := e.store.RemoveSubscriber(ctx, recipientID)
	if err != nil {
		return false, fmt.Errorf("%w: remove subscriber %s: %w", model.ErrPersistence, recipientID, err)
	}
	if removed {
		e.logger.Info().Str("recipient", recipientID).Msg("subscriber removed")
		e.refreshSubscriberGauge(ctx)
	}
	return removed, nil
}

// Subscribers lists the registered recipients.
func (e *Engine) Subscribers(ctx context.Context) ([]model.Subscriber, error) {
	subs, err := e.store.ListSubscribers(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list subscribers: %w", model.ErrPersistence, err)
	}
	return subs, nil
}

// RecentAlerts returns up to limit alert records, newest first.
func (e *Engine) RecentAlerts(ctx context.Context, limit int) ([]model.AlertRecord, error) {
	recs, err := e.store.ListRecentAlerts(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list alerts: %w", model.ErrPersistence, err)
	}
	return recs, nil
}

// CurrentPrices reads the latest known price and variation of every instrument from history.
// It never fetches.
func (e *Engine) CurrentPrices() []alerting.PriceLine {
	lines := make([]alerting.PriceLine, 0, len(e.instruments))
	for _, inst := range e.instruments {
		line := alerting.PriceLine{Instrument: inst.Name, CurrencySymbol: inst.CurrencySymbol}
		if latest, ok := e.history.Latest(inst.Name); ok {
			line.Price = latest.Price
			line.HasPrice = true
		}
		line.Variation = variation.Compute(e.history.History(inst.Name))
		lines = append(lines, line)
	}
	return lines
}

// History returns a copy of the in-memory history of instrument.
func (e *Engine) History(instrument string) model.History {
	return e.history.History(instrument)
}

// Broadcast sends text to every registered subscriber.
func (e *Engine) Broadcast(ctx context.Context, text string) (dispatch.DeliveryReport, error) {
	recipients, err := e.recipients(ctx)
	if err != nil {
		return dispatch.DeliveryReport{}, err
	}
	report := e.dispatcher.Broadcast(ctx, text, recipients)
	metrics.RecordDeliveries("broadcast", len(report.Succeeded), len(report.Failed))
	return report, nil
}

func (e *Engine) tick(ctx context.Context, _ time.Time) error {
	_, err := e.RunCycle(ctx)
	return err
}

// RunCycle performs one check: fetch every feed, append samples, compute variation, log and
// dispatch alerts. Failures of one instrument never stop the others; they are joined into
// the returned error.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{
		At:         e.now().UTC(),
		Samples:    make(map[string]model.Sample),
		Variations: make(map[string]variation.Result),
	}

	unlock, proceed, err := e.acquireLock(ctx)
	if err != nil {
		return report, err
	}
	if !proceed {
		e.logger.Debug().Msg("skip cycle because advisory lock held elsewhere")
		metrics.RecordSkippedCycle()
		report.Skipped = true
		return report, nil
	}
	if unlock != nil {
		defer unlock()
	}

	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	start := time.Now()
	threshold := e.Threshold()
	errs := e.executeCycle(ctx, threshold, &report)

	at := e.now().UTC()
	e.mu.Lock()
	e.lastCheck = &at
	e.mu.Unlock()

	metrics.RecordCycle(time.Since(start), len(errs) > 0)
	e.logger.Info().
		Int("samples", len(report.Samples)).
		Int("alerts", len(report.Events)).
		Int("errors", len(errs)).
		Msg("cycle finished")
	return report, errors.Join(errs...)
}

type fetchResult struct {
	sample model.Sample
	err    error
}

func (e *Engine) executeCycle(ctx context.Context, threshold decimal.Decimal, report *CycleReport) []error {
	results := make([]fetchResult, len(e.instruments))
	p := pool.New().WithMaxGoroutines(len(e.instruments))
	for i, inst := range e.instruments {
		p.Go(func() {
			results[i] = e.fetch(ctx, inst)
		})
	}
	p.Wait()

	var errs []error
	var events []alerting.Event
	for i, inst := range e.instruments {
		log := e.logger.With().Str("instrument", inst.Name).Logger()
		res := results[i]
		if res.err != nil {
			metrics.RecordFeedFailure(inst.Name)
			log.Warn().Err(res.err).Msg("price fetch failed")
			errs = append(errs, res.err)
			continue
		}

		report.Samples[inst.Name] = res.sample
		metrics.ObservePrice(inst.Name, res.sample.Price.InexactFloat64())
		if _, err := e.history.Append(ctx, inst.Name, res.sample); err != nil {
			log.Error().Err(err).Msg("failed to persist sample")
			errs = append(errs, err)
		}

		vr := variation.Result{Kind: variation.NoSignal}
		if prev, latest, ok := e.history.LatestTwo(inst.Name); ok {
			vr = variation.Between(prev, latest)
		}
		report.Variations[inst.Name] = vr
		if vr.Ok() {
			metrics.ObserveVariation(inst.Name, vr.Pct.InexactFloat64())
		}
		log.Info().
			Str("price", res.sample.Price.String()).
			Str("variation", vr.String()).
			Msg("sample recorded")

		ev, err := e.alerts.Evaluate(ctx, inst.Name, res.sample, vr, threshold)
		if err != nil {
			log.Error().Err(err).Msg("failed to log alert")
			errs = append(errs, err)
		}
		if ev != nil {
			metrics.RecordAlert(inst.Name, ev.Direction)
			events = append(events, *ev)
		}
	}

	report.Events = events
	if len(events) == 0 {
		return errs
	}

	recipients, err := e.recipients(ctx)
	if err != nil {
		e.logger.Error().Err(err).Int("alerts", len(events)).Msg("cannot dispatch alerts")
		return append(errs, err)
	}
	for _, ev := range events {
		dr := e.dispatcher.Dispatch(ctx, ev, recipients)
		metrics.RecordDeliveries("alert", len(dr.Primary.Succeeded), len(dr.Primary.Failed))
		metrics.RecordDeliveries("context", len(dr.FollowUp.Succeeded), len(dr.FollowUp.Failed))
		report.Dispatches = append(report.Dispatches, dr)
	}
	return errs
}

func (e *Engine) fetch(ctx context.Context, inst Instrument) (res fetchResult) {
	defer func() {
		if r := recover(); r != nil {
			res = fetchResult{err: fmt.Errorf("%w: %s: feed panic: %v", model.ErrFeedUnavailable, inst.Name, r)}
		}
	}()
	sample, err := inst.Feed.FetchPrice(ctx)
	if err != nil {
		if !errors.Is(err, model.ErrFeedUnavailable) {
			err = fmt.Errorf("%w: %s: %w", model.ErrFeedUnavailable, inst.Name, err)
		}
		return fetchResult{err: err}
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = e.now().UTC()
	}
	return fetchResult{sample: sample}
}

func (e *Engine) recipients(ctx context.Context) ([]string, error) {
	subs, err := e.Subscribers(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Map(subs, func(s model.Subscriber, _ int) string { return s.RecipientID }), nil
}

func (e *Engine) refreshSubscriberGauge(ctx context.Context) {
	subs, err := e.store.ListSubscribers(ctx)
	if err != nil {
		return
	}
	metrics.SetSubscribers(len(subs))
}

func (e *Engine) acquireLock(ctx context.Context) (func(), bool, error) {
	if e.lockKey == 0 || e.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := e.locker.TryAdvisoryLock(ctx, e.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
