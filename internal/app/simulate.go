package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"variation-radar/internal/engine"
	"variation-radar/internal/fetcher"
	"variation-radar/internal/model"
	"variation-radar/internal/storage"
)

// SimulateAlert pushes two synthetic prices for one instrument through real engine cycles.
// History and alert log go to a scratch directory; recipients are the configured subscribers.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) (engine.CycleReport, error) {
	if opts.Previous.IsZero() {
		return engine.CycleReport{}, errors.New("previous price must not be zero")
	}
	inst, err := a.instrumentConfig(opts.Instrument)
	if err != nil {
		return engine.CycleReport{}, err
	}

	backend, err := a.openBackend(ctx)
	if err != nil {
		return engine.CycleReport{}, err
	}
	defer backend.Close()

	scratchDir, err := os.MkdirTemp("", "variation-radar-sim-*")
	if err != nil {
		return engine.CycleReport{}, err
	}
	defer os.RemoveAll(scratchDir)

	scratch, err := storage.NewFileStore(scratchDir)
	if err != nil {
		return engine.CycleReport{}, err
	}
	sim := &simulationBackend{FileStore: scratch, subscribers: backend}

	feed := &staticFeed{name: inst.Name, prices: []decimal.Decimal{opts.Previous, opts.Current}}
	botAPI, _ := a.telegramAPI(false)
	e, closeNews, err := a.newEngine(ctx, sim, []engine.Instrument{{
		Name:           inst.Name,
		Feed:           feed,
		CurrencySymbol: inst.CurrencySymbol,
	}}, a.newNotifier(botAPI))
	if err != nil {
		return engine.CycleReport{}, err
	}
	defer closeNews()

	if _, err := e.RunCycle(ctx); err != nil {
		return engine.CycleReport{}, fmt.Errorf("seed cycle: %w", err)
	}
	report, err := e.RunCycle(ctx)
	if err != nil {
		return report, err
	}

	a.Logger.Info().
		Str("instrument", inst.Name).
		Str("variation", report.Variations[inst.Name].String()).
		Int("alerts", len(report.Events)).
		Msg("simulation finished")
	return report, nil
}

// simulationBackend keeps prices and alerts in a scratch store while reading and writing
// subscribers through the configured backend.
type simulationBackend struct {
	*storage.FileStore
	subscribers storage.SubscriberStore
}

func (b *simulationBackend) AddSubscriber(ctx context.Context, sub model.Subscriber) (bool, error) {
	return b.subscribers.AddSubscriber(ctx, sub)
}

func (b *simulationBackend) RemoveSubscriber(ctx context.Context, recipientID string) (bool, error) {
	return b.subscribers.RemoveSubscriber(ctx, recipientID)
}

func (b *simulationBackend) ListSubscribers(ctx context.Context) ([]model.Subscriber, error) {
	return b.subscribers.ListSubscribers(ctx)
}

// staticFeed replays a fixed sequence of prices one minute apart.
type staticFeed struct {
	name   string
	prices []decimal.Decimal

	mu   sync.Mutex
	next int
}

func (f *staticFeed) Name() string { return f.name }

func (f *staticFeed) FetchPrice(context.Context) (model.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next >= len(f.prices) {
		return model.Sample{}, fmt.Errorf("%w: %s: no more simulated prices", model.ErrFeedUnavailable, f.name)
	}
	price := f.prices[f.next]
	ts := time.Now().UTC().Add(time.Duration(f.next-len(f.prices)+1) * time.Minute)
	f.next++
	return model.Sample{Timestamp: ts, Price: price}, nil
}

var _ fetcher.PriceFeed = (*staticFeed)(nil)
var _ storage.Backend = (*simulationBackend)(nil)
