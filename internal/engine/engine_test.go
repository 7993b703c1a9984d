package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"variation-radar/internal/alerting"
	"variation-radar/internal/dispatch"
	"variation-radar/internal/model"
	"variation-radar/internal/scheduler"
	"variation-radar/internal/storage"
	"variation-radar/internal/variation"
)

type step struct {
	price string
	err   error
}

type scriptedFeed struct {
	name  string
	mu    sync.Mutex
	steps []step
	calls atomic.Int32
	clock time.Time
}

func (f *scriptedFeed) Name() string { return f.name }

func (f *scriptedFeed) FetchPrice(context.Context) (model.Sample, error) {
	n := int(f.calls.Add(1)) - 1
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.steps[len(f.steps)-1]
	if n < len(f.steps) {
		s = f.steps[n]
	}
	if s.err != nil {
		return model.Sample{}, s.err
	}
	f.clock = f.clock.Add(time.Minute)
	return model.Sample{Timestamp: f.clock, Price: decimal.RequireFromString(s.price)}, nil
}

func feed(name string, steps ...step) *scriptedFeed {
	return &scriptedFeed{name: name, steps: steps, clock: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func price(p string) step { return step{price: p} }

func failing(msg string) step { return step{err: errors.New(msg)} }

type recordingDispatcher struct {
	mu         sync.Mutex
	events     []alerting.Event
	recipients [][]string
	broadcasts []string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, ev alerting.Event, recipients []string) dispatch.Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	d.recipients = append(d.recipients, recipients)
	return dispatch.Report{Primary: dispatch.DeliveryReport{Succeeded: recipients, Failed: map[string]error{}}}
}

func (d *recordingDispatcher) Broadcast(_ context.Context, text string, recipients []string) dispatch.DeliveryReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.broadcasts = append(d.broadcasts, text)
	return dispatch.DeliveryReport{Succeeded: recipients, Failed: map[string]error{}}
}

type brokenHistoryStore struct {
	*storage.FileStore
}

func (brokenHistoryStore) SaveHistory(context.Context, string, []model.Sample) error {
	return errors.New("disk full")
}

type busyLockStore struct {
	*storage.FileStore
}

func (busyLockStore) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	return nil, false, nil
}

func newFileStore(t *testing.T) *storage.FileStore {
	t.Helper()
	fs, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return fs
}

func newEngine(t *testing.T, backend storage.Backend, threshold string, instruments ...Instrument) (*Engine, *recordingDispatcher) {
	t.Helper()
	d := &recordingDispatcher{}
	e, err := New(Deps{Instruments: instruments, Storage: backend, Dispatcher: d}, Options{
		Interval:  10 * time.Millisecond,
		Threshold: decimal.RequireFromString(threshold),
	}, zerolog.Nop())
	require.NoError(t, err)
	return e, d
}

func TestCycleAlertsWhileOtherFeedFails(t *testing.T) {
	ctx := context.Background()
	fs := newFileStore(t)
	btc := feed("BTC/USD", price("100"), price("103.5"))
	brl := feed("USD/BRL", failing("timeout"))
	e, d := newEngine(t, fs, "2.0",
		Instrument{Name: "BTC/USD", Feed: btc, CurrencySymbol: "$"},
		Instrument{Name: "USD/BRL", Feed: brl, CurrencySymbol: "R$"},
	)
	_, err := e.AddSubscriber(ctx, model.Subscriber{RecipientID: "R1"})
	require.NoError(t, err)

	report, err := e.RunCycle(ctx)
	require.ErrorIs(t, err, model.ErrFeedUnavailable)
	assert.Empty(t, report.Events)
	assert.Equal(t, variation.NoSignal, report.Variations["BTC/USD"].Kind)

	report, err = e.RunCycle(ctx)
	require.ErrorIs(t, err, model.ErrFeedUnavailable)
	require.Len(t, report.Events, 1)
	ev := report.Events[0]
	assert.Equal(t, "BTC/USD", ev.Record.Instrument)
	assert.True(t, ev.Record.VariationPct.Equal(decimal.RequireFromString("3.5")))
	assert.Equal(t, "up", ev.Direction)
	assert.Equal(t, "$", ev.CurrencySymbol)
	assert.NotContains(t, report.Samples, "USD/BRL")

	require.Len(t, d.events, 1)
	assert.Equal(t, []string{"R1"}, d.recipients[0])

	alerts, err := e.RecentAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, ev.Record.ID, alerts[0].ID)
	assert.Len(t, e.History("BTC/USD"), 2)
	assert.Empty(t, e.History("USD/BRL"))
}

func TestThresholdIsInclusive(t *testing.T) {
	cases := []struct {
		name   string
		latest string
		alerts int
	}{
		{name: "exactly at threshold", latest: "102", alerts: 1},
		{name: "just below threshold", latest: "101.99", alerts: 0},
		{name: "drop at threshold", latest: "98", alerts: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, d := newEngine(t, newFileStore(t), "2.0",
				Instrument{Name: "BTC/USD", Feed: feed("BTC/USD", price("100"), price(tc.latest))})
			_, err := e.RunCycle(context.Background())
			require.NoError(t, err)
			report, err := e.RunCycle(context.Background())
			require.NoError(t, err)
			assert.Len(t, report.Events, tc.alerts)
			assert.Len(t, d.events, tc.alerts)
		})
	}
}

func TestZeroPreviousPriceIsUndefined(t *testing.T) {
	e, d := newEngine(t, newFileStore(t), "2.0",
		Instrument{Name: "X", Feed: feed("X", price("0"), price("5"))})
	_, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	report, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, variation.Undefined, report.Variations["X"].Kind)
	assert.Empty(t, d.events)
}

func TestPersistenceFailureDoesNotStopCycle(t *testing.T) {
	backend := brokenHistoryStore{FileStore: newFileStore(t)}
	e, d := newEngine(t, backend, "1",
		Instrument{Name: "BTC/USD", Feed: feed("BTC/USD", price("100"), price("110"))})

	_, err := e.RunCycle(context.Background())
	require.ErrorIs(t, err, model.ErrPersistence)
	report, err := e.RunCycle(context.Background())
	require.ErrorIs(t, err, model.ErrPersistence)

	require.Len(t, report.Events, 1)
	assert.Len(t, d.events, 1)
	assert.Len(t, e.History("BTC/USD"), 2)
}

func TestAdvisoryLockHeldElsewhereSkipsCycle(t *testing.T) {
	btc := feed("BTC/USD", price("100"))
	d := &recordingDispatcher{}
	e, err := New(Deps{
		Instruments: []Instrument{{Name: "BTC/USD", Feed: btc}},
		Storage:     busyLockStore{FileStore: newFileStore(t)},
		Dispatcher:  d,
	}, Options{Interval: time.Minute, AdvisoryLockKey: 42}, zerolog.Nop())
	require.NoError(t, err)

	report, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Zero(t, btc.calls.Load())
	assert.Nil(t, e.Status().LastCheck)
}

func TestSubscriberRegistration(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, newFileStore(t), "2", Instrument{Name: "A", Feed: feed("A", price("1"))})

	added, err := e.AddSubscriber(ctx, model.Subscriber{RecipientID: "R1", Username: "ana"})
	require.NoError(t, err)
	assert.True(t, added)

	added, err = e.AddSubscriber(ctx, model.Subscriber{RecipientID: "R1", Username: "other"})
	require.NoError(t, err)
	assert.False(t, added)

	subs, err := e.Subscribers(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "ana", subs[0].Username)
	assert.False(t, subs[0].RegisteredAt.IsZero())

	removed, err := e.RemoveSubscriber(ctx, "R2")
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = e.RemoveSubscriber(ctx, "R1")
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = e.AddSubscriber(ctx, model.Subscriber{RecipientID: "  "})
	assert.ErrorIs(t, err, ErrInvalidRecipient)
}

func TestNewRejectsInvalidConfiguration(t *testing.T) {
	fs := newFileStore(t)
	d := &recordingDispatcher{}
	a := Instrument{Name: "A", Feed: feed("A", price("1"))}

	_, err := New(Deps{Instruments: []Instrument{a}, Storage: fs, Dispatcher: d}, Options{}, zerolog.Nop())
	assert.ErrorIs(t, err, scheduler.ErrInvalidInterval)

	_, err = New(Deps{Instruments: []Instrument{a}, Storage: fs, Dispatcher: d},
		Options{Interval: time.Second, Threshold: decimal.NewFromInt(-1)}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidThreshold)

	_, err = New(Deps{Storage: fs, Dispatcher: d}, Options{Interval: time.Second}, zerolog.Nop())
	assert.Error(t, err)

	_, err = New(Deps{Instruments: []Instrument{a, a}, Storage: fs, Dispatcher: d}, Options{Interval: time.Second}, zerolog.Nop())
	assert.Error(t, err)
}

func TestRuntimeSettings(t *testing.T) {
	e, _ := newEngine(t, newFileStore(t), "2", Instrument{Name: "A", Feed: feed("A", price("1"))})

	assert.ErrorIs(t, e.SetInterval(0), scheduler.ErrInvalidInterval)
	assert.ErrorIs(t, e.SetThreshold(decimal.NewFromInt(-3)), ErrInvalidThreshold)

	require.NoError(t, e.SetInterval(time.Hour))
	require.NoError(t, e.SetThreshold(decimal.NewFromInt(5)))
	st := e.Status()
	assert.Equal(t, time.Hour, st.Interval)
	assert.True(t, st.Threshold.Equal(decimal.NewFromInt(5)))
	assert.False(t, st.Running)
	assert.Equal(t, []string{"A"}, st.Instruments)
}

func TestThresholdChangeAppliesNextCycle(t *testing.T) {
	e, d := newEngine(t, newFileStore(t), "10",
		Instrument{Name: "A", Feed: feed("A", price("100"), price("105"), price("110.25"))})
	ctx := context.Background()

	_, err := e.RunCycle(ctx)
	require.NoError(t, err)
	_, err = e.RunCycle(ctx)
	require.NoError(t, err)
	assert.Empty(t, d.events)

	require.NoError(t, e.SetThreshold(decimal.NewFromInt(5)))
	_, err = e.RunCycle(ctx)
	require.NoError(t, err)
	assert.Len(t, d.events, 1)
}

func TestCurrentPricesReadHistoryOnly(t *testing.T) {
	btc := feed("BTC/USD", price("100"), price("95"))
	e, _ := newEngine(t, newFileStore(t), "50",
		Instrument{Name: "BTC/USD", Feed: btc, CurrencySymbol: "$"},
		Instrument{Name: "USD/BRL", Feed: feed("USD/BRL", failing("down")), CurrencySymbol: "R$"},
	)

	lines := e.CurrentPrices()
	require.Len(t, lines, 2)
	assert.False(t, lines[0].HasPrice)
	assert.Zero(t, btc.calls.Load())

	_, _ = e.RunCycle(context.Background())
	_, _ = e.RunCycle(context.Background())

	lines = e.CurrentPrices()
	assert.True(t, lines[0].HasPrice)
	assert.True(t, lines[0].Price.Equal(decimal.NewFromInt(95)))
	assert.True(t, lines[0].Variation.Pct.Equal(decimal.NewFromInt(-5)))
	assert.False(t, lines[1].HasPrice)
	assert.Equal(t, int32(2), btc.calls.Load())
}

func TestLoopSurvivesFailingCycles(t *testing.T) {
	a := feed("A", failing("boom"))
	e, _ := newEngine(t, newFileStore(t), "2", Instrument{Name: "A", Feed: a})

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return a.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	st := e.Status()
	assert.True(t, st.Running)
	require.NotNil(t, st.LastCheck)

	assert.ErrorIs(t, e.Start(context.Background()), scheduler.ErrAlreadyRunning)

	done := e.Done()
	require.True(t, e.Stop())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.False(t, e.Status().Running)
}

func TestStartThenImmediateStop(t *testing.T) {
	a := feed("A", price("100"))
	e, _ := newEngine(t, newFileStore(t), "2", Instrument{Name: "A", Feed: a})

	require.NoError(t, e.Start(context.Background()))
	assert.True(t, e.Status().Running)
	assert.ErrorIs(t, e.Start(context.Background()), scheduler.ErrAlreadyRunning)

	done := e.Done()
	require.True(t, e.Stop(), "stop right after start must reach the loop")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.False(t, e.Status().Running)
}

func TestBroadcastReachesSubscribers(t *testing.T) {
	ctx := context.Background()
	e, d := newEngine(t, newFileStore(t), "2", Instrument{Name: "A", Feed: feed("A", price("1"))})
	for _, id := range []string{"R1", "R2"} {
		_, err := e.AddSubscriber(ctx, model.Subscriber{RecipientID: id})
		require.NoError(t, err)
	}

	report, err := e.Broadcast(ctx, "hello")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"R1", "R2"}, report.Succeeded)
	assert.Equal(t, []string{"hello"}, d.broadcasts)
}
