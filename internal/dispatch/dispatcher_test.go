package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"variation-radar/internal/alerting"
	"variation-radar/internal/model"
)

type fakeNotifier struct {
	mu      sync.Mutex
	fail    map[string]error
	panicOn string
	sent    map[string][]string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{fail: map[string]error{}, sent: map[string][]string{}}
}

func (n *fakeNotifier) Send(_ context.Context, recipientID, text string) error {
	if recipientID == n.panicOn {
		panic("boom")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail[recipientID]; err != nil {
		return err
	}
	n.sent[recipientID] = append(n.sent[recipientID], text)
	return nil
}

func (n *fakeNotifier) messages(recipient string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent[recipient]...)
}

type fakeNews struct {
	items []model.ContextItem
	err   error
	calls int
}

func (f *fakeNews) FindContext(context.Context, string, decimal.Decimal) ([]model.ContextItem, error) {
	f.calls++
	return f.items, f.err
}

type fakeSink struct {
	id    string
	items []model.ContextItem
	err   error
}

func (s *fakeSink) AttachEnrichment(_ context.Context, id string, items []model.ContextItem, _ time.Time) error {
	s.id = id
	s.items = items
	return s.err
}

func testEvent() alerting.Event {
	return alerting.Event{
		Record: model.AlertRecord{
			ID:           "alert-1",
			Instrument:   "BTC/USD",
			VariationPct: decimal.RequireFromString("3.5"),
			Price:        decimal.NewFromInt(64000),
			Timestamp:    time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		},
		Threshold:      decimal.NewFromInt(2),
		Direction:      "up",
		CurrencySymbol: "$",
	}
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	n := newFakeNotifier()
	n.fail["R2"] = errors.New("chat not found")
	d := New(n, nil, nil, Options{MaxParallel: 2}, zerolog.Nop())

	report := d.Broadcast(context.Background(), "hello", []string{"R1", "R2", "R3", "R1"})

	assert.Equal(t, []string{"R1", "R3"}, report.Succeeded)
	require.Contains(t, report.Failed, "R2")
	assert.ErrorIs(t, report.Failed["R2"], model.ErrDelivery)
	assert.Equal(t, 3, report.Attempted())
	assert.Len(t, n.messages("R1"), 1)
}

func TestBroadcastRecoversNotifierPanic(t *testing.T) {
	n := newFakeNotifier()
	n.panicOn = "R1"
	d := New(n, nil, nil, Options{}, zerolog.Nop())

	report := d.Broadcast(context.Background(), "hello", []string{"R1", "R2"})
	assert.Equal(t, []string{"R2"}, report.Succeeded)
	assert.ErrorIs(t, report.Failed["R1"], model.ErrDelivery)
}

func TestBroadcastNoRecipients(t *testing.T) {
	d := New(newFakeNotifier(), nil, nil, Options{}, zerolog.Nop())
	report := d.Broadcast(context.Background(), "hello", nil)
	assert.Zero(t, report.Attempted())
}

func TestDispatchSendsFollowUpWithContext(t *testing.T) {
	n := newFakeNotifier()
	n.fail["R2"] = errors.New("blocked")
	items := []model.ContextItem{{Kind: model.ContextNews, Language: "en", Title: "Bitcoin jumps", Source: "Wire", URL: "https://example.com"}}
	provider := &fakeNews{items: items}
	sink := &fakeSink{}
	d := New(n, provider, sink, Options{Location: time.UTC}, zerolog.Nop())

	report := d.Dispatch(context.Background(), testEvent(), []string{"R1", "R2", "R3"})

	assert.Equal(t, []string{"R1", "R3"}, report.Primary.Succeeded)
	assert.Contains(t, report.Primary.Failed, "R2")
	assert.Equal(t, []string{"R1", "R3"}, report.FollowUp.Succeeded)
	assert.NoError(t, report.EnrichmentErr)
	assert.Equal(t, items, report.Enrichment)

	msgs := n.messages("R1")
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0], "ALERTA DE VARIAÇÃO")
	assert.Contains(t, msgs[1], "Bitcoin jumps")

	assert.Equal(t, "alert-1", sink.id)
	assert.Equal(t, items, sink.items)
	assert.Equal(t, 1, provider.calls)
}

func TestDispatchWithoutContextSendsOnlyPrimary(t *testing.T) {
	n := newFakeNotifier()
	sink := &fakeSink{}
	d := New(n, &fakeNews{}, sink, Options{}, zerolog.Nop())

	report := d.Dispatch(context.Background(), testEvent(), []string{"R1"})

	assert.Equal(t, []string{"R1"}, report.Primary.Succeeded)
	assert.Zero(t, report.FollowUp.Attempted())
	assert.Len(t, n.messages("R1"), 1)
	assert.Empty(t, sink.id)
}

func TestDispatchEnrichmentFailureIsNotFatal(t *testing.T) {
	n := newFakeNotifier()
	d := New(n, &fakeNews{err: errors.New("search down")}, nil, Options{}, zerolog.Nop())

	report := d.Dispatch(context.Background(), testEvent(), []string{"R1"})

	assert.ErrorIs(t, report.EnrichmentErr, model.ErrEnrichment)
	assert.Equal(t, []string{"R1"}, report.Primary.Succeeded)
	assert.Len(t, n.messages("R1"), 1)
}

func TestDispatchFollowUpFailureDoesNotResendPrimary(t *testing.T) {
	n := newFakeNotifier()
	items := []model.ContextItem{{Kind: model.ContextNews, Title: "x"}}
	sink := &fakeSink{err: errors.New("disk full")}
	d := New(n, &fakeNews{items: items}, sink, Options{}, zerolog.Nop())

	report := d.Dispatch(context.Background(), testEvent(), []string{"R1"})

	assert.ErrorIs(t, report.EnrichmentErr, model.ErrPersistence)
	msgs := n.messages("R1")
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0], "ALERTA")
	assert.NotContains(t, msgs[1], "ALERTA")
}
