package alerting

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"variation-radar/internal/model"
	"variation-radar/internal/variation"
)

type recordingLog struct {
	records []model.AlertRecord
	limits  []int
	err     error
}

func (l *recordingLog) AppendAlert(_ context.Context, rec model.AlertRecord, limit int) error {
	if l.err != nil {
		return l.err
	}
	l.records = append(l.records, rec)
	l.limits = append(l.limits, limit)
	return nil
}

func pct(s string) variation.Result {
	return variation.Result{Kind: variation.Value, Pct: decimal.RequireFromString(s)}
}

func TestDecide(t *testing.T) {
	threshold := decimal.RequireFromString("2.0")
	testCases := []struct {
		name string
		res  variation.Result
		want State
	}{
		{name: "exactly threshold", res: pct("2.0"), want: StateAlerting},
		{name: "negative exactly threshold", res: pct("-2.0"), want: StateAlerting},
		{name: "just below", res: pct("1.99"), want: StateNoAlert},
		{name: "large drop", res: pct("-9.09"), want: StateAlerting},
		{name: "zero", res: pct("0"), want: StateNoAlert},
		{name: "no signal", res: variation.Result{Kind: variation.NoSignal}, want: StateNoAlert},
		{name: "undefined", res: variation.Result{Kind: variation.Undefined}, want: StateNoAlert},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Decide(tc.res, threshold))
		})
	}
}

func TestDecideZeroThresholdAlertsOnFlat(t *testing.T) {
	assert.Equal(t, StateAlerting, Decide(pct("0"), decimal.Zero))
}

func newTestEngine(log AlertLog) *Engine {
	e := NewEngine(log, 3, map[string]string{"BTC/USD": "$"}, zerolog.Nop())
	e.newID = func() string { return "alert-1" }
	return e
}

func TestEvaluateLogsAndEmits(t *testing.T) {
	log := &recordingLog{}
	e := newTestEngine(log)
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	latest := model.Sample{Timestamp: ts, Price: decimal.NewFromInt(103500)}

	ev, err := e.Evaluate(context.Background(), "BTC/USD", latest, pct("3.5"), decimal.NewFromInt(2))
	require.NoError(t, err)
	require.NotNil(t, ev)

	assert.Equal(t, "alert-1", ev.Record.ID)
	assert.Equal(t, "BTC/USD", ev.Record.Instrument)
	assert.Equal(t, "up", ev.Direction)
	assert.Equal(t, "$", ev.CurrencySymbol)
	assert.True(t, ev.Record.Timestamp.Equal(ts))
	assert.False(t, ev.Record.Enriched())

	require.Len(t, log.records, 1)
	assert.Equal(t, 3, log.limits[0])
}

func TestEvaluateBelowThresholdDoesNothing(t *testing.T) {
	log := &recordingLog{}
	ev, err := newTestEngine(log).Evaluate(context.Background(), "BTC/USD", model.Sample{Price: decimal.NewFromInt(1)}, pct("1.99"), decimal.NewFromInt(2))
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Empty(t, log.records)
}

func TestEvaluateLogFailureStillEmits(t *testing.T) {
	log := &recordingLog{err: errors.New("disk full")}
	ev, err := newTestEngine(log).Evaluate(context.Background(), "USD/BRL", model.Sample{Price: decimal.NewFromInt(5)}, pct("-2.5"), decimal.NewFromInt(2))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrPersistence)
	require.NotNil(t, ev)
	assert.Equal(t, "down", ev.Direction)
	assert.False(t, ev.Record.Timestamp.IsZero())
}

func TestRenderAlert(t *testing.T) {
	ev := Event{
		Record: model.AlertRecord{
			Instrument:   "BTC/USD",
			VariationPct: decimal.RequireFromString("3.456"),
			Price:        decimal.RequireFromString("64250.5"),
			Timestamp:    time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		},
		CurrencySymbol: "$",
	}
	msg := RenderAlert(ev, time.UTC)

	assert.True(t, strings.HasPrefix(msg, "🔺 ALERTA DE VARIAÇÃO 🔺"))
	assert.Contains(t, msg, "Par: BTC/USD")
	assert.Contains(t, msg, "Variação: 3.46%")
	assert.Contains(t, msg, "Preço atual: $64,250.50")
	assert.Contains(t, msg, "Direção: aumento")
	assert.Contains(t, msg, "Horário: 01/05/2024 10:00:00")
	assert.True(t, strings.HasSuffix(msg, "Buscando notícias relacionadas..."))

	ev.Record.VariationPct = decimal.RequireFromString("-2.1")
	msg = RenderAlert(ev, nil)
	assert.Contains(t, msg, "🔻")
	assert.Contains(t, msg, "Direção: queda")
}

func TestRenderContextCapsItems(t *testing.T) {
	items := make([]model.ContextItem, 0, 7)
	for i := 0; i < 7; i++ {
		items = append(items, model.ContextItem{Kind: model.ContextNews, Language: "en", Title: "headline", Source: "wire", URL: "https://example.com"})
	}
	items[0] = model.ContextItem{Kind: model.ContextPost, Language: "pt", Source: "@analista", Content: "BTC subindo", URL: "https://x.com/1"}

	at := time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)
	msg := RenderContext("BTC/USD", decimal.RequireFromString("3.5"), items, 5, at)

	assert.Contains(t, msg, "📈 NOTÍCIAS RELACIONADAS À ALTA DE BTC/USD (3.50%)")
	assert.Contains(t, msg, "1. 🇧🇷 Post de @analista")
	assert.Contains(t, msg, "5. 🇺🇸 headline")
	assert.NotContains(t, msg, "6. ")
	assert.Contains(t, msg, "Atualizado em: 01/05/2024 10:05:00")

	empty := RenderContext("USD/BRL", decimal.RequireFromString("-2"), nil, 5, at)
	assert.Contains(t, empty, "Não foram encontradas notícias")
}

func TestRenderPrices(t *testing.T) {
	lines := []PriceLine{
		{Instrument: "BTC/USD", CurrencySymbol: "$", Price: decimal.RequireFromString("1234567.891"), HasPrice: true, Variation: pct("1.5")},
		{Instrument: "USD/BRL", CurrencySymbol: "R$", Price: decimal.RequireFromString("5.1"), HasPrice: true, Variation: variation.Result{Kind: variation.NoSignal}},
		{Instrument: "ETH/USD"},
	}
	msg := RenderPrices(lines, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))

	assert.Contains(t, msg, "BTC/USD: $1,234,567.89 🔺 (1.50%)")
	assert.Contains(t, msg, "USD/BRL: R$5.10 ➡️ (N/A)")
	assert.Contains(t, msg, "ETH/USD: sem dados")
}

func TestFormatMoney(t *testing.T) {
	assert.Equal(t, "$0.50", FormatMoney("$", decimal.RequireFromString("0.5")))
	assert.Equal(t, "$999.00", FormatMoney("$", decimal.NewFromInt(999)))
	assert.Equal(t, "$1,000.00", FormatMoney("$", decimal.NewFromInt(1000)))
	assert.Equal(t, "-R$12,345.68", FormatMoney("R$", decimal.RequireFromString("-12345.678")))
}
