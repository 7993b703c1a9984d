package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"variation-radar/internal/model"
	"variation-radar/internal/variation"
)

const (
	// DisplayTimeLayout is the dd/mm/yyyy layout used in every message.
	DisplayTimeLayout = "02/01/2006 15:04:05"
	// DefaultContextItems caps the follow-up message.
	DefaultContextItems = 5
)

// RenderAlert formats the primary alert message.
func RenderAlert(ev Event, loc *time.Location) string {
	rec := ev.Record
	arrow := "🔻"
	direction := "queda"
	if rec.VariationPct.Sign() > 0 {
		arrow = "🔺"
		direction = "aumento"
	}

	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("%s ALERTA DE VARIAÇÃO %s\n\n", arrow, arrow))
	builder.WriteString(fmt.Sprintf("Par: %s\n", rec.Instrument))
	builder.WriteString(fmt.Sprintf("Variação: %s%%\n", rec.VariationPct.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Preço atual: %s\n", FormatMoney(ev.CurrencySymbol, rec.Price)))
	builder.WriteString(fmt.Sprintf("Direção: %s\n", direction))
	builder.WriteString(fmt.Sprintf("Horário: %s\n\n", inZone(rec.Timestamp, loc).Format(DisplayTimeLayout)))
	builder.WriteString("Buscando notícias relacionadas...")
	return builder.String()
}

// RenderContext formats the follow-up listing at most maxItems context items.
func RenderContext(instrument string, pct decimal.Decimal, items []model.ContextItem, maxItems int, at time.Time) string {
	if len(items) == 0 {
		return fmt.Sprintf("Não foram encontradas notícias relacionadas à variação de %s%% em %s.", pct.StringFixed(2), instrument)
	}
	if maxItems <= 0 {
		maxItems = DefaultContextItems
	}
	if len(items) > maxItems {
		items = items[:maxItems]
	}

	emoji := "📉"
	direction := "QUEDA"
	if pct.Sign() > 0 {
		emoji = "📈"
		direction = "ALTA"
	}

	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("%s NOTÍCIAS RELACIONADAS À %s DE %s (%s%%) %s\n\n", emoji, direction, instrument, pct.StringFixed(2), emoji))
	for i, item := range items {
		flag := "🇺🇸"
		if item.Language == "pt" {
			flag = "🇧🇷"
		}
		if item.Kind == model.ContextPost {
			builder.WriteString(fmt.Sprintf("%d. %s Post de %s\n", i+1, flag, item.Source))
			builder.WriteString(fmt.Sprintf("   %s\n", item.Content))
			builder.WriteString(fmt.Sprintf("   %s\n\n", item.URL))
			continue
		}
		builder.WriteString(fmt.Sprintf("%d. %s %s\n", i+1, flag, item.Title))
		builder.WriteString(fmt.Sprintf("   %s\n", item.Content))
		builder.WriteString(fmt.Sprintf("   Fonte: %s - %s\n\n", item.Source, item.URL))
	}
	builder.WriteString(fmt.Sprintf("Atualizado em: %s", at.Format(DisplayTimeLayout)))
	return builder.String()
}

// PriceLine is one row of the current prices message.
type PriceLine struct {
	Instrument     string
	CurrencySymbol string
	Price          decimal.Decimal
	HasPrice       bool
	Variation      variation.Result
}

// RenderPrices formats the latest known price of every instrument.
func RenderPrices(lines []PriceLine, at time.Time) string {
	builder := strings.Builder{}
	builder.WriteString("💰 Preços Atuais:\n\n")
	for _, line := range lines {
		if !line.HasPrice {
			builder.WriteString(fmt.Sprintf("%s: sem dados\n", line.Instrument))
			continue
		}
		builder.WriteString(fmt.Sprintf("%s: %s %s (%s)\n",
			line.Instrument,
			FormatMoney(line.CurrencySymbol, line.Price),
			Arrow(line.Variation),
			line.Variation.String(),
		))
	}
	builder.WriteString(fmt.Sprintf("\nÚltima atualização: %s", at.Format(DisplayTimeLayout)))
	return builder.String()
}

// Arrow maps a variation to an up, down or flat marker.
func Arrow(res variation.Result) string {
	if !res.Ok() {
		return "➡️"
	}
	switch res.Pct.Sign() {
	case 1:
		return "🔺"
	case -1:
		return "🔻"
	default:
		return "➡️"
	}
}

// FormatMoney renders a price with two decimals and comma thousands separators.
func FormatMoney(symbol string, price decimal.Decimal) string {
	fixed := price.Abs().StringFixed(2)
	intPart, frac, _ := strings.Cut(fixed, ".")

	var grouped strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			grouped.WriteByte(',')
		}
		grouped.WriteRune(r)
	}

	sign := ""
	if price.Sign() < 0 {
		sign = "-"
	}
	return sign + symbol + grouped.String() + "." + frac
}

func inZone(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		return t
	}
	return t.In(loc)
}
