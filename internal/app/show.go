package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"variation-radar/internal/alerting"
	"variation-radar/internal/model"
	"variation-radar/internal/storage"
	"variation-radar/internal/variation"
)

// Show prints the latest stored prices and the most recent alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	return a.show(ctx, os.Stdout, backend, opts)
}

func (a *App) show(ctx context.Context, out io.Writer, backend storage.Backend, opts ShowOptions) error {
	lines := make([]alerting.PriceLine, 0, len(a.Config.Instruments))
	for _, inst := range a.Config.Instruments {
		samples, err := backend.LoadHistory(ctx, inst.Name, 2)
		if err != nil {
			return err
		}
		line := alerting.PriceLine{
			Instrument:     inst.Name,
			CurrencySymbol: inst.CurrencySymbol,
			Variation:      variation.Compute(model.History(samples)),
		}
		if latest, ok := model.History(samples).Latest(); ok {
			line.Price = latest.Price
			line.HasPrice = true
		}
		lines = append(lines, line)
	}
	fmt.Fprintln(out, alerting.RenderPrices(lines, time.Now().In(a.location())))
	fmt.Fprintln(out)

	alerts, err := backend.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tPair\tVariation%\tPrice\tContext\tID")
	for _, rec := range alerts {
		enriched := "-"
		if rec.Enriched() {
			enriched = fmt.Sprintf("%d items", len(rec.Enrichment))
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Timestamp.UTC().Format(time.RFC3339),
			sanitizeInline(rec.Instrument),
			rec.VariationPct.StringFixed(2),
			rec.Price.StringFixed(2),
			enriched,
			rec.ID,
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
