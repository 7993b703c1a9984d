package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"variation-radar/internal/model"
	"variation-radar/internal/storage"
	"variation-radar/internal/variation"
)

// exportRow is one history sample with its variation from the previous sample.
type exportRow struct {
	Sample    model.Sample
	Variation variation.Result
}

// Export renders the stored history of one instrument as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	inst, err := a.instrumentConfig(opts.Instrument)
	if err != nil {
		return err
	}
	opts.Instrument = inst.Name
	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	return a.export(ctx, backend, opts)
}

func (a *App) export(ctx context.Context, backend storage.HistoryStore, opts ExportOptions) error {
	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	samples, err := backend.LoadHistory(ctx, opts.Instrument, a.Config.Storage.HistoryLimit)
	if err != nil {
		return err
	}
	rows := buildRows(samples, from, to)
	if len(rows) == 0 {
		a.Logger.Info().Str("instrument", opts.Instrument).Msg("no samples found for export window")
		return nil
	}

	downsampled := downsampleRows(rows, opts.MaxPoints)
	a.Logger.Info().
		Str("instrument", opts.Instrument).
		Int("total", len(rows)).
		Int("exported", len(downsampled)).
		Msg("exporting samples")

	if opts.CSVPath != "" {
		if err := writeRowsCSV(opts.CSVPath, opts.Instrument, downsampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeRowsPNG(opts.PNGPath, opts.Instrument, downsampled); err != nil {
			return err
		}
	}
	return nil
}

// buildRows keeps samples inside [from, to]. Variation is computed against the previous stored
// sample, including one just before the window.
func buildRows(samples []model.Sample, from, to time.Time) []exportRow {
	rows := make([]exportRow, 0, len(samples))
	for i, s := range samples {
		if s.Timestamp.Before(from) || s.Timestamp.After(to) {
			continue
		}
		row := exportRow{Sample: s, Variation: variation.Result{Kind: variation.NoSignal}}
		if i > 0 {
			row.Variation = variation.Between(samples[i-1], s)
		}
		rows = append(rows, row)
	}
	return rows
}

func downsampleRows(rows []exportRow, max int) []exportRow {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	if max == 1 {
		return rows[len(rows)-1:]
	}

	result := make([]exportRow, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeRowsCSV(path, instrument string, rows []exportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"timestamp", "pair", "price", "variation_pct", "variation_kind"}
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		pct := ""
		if row.Variation.Ok() {
			pct = row.Variation.Pct.StringFixed(4)
		}
		record := []string{
			row.Sample.Timestamp.UTC().Format(time.RFC3339),
			instrument,
			row.Sample.Price.String(),
			pct,
			row.Variation.Kind.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeRowsPNG(path, instrument string, rows []exportRow) error {
	if len(rows) < 2 {
		return errors.New("at least two samples are needed to draw a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(rows))
	prices := make([]float64, len(rows))
	variations := make([]float64, len(rows))
	for i, row := range rows {
		x[i] = row.Sample.Timestamp
		prices[i] = row.Sample.Price.InexactFloat64()
		if row.Variation.Ok() {
			variations[i] = row.Variation.Pct.InexactFloat64()
		}
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (" + instrument + ")",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Variation (%)",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    instrument,
				XValues: x,
				YValues: prices,
			},
			chart.TimeSeries{
				Name:    "Variation %",
				XValues: x,
				YValues: variations,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
