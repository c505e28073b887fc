package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"swainos-analytics/internal/rollup"
)

// Export renders a rollup metric series as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Metric == "" {
		opts.Metric = rollup.MetricNetCash
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	window, err := resolveWindow(opts.Window, "6m")
	if err != nil {
		return err
	}

	var key *rollup.DimensionKey
	if opts.Agency != "" || opts.Currency != "" {
		key = &rollup.DimensionKey{Agency: opts.Agency, Currency: opts.Currency}
	}

	buckets, err := store.ListBuckets(ctx, window, key)
	if err != nil {
		return err
	}
	if len(buckets) == 0 {
		a.Logger.Info().Msg("no buckets found for export window")
		return nil
	}

	series := collapseSeries(buckets, opts.Metric)
	downsampled := downsampleSeries(series, opts.MaxPoints)
	a.Logger.Info().
		Int("total", len(series)).
		Int("exported", len(downsampled)).
		Str("metric", opts.Metric).
		Msg("exporting rollup series")

	if opts.CSVPath != "" {
		if err := writeSeriesCSV(opts.CSVPath, opts.Metric, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSeriesPNG(opts.PNGPath, opts.Metric, downsampled); err != nil {
			return err
		}
	}

	return nil
}

type seriesPoint struct {
	Period time.Time
	Value  decimal.Decimal
}

// collapseSeries sums the metric across dimension keys per period so the
// export is one value per period regardless of filtering.
func collapseSeries(buckets []rollup.Bucket, metric string) []seriesPoint {
	byPeriod := make(map[time.Time]decimal.Decimal)
	order := make([]time.Time, 0)
	for _, bucket := range buckets {
		start := bucket.Period.Start
		if _, seen := byPeriod[start]; !seen {
			order = append(order, start)
		}
		byPeriod[start] = byPeriod[start].Add(bucket.Metric(metric))
	}

	points := make([]seriesPoint, 0, len(order))
	for _, start := range order {
		points = append(points, seriesPoint{Period: start, Value: byPeriod[start]})
	}
	return points
}

func downsampleSeries(points []seriesPoint, max int) []seriesPoint {
	if max <= 0 || len(points) <= max {
		return points
	}

	result := make([]seriesPoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeSeriesCSV(path, metric string, points []seriesPoint) error {
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

	if err := writer.Write([]string{"period_start", metric}); err != nil {
		return err
	}

	for _, point := range points {
		record := []string{
			point.Period.Format(time.RFC3339),
			point.Value.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeSeriesPNG(path, metric string, points []seriesPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	y := make([]float64, len(points))
	for i, point := range points {
		x[i] = point.Period
		y[i] = point.Value.InexactFloat64()
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           metric,
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    metric,
				XValues: x,
				YValues: y,
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
