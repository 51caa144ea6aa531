package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"exploitwatch/internal/canon"
	"exploitwatch/internal/incident"
)

const defaultExportWindow = 365 * 24 * time.Hour

// Export renders stored incidents as CSV and/or a PNG of daily reported losses.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	st, err := a.openPersistentStore(ctx, "export")
	if err != nil {
		return err
	}
	defer st.close()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	incidents, err := st.incidents.ListBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if opts.Chain != "" {
		incidents = filterChain(incidents, opts.Chain)
	}
	if len(incidents) == 0 {
		a.Logger.Info().Msg("no incidents found for export window")
		return nil
	}

	sampled := downsample(incidents, opts.MaxPoints)
	a.Logger.Info().Int("total", len(incidents)).Int("exported", len(sampled)).Msg("exporting incidents")

	if opts.CSVPath != "" {
		if err := writeIncidentsCSV(opts.CSVPath, sampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeLossesPNG(opts.PNGPath, incidents); err != nil {
			return err
		}
	}
	return nil
}

// filterChain keeps incidents on chain, matched through the chain vocabulary.
func filterChain(incidents []incident.Incident, chain string) []incident.Incident {
	want, _ := canon.NormalizeChain(chain)
	out := incidents[:0:0]
	for _, inc := range incidents {
		if strings.EqualFold(inc.Chain, want) {
			out = append(out, inc)
		}
	}
	return out
}

func downsample(incidents []incident.Incident, max int) []incident.Incident {
	if max <= 0 || len(incidents) <= max {
		return incidents
	}
	if max == 1 {
		return incidents[:1]
	}

	result := make([]incident.Incident, 0, max)
	step := float64(len(incidents)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(incidents) {
			idx = len(incidents) - 1
		}
		result = append(result, incidents[idx])
	}
	return result
}

func writeIncidentsCSV(path string, incidents []incident.Incident) error {
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

	header := []string{"occurred_at", "chain", "protocol", "tx_hash", "amount_usd", "category", "source", "source_ref", "sources", "content_hash"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, inc := range incidents {
		amount := ""
		if inc.AmountUSD.Valid {
			amount = inc.AmountUSD.Decimal.String()
		}
		record := []string{
			inc.OccurredAt.UTC().Format(time.RFC3339),
			inc.Chain,
			inc.Protocol,
			inc.TxHash,
			amount,
			inc.Category,
			inc.SourceName,
			inc.SourceRef,
			strings.Join(inc.Sources, ";"),
			inc.ContentHash,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

type dailyLoss struct {
	day   time.Time
	total decimal.Decimal
}

// dailyLosses sums known amounts per UTC day. Incidents without an amount
// do not contribute.
func dailyLosses(incidents []incident.Incident) []dailyLoss {
	byDay := make(map[time.Time]decimal.Decimal)
	for _, inc := range incidents {
		if !inc.AmountUSD.Valid {
			continue
		}
		day := inc.OccurredAt.UTC().Truncate(24 * time.Hour)
		byDay[day] = byDay[day].Add(inc.AmountUSD.Decimal)
	}
	out := make([]dailyLoss, 0, len(byDay))
	for day, total := range byDay {
		out = append(out, dailyLoss{day: day, total: total})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].day.Before(out[j].day) })
	return out
}

func writeLossesPNG(path string, incidents []incident.Incident) error {
	days := dailyLosses(incidents)
	if len(days) < 2 {
		return errors.New("at least two days with reported losses are needed to draw a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	million := decimal.NewFromInt(1_000_000)
	x := make([]time.Time, len(days))
	daily := make([]float64, len(days))
	cumulative := make([]float64, len(days))
	running := decimal.Zero
	for i, d := range days {
		running = running.Add(d.total)
		x[i] = d.day
		daily[i] = d.total.Div(million).InexactFloat64()
		cumulative[i] = running.Div(million).InexactFloat64()
	}

	millions := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.1fM")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Daily loss (USD)",
			ValueFormatter: millions,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Cumulative loss (USD)",
			ValueFormatter: millions,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Daily",
				XValues: x,
				YValues: daily,
			},
			chart.TimeSeries{
				Name:    "Cumulative",
				XValues: x,
				YValues: cumulative,
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
