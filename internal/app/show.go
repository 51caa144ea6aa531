package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"exploitwatch/internal/incident"
)

// Show prints recent incidents, or recent cycles when opts.Cycles is set.
func (a *App) Show(ctx context.Context, w io.Writer, opts ShowOptions) error {
	st, err := a.openPersistentStore(ctx, "show incidents")
	if err != nil {
		return err
	}
	defer st.close()

	if opts.Cycles {
		return a.showCycles(ctx, w, st, opts.Limit)
	}

	incidents, err := st.incidents.ListRecent(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(incidents) == 0 {
		fmt.Fprintln(w, "no incidents found")
		return nil
	}
	writeIncidentTable(w, incidents)
	return nil
}

func writeIncidentTable(w io.Writer, incidents []incident.Incident) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Occurred (UTC)\tChain\tProtocol\tAmount USD\tCategory\tSources\tHash")
	for _, inc := range incidents {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			inc.OccurredAt.UTC().Format(time.RFC3339),
			inc.Chain,
			sanitizeInline(inc.Protocol),
			formatAmount(inc.AmountUSD),
			inc.Category,
			strings.Join(inc.Sources, ","),
			shortHash(inc.ContentHash),
		)
	}
	writer.Flush()
}

func (a *App) showCycles(ctx context.Context, w io.Writer, st *stores, limit int) error {
	cycles, err := st.cycles.ListRecentCycles(ctx, limit)
	if err != nil {
		return err
	}
	if len(cycles) == 0 {
		fmt.Fprintln(w, "no cycles found")
		return nil
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Started (UTC)\tDuration\tStatus\tAccepted\tID")
	for _, c := range cycles {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%d\t%s\n",
			c.StartedAt.UTC().Format(time.RFC3339),
			c.FinishedAt.Sub(c.StartedAt).Round(time.Millisecond),
			c.Status,
			c.Accepted,
			c.ID,
		)
	}
	writer.Flush()
	return nil
}

func formatAmount(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.StringFixed(0)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
