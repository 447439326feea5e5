package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/johnayoung/crypto-barcache/internal/cache"
	"github.com/johnayoung/crypto-barcache/internal/gaps"
	"github.com/johnayoung/crypto-barcache/internal/models"
	"github.com/shopspring/decimal"
)

// writeBars prints bars as a table, CSV (cache layout) or JSON.
func writeBars(w io.Writer, format string, bars []models.Bar, limit int) error {
	switch strings.ToLower(format) {
	case "table", "":
		return writeTable(w, bars, limit)
	case "csv":
		return cache.WriteBars(w, bars)
	case "json":
		return writeJSON(w, bars)
	default:
		return usagef("unsupported output format %q (use table, csv or json)", format)
	}
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// writeTable formats bars as a fixed-width table
func writeTable(w io.Writer, bars []models.Bar, limit int) error {
	total := len(bars)
	if limit > 0 && total > limit {
		bars = bars[:limit]
	}

	fmt.Fprintf(w, "%-20s %-10s %-14s %-14s %-14s %-14s %-16s %-8s\n",
		"Timestamp", "Symbol", "Open", "High", "Low", "Close", "Volume", "Trades")
	fmt.Fprintln(w, strings.Repeat("-", 118))

	for _, b := range bars {
		fmt.Fprintf(w, "%-20s %-10s %-14s %-14s %-14s %-14s %-16s %-8d\n",
			b.Timestamp.Format("2006-01-02 15:04"),
			b.Symbol,
			truncateDecimal(b.Open.String(), 14),
			truncateDecimal(b.High.String(), 14),
			truncateDecimal(b.Low.String(), 14),
			truncateDecimal(b.Close.String(), 14),
			truncateDecimal(b.Volume.String(), 16),
			b.TradeCount)
	}

	if len(bars) < total {
		fmt.Fprintf(w, "\n... showing first %d of %d bars (use --limit to see more)\n", len(bars), total)
	}
	return nil
}

// truncateDecimal truncates decimal string to specified length
func truncateDecimal(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

func writeAsset(w io.Writer, a models.AssetInfo) error {
	rows := [][2]string{
		{"Symbol", a.Symbol},
		{"Name", a.Name},
		{"ID", a.ID},
		{"Class", a.Class},
		{"Exchange", a.Exchange},
		{"Status", a.Status},
		{"Tradable", fmt.Sprint(a.Tradable)},
		{"Marginable", fmt.Sprint(a.Marginable)},
		{"Shortable", fmt.Sprint(a.Shortable)},
		{"Fractionable", fmt.Sprint(a.Fractionable)},
		{"Min order size", a.MinOrderSize.String()},
		{"Min trade increment", a.MinTradeIncrement.String()},
		{"Price increment", a.PriceIncrement.String()},
	}
	for _, r := range rows {
		if _, err := fmt.Fprintf(w, "%-20s %s\n", r[0]+":", r[1]); err != nil {
			return err
		}
	}
	return nil
}

func writeGapReport(w io.Writer, r gaps.Report) {
	fmt.Fprintf(w, "%s %s: %d of %d expected bars from %s to %s (%.2f%% coverage)\n",
		r.Symbol, r.Timeframe, r.Bars, r.Expected, formatTime(r.First), formatTime(r.Last), r.Coverage()*100)

	if len(r.Gaps) == 0 {
		fmt.Fprintln(w, "No gaps found")
		return
	}

	fmt.Fprintf(w, "Found %d gaps, %d missing bars:\n", len(r.Gaps), r.Missing())
	for i, g := range r.Gaps {
		fmt.Fprintf(w, "%d. %s to %s (%d missing)\n", i+1, formatTime(g.Start), formatTime(g.End), g.Missing)
	}
}

// maTable holds closes with one moving average series per window.
type maTable struct {
	kind    string
	windows []int
	bars    []models.Bar
	series  [][]decimal.NullDecimal
	signals []int
}

func (t maTable) header() []string {
	header := []string{"timestamp", "close"}
	for _, w := range t.windows {
		header = append(header, formatWindow(t.kind, w))
	}
	if t.signals != nil {
		header = append(header, "signal")
	}
	return header
}

func (t maTable) row(i int) []string {
	row := []string{t.bars[i].Timestamp.UTC().Format(time.RFC3339), t.bars[i].Close.String()}
	for _, s := range t.series {
		if s[i].Valid {
			row = append(row, s[i].Decimal.Round(8).String())
		} else {
			row = append(row, "")
		}
	}
	if t.signals != nil {
		switch t.signals[i] {
		case 1:
			row = append(row, "cross_up")
		case -1:
			row = append(row, "cross_down")
		default:
			row = append(row, "")
		}
	}
	return row
}

// write prints the last limit rows (all when limit is 0).
func (t maTable) write(w io.Writer, format string, limit int) error {
	from := 0
	if limit > 0 && len(t.bars) > limit {
		from = len(t.bars) - limit
	}

	switch strings.ToLower(format) {
	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write(t.header()); err != nil {
			return err
		}
		for i := from; i < len(t.bars); i++ {
			if err := cw.Write(t.row(i)); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	case "table", "":
		header := t.header()
		line := strings.Repeat("%-22s ", len(header))
		line = strings.TrimSuffix(line, " ") + "\n"

		fmt.Fprintf(w, line, toAny(header)...)
		fmt.Fprintln(w, strings.Repeat("-", 23*len(header)))
		for i := from; i < len(t.bars); i++ {
			fmt.Fprintf(w, line, toAny(t.row(i))...)
		}
		return nil
	default:
		return usagef("unsupported output format %q (use table or csv)", format)
	}
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
