package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/johnayoung/crypto-barcache/internal/cache"
	"github.com/johnayoung/crypto-barcache/internal/export"
	"github.com/johnayoung/crypto-barcache/internal/gaps"
	"github.com/johnayoung/crypto-barcache/internal/indicators"
	"github.com/johnayoung/crypto-barcache/internal/logger"
	"github.com/johnayoung/crypto-barcache/internal/models"
	"github.com/johnayoung/crypto-barcache/internal/stream"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

// seriesFlags selects one cached (symbol, timeframe) range.
type seriesFlags struct {
	symbol    string
	timeframe string
	start     string
	end       string
}

func (f *seriesFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.symbol, "symbol", "s", "", "symbol, e.g. BTC/USD (required)")
	flags.StringVarP(&f.timeframe, "timeframe", "t", "1d", "timeframe: "+strings.Join(models.SupportedTimeframes(), ", "))
	flags.StringVar(&f.start, "start", "", "range start, YYYY-MM-DD or RFC 3339 (default: first cached bar)")
	flags.StringVar(&f.end, "end", "", "range end, YYYY-MM-DD or RFC 3339 (default: last cached bar)")
}

// request builds a LoadRequest; unset bounds stay zero and default to the
// cached range.
func (f *seriesFlags) request() (cache.LoadRequest, error) {
	if f.symbol == "" {
		return cache.LoadRequest{}, usagef("--symbol is required")
	}
	start, err := parseTime("--start", f.start)
	if err != nil {
		return cache.LoadRequest{}, err
	}
	end, err := parseTime("--end", f.end)
	if err != nil {
		return cache.LoadRequest{}, err
	}
	return cache.LoadRequest{Symbol: f.symbol, Timeframe: f.timeframe, Start: start, End: end}, nil
}

func (f *seriesFlags) context(ctx context.Context, operation string) context.Context {
	ctx = logger.EnsureTraceID(ctx)
	ctx = logger.WithOperation(ctx, operation)
	ctx = logger.WithSymbol(ctx, f.symbol)
	return logger.WithTimeframe(ctx, f.timeframe)
}

func parseTime(flag, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := cache.ParseTimestamp(value)
	if err != nil {
		return time.Time{}, usagef("invalid %s %q, use YYYY-MM-DD or RFC 3339", flag, value)
	}
	return t, nil
}

// downloadRange resolves the download window. --days counts back from --end
// (or now); otherwise --start is required and --end defaults to now.
func downloadRange(startFlag, endFlag string, days int, now time.Time) (time.Time, time.Time, error) {
	if days < 0 {
		return time.Time{}, time.Time{}, usagef("--days must be positive")
	}

	end, err := parseTime("--end", endFlag)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if end.IsZero() {
		end = now.UTC()
	}

	if days > 0 {
		if startFlag != "" {
			return time.Time{}, time.Time{}, usagef("use either --days or --start, not both")
		}
		return end.AddDate(0, 0, -days), end, nil
	}

	start, err := parseTime("--start", startFlag)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if start.IsZero() {
		return time.Time{}, time.Time{}, usagef("specify either --days or --start")
	}
	return start, end, nil
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return usagef("%s takes no arguments, got %q", cmd.CommandPath(), args)
	}
	return nil
}

func newDownloadCmd(app *App) *cobra.Command {
	var f seriesFlags
	var days int

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Fetch bars from Alpaca and replace the cache file",
		Long: "Fetch [start, end] for one symbol and timeframe and write it to the cache,\n" +
			"replacing any previously cached data for the pair.",
		Example: "  barcache download --symbol BTC/USD --timeframe 1d --start 2024-01-01 --end 2024-06-30\n" +
			"  barcache download -s ETH/USD -t 1h --days 7",
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.symbol == "" {
				return usagef("--symbol is required")
			}
			start, end, err := downloadRange(f.start, f.end, days, time.Now())
			if err != nil {
				return err
			}

			ctx := f.context(cmd.Context(), "download")
			bc, err := app.barCache(ctx)
			if err != nil {
				return err
			}

			err = logger.TimedOperationWithContext(ctx, app.logger, "download", func(ctx context.Context) error {
				return bc.Download(ctx, f.symbol, f.timeframe, start, end)
			})
			if err != nil {
				return err
			}

			first, last, count, err := bc.Bounds(ctx, f.symbol, f.timeframe)
			if errors.Is(err, cache.ErrEmptyCache) {
				fmt.Fprintf(app.stdout, "No %s %s bars returned between %s and %s\n",
					f.symbol, f.timeframe, formatTime(start), formatTime(end))
				return nil
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(app.stdout, "Cached %d %s %s bars from %s to %s in %s\n",
				count, f.symbol, f.timeframe, formatTime(first), formatTime(last),
				bc.Path(f.symbol, f.timeframe))
			return nil
		},
	}

	f.register(cmd)
	cmd.Flags().IntVar(&days, "days", 0, "download the last N days instead of --start")
	return cmd
}

func newLoadCmd(app *App) *cobra.Command {
	var f seriesFlags
	var format string
	var limit int
	var info bool

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Print cached bars for a date range",
		Long: "Read bars from the cache without contacting Alpaca. The range must lie\n" +
			"within the cached data; it is never clamped.",
		Example: "  barcache load --symbol BTC/USD --timeframe 1d --start 2024-02-01 --end 2024-02-29\n" +
			"  barcache load -s BTC/USD --info",
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request()
			if err != nil {
				return err
			}
			ctx := f.context(cmd.Context(), "load")

			bc, err := app.barCache(ctx)
			if err != nil {
				return err
			}

			if info {
				first, last, count, err := bc.Bounds(ctx, req.Symbol, req.Timeframe)
				if err != nil {
					return err
				}
				fmt.Fprintf(app.stdout, "%s %s: %d bars from %s to %s\n%s\n",
					req.Symbol, req.Timeframe, count, formatTime(first), formatTime(last),
					bc.Path(req.Symbol, req.Timeframe))
				return nil
			}

			bars, err := bc.Load(ctx, req)
			if err != nil {
				return err
			}
			return writeBars(app.stdout, format, bars, limit)
		},
	}

	f.register(cmd)
	cmd.Flags().StringVarP(&format, "format", "f", "table", "output format: table, csv, json")
	cmd.Flags().IntVar(&limit, "limit", 0, "show at most N bars in table output (0 for all)")
	cmd.Flags().BoolVar(&info, "info", false, "print the cached range instead of bars")
	return cmd
}

func newAssetCmd(app *App) *cobra.Command {
	var symbol string
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "asset",
		Short:   "Show trading metadata for a symbol",
		Example: "  barcache asset --symbol BTC/USD",
		Args:    noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if symbol == "" {
				return usagef("--symbol is required")
			}
			ctx := logger.WithSymbol(cmd.Context(), symbol)

			bc, err := app.barCache(ctx)
			if err != nil {
				return err
			}
			asset, err := bc.FetchSymbolAssetInfo(symbol)
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(app.stdout, asset)
			}
			return writeAsset(app.stdout, asset)
		},
	}

	cmd.Flags().StringVarP(&symbol, "symbol", "s", "", "symbol, e.g. BTC/USD (required)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newSymbolsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "symbols",
		Short: "List tradable crypto symbols",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.assetCatalog(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range c.Symbols() {
				fmt.Fprintln(app.stdout, s)
			}
			return nil
		},
	}
}

func newGapsCmd(app *App) *cobra.Command {
	var f seriesFlags

	cmd := &cobra.Command{
		Use:     "gaps",
		Short:   "Report missing buckets in cached data",
		Example: "  barcache gaps --symbol BTC/USD --timeframe 1h",
		Args:    noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request()
			if err != nil {
				return err
			}
			ctx := f.context(cmd.Context(), "gaps")

			bc, err := app.barCache(ctx)
			if err != nil {
				return err
			}
			bars, err := bc.Load(ctx, req)
			if err != nil {
				return err
			}
			tf, err := models.ParseTimeframe(req.Timeframe)
			if err != nil {
				return err
			}

			report := gaps.Analyze(bars, tf)
			report.Symbol = req.Symbol
			writeGapReport(app.stdout, report)

			if len(report.Gaps) > 0 {
				fmt.Fprintf(app.stdout, "\nTo refill, run: %s download --symbol %s --timeframe %s --start %s --end %s\n",
					AppName, req.Symbol, req.Timeframe, formatTime(report.First), formatTime(report.Last))
			}
			return nil
		},
	}

	f.register(cmd)
	return cmd
}

func newMACmd(app *App) *cobra.Command {
	var f seriesFlags
	var windows []int
	var kind string
	var format string
	var limit int

	cmd := &cobra.Command{
		Use:   "ma",
		Short: "Print closes with simple or exponential moving averages",
		Long: "Compute simple or exponential moving averages of the close over cached\n" +
			"bars. With two windows a signal column marks where the first crosses the\n" +
			"second.",
		Example: "  barcache ma --symbol BTC/USD --timeframe 1d --windows 50,200 --limit 30\n" +
			"  barcache ma -s ETH/USD -t 1h --kind ema --windows 12,26",
		Args:    noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request()
			if err != nil {
				return err
			}
			if len(windows) == 0 {
				return usagef("--windows needs at least one window")
			}
			for _, w := range windows {
				if w <= 0 {
					return usagef("--windows must be positive, got %d", w)
				}
			}
			average, err := movingAverage(kind)
			if err != nil {
				return err
			}
			ctx := f.context(cmd.Context(), "ma")

			bc, err := app.barCache(ctx)
			if err != nil {
				return err
			}
			bars, err := bc.Load(ctx, req)
			if err != nil {
				return err
			}

			closes := indicators.Closes(bars)
			series := make([][]decimal.NullDecimal, len(windows))
			for i, w := range windows {
				series[i] = average(closes, w)
			}

			table := maTable{kind: strings.ToLower(kind), windows: windows, bars: bars, series: series}
			if len(windows) == 2 {
				table.signals = indicators.Cross(series[0], series[1])
			}
			return table.write(app.stdout, format, limit)
		},
	}

	f.register(cmd)
	cmd.Flags().IntSliceVar(&windows, "windows", []int{50, 200}, "moving average windows in bars")
	cmd.Flags().StringVar(&kind, "kind", "sma", "moving average kind: sma, ema")
	cmd.Flags().StringVarP(&format, "format", "f", "table", "output format: table, csv")
	cmd.Flags().IntVar(&limit, "limit", 0, "show only the last N rows (0 for all)")
	return cmd
}

func newExportCmd(app *App) *cobra.Command {
	var f seriesFlags
	var format string
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a cached range to csv, json, parquet or duckdb",
		Example: "  barcache export --symbol BTC/USD --timeframe 1d --format parquet\n" +
			"  barcache export -s ETH/USD -t 1h --format duckdb --output ./exports/bars.duckdb",
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request()
			if err != nil {
				return err
			}
			if format == "" {
				format = app.config.Export.Format
			}
			exp, err := export.New(format, app.logs.GetComponentLogger("export"))
			if err != nil {
				return err
			}
			ctx := f.context(cmd.Context(), "export")

			bc, err := app.barCache(ctx)
			if err != nil {
				return err
			}
			bars, err := bc.Load(ctx, req)
			if err != nil {
				return err
			}

			ds := export.Dataset{Symbol: req.Symbol, Timeframe: req.Timeframe, Bars: bars}
			path := output
			if path == "" {
				path = export.DefaultPath(app.config.Export.OutputDir, ds, exp)
			}

			err = logger.TimedOperationWithContext(ctx, app.logger, "export", func(ctx context.Context) error {
				return exp.Export(ctx, ds, path)
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(app.stdout, "Exported %d %s %s bars to %s\n", len(bars), req.Symbol, req.Timeframe, path)
			return nil
		},
	}

	f.register(cmd)
	cmd.Flags().StringVarP(&format, "format", "f", "", "export format: "+strings.Join(export.Formats, ", ")+" (default from config)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default under the configured export directory)")
	return cmd
}

func newWatchCmd(app *App) *cobra.Command {
	var symbols []string
	var logPath string
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Append the latest bars to a flat CSV log until interrupted",
		Long: "Poll the latest bar of each symbol and append new bars to a single CSV\n" +
			"log. The log is separate from the cache and is not partitioned by timeframe.",
		Example: "  barcache watch --symbols BTC/USD,ETH/USD --interval 30s",
		Args:    noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(symbols) == 0 {
				return usagef("--symbols needs at least one symbol")
			}
			if logPath == "" {
				logPath = app.config.Stream.LogPath
			}
			if interval == 0 {
				d, err := time.ParseDuration(app.config.Stream.PollInterval)
				if err != nil {
					return fmt.Errorf("%w: invalid stream.poll_interval: %w", errConfig, err)
				}
				interval = d
			}
			if interval < 0 {
				return usagef("--interval must be positive")
			}
			ctx := cmd.Context()

			bc, err := app.barCache(ctx)
			if err != nil {
				return err
			}
			for _, s := range symbols {
				if _, err := bc.FetchSymbolAssetInfo(s); err != nil {
					return err
				}
			}

			seen, err := stream.LastTimestamps(logPath)
			if err != nil {
				return err
			}
			barLog, err := stream.OpenBarLog(logPath)
			if err != nil {
				return err
			}
			defer barLog.Close()

			w := stream.NewWatcher(app.alpaca(), barLog, interval, seen, app.logs.GetComponentLogger("stream"))
			err = w.Run(ctx, symbols...)
			fmt.Fprintf(app.stdout, "Appended %d bars to %s\n", w.Appended(), barLog.Path())
			return err
		},
	}

	cmd.Flags().StringSliceVar(&symbols, "symbols", []string{"BTC/USD"}, "symbols to watch")
	cmd.Flags().StringVar(&logPath, "log", "", "bar log path (default from config)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval (default from config)")
	return cmd
}

func formatTime(t time.Time) string {
	t = t.UTC()
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format("2006-01-02")
	}
	return t.Format(time.RFC3339)
}

// movingAverage maps a --kind value to its indicator.
func movingAverage(kind string) (func([]decimal.Decimal, int) []decimal.NullDecimal, error) {
	switch strings.ToLower(kind) {
	case "sma":
		return indicators.SMA, nil
	case "ema":
		return indicators.EMA, nil
	default:
		return nil, usagef("unsupported moving average kind %q (use sma or ema)", kind)
	}
}

func formatWindow(kind string, w int) string {
	return kind + "_" + strconv.Itoa(w)
}
