// Package cache implements BarCache, a local CSV-backed store of OHLCV bars
// keyed by (symbol, timeframe).
//
// Download fetches a range from a provider and replaces the cache file for
// the pair; Load reads it back and returns an inclusive sub-range, failing
// rather than clamping when the request is not covered. A BarCache performs
// no I/O at construction and holds no mutable state, so a single process is
// expected to own a base directory.
package cache

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/johnayoung/crypto-barcache/internal/models"
	"github.com/johnayoung/crypto-barcache/internal/provider"
)

const fileExtension = ".csv"

// SymbolCatalog resolves tradable symbols to asset metadata.
type SymbolCatalog interface {
	Lookup(symbol string) (models.AssetInfo, bool)
}

// LoadRequest selects a cached range. A zero Start or End defaults to the
// first or last cached bar.
type LoadRequest struct {
	Symbol    string
	Timeframe string
	Start     time.Time
	End       time.Time
}

// BarCache mediates between a bar provider and per-pair CSV files under baseDir.
type BarCache struct {
	baseDir string
	fetcher provider.BarFetcher
	catalog SymbolCatalog
	logger  *slog.Logger
}

// New returns a BarCache rooted at baseDir.
func New(baseDir string, fetcher provider.BarFetcher, catalog SymbolCatalog, logger *slog.Logger) *BarCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &BarCache{
		baseDir: baseDir,
		fetcher: fetcher,
		catalog: catalog,
		logger:  logger,
	}
}

var symbolReplacer = strings.NewReplacer("/", "-", ":", "-", "\\", "-")

// Path returns the cache file for (symbol, timeframe):
// <baseDir>/<timeframe>/<symbol with / : \ replaced by ->.csv
func (c *BarCache) Path(symbol, timeframe string) string {
	return filepath.Join(c.baseDir, timeframe, symbolReplacer.Replace(symbol)+fileExtension)
}

// FetchSymbolAssetInfo returns catalog metadata for a tradable symbol.
func (c *BarCache) FetchSymbolAssetInfo(symbol string) (models.AssetInfo, error) {
	info, ok := c.catalog.Lookup(symbol)
	if !ok {
		return models.AssetInfo{}, &CacheError{Op: "asset_info", Symbol: symbol, Err: ErrUnknownSymbol}
	}
	return info, nil
}

// Download fetches [start, end] from the provider and replaces the cache
// file for (symbol, timeframe). Bars outside the new range that were cached
// before are discarded. The file is written to a temporary sibling and
// renamed into place, so readers never observe a partial file.
func (c *BarCache) Download(ctx context.Context, symbol, timeframe string, start, end time.Time) error {
	const op = "download"

	tf, err := c.resolve(op, symbol, timeframe)
	if err != nil {
		return err
	}

	if start.IsZero() || end.IsZero() {
		return &CacheError{Op: op, Symbol: symbol, Timeframe: timeframe, Err: fmt.Errorf("%w: start and end are required", ErrInvalidRange)}
	}
	start, end = start.UTC(), end.UTC()
	if start.After(end) {
		return &CacheError{Op: op, Symbol: symbol, Timeframe: timeframe, Err: invalidRange(start, end)}
	}

	bars, err := c.fetcher.FetchBars(ctx, provider.BarsRequest{
		Symbol:    symbol,
		Timeframe: tf,
		Start:     start,
		End:       end,
	})
	if err != nil {
		return &CacheError{Op: op, Symbol: symbol, Timeframe: timeframe, Err: err}
	}

	bars = c.normalize(ctx, symbol, timeframe, bars)

	path := c.Path(symbol, timeframe)
	if err := writeFileAtomic(path, bars); err != nil {
		return &CacheError{Op: op, Symbol: symbol, Timeframe: timeframe, Path: path, Err: err}
	}

	c.logger.InfoContext(ctx, "bars cached",
		"symbol", symbol,
		"timeframe", timeframe,
		"bars", len(bars),
		"path", path)

	return nil
}

// Load returns the cached bars of req.Symbol and req.Timeframe whose
// timestamps fall in [Start, End]. It never contacts the provider.
func (c *BarCache) Load(ctx context.Context, req LoadRequest) ([]models.Bar, error) {
	const op = "load"

	if _, err := c.resolve(op, req.Symbol, req.Timeframe); err != nil {
		return nil, err
	}

	fail := func(path string, err error) error {
		return &CacheError{Op: op, Symbol: req.Symbol, Timeframe: req.Timeframe, Path: path, Err: err}
	}

	start, end := req.Start.UTC(), req.End.UTC()
	if !req.Start.IsZero() && !req.End.IsZero() && start.After(end) {
		return nil, fail("", invalidRange(start, end))
	}

	if err := ctx.Err(); err != nil {
		return nil, fail("", err)
	}

	path := c.Path(req.Symbol, req.Timeframe)
	bars, err := readFile(path)
	if err != nil {
		return nil, fail(path, err)
	}

	first, last := bars[0].Timestamp, bars[len(bars)-1].Timestamp
	if req.Start.IsZero() {
		start = first
	}
	if req.End.IsZero() {
		end = last
	}

	if start.Before(first) || end.After(last) || start.After(last) || end.Before(first) {
		return nil, fail(path, &RangeError{
			RequestedStart: start,
			RequestedEnd:   end,
			AvailableStart: first,
			AvailableEnd:   last,
		})
	}

	lo := sort.Search(len(bars), func(i int) bool { return !bars[i].Timestamp.Before(start) })
	hi := sort.Search(len(bars), func(i int) bool { return bars[i].Timestamp.After(end) })
	if lo >= hi {
		return nil, fail(path, fmt.Errorf("%w: [%s, %s]", ErrEmptyRange,
			start.Format(time.RFC3339), end.Format(time.RFC3339)))
	}

	c.logger.DebugContext(ctx, "bars loaded",
		"symbol", req.Symbol,
		"timeframe", req.Timeframe,
		"bars", hi-lo)

	return bars[lo:hi], nil
}

// Bounds reports the first and last cached timestamps and the row count
// for (symbol, timeframe).
func (c *BarCache) Bounds(ctx context.Context, symbol, timeframe string) (first, last time.Time, count int, err error) {
	const op = "bounds"

	if _, err = c.resolve(op, symbol, timeframe); err != nil {
		return
	}
	if err = ctx.Err(); err != nil {
		return
	}

	path := c.Path(symbol, timeframe)
	bars, rerr := readFile(path)
	if rerr != nil {
		err = &CacheError{Op: op, Symbol: symbol, Timeframe: timeframe, Path: path, Err: rerr}
		return
	}

	return bars[0].Timestamp, bars[len(bars)-1].Timestamp, len(bars), nil
}

// resolve validates the symbol against the catalog before touching the
// filesystem, then parses the timeframe.
func (c *BarCache) resolve(op, symbol, timeframe string) (models.Timeframe, error) {
	if _, ok := c.catalog.Lookup(symbol); !ok {
		return models.Timeframe{}, &CacheError{Op: op, Symbol: symbol, Timeframe: timeframe, Err: ErrUnknownSymbol}
	}

	tf, err := models.ParseTimeframe(timeframe)
	if err != nil {
		return models.Timeframe{}, &CacheError{Op: op, Symbol: symbol, Timeframe: timeframe, Err: err}
	}
	return tf, nil
}

func invalidRange(start, end time.Time) error {
	return fmt.Errorf("%w: %s > %s", ErrInvalidRange, start.Format(time.RFC3339), end.Format(time.RFC3339))
}

// normalize fills the symbol, converts timestamps to UTC and returns the bars
// ascending with one bar per timestamp (last wins). Bars that fail
// validation are provider output and are kept as received; they are only
// counted and logged.
func (c *BarCache) normalize(ctx context.Context, symbol, timeframe string, bars []models.Bar) []models.Bar {
	out := make([]models.Bar, 0, len(bars))
	invalid := 0
	for i := range bars {
		b := bars[i]
		b.Symbol = symbol
		b.Timestamp = b.Timestamp.UTC()
		if err := b.Validate(); err != nil {
			invalid++
			c.logger.WarnContext(ctx, "provider returned invalid bar",
				"symbol", symbol,
				"timeframe", timeframe,
				"timestamp", b.Timestamp.Format(time.RFC3339),
				"error", err)
		}
		out = append(out, b)
	}
	if invalid > 0 {
		c.logger.WarnContext(ctx, "caching bars that failed validation",
			"symbol", symbol,
			"timeframe", timeframe,
			"invalid", invalid,
			"bars", len(out))
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	deduped := out[:0]
	for _, b := range out {
		if n := len(deduped); n > 0 && b.Timestamp.Equal(deduped[n-1].Timestamp) {
			deduped[n-1] = b
			continue
		}
		deduped = append(deduped, b)
	}
	return deduped
}

// readFile loads a cache file, mapping absence to ErrCacheMiss and an empty
// file to ErrEmptyCache.
func readFile(path string) ([]models.Bar, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open cache file: %w", err)
	}
	defer f.Close()

	bars, err := ReadBars(bufio.NewReader(f))
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, ErrEmptyCache
	}
	return bars, nil
}

// writeFileAtomic writes bars to a temporary file next to path, syncs it and
// renames it over path.
func writeFileAtomic(path string, bars []models.Bar) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	if err = WriteBars(w, bars); err != nil {
		return fmt.Errorf("failed to encode bars: %w", err)
	}
	if err = w.Flush(); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync cache file: %w", err)
	}
	if err = tmp.Chmod(0644); err != nil {
		return fmt.Errorf("failed to set cache file mode: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close cache file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace cache file: %w", err)
	}
	return nil
}
