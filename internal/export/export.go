// Package export writes a loaded range of cached bars to other formats:
// csv, json, parquet and a duckdb database.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/johnayoung/crypto-barcache/internal/models"
	"github.com/shopspring/decimal"
)

// ErrUnsupportedFormat is returned by New for an unknown format name.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// Formats lists the names accepted by New.
var Formats = []string{"csv", "json", "parquet", "duckdb"}

// Dataset is a contiguous run of bars for one symbol and timeframe.
type Dataset struct {
	Symbol    string
	Timeframe string
	Bars      []models.Bar
}

// Exporter writes a dataset to path.
type Exporter interface {
	Export(ctx context.Context, ds Dataset, path string) error
	Extension() string
}

// New returns the exporter for format (case-insensitive). logger receives
// the precision notices of the float-backed formats; nil means slog.Default.
func New(format string, logger *slog.Logger) (Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "csv":
		return CSVExporter{}, nil
	case "json":
		return JSONExporter{}, nil
	case "parquet":
		return ParquetExporter{Logger: logger}, nil
	case "duckdb":
		return DuckDBExporter{Logger: logger}, nil
	default:
		return nil, fmt.Errorf("%w %q (use one of: %s)", ErrUnsupportedFormat, format, strings.Join(Formats, ", "))
	}
}

// ExportError reports a failed export.
type ExportError struct {
	Format string
	Path   string
	Err    error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export %s to %s failed: %v", e.Format, e.Path, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}

var symbolReplacer = strings.NewReplacer("/", "-", ":", "-", "\\", "-")

// DefaultPath returns where ds is exported under dir. File formats get one
// file per dataset, <dir>/<timeframe>/<symbol>.<ext>; a duckdb export
// shares a single database, <dir>/barcache.duckdb.
func DefaultPath(dir string, ds Dataset, exp Exporter) string {
	if _, ok := exp.(DuckDBExporter); ok {
		return filepath.Join(dir, "barcache."+exp.Extension())
	}
	return filepath.Join(dir, ds.Timeframe, symbolReplacer.Replace(ds.Symbol)+"."+exp.Extension())
}

// floats converts decimals to float64, counting values that were rounded.
type floats struct {
	inexact int
}

func (f *floats) of(d decimal.Decimal) float64 {
	v, exact := d.Float64()
	if !exact {
		f.inexact++
	}
	return v
}

// report logs one notice per export when any value was rounded.
func (f *floats) report(ctx context.Context, logger *slog.Logger, format string, ds Dataset) {
	if f.inexact == 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "decimal values rounded to float64",
		"format", format,
		"symbol", ds.Symbol,
		"timeframe", ds.Timeframe,
		"inexact", f.inexact)
}

// createFile creates path, making parent directories as needed.
func createFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return os.Create(path)
}
