package export

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/johnayoung/crypto-barcache/internal/models"
	"github.com/parquet-go/parquet-go"
)

// ParquetBar is the row layout of parquet exports. Prices are stored as
// float64; the csv and json exports keep exact decimals.
type ParquetBar struct {
	Timestamp  int64   `parquet:"timestamp"` // unix milliseconds, UTC
	Symbol     string  `parquet:"symbol,dict"`
	Timeframe  string  `parquet:"timeframe,dict"`
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     float64 `parquet:"volume"`
	TradeCount int64   `parquet:"trade_count"`
	VWAP       float64 `parquet:"vwap"`
}

// Time returns the row timestamp in UTC.
func (p ParquetBar) Time() time.Time {
	return time.UnixMilli(p.Timestamp).UTC()
}

func toParquet(timeframe string, b models.Bar, f *floats) ParquetBar {
	return ParquetBar{
		Timestamp:  b.Timestamp.UnixMilli(),
		Symbol:     b.Symbol,
		Timeframe:  timeframe,
		Open:       f.of(b.Open),
		High:       f.of(b.High),
		Low:        f.of(b.Low),
		Close:      f.of(b.Close),
		Volume:     f.of(b.Volume),
		TradeCount: b.TradeCount,
		VWAP:       f.of(b.VWAP),
	}
}

// ParquetExporter writes a parquet file of ParquetBar rows.
type ParquetExporter struct {
	Logger *slog.Logger
}

func (ParquetExporter) Extension() string { return "parquet" }

func (e ParquetExporter) Export(ctx context.Context, ds Dataset, path string) error {
	if err := ctx.Err(); err != nil {
		return &ExportError{Format: "parquet", Path: path, Err: err}
	}

	var f floats
	rows := make([]ParquetBar, len(ds.Bars))
	for i, b := range ds.Bars {
		rows[i] = toParquet(ds.Timeframe, b, &f)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return &ExportError{Format: "parquet", Path: path, Err: err}
	}
	if err := parquet.WriteFile(path, rows); err != nil {
		return &ExportError{Format: "parquet", Path: path, Err: err}
	}
	f.report(ctx, e.Logger, "parquet", ds)
	return nil
}
