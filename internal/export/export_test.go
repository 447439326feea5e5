package export

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/johnayoung/crypto-barcache/internal/cache"
	"github.com/johnayoung/crypto-barcache/internal/logger"
	"github.com/johnayoung/crypto-barcache/internal/models"
	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDataset(n int) Dataset {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]models.Bar, n)
	for i := range bars {
		base := decimal.NewFromInt(int64(40000 + i))
		bars[i] = models.Bar{
			Timestamp:  start.Add(time.Duration(i) * time.Hour),
			Symbol:     "BTC/USD",
			Open:       base,
			High:       base.Add(decimal.NewFromInt(10)),
			Low:        base.Sub(decimal.NewFromInt(10)),
			Close:      base.Add(decimal.RequireFromString("2.5")),
			Volume:     decimal.RequireFromString("1.23456789"),
			TradeCount: int64(100 + i),
			VWAP:       base.Add(decimal.RequireFromString("0.75")),
		}
	}
	return Dataset{Symbol: "BTC/USD", Timeframe: "1h", Bars: bars}
}

func TestNew(t *testing.T) {
	for _, format := range Formats {
		exp, err := New(format, logger.Discard())
		require.NoError(t, err, format)
		assert.Equal(t, format, exp.Extension())
	}

	exp, err := New(" Parquet ", nil)
	require.NoError(t, err)
	assert.IsType(t, ParquetExporter{}, exp)

	_, err = New("xlsx", nil)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestDefaultPath(t *testing.T) {
	ds := testDataset(0)

	assert.Equal(t, filepath.Join("out", "1h", "BTC-USD.csv"), DefaultPath("out", ds, CSVExporter{}))
	assert.Equal(t, filepath.Join("out", "1h", "BTC-USD.parquet"), DefaultPath("out", ds, ParquetExporter{}))
	assert.Equal(t, filepath.Join("out", "barcache.duckdb"), DefaultPath("out", ds, DuckDBExporter{}))
}

func TestCSVExporter(t *testing.T) {
	ds := testDataset(3)
	path := filepath.Join(t.TempDir(), "nested", "bars.csv")

	require.NoError(t, CSVExporter{}.Export(context.Background(), ds, path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	bars, err := cache.ReadBars(f)
	require.NoError(t, err)
	require.Len(t, bars, len(ds.Bars))
	for i := range bars {
		assert.True(t, ds.Bars[i].Equal(bars[i]), "row %d", i)
	}
}

func TestJSONExporter(t *testing.T) {
	ds := testDataset(2)
	path := filepath.Join(t.TempDir(), "bars.json")

	require.NoError(t, JSONExporter{}.Export(context.Background(), ds, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded []models.Bar
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 2)
	assert.True(t, ds.Bars[1].Equal(decoded[1]))
	assert.Contains(t, string(data), `"volume": "1.23456789"`)
}

func TestParquetExporter(t *testing.T) {
	ds := testDataset(4)
	path := filepath.Join(t.TempDir(), "bars.parquet")

	require.NoError(t, ParquetExporter{}.Export(context.Background(), ds, path))

	rows, err := parquet.ReadFile[ParquetBar](path)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Equal(t, "BTC/USD", rows[0].Symbol)
	assert.Equal(t, "1h", rows[0].Timeframe)
	assert.True(t, ds.Bars[3].Timestamp.Equal(rows[3].Time()))
	assert.InDelta(t, 40003.0, rows[3].Open, 1e-9)
	assert.InDelta(t, 40005.5, rows[3].Close, 1e-9)
	assert.Equal(t, int64(103), rows[3].TradeCount)
}

func TestFloatExportsReportRounding(t *testing.T) {
	ds := testDataset(4)
	dir := t.TempDir()

	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, nil))

	require.NoError(t, ParquetExporter{Logger: log}.Export(context.Background(), ds, filepath.Join(dir, "bars.parquet")))
	require.NoError(t, DuckDBExporter{Logger: log}.Export(context.Background(), ds, filepath.Join(dir, "bars.duckdb")))

	lines := strings.Split(strings.TrimSpace(logs.String()), "\n")
	require.Len(t, lines, 2)
	// only the 1.23456789 volume of each bar has no exact float64
	assert.Contains(t, lines[0], "format=parquet")
	assert.Contains(t, lines[0], "inexact=4")
	assert.Contains(t, lines[1], "format=duckdb")
	assert.Contains(t, lines[1], "inexact=4")

	logs.Reset()
	for i := range ds.Bars {
		ds.Bars[i].Volume = decimal.RequireFromString("1.5")
	}
	require.NoError(t, ParquetExporter{Logger: log}.Export(context.Background(), ds, filepath.Join(dir, "exact.parquet")))
	assert.Empty(t, logs.String())
}

func TestDuckDBExporter(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "barcache.duckdb")

	btc := testDataset(5)
	eth := testDataset(3)
	eth.Symbol = "ETH/USD"
	for i := range eth.Bars {
		eth.Bars[i].Symbol = "ETH/USD"
	}

	require.NoError(t, DuckDBExporter{}.Export(ctx, btc, path))
	require.NoError(t, DuckDBExporter{}.Export(ctx, eth, path))

	countRows := func(symbol string) int {
		db, err := sql.Open("duckdb", path)
		require.NoError(t, err)
		defer db.Close()

		var n int
		require.NoError(t, db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM bars WHERE symbol = ? AND timeframe = ?", symbol, "1h").Scan(&n))
		return n
	}

	assert.Equal(t, 5, countRows("BTC/USD"))
	assert.Equal(t, 3, countRows("ETH/USD"))

	// exporting again replaces the dataset rather than appending
	btc.Bars = btc.Bars[:2]
	require.NoError(t, DuckDBExporter{}.Export(ctx, btc, path))
	assert.Equal(t, 2, countRows("BTC/USD"))
	assert.Equal(t, 3, countRows("ETH/USD"))

	db, err := sql.Open("duckdb", path)
	require.NoError(t, err)
	defer db.Close()

	var closePrice float64
	var trades int64
	require.NoError(t, db.QueryRowContext(ctx,
		"SELECT close, trade_count FROM bars WHERE symbol = 'BTC/USD' ORDER BY timestamp DESC LIMIT 1").Scan(&closePrice, &trades))
	assert.InDelta(t, 40003.5, closePrice, 1e-9)
	assert.Equal(t, int64(101), trades)
}

func TestExport_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, exp := range []Exporter{CSVExporter{}, JSONExporter{}, ParquetExporter{}} {
		path := filepath.Join(t.TempDir(), "out."+exp.Extension())
		err := exp.Export(ctx, testDataset(1), path)

		var exportErr *ExportError
		require.ErrorAs(t, err, &exportErr, exp.Extension())
		assert.ErrorIs(t, err, context.Canceled)
		assert.NoFileExists(t, path)
	}
}
