package export

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/johnayoung/crypto-barcache/internal/models"
	"github.com/marcboeker/go-duckdb/v2"
)

const createBarsTable = `
CREATE TABLE IF NOT EXISTS bars (
	symbol VARCHAR NOT NULL,
	timeframe VARCHAR NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	open DOUBLE NOT NULL,
	high DOUBLE NOT NULL,
	low DOUBLE NOT NULL,
	close DOUBLE NOT NULL,
	volume DOUBLE NOT NULL,
	trade_count BIGINT NOT NULL,
	vwap DOUBLE NOT NULL,
	CONSTRAINT bars_pk PRIMARY KEY (symbol, timeframe, timestamp),
	CONSTRAINT bars_volume_non_negative CHECK (volume >= 0)
)`

// DuckDBExporter loads datasets into the bars table of a DuckDB database
// file. Several datasets can share one database; exporting a dataset again
// replaces its rows.
type DuckDBExporter struct {
	Logger *slog.Logger
}

func (DuckDBExporter) Extension() string { return "duckdb" }

func (e DuckDBExporter) Export(ctx context.Context, ds Dataset, path string) error {
	fail := func(err error) error {
		return &ExportError{Format: "duckdb", Path: path, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fail(fmt.Errorf("failed to create output directory: %w", err))
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return fail(fmt.Errorf("failed to open DuckDB database: %w", err))
	}
	defer db.Close()

	// single writer
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, createBarsTable); err != nil {
		return fail(fmt.Errorf("failed to create bars table: %w", err))
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to get connection: %w", err))
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN TRANSACTION"); err != nil {
		return fail(fmt.Errorf("failed to begin transaction: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if _, err := conn.ExecContext(ctx,
		"DELETE FROM bars WHERE symbol = ? AND timeframe = ?", ds.Symbol, ds.Timeframe); err != nil {
		return fail(fmt.Errorf("failed to clear previous rows: %w", err))
	}

	var f floats
	if err := appendBars(conn, ds, &f); err != nil {
		return fail(err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fail(fmt.Errorf("failed to commit: %w", err))
	}
	committed = true
	f.report(ctx, e.Logger, "duckdb", ds)
	return nil
}

// appendBars bulk inserts ds through the DuckDB appender on conn.
func appendBars(conn *sql.Conn, ds Dataset, f *floats) error {
	var driverConn *duckdb.Conn
	err := conn.Raw(func(dc any) error {
		var ok bool
		driverConn, ok = dc.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("underlying connection is not a DuckDB connection")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to get DuckDB connection: %w", err)
	}

	appender, err := duckdb.NewAppenderFromConn(driverConn, "", "bars")
	if err != nil {
		return fmt.Errorf("failed to create appender: %w", err)
	}
	defer appender.Close()

	for _, b := range ds.Bars {
		if err := appendBar(appender, ds.Timeframe, b, f); err != nil {
			return fmt.Errorf("failed to append bar %s: %w", b.String(), err)
		}
	}

	if err := appender.Flush(); err != nil {
		return fmt.Errorf("failed to flush appender: %w", err)
	}
	return nil
}

func appendBar(appender *duckdb.Appender, timeframe string, b models.Bar, f *floats) error {
	return appender.AppendRow(
		b.Symbol,
		timeframe,
		b.Timestamp.UTC(),
		f.of(b.Open),
		f.of(b.High),
		f.of(b.Low),
		f.of(b.Close),
		f.of(b.Volume),
		b.TradeCount,
		f.of(b.VWAP),
	)
}
