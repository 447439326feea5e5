package cache

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/johnayoung/crypto-barcache/internal/models"
	"github.com/shopspring/decimal"
)

// Header is the column layout of cache files and the flat bar log.
var Header = []string{"timestamp", "symbol", "open", "high", "low", "close", "volume", "trade_count", "vwap"}

// timestamp layouts accepted when reading; the first is the one written.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// EncodeBar renders b as a row in Header order.
func EncodeBar(b models.Bar) []string {
	return []string{
		b.Timestamp.UTC().Format(time.RFC3339Nano),
		b.Symbol,
		b.Open.String(),
		b.High.String(),
		b.Low.String(),
		b.Close.String(),
		b.Volume.String(),
		strconv.FormatInt(b.TradeCount, 10),
		b.VWAP.String(),
	}
}

// WriteBars writes the header followed by one row per bar.
func WriteBars(w io.Writer, bars []models.Bar) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, b := range bars {
		if err := cw.Write(EncodeBar(b)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ParseTimestamp parses a cache timestamp. Values without an offset are
// taken as UTC; the result is always in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// columnIndex maps header names to positions. timestamp must be column 0.
type columnIndex map[string]int

var requiredColumns = []string{"timestamp", "open", "high", "low", "close", "volume"}

func parseHeader(record []string) (columnIndex, error) {
	idx := make(columnIndex, len(record))
	for i, name := range record {
		idx[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	if pos, ok := idx["timestamp"]; !ok || pos != 0 {
		return nil, fmt.Errorf("timestamp must be the first column")
	}
	for _, col := range requiredColumns {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}
	return idx, nil
}

// ReadBars decodes a cache file. Rows must be strictly ascending by
// timestamp; any malformed row yields a *CorruptRowError. A file with no
// header or no data rows returns an empty slice.
func ReadBars(r io.Reader) ([]models.Bar, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	record, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, corruptFromCSV(err, 1)
	}

	cols, err := parseHeader(record)
	if err != nil {
		return nil, &CorruptRowError{Line: 1, Reason: err.Error()}
	}

	var bars []models.Bar
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, corruptFromCSV(err, 0)
		}
		line, _ := cr.FieldPos(0)

		bar, err := decodeRow(record, cols)
		if err != nil {
			return nil, &CorruptRowError{Line: line, Reason: err.Error()}
		}

		if n := len(bars); n > 0 && !bar.Timestamp.After(bars[n-1].Timestamp) {
			return nil, &CorruptRowError{Line: line, Reason: fmt.Sprintf("timestamp %s is not after previous row", record[0])}
		}
		bars = append(bars, bar)
	}

	return bars, nil
}

func corruptFromCSV(err error, line int) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &CorruptRowError{Line: pe.Line, Reason: pe.Err.Error()}
	}
	return &CorruptRowError{Line: line, Reason: err.Error()}
}

func decodeRow(record []string, cols columnIndex) (models.Bar, error) {
	var bar models.Bar
	var err error

	if bar.Timestamp, err = ParseTimestamp(record[0]); err != nil {
		return bar, err
	}

	if i, ok := cols["symbol"]; ok {
		bar.Symbol = record[i]
	}

	for _, f := range []struct {
		name string
		dst  *decimal.Decimal
	}{
		{"open", &bar.Open},
		{"high", &bar.High},
		{"low", &bar.Low},
		{"close", &bar.Close},
		{"volume", &bar.Volume},
		{"vwap", &bar.VWAP},
	} {
		i, ok := cols[f.name]
		if !ok {
			continue
		}
		if *f.dst, err = decimal.NewFromString(strings.TrimSpace(record[i])); err != nil {
			return bar, fmt.Errorf("column %s: %w", f.name, err)
		}
	}

	if i, ok := cols["trade_count"]; ok {
		raw := strings.TrimSpace(record[i])
		if bar.TradeCount, err = strconv.ParseInt(raw, 10, 64); err != nil {
			// float-formatted integers such as "42.0" are accepted
			d, derr := decimal.NewFromString(raw)
			if derr != nil || !d.IsInteger() {
				return bar, fmt.Errorf("column trade_count: %w", err)
			}
			bar.TradeCount = d.IntPart()
		}
	}

	return bar, nil
}
