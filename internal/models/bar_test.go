package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSymbol = "BTC/USD"

var testTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func validBar() Bar {
	return Bar{
		Timestamp:  testTime,
		Symbol:     testSymbol,
		Open:       decimal.RequireFromString("100.00"),
		High:       decimal.RequireFromString("105.50"),
		Low:        decimal.RequireFromString("99.25"),
		Close:      decimal.RequireFromString("104.00"),
		Volume:     decimal.RequireFromString("1500.75"),
		TradeCount: 42,
		VWAP:       decimal.RequireFromString("102.10"),
	}
}

func TestBar_Validate(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(b *Bar)
		expectedField string
	}{
		{name: "valid_bar", mutate: func(b *Bar) {}},
		{name: "zero_volume_is_valid", mutate: func(b *Bar) { b.Volume = decimal.Zero }},
		{name: "zero_timestamp", mutate: func(b *Bar) { b.Timestamp = time.Time{} }, expectedField: "timestamp"},
		{name: "empty_symbol", mutate: func(b *Bar) { b.Symbol = "" }, expectedField: "symbol"},
		{name: "zero_open", mutate: func(b *Bar) { b.Open = decimal.Zero }, expectedField: "open"},
		{name: "negative_low", mutate: func(b *Bar) { b.Low = decimal.NewFromInt(-1) }, expectedField: "low"},
		{name: "negative_volume", mutate: func(b *Bar) { b.Volume = decimal.NewFromInt(-5) }, expectedField: "volume"},
		{name: "negative_trade_count", mutate: func(b *Bar) { b.TradeCount = -1 }, expectedField: "trade_count"},
		{name: "negative_vwap", mutate: func(b *Bar) { b.VWAP = decimal.NewFromInt(-1) }, expectedField: "vwap"},
		{name: "high_below_close", mutate: func(b *Bar) { b.High = decimal.RequireFromString("103") }, expectedField: "high"},
		{name: "low_above_open", mutate: func(b *Bar) { b.Low = decimal.RequireFromString("100.01") }, expectedField: "low"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bar := validBar()
			tt.mutate(&bar)

			err := bar.Validate()
			if tt.expectedField == "" {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tt.expectedField, validationErr.Field)
		})
	}
}

func TestBar_Equal(t *testing.T) {
	a := validBar()
	b := validBar()
	b.Open = decimal.RequireFromString("100")
	b.Timestamp = testTime.In(time.FixedZone("UTC+2", 2*60*60))

	assert.True(t, a.Equal(b), "numerically equal decimals and instants should compare equal")

	b.TradeCount++
	assert.False(t, a.Equal(b))
}

func TestBar_String(t *testing.T) {
	s := validBar().String()
	assert.Contains(t, s, "BTC/USD")
	assert.Contains(t, s, "2024-01-01T12:00:00Z")
	assert.Contains(t, s, "N: 42")
}
