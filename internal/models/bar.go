// Package models provides the value types shared by the bar cache: bars,
// timeframes, asset metadata and coverage gaps.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Bar is one OHLCV aggregate for a symbol over a single timeframe bucket.
// Bars are treated as immutable once produced by a provider.
type Bar struct {
	Timestamp  time.Time       `json:"timestamp"`
	Symbol     string          `json:"symbol"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
	TradeCount int64           `json:"trade_count"`
	VWAP       decimal.Decimal `json:"vwap"`
}

// ValidationError reports the bar field that failed validation.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message describes the failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks the bar for a usable timestamp and symbol, positive prices,
// non-negative volume and trade count, and a consistent OHLC envelope
// (high >= max(open, close), low <= min(open, close)).
func (b *Bar) Validate() error {
	if b.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "timestamp cannot be zero"}
	}
	if b.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}

	prices := []struct {
		field string
		value decimal.Decimal
	}{
		{"open", b.Open},
		{"high", b.High},
		{"low", b.Low},
		{"close", b.Close},
	}
	for _, p := range prices {
		if !p.value.IsPositive() {
			return &ValidationError{Field: p.field, Message: fmt.Sprintf("%s price must be greater than 0, got %s", p.field, p.value)}
		}
	}

	if b.Volume.IsNegative() {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}
	if b.TradeCount < 0 {
		return &ValidationError{Field: "trade_count", Message: "trade count must be greater than or equal to 0"}
	}
	if b.VWAP.IsNegative() {
		return &ValidationError{Field: "vwap", Message: "vwap must be greater than or equal to 0"}
	}

	maxOpenClose := decimal.Max(b.Open, b.Close)
	if b.High.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", b.High, maxOpenClose),
		}
	}

	minOpenClose := decimal.Min(b.Open, b.Close)
	if b.Low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", b.Low, minOpenClose),
		}
	}

	return nil
}

// Equal reports whether two bars carry the same values. Decimal fields are
// compared numerically, so "100.50" and "100.5" are equal.
func (b Bar) Equal(other Bar) bool {
	return b.Timestamp.Equal(other.Timestamp) &&
		b.Symbol == other.Symbol &&
		b.Open.Equal(other.Open) &&
		b.High.Equal(other.High) &&
		b.Low.Equal(other.Low) &&
		b.Close.Equal(other.Close) &&
		b.Volume.Equal(other.Volume) &&
		b.TradeCount == other.TradeCount &&
		b.VWAP.Equal(other.VWAP)
}

// String implements fmt.Stringer.
func (b Bar) String() string {
	return fmt.Sprintf("Bar{Symbol: %s, Timestamp: %s, O: %s, H: %s, L: %s, C: %s, V: %s, N: %d, VWAP: %s}",
		b.Symbol, b.Timestamp.Format(time.RFC3339), b.Open, b.High, b.Low, b.Close, b.Volume, b.TradeCount, b.VWAP)
}
