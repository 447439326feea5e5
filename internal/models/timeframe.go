package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrUnsupportedTimeframe is returned for any token outside the supported set.
var ErrUnsupportedTimeframe = errors.New("unsupported timeframe")

// TimeUnit is the bucket unit understood by the market-data provider.
type TimeUnit string

const (
	UnitMinute TimeUnit = "Min"
	UnitHour   TimeUnit = "Hour"
	UnitDay    TimeUnit = "Day"
	UnitWeek   TimeUnit = "Week"
	UnitMonth  TimeUnit = "Month"
)

// Timeframe maps a short cache token ("1h") to a provider descriptor ("1Hour").
type Timeframe struct {
	Token  string
	Amount int
	Unit   TimeUnit
}

var timeframes = map[string]Timeframe{
	"1m":  {Token: "1m", Amount: 1, Unit: UnitMinute},
	"2m":  {Token: "2m", Amount: 2, Unit: UnitMinute},
	"5m":  {Token: "5m", Amount: 5, Unit: UnitMinute},
	"15m": {Token: "15m", Amount: 15, Unit: UnitMinute},
	"30m": {Token: "30m", Amount: 30, Unit: UnitMinute},
	"1h":  {Token: "1h", Amount: 1, Unit: UnitHour},
	"2h":  {Token: "2h", Amount: 2, Unit: UnitHour},
	"4h":  {Token: "4h", Amount: 4, Unit: UnitHour},
	"12h": {Token: "12h", Amount: 12, Unit: UnitHour},
	"1d":  {Token: "1d", Amount: 1, Unit: UnitDay},
	"1w":  {Token: "1w", Amount: 1, Unit: UnitWeek},
	"1M":  {Token: "1M", Amount: 1, Unit: UnitMonth},
}

// ParseTimeframe resolves a token. Tokens are case-sensitive: "1m" is one
// minute and "1M" is one month.
func ParseTimeframe(token string) (Timeframe, error) {
	tf, ok := timeframes[token]
	if !ok {
		return Timeframe{}, fmt.Errorf("%w: %q (supported: %s)",
			ErrUnsupportedTimeframe, token, strings.Join(SupportedTimeframes(), ", "))
	}
	return tf, nil
}

// SupportedTimeframes returns every valid token ordered from shortest to longest bucket.
func SupportedTimeframes() []string {
	tokens := make([]string, 0, len(timeframes))
	for token := range timeframes {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool {
		return timeframes[tokens[i]].Duration() < timeframes[tokens[j]].Duration()
	})
	return tokens
}

// Descriptor returns the provider's timeframe string, e.g. "15Min" or "1Day".
func (tf Timeframe) Descriptor() string {
	return fmt.Sprintf("%d%s", tf.Amount, tf.Unit)
}

// Duration is the nominal bucket length. Months are counted as 30 days; use
// Next for calendar-exact stepping.
func (tf Timeframe) Duration() time.Duration {
	n := time.Duration(tf.Amount)
	switch tf.Unit {
	case UnitMinute:
		return n * time.Minute
	case UnitHour:
		return n * time.Hour
	case UnitDay:
		return n * 24 * time.Hour
	case UnitWeek:
		return n * 7 * 24 * time.Hour
	case UnitMonth:
		return n * 30 * 24 * time.Hour
	default:
		return 0
	}
}

// Next returns the start of the bucket following t.
func (tf Timeframe) Next(t time.Time) time.Time {
	switch tf.Unit {
	case UnitDay:
		return t.AddDate(0, 0, tf.Amount)
	case UnitWeek:
		return t.AddDate(0, 0, 7*tf.Amount)
	case UnitMonth:
		return t.AddDate(0, tf.Amount, 0)
	default:
		return t.Add(tf.Duration())
	}
}

// String returns the cache token.
func (tf Timeframe) String() string {
	return tf.Token
}
