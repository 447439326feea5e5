// Package indicators computes moving averages over bar closes.
package indicators

import (
	"github.com/johnayoung/crypto-barcache/internal/models"
	"github.com/shopspring/decimal"
)

// Closes extracts the close price of each bar.
func Closes(bars []models.Bar) []decimal.Decimal {
	out := make([]decimal.Decimal, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// SMA over the last p points; the result is aligned to x with invalid
// entries for the warm-up rows.
func SMA(x []decimal.Decimal, p int) []decimal.NullDecimal {
	if p <= 0 {
		return nil
	}
	out := make([]decimal.NullDecimal, len(x))
	period := decimal.NewFromInt(int64(p))
	sum := decimal.Zero
	for i := range x {
		sum = sum.Add(x[i])
		if i >= p {
			sum = sum.Sub(x[i-p])
		}
		if i < p-1 {
			continue
		}
		out[i] = decimal.NewNullDecimal(sum.Div(period))
	}
	return out
}

// EMA with smoothing 2/(p+1), seeded with the SMA of the first p points.
// Warm-up rows are invalid.
func EMA(x []decimal.Decimal, p int) []decimal.NullDecimal {
	if p <= 0 {
		return nil
	}
	out := make([]decimal.NullDecimal, len(x))
	if len(x) < p {
		return out
	}

	k := decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(p + 1)))
	seed := decimal.Zero
	for i := 0; i < p; i++ {
		seed = seed.Add(x[i])
	}
	prev := seed.Div(decimal.NewFromInt(int64(p)))
	out[p-1] = decimal.NewNullDecimal(prev)

	for i := p; i < len(x); i++ {
		prev = x[i].Sub(prev).Mul(k).Add(prev)
		out[i] = decimal.NewNullDecimal(prev)
	}
	return out
}

// Cross marks where fast crosses slow: +1 when fast moves above slow, -1
// when it moves below, 0 otherwise or while either series is warming up.
func Cross(fast, slow []decimal.NullDecimal) []int {
	n := len(fast)
	if len(slow) < n {
		n = len(slow)
	}
	out := make([]int, n)
	for i := 1; i < n; i++ {
		if !fast[i-1].Valid || !slow[i-1].Valid || !fast[i].Valid || !slow[i].Valid {
			continue
		}
		before := fast[i-1].Decimal.Cmp(slow[i-1].Decimal)
		after := fast[i].Decimal.Cmp(slow[i].Decimal)
		switch {
		case before <= 0 && after > 0:
			out[i] = 1
		case before >= 0 && after < 0:
			out[i] = -1
		}
	}
	return out
}
