// Package gaps reports missing buckets in a cached bar sequence.
package gaps

import (
	"time"

	"github.com/johnayoung/crypto-barcache/internal/models"
)

// Report summarizes coverage of one (symbol, timeframe) sequence.
type Report struct {
	Symbol    string       `json:"symbol"`
	Timeframe string       `json:"timeframe"`
	First     time.Time    `json:"first"`
	Last      time.Time    `json:"last"`
	Bars      int          `json:"bars"`
	Expected  int          `json:"expected"`
	Gaps      []models.Gap `json:"gaps"`
}

// Missing returns the total number of missing buckets.
func (r Report) Missing() int {
	n := 0
	for _, g := range r.Gaps {
		n += g.Missing
	}
	return n
}

// Coverage returns the fraction of expected buckets present, in [0, 1].
func (r Report) Coverage() float64 {
	if r.Expected == 0 {
		return 0
	}
	return float64(r.Bars) / float64(r.Expected)
}

// Analyze builds a coverage report for bars, which must be sorted ascending.
func Analyze(bars []models.Bar, tf models.Timeframe) Report {
	r := Report{Timeframe: tf.Token, Bars: len(bars)}
	if len(bars) == 0 {
		return r
	}

	r.Symbol = bars[0].Symbol
	r.First = bars[0].Timestamp
	r.Last = bars[len(bars)-1].Timestamp
	r.Gaps = Detect(bars, tf)
	r.Expected = r.Bars + r.Missing()
	return r
}

// Detect walks consecutive bars and returns one Gap per run of missing
// buckets between them. Bars must be sorted ascending; bars that are not
// aligned to the bucket grid are treated as the next present bucket.
func Detect(bars []models.Bar, tf models.Timeframe) []models.Gap {
	var gaps []models.Gap

	for i := 1; i < len(bars); i++ {
		prev, cur := bars[i-1].Timestamp, bars[i].Timestamp
		expected := tf.Next(prev)
		if !expected.Before(cur) {
			continue
		}

		last, missing := lastMissing(expected, cur, tf)
		gaps = append(gaps, models.Gap{
			Symbol:    bars[i].Symbol,
			Timeframe: tf.Token,
			Start:     expected,
			End:       last,
			Missing:   missing,
		})
	}

	return gaps
}

// lastMissing counts buckets from first up to (excluding) next and returns
// the last one. Month buckets are stepped on the calendar; everything else
// has a fixed length in UTC.
func lastMissing(first, next time.Time, tf models.Timeframe) (time.Time, int) {
	if tf.Unit == models.UnitMonth {
		last, n := first, 0
		for t := first; t.Before(next); t = tf.Next(t) {
			last = t
			n++
		}
		return last, n
	}

	step := tf.Duration()
	n := int((next.Sub(first) + step - 1) / step)
	return first.Add(time.Duration(n-1) * step), n
}
