package models

import "time"

// Gap is a run of consecutive buckets with no bar. Start and End are the
// first and last missing bucket timestamps; Missing counts the buckets.
type Gap struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Missing   int       `json:"missing"`
}
