package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	tests := []struct {
		token      string
		descriptor string
	}{
		{"1m", "1Min"},
		{"2m", "2Min"},
		{"5m", "5Min"},
		{"15m", "15Min"},
		{"30m", "30Min"},
		{"1h", "1Hour"},
		{"2h", "2Hour"},
		{"4h", "4Hour"},
		{"12h", "12Hour"},
		{"1d", "1Day"},
		{"1w", "1Week"},
		{"1M", "1Month"},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			tf, err := ParseTimeframe(tt.token)
			require.NoError(t, err)
			assert.Equal(t, tt.token, tf.String())
			assert.Equal(t, tt.descriptor, tf.Descriptor())
		})
	}
}

func TestParseTimeframe_Unsupported(t *testing.T) {
	for _, token := range []string{"3d", "", "1H", "1D", "60m"} {
		t.Run(token, func(t *testing.T) {
			_, err := ParseTimeframe(token)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUnsupportedTimeframe)
		})
	}
}

func TestSupportedTimeframes_Ordered(t *testing.T) {
	tokens := SupportedTimeframes()
	require.Len(t, tokens, 12)
	assert.Equal(t, "1m", tokens[0])
	assert.Equal(t, "1M", tokens[len(tokens)-1])

	for i := 1; i < len(tokens); i++ {
		prev, _ := ParseTimeframe(tokens[i-1])
		cur, _ := ParseTimeframe(tokens[i])
		assert.Less(t, prev.Duration(), cur.Duration())
	}
}

func TestTimeframe_Next(t *testing.T) {
	start := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		token    string
		expected time.Time
	}{
		{"15m", start.Add(15 * time.Minute)},
		{"4h", start.Add(4 * time.Hour)},
		{"1d", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
		{"1w", time.Date(2024, 2, 7, 0, 0, 0, 0, time.UTC)},
		{"1M", time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)}, // Go normalizes Feb 31 to Mar 2
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			tf, err := ParseTimeframe(tt.token)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, tf.Next(start))
		})
	}
}
