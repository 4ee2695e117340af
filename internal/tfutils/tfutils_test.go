package tfutils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	for _, tf := range GetSupportedTimeframes() {
		d, err := ParseTimeframe(tf)
		require.NoError(t, err, tf)
		assert.Positive(t, d)
		assert.True(t, IsValidTimeframe(tf))
	}

	_, err := ParseTimeframe("7m")
	assert.ErrorIs(t, err, ErrUnsupportedTimeframe)
	assert.False(t, IsValidTimeframe(""))
}

func TestFloorToTimeframe(t *testing.T) {
	ts := time.Date(2024, 3, 14, 10, 37, 42, 500, time.UTC)

	tests := []struct {
		timeframe string
		expected  time.Time
	}{
		{"1m", time.Date(2024, 3, 14, 10, 37, 0, 0, time.UTC)},
		{"5m", time.Date(2024, 3, 14, 10, 35, 0, 0, time.UTC)},
		{"1h", time.Date(2024, 3, 14, 10, 0, 0, 0, time.UTC)},
		{"4h", time.Date(2024, 3, 14, 8, 0, 0, 0, time.UTC)},
		{"1d", time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)},
		// 2024-03-14 is a Thursday
		{"1w", time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.timeframe, func(t *testing.T) {
			assert.Equal(t, tt.expected, FloorToTimeframe(ts, tt.timeframe))
		})
	}
}

func TestFloorToTimeframeConvertsToUTC(t *testing.T) {
	tehran := time.FixedZone("IRST", 3*3600+1800)
	ts := time.Date(2024, 3, 14, 14, 7, 10, 0, tehran)

	assert.Equal(t, time.Date(2024, 3, 14, 10, 37, 0, 0, time.UTC), FloorToTimeframe(ts, "1m"))
}
