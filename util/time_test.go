package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMillisRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	require.True(t, now.Equal(TimeFromMillis(UnixMillis(now))))
}

func TestDay(t *testing.T) {
	// 23:30 in UTC-5 is already the next day in UTC
	ts := time.Date(2024, 3, 22, 23, 30, 0, 0, time.FixedZone("EST", -5*60*60))
	require.Equal(t, "2024-03-23", Day(ts))

	parsed, err := ParseDay("2024-03-23")
	require.NoError(t, err)
	require.Equal(t, "2024-03-23", Day(parsed))

	_, err = ParseDay("2024/03/23")
	require.Error(t, err)
}
