package enroll

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJitteredIntervalBounds(t *testing.T) {
	for i := 0; i < 1000; i++ {
		d := jitteredInterval(10*time.Second, DefaultJitterMin, DefaultJitterMax, nil)
		require.GreaterOrEqual(t, d, 11*time.Second)
		require.LessOrEqual(t, d, 15*time.Second)
		require.Zero(t, d%time.Second)
	}
}

func TestJitteredIntervalCoversRange(t *testing.T) {
	seen := map[time.Duration]bool{}
	for n := 0; n < 5; n++ {
		n := n
		seen[jitteredInterval(10*time.Second, 1, 5, func(int) int { return n })] = true
	}
	require.Len(t, seen, 5)
	require.True(t, seen[11*time.Second])
	require.True(t, seen[15*time.Second])
}

func TestJitteredIntervalClampsRange(t *testing.T) {
	require.Equal(t, 7*time.Second, jitteredInterval(5*time.Second, 2, 1, nil))
	require.Equal(t, 5*time.Second, jitteredInterval(5*time.Second, -3, 0, nil))
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	require.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	require.Less(t, time.Since(start), time.Second)
}
