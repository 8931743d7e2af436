package adaptive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNewClampsBaseline(t *testing.T) {
	require.Equal(t, MinChunkDelay, New(100*time.Millisecond, true, false).CurrentDelay())
	require.Equal(t, MaxChunkDelay, New(time.Hour, true, false).CurrentDelay())
	require.Equal(t, DefaultBaseline, New(DefaultBaseline, true, false).CurrentDelay())
}

func TestFastModePinsDelayAndDisablesAdaptation(t *testing.T) {
	c := New(DefaultBaseline, true, true)
	require.Equal(t, FastModeDelay, c.CurrentDelay())
	for i := 0; i < 20; i++ {
		c.RecordChunk(false)
	}
	require.Equal(t, FastModeDelay, c.CurrentDelay())
}

func TestSuccessRateRequiresMinSamples(t *testing.T) {
	c := New(DefaultBaseline, true, false)
	for i := 0; i < minSamples-1; i++ {
		c.RecordChunk(true)
	}
	require.Equal(t, -1.0, c.SuccessRate())
	c.RecordChunk(true)
	require.Equal(t, 1.0, c.SuccessRate())
}

func TestRecordChunkIncreasesDelayOnLowSuccessRate(t *testing.T) {
	c := New(DefaultBaseline, true, false)
	for i := 0; i < minSamples; i++ {
		c.RecordChunk(i == 0) // 1/5 = 0.2, well under lowWatermark
	}
	require.Greater(t, c.CurrentDelay(), DefaultBaseline)
}

func TestRecordChunkDecreasesDelayOnHighSuccessRate(t *testing.T) {
	c := New(DefaultBaseline, true, false)
	for i := 0; i < minSamples; i++ {
		c.RecordChunk(true)
	}
	require.Less(t, c.CurrentDelay(), DefaultBaseline)
}

func TestRecordChunkDisabledWithoutAdaptive(t *testing.T) {
	c := New(DefaultBaseline, false, false)
	for i := 0; i < 20; i++ {
		c.RecordChunk(false)
	}
	require.Equal(t, DefaultBaseline, c.CurrentDelay())
}

func TestDelayStaysWithinBoundsProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		baseline := time.Duration(rapid.IntRange(int(MinChunkDelay), int(MaxChunkDelay)).Draw(rt, "baseline").(int))
		c := New(baseline, true, false)
		n := rapid.IntRange(0, 200).Draw(rt, "n").(int)
		for i := 0; i < n; i++ {
			c.RecordChunk(rapid.Bool().Draw(rt, "success").(bool))
			require.GreaterOrEqual(rt, c.CurrentDelay(), MinChunkDelay)
			require.LessOrEqual(rt, c.CurrentDelay(), MaxChunkDelay)
		}
	})
}

func TestTransferTimeoutBounds(t *testing.T) {
	require.Equal(t, 60*time.Second, TransferTimeout(1, 1*time.Second))
	require.Equal(t, 300*time.Second, TransferTimeout(255, 10*time.Second))
}

func TestTransferTimeoutMonotonicInChunkCount(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		a := rapid.IntRange(1, 254).Draw(rt, "a").(int)
		b := rapid.IntRange(a+1, 255).Draw(rt, "b").(int)
		delay := time.Duration(rapid.IntRange(int(MinChunkDelay), int(MaxChunkDelay)).Draw(rt, "delay").(int))
		require.LessOrEqual(rt, TransferTimeout(a, delay), TransferTimeout(b, delay))
	})
}
