// Package adaptive implements the sender's inter-chunk pacing controller
// described in spec.md §4.6.
package adaptive

import "time"

const (
	// MinChunkDelay is the floor for current_delay.
	MinChunkDelay = 1 * time.Second
	// MaxChunkDelay is the ceiling for current_delay.
	MaxChunkDelay = 10 * time.Second
	// DefaultBaseline is the starting current_delay absent other config.
	DefaultBaseline = 4 * time.Second
	// FastModeDelay is the fixed delay used when fast mode is requested.
	FastModeDelay = 1 * time.Second

	// minSamples is the minimum (successful+failed) count before
	// adaptation kicks in, to avoid early noise.
	minSamples = 5

	lowWatermark  = 0.90
	highWatermark = 0.98

	increaseFactor = 1.20
	decreaseFactor = 0.95
)

// Controller tracks current_delay and the running success/failure counts
// that drive it.
type Controller struct {
	currentDelay time.Duration
	successful   int
	failed       int

	adaptive bool
	fast     bool
}

// New creates a Controller. If fast is true, the delay is pinned to
// FastModeDelay and adaptation is disabled regardless of adaptiveEnabled.
// baseline is clamped into [MinChunkDelay, MaxChunkDelay].
func New(baseline time.Duration, adaptiveEnabled, fast bool) *Controller {
	if fast {
		return &Controller{currentDelay: FastModeDelay, adaptive: false, fast: true}
	}
	if baseline < MinChunkDelay {
		baseline = MinChunkDelay
	}
	if baseline > MaxChunkDelay {
		baseline = MaxChunkDelay
	}
	return &Controller{currentDelay: baseline, adaptive: adaptiveEnabled, fast: false}
}

// CurrentDelay returns the current inter-chunk pacing delay.
func (c *Controller) CurrentDelay() time.Duration {
	return c.currentDelay
}

// SuccessRate returns successful/(successful+failed), or -1 if fewer than
// minSamples observations have been recorded.
func (c *Controller) SuccessRate() float64 {
	total := c.successful + c.failed
	if total < minSamples {
		return -1
	}
	return float64(c.successful) / float64(total)
}

// RecordChunk records the outcome of one chunk transmission and, unless
// fast mode or adaptation is disabled, updates current_delay per the
// thresholds in spec.md §4.6.
func (c *Controller) RecordChunk(success bool) {
	if success {
		c.successful++
	} else {
		c.failed++
	}

	if c.fast || !c.adaptive {
		return
	}

	rate := c.SuccessRate()
	if rate < 0 {
		return
	}

	switch {
	case rate < lowWatermark:
		c.currentDelay = clamp(time.Duration(float64(c.currentDelay)*increaseFactor), MinChunkDelay, MaxChunkDelay)
	case rate > highWatermark:
		c.currentDelay = clamp(time.Duration(float64(c.currentDelay)*decreaseFactor), MinChunkDelay, MaxChunkDelay)
	}
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// TransferTimeout returns the adaptive AwaitingOK timeout T described in
// spec.md §4.5 step 5: clamp(totalChunks * currentDelay * 1.5, 60s, 300s).
func TransferTimeout(totalChunks int, currentDelay time.Duration) time.Duration {
	expected := time.Duration(totalChunks) * currentDelay
	t := time.Duration(float64(expected) * 1.5)
	return clamp(t, 60*time.Second, 300*time.Second)
}
