package engine

import "time"

// Config controls the ducking decision loop. All numeric fields are clamped
// into their valid ranges at engine construction; out-of-range values are
// corrected silently, never rejected.
type Config struct {
	// PriorityProcess is the executable name of the priority audio source,
	// matched case-insensitively.
	PriorityProcess string

	// OtherProcesses optionally restricts ducking to the named executables.
	// When empty, every non-priority session is eligible.
	OtherProcesses []string

	// DuckTo is the fade target volume for ducked sessions, in [0, 1].
	DuckTo float64

	// Threshold is the minimum peak for a non-priority session to count as
	// playing for overlap purposes, in [0, 1].
	Threshold float64

	// PriorityAttackThreshold and PriorityReleaseThreshold are the dual
	// hysteresis thresholds for priority activity, in [0, 1]. Attack above
	// release is expected but not enforced.
	PriorityAttackThreshold  float64
	PriorityReleaseThreshold float64

	// AttackFrames and ReleaseFrames are the consecutive-tick counts needed
	// to flip the priority-active state on and off. Minimum 1.
	AttackFrames  int
	ReleaseFrames int

	// MinOverlapFrames is the consecutive qualifying ticks required before a
	// non-priority session is ducked. Minimum 1.
	MinOverlapFrames int

	// Interval is the polling period, floored at 20ms.
	Interval time.Duration

	// Step is the maximum volume change applied per tick, in [0.01, 1].
	Step float64
}

// DefaultConfig returns the stock tuning for the given priority executable.
func DefaultConfig(priorityProcess string) Config {
	return Config{
		PriorityProcess:          priorityProcess,
		DuckTo:                   0.25,
		Threshold:                0.02,
		PriorityAttackThreshold:  0.06,
		PriorityReleaseThreshold: 0.02,
		AttackFrames:             3,
		ReleaseFrames:            20,
		MinOverlapFrames:         2,
		Interval:                 50 * time.Millisecond,
		Step:                     0.08,
	}
}

const minInterval = 20 * time.Millisecond

// clamped returns a copy of the config with every numeric field forced into
// its documented range.
func (c Config) clamped() Config {
	c.DuckTo = clamp(c.DuckTo, 0, 1)
	c.Threshold = clamp(c.Threshold, 0, 1)
	c.PriorityAttackThreshold = clamp(c.PriorityAttackThreshold, 0, 1)
	c.PriorityReleaseThreshold = clamp(c.PriorityReleaseThreshold, 0, 1)
	c.Step = clamp(c.Step, 0.01, 1)
	if c.Interval < minInterval {
		c.Interval = minInterval
	}
	if c.AttackFrames < 1 {
		c.AttackFrames = 1
	}
	if c.ReleaseFrames < 1 {
		c.ReleaseFrames = 1
	}
	if c.MinOverlapFrames < 1 {
		c.MinOverlapFrames = 1
	}
	return c
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
