package stratum

import (
	"math"
	"time"
)

// VardiffConfig tunes per-session difficulty retargeting.
type VardiffConfig struct {
	// Target is the desired time between shares.
	Target time.Duration
	// Retarget is how long shares are counted before adjusting.
	Retarget time.Duration
	Min      float64
	Max      float64
}

// Bounds on a single adjustment.
const (
	minAdjustment = 0.1
	maxStep       = 4.0
)

type vardiff struct {
	cfg         VardiffConfig
	windowStart time.Time
	shares      int
}

func newVardiff(cfg VardiffConfig, now time.Time) *vardiff {
	return &vardiff{cfg: cfg, windowStart: now}
}

// record counts a share at now and returns the new difficulty when a retarget
// is due and the change is worth sending.
func (v *vardiff) record(now time.Time, current float64) (float64, bool) {
	v.shares++
	elapsed := now.Sub(v.windowStart)
	if v.cfg.Target <= 0 || elapsed < v.cfg.Retarget {
		return current, false
	}

	avg := elapsed.Seconds() / float64(v.shares)
	v.windowStart = now
	v.shares = 0

	ratio := v.cfg.Target.Seconds() / avg
	ratio = math.Max(1/maxStep, math.Min(maxStep, ratio))
	if math.Abs(ratio-1) < minAdjustment {
		return current, false
	}

	next := current * ratio
	if v.cfg.Min > 0 {
		next = math.Max(next, v.cfg.Min)
	}
	if v.cfg.Max > 0 {
		next = math.Min(next, v.cfg.Max)
	}
	if next == current {
		return current, false
	}
	return next, true
}
