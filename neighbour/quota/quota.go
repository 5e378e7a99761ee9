// Package quota implements the inbound bandwidth quota tracker of §3 and
// §8 scenario 6: a token bucket capping how fast a peer may send us data,
// plus the violation counter that drives QUOTA_VIOLATION_TIMEOUT / drop
// decisions.
package quota

import (
	"time"

	"golang.org/x/time/rate"
)

// ViolationPenalty implements the "+10 per offense" half of §3; it has no
// operator-facing override.
const ViolationPenalty = 10

// DefaultViolationDecay and DefaultDropThreshold are the §3 constants
// ("-1 per compliant interval", drop above 10) used when a caller doesn't
// override them via New.
const (
	DefaultViolationDecay = 1
	DefaultDropThreshold  = 10
)

// Tracker is the per-neighbour inbound_quota_tracker (§3). It is not
// goroutine-safe; like every piece of neighbour state it is only ever
// touched from the single scheduler dispatch loop (§5).
type Tracker struct {
	limiter    *rate.Limiter
	bps        uint32
	violations int

	decay         int
	dropThreshold int
}

// New creates a tracker enforcing bytesPerSecond, with one second of burst
// allowance — the bucket a compliant peer never empties. decay and
// dropThreshold override the §3 constants per operator configuration
// (config.Config.QuotaViolationDecay / QuotaViolationDropThreshold); a
// value <= 0 falls back to the §3 default.
func New(bytesPerSecond uint32, decay, dropThreshold int) *Tracker {
	if decay <= 0 {
		decay = DefaultViolationDecay
	}
	if dropThreshold <= 0 {
		dropThreshold = DefaultDropThreshold
	}
	t := &Tracker{decay: decay, dropThreshold: dropThreshold}
	t.SetRate(bytesPerSecond)
	return t
}

// SetRate updates the enforced rate in response to a QUOTA message (§4.2);
// it does not reset the accumulated violation count.
func (t *Tracker) SetRate(bytesPerSecond uint32) {
	t.bps = bytesPerSecond
	burst := int(bytesPerSecond)
	if burst <= 0 {
		burst = 1
	}
	t.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

// Rate reports the currently enforced bytes/sec ceiling.
func (t *Tracker) Rate() uint32 { return t.bps }

// Observe accounts for n bytes arriving at now. It returns true if this
// observation itself was a violation (the bucket could not absorb n bytes),
// and updates the violation counter per §3's +10/-1 rule.
func (t *Tracker) Observe(now time.Time, n int) (violated bool) {
	if n <= 0 {
		return false
	}
	if !t.limiter.AllowN(now, n) {
		t.violations += ViolationPenalty
		return true
	}
	if t.violations > 0 {
		t.violations -= t.decay
	}
	return false
}

// Violations reports the current violation counter.
func (t *Tracker) Violations() int { return t.violations }

// Decay applies one compliant-interval decrement (§3's "-1 per compliant
// interval", or the operator-configured override) independent of any
// Observe call, for callers that tick the decay on their own schedule
// (SPEC_FULL.md supplemented feature 3) rather than only on traffic
// arrival.
func (t *Tracker) Decay() {
	if t.violations > 0 {
		t.violations -= t.decay
	}
}

// ShouldDrop reports whether the violation counter has crossed the drop
// threshold: receive_delay should return QUOTA_VIOLATION_TIMEOUT and
// do_forward should be NO (§8 scenario 6) until it decays back below it.
func (t *Tracker) ShouldDrop() bool { return t.violations > t.dropThreshold }
