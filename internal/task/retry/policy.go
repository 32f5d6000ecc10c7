package retry

import (
	"math"
	"strings"
	"time"
)

// DefaultInterval is used when a policy omits its interval, and as the constant
// retry interval for failures on tasks with no failure policy at all.
const DefaultInterval = 5 * time.Minute

// Uncapped marks a policy without a retry cap.
const Uncapped = -1

// Policy configures re-execution for one condition (failure or incompleteness).
//
// The delay before the k-th re-run is Interval * k^Exponent, where k is the
// count after it was incremented for the current outcome. Exponent 0 yields a
// constant delay.
type Policy struct {
	Interval time.Duration
	Exponent float64

	// MaxRetries < 0 means uncapped. A run is aborted once count > MaxRetries,
	// so the first attempt plus exactly MaxRetries re-runs are allowed.
	MaxRetries int

	// OnMaxRetry names a jobbing task submitted with the original payload when
	// the cap is exceeded. Empty disables the hand-off.
	OnMaxRetry string

	// MaxInterval clamps the computed delay. 0 disables the clamp.
	MaxInterval time.Duration
}

// Constant returns an uncapped policy with a fixed interval.
func Constant(interval time.Duration) Policy {
	return Policy{Interval: interval, MaxRetries: Uncapped}
}

// Exponential returns an uncapped policy growing as interval * k^exponent.
func Exponential(interval time.Duration, exponent float64) Policy {
	return Policy{Interval: interval, Exponent: exponent, MaxRetries: Uncapped}
}

// WithMaxRetries returns a copy of p capped at n retries.
func (p Policy) WithMaxRetries(n int) Policy {
	p.MaxRetries = n
	return p
}

// WithHandOff returns a copy of p that submits task when the cap is exceeded.
func (p Policy) WithHandOff(task string) Policy {
	p.OnMaxRetry = strings.TrimSpace(task)
	return p
}

// Capped reports whether the policy limits the number of retries.
func (p Policy) Capped() bool { return p.MaxRetries >= 0 }

func (p Policy) withDefaults(def time.Duration) Policy {
	if p.Interval <= 0 {
		p.Interval = def
	}
	if p.Exponent < 0 || math.IsNaN(p.Exponent) || math.IsInf(p.Exponent, 0) {
		p.Exponent = 0
	}
	if p.MaxInterval < 0 {
		p.MaxInterval = 0
	}
	p.OnMaxRetry = strings.TrimSpace(p.OnMaxRetry)
	return p
}

// Delay returns the wait before re-run number count (count >= 1).
func (p Policy) Delay(count int) time.Duration {
	if count < 1 {
		count = 1
	}
	d := p.Interval
	if p.Exponent != 0 {
		f := float64(p.Interval) * math.Pow(float64(count), p.Exponent)
		if f >= float64(math.MaxInt64) || math.IsInf(f, 0) {
			d = time.Duration(math.MaxInt64)
		} else {
			d = time.Duration(f)
		}
	}
	if p.MaxInterval > 0 && d > p.MaxInterval {
		d = p.MaxInterval
	}
	if d < 0 {
		d = 0
	}
	return d
}
