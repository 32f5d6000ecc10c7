// Package retry builds the effective re-execution behavior of a task for its
// two independent conditions: failure (the logic returned an error or
// panicked) and incompleteness (the logic reported it isn't done yet).
package retry

import "time"

// Action is what the scheduler core does with an instance after an outcome.
type Action int

const (
	// Retry reschedules the instance after Decision.Delay.
	Retry Action = iota + 1
	// Abort gives up: hand off to Decision.HandOff (if set) and delete.
	Abort
	// Remove deletes the instance without a hand-off.
	Remove
)

func (a Action) String() string {
	switch a {
	case Retry:
		return "retry"
	case Abort:
		return "abort"
	case Remove:
		return "remove"
	default:
		return "unknown"
	}
}

// Decision is the resolved reaction to one outcome.
type Decision struct {
	Action  Action
	Delay   time.Duration
	HandOff string
}

// Resolver holds the effective policies of one task.
type Resolver struct {
	failure    Policy
	incomplete *Policy
}

// Resolve builds a Resolver from optional policies.
//
// A nil failure policy becomes a constant, uncapped retry at defaultInterval.
// A failure or incompleteness policy without an interval also uses
// defaultInterval; its cap is kept. A nil incompleteness policy makes an
// incomplete outcome terminal.
func Resolve(onFailure, onIncomplete *Policy, defaultInterval time.Duration) Resolver {
	if defaultInterval <= 0 {
		defaultInterval = DefaultInterval
	}
	r := Resolver{failure: Constant(defaultInterval)}
	if onFailure != nil {
		r.failure = onFailure.withDefaults(defaultInterval)
	}
	if onIncomplete != nil {
		p := onIncomplete.withDefaults(defaultInterval)
		r.incomplete = &p
	}
	return r
}

// FailurePolicy returns the effective failure policy.
func (r Resolver) FailurePolicy() Policy { return r.failure }

// IncompletePolicy returns the effective incompleteness policy, if any.
func (r Resolver) IncompletePolicy() (Policy, bool) {
	if r.incomplete == nil {
		return Policy{}, false
	}
	return *r.incomplete, true
}

// Failure decides what to do after a failed run. failures is the consecutive
// failure count including the run that just failed.
func (r Resolver) Failure(failures int) Decision {
	return decide(r.failure, failures)
}

// Incomplete decides what to do after an incomplete run. repeats is the repeat
// count including the run that just returned incomplete.
func (r Resolver) Incomplete(repeats int) Decision {
	if r.incomplete == nil {
		return Decision{Action: Remove}
	}
	return decide(*r.incomplete, repeats)
}

func decide(p Policy, count int) Decision {
	if p.Capped() && count > p.MaxRetries {
		return Decision{Action: Abort, HandOff: p.OnMaxRetry}
	}
	return Decision{Action: Retry, Delay: p.Delay(count)}
}
