package engine

import (
	"errors"
	"time"
)

var (
	ErrStopped    = errors.New("scheduler core stopped")
	ErrMissingDep = errors.New("scheduler core dependency missing")
)

// hint decorates a task failure with instructions for the failure policy.
type hint struct {
	err     error
	final   bool
	after   time.Duration
	delayed bool
}

func (h *hint) Error() string { return h.err.Error() }
func (h *hint) Unwrap() error { return h.err }

// NoRetry marks a failure as permanent. The instance is aborted at once and
// handed off like an exhausted retry budget.
//
//	return 0, engine.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &hint{err: err, final: true}
}

// RetryAfter asks for the next attempt after d, e.g. from a downstream
// Retry-After header. The failure policy still decides whether there is a
// next attempt, and its MaxInterval still caps d.
func RetryAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return &hint{err: err, after: max(d, 0), delayed: true}
}

// IsNoRetry reports whether err carries a NoRetry mark.
func IsNoRetry(err error) bool {
	var h *hint
	for e := err; errors.As(e, &h); e = h.err {
		if h.final {
			return true
		}
	}
	return false
}

// retryDelay returns the outermost RetryAfter delay carried by err.
func retryDelay(err error) (time.Duration, bool) {
	var h *hint
	for e := err; errors.As(e, &h); e = h.err {
		if h.delayed {
			return h.after, true
		}
	}
	return 0, false
}
