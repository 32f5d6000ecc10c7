package retry

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayFollowsPowerLaw(t *testing.T) {
	tests := []struct {
		name     string
		exponent float64
		want     []time.Duration
	}{
		{name: "constant", exponent: 0, want: []time.Duration{time.Second, time.Second, time.Second, time.Second}},
		{name: "linear", exponent: 1, want: []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second}},
		{name: "quadratic", exponent: 2, want: []time.Duration{time.Second, 4 * time.Second, 9 * time.Second, 16 * time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Exponential(time.Second, tt.exponent)
			for i, want := range tt.want {
				assert.Equal(t, want, p.Delay(i+1), "k=%d", i+1)
			}
		})
	}
}

func TestDelayFractionalExponent(t *testing.T) {
	p := Exponential(time.Second, 1.5)
	want := time.Duration(float64(time.Second) * math.Pow(4, 1.5))
	assert.Equal(t, want, p.Delay(4))
}

func TestDelayClampedByMaxInterval(t *testing.T) {
	p := Exponential(time.Second, 2)
	p.MaxInterval = 5 * time.Second
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 5*time.Second, p.Delay(3))
}

func TestDelayOverflowSaturates(t *testing.T) {
	p := Exponential(time.Hour, 50)
	assert.Equal(t, time.Duration(math.MaxInt64), p.Delay(1000))
}

func TestFailureDefaultIsConstantAndUncapped(t *testing.T) {
	r := Resolve(nil, nil, 30*time.Second)
	for _, n := range []int{1, 2, 10, 1000} {
		d := r.Failure(n)
		require.Equal(t, Retry, d.Action)
		assert.Equal(t, 30*time.Second, d.Delay)
	}
}

func TestCapOnlyPolicyUsesDefaultInterval(t *testing.T) {
	r := Resolve(&Policy{MaxRetries: 2}, nil, 30*time.Second)
	assert.Equal(t, Decision{Action: Retry, Delay: 30 * time.Second}, r.Failure(1))
	assert.Equal(t, Decision{Action: Retry, Delay: 30 * time.Second}, r.Failure(2))
	assert.Equal(t, Abort, r.Failure(3).Action)
}

func TestCapAllowsExactlyMaxRetries(t *testing.T) {
	for _, m := range []int{0, 1, 3, 7} {
		r := Resolve(&Policy{Interval: time.Second, MaxRetries: m}, nil, 0)
		runs := 1
		for count := 1; ; count++ {
			if r.Failure(count).Action == Abort {
				break
			}
			runs++
		}
		assert.Equal(t, m+1, runs, "max_retry=%d", m)
	}
}

func TestAbortCarriesHandOff(t *testing.T) {
	p := Exponential(time.Second, 1).WithMaxRetries(1).WithHandOff(" dead-letter ")
	r := Resolve(&p, nil, 0)
	d := r.Failure(2)
	assert.Equal(t, Abort, d.Action)
	assert.Equal(t, "dead-letter", d.HandOff)
}

func TestIncompleteWithoutPolicyIsTerminal(t *testing.T) {
	r := Resolve(nil, nil, 0)
	assert.Equal(t, Remove, r.Incomplete(1).Action)
	_, ok := r.IncompletePolicy()
	assert.False(t, ok)
}

func TestIncompletePolicyIndependentOfFailure(t *testing.T) {
	fail := Constant(time.Second).WithMaxRetries(1)
	inc := Exponential(100*time.Millisecond, 1)
	r := Resolve(&fail, &inc, 0)

	// Large repeat counts never consult the failure cap.
	d := r.Incomplete(50)
	require.Equal(t, Retry, d.Action)
	assert.Equal(t, 5*time.Second, d.Delay)

	assert.Equal(t, Retry, r.Failure(1).Action)
	assert.Equal(t, Abort, r.Failure(2).Action)
}

func TestNegativeExponentIgnored(t *testing.T) {
	r := Resolve(&Policy{Interval: time.Second, Exponent: -2, MaxRetries: Uncapped}, nil, 0)
	assert.Equal(t, time.Second, r.Failure(5).Delay)
}
