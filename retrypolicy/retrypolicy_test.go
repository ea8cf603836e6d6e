package retrypolicy

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFixed(t *testing.T) {
	p := Fixed{MaxAttempts: 2, Delay: time.Second}

	d := p.Decide(errors.New("boom"), 0)
	require.True(t, d.Retry)
	require.Equal(t, time.Second, d.Delay)

	d = p.Decide(errors.New("boom"), 1)
	require.True(t, d.Retry)

	d = p.Decide(errors.New("boom"), 2)
	require.False(t, d.Retry)
}

func TestExponentialNoJitterGrows(t *testing.T) {
	p := Exponential{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    time.Minute,
		Jitter:      JitterNone,
	}

	prev := time.Duration(0)
	for attempt := 0; attempt < 4; attempt++ {
		d := p.Decide(nil, attempt)
		require.True(t, d.Retry)
		require.GreaterOrEqual(t, d.Delay, time.Second)
		require.GreaterOrEqual(t, d.Delay, prev)
		prev = d.Delay
	}

	d := p.Decide(nil, 5)
	require.False(t, d.Retry)
}

func TestExponentialRespectsMaxDelay(t *testing.T) {
	p := Exponential{MaxAttempts: 20, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 3 * time.Second, Jitter: JitterNone}
	d := p.Decide(nil, 10)
	require.True(t, d.Retry)
	require.LessOrEqual(t, d.Delay, 3*time.Second+time.Second) // rounding headroom
}

func TestExponentialJitterDeterministic(t *testing.T) {
	p := Exponential{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Second,
		Multiplier:  1,
		Jitter:      JitterFull,
		Rand:        func() float64 { return 0.5 },
	}
	d := p.Decide(nil, 0)
	require.True(t, d.Retry)
	require.Equal(t, 5*time.Second, d.Delay)
}

func TestNoneAlwaysFails(t *testing.T) {
	require.False(t, (None{}).Decide(errors.New("x"), 0).Retry)
}

func TestValidateJitterTable(t *testing.T) {
	_, ok := ValidateJitterTable([]Jitter{JitterFull, JitterNone})
	require.True(t, ok)

	_, ok = ValidateJitterTable([]Jitter{Jitter(99)})
	require.False(t, ok)
}

func TestExponential_WithValidatedJitter(t *testing.T) {
	e := Exponential{Jitter: JitterHalf}
	require.Equal(t, JitterHalf, e.WithValidatedJitter().Jitter)

	e = Exponential{Jitter: Jitter(99)}
	require.Equal(t, JitterFull, e.WithValidatedJitter().Jitter)
}
