// Package retrypolicy implements the retry-delay decision contract spec.md
// §4.B specifies: a pure function of (error, attempt_number) deciding
// retry-with-delay or fail. Grounded on the teacher's
// _teacher_seed/catrate package (joeycumines-go-utilpkg/catrate): a small,
// side-effect-free decision table validated once at construction
// (catrate.parseRates), rather than per-call, and a doc.go-style package
// comment describing the one responsibility up front.
package retrypolicy

import (
	"math/rand"
	"time"

	"golang.org/x/exp/slices"
)

func defaultRand() float64 { return rand.Float64() }

// Jitter selects how a computed exponential delay is randomized.
type Jitter int

const (
	JitterNone Jitter = iota
	JitterHalf
	JitterFull
)

var jitterNames = map[Jitter]string{JitterNone: "NONE", JitterHalf: "HALF", JitterFull: "FULL"}

func (j Jitter) String() string {
	if s, ok := jitterNames[j]; ok {
		return s
	}
	return "UNKNOWN"
}

// Decision is the outcome of Policy.Decide: either retry after Delay, or
// fail outright.
type Decision struct {
	Retry bool
	// Delay is a whole number of seconds >= 1 (backend granularity,
	// spec.md §4.B), meaningful only when Retry is true.
	Delay time.Duration
}

// Policy decides whether a failed attempt should retry, and after how
// long. Implementations must be side-effect-free (spec.md §4.B).
type Policy interface {
	// Decide is called with the error that just occurred and the
	// zero-based attempt number (the count of failures already recorded).
	Decide(err error, attemptNumber int) Decision
}

// RandSource abstracts jitter randomization for deterministic tests.
// rand.Float64 in math/rand satisfies this signature.
type RandSource func() float64

// seconds rounds d to the nearest whole number of seconds, with a floor of 1s
// (spec.md §4.B: "Delay is always a whole number of seconds >= 1").
func seconds(d time.Duration) time.Duration {
	s := d.Round(time.Second)
	if s < time.Second {
		s = time.Second
	}
	return s
}

// None never retries: every attempt fails immediately.
type None struct{}

func (None) Decide(error, int) Decision { return Decision{Retry: false} }

// Fixed retries up to MaxAttempts times (attemptNumber is zero-based, so
// MaxAttempts is the count of retryable failures, not counting the
// terminal one), waiting Delay between attempts.
type Fixed struct {
	MaxAttempts int
	Delay       time.Duration
}

func (f Fixed) Decide(_ error, attemptNumber int) Decision {
	if attemptNumber >= f.MaxAttempts {
		return Decision{Retry: false}
	}
	return Decision{Retry: true, Delay: seconds(f.Delay)}
}

// Exponential implements exponential backoff with an optional jitter mode,
// the library's canonical default (spec.md §4.B).
type Exponential struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      Jitter
	// Rand, if non-nil, is used for jitter; otherwise a package-level
	// math/rand.Float64 equivalent is used. Exposed for deterministic
	// tests, mirroring catrate's preference for injected, not global,
	// randomness-adjacent state where it matters for tests.
	Rand RandSource
}

// DefaultExponential is the library's out-of-the-box retry preset
// (spec.md §4.G.1: "The configured retry policy defaults to the library's
// exponential-backoff preset").
var DefaultExponential = Exponential{
	MaxAttempts: 10,
	BaseDelay:   time.Second,
	Multiplier:  2,
	MaxDelay:    5 * time.Minute,
	Jitter:      JitterFull,
}

func (e Exponential) Decide(_ error, attemptNumber int) Decision {
	if attemptNumber >= e.MaxAttempts {
		return Decision{Retry: false}
	}

	mult := e.Multiplier
	if mult <= 0 {
		mult = 2
	}
	base := e.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	delay := float64(base)
	for i := 0; i < attemptNumber; i++ {
		delay *= mult
	}
	if e.MaxDelay > 0 && time.Duration(delay) > e.MaxDelay {
		delay = float64(e.MaxDelay)
	}

	delay = e.applyJitter(delay)

	return Decision{Retry: true, Delay: seconds(time.Duration(delay))}
}

func (e Exponential) applyJitter(delay float64) float64 {
	randFn := e.Rand
	if randFn == nil {
		randFn = defaultRand
	}
	switch e.Jitter {
	case JitterHalf:
		half := delay / 2
		return half + randFn()*half
	case JitterFull:
		return randFn() * delay
	default:
		return delay
	}
}

// ValidateJitterTable checks that every jitter value in kinds is one this
// package recognizes, returning them sorted. Grounded on
// catrate.parseRates's "validate the decision table once, not per call"
// idiom.
func ValidateJitterTable(kinds []Jitter) ([]Jitter, bool) {
	for _, k := range kinds {
		if _, ok := jitterNames[k]; !ok {
			return nil, false
		}
	}
	out := append([]Jitter(nil), kinds...)
	slices.Sort(out)
	return out, true
}

// WithValidatedJitter runs e.Jitter through ValidateJitterTable, falling
// back to JitterFull when it holds a value this package doesn't recognize
// (e.g. an Exponential built by decoding a non-constant value). Wired into
// StepConfig's defaulting path (internal/opstate), so every step validates
// its policy's jitter kind once at construction rather than per retry.
func (e Exponential) WithValidatedJitter() Exponential {
	if valid, ok := ValidateJitterTable([]Jitter{e.Jitter}); ok {
		e.Jitter = valid[0]
	} else {
		e.Jitter = JitterFull
	}
	return e
}
