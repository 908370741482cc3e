// Package retrypolicy implements the retry/recovery decision function used by
// every recoverable operation in internal/amqphub: given an error and the
// number of attempts already made, decide whether to retry, how long to wait,
// and whether the underlying connection needs to be rebuilt first.
package retrypolicy

import (
	"math"
	"math/rand"
	"time"
)

// Mode selects the backoff shape.
type Mode int

const (
	// Fixed waits Delay (capped at MaxDelay) between every attempt.
	Fixed Mode = iota
	// Exponential waits Delay*2^attempt (capped at MaxDelay), jittered,
	// where attempt is the 0-based index NextDelay receives.
	Exponential
)

// Policy is a pure function of (error, attempt) -> (delay, ok) plus a
// constant try-timeout. It carries no I/O and no mutable state, so the same
// Policy value can be shared and passed by value into every operation, per
// the "avoid global state" design note.
type Policy struct {
	MaxRetries     int
	Delay          time.Duration
	MaxDelay       time.Duration
	BaseTryTimeout time.Duration
	Mode           Mode

	// Jitter is the fractional jitter applied to Exponential backoff, e.g.
	// 0.1 for +/-10%. Ignored in Fixed mode.
	Jitter float64
}

// DefaultPolicy matches the defaults used across the official SDK's
// RetryOptions: three retries, exponential backoff from 800ms up to 60s, and
// a 60s per-attempt timeout.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		Delay:          800 * time.Millisecond,
		MaxDelay:       60 * time.Second,
		BaseTryTimeout: 60 * time.Second,
		Mode:           Exponential,
		Jitter:         0.1,
	}
}

// TryTimeoutFor returns the timeout budget for the given attempt, constant
// regardless of attempt number.
func (p Policy) TryTimeoutFor(_ int) time.Duration {
	if p.BaseTryTimeout <= 0 {
		return DefaultPolicy().BaseTryTimeout
	}
	return p.BaseTryTimeout
}

// Classification describes how an error should be treated by the retry loop.
type Classification struct {
	// Recoverable means the connection/link should be rebuilt before the
	// next attempt.
	Recoverable bool
	// Terminal means no further attempts should be made regardless of
	// remaining attempt budget.
	Terminal bool
}

// Classifier categorizes an arbitrary error produced by the AMQP transport.
// internal/amqphub/errors.go supplies the concrete implementation; this
// package only consumes the interface so it stays transport-agnostic.
type Classifier func(err error) Classification

// NextDelay implements calculate_retry_delay: given the error, the
// classifier, and the 0-based index of the attempt that just failed, it
// returns the delay before the next attempt and whether a retry should even
// be attempted.
func (p Policy) NextDelay(err error, attempt int, classify Classifier) (time.Duration, bool) {
	maxRetries := p.MaxRetries
	if maxRetries <= 0 && p.MaxRetries != 0 {
		maxRetries = DefaultPolicy().MaxRetries
	}
	if attempt >= maxRetries {
		return 0, false
	}

	cls := classify(err)
	if cls.Terminal {
		return 0, false
	}

	delay := p.Delay
	if delay <= 0 {
		delay = DefaultPolicy().Delay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultPolicy().MaxDelay
	}

	switch p.Mode {
	case Exponential:
		backoff := float64(delay) * math.Pow(2, float64(attempt))
		if p.Jitter > 0 {
			backoff *= 1.0 + (rand.Float64()*2-1)*p.Jitter
		}
		d := time.Duration(backoff)
		if d > maxDelay {
			d = maxDelay
		}
		return d, true
	default: // Fixed
		if delay > maxDelay {
			delay = maxDelay
		}
		return delay, true
	}
}

// ShouldTryRecover reports whether the connection/link should be rebuilt
// before retrying the given error, per classify.
func ShouldTryRecover(err error, classify Classifier) bool {
	if err == nil {
		return false
	}
	return classify(err).Recoverable
}
