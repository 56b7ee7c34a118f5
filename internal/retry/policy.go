// Package retry decides how long a feed waits before reconnecting and when it
// gives up.
package retry

import (
	"time"

	"github.com/jpillora/backoff"
)

// Policy maps a reconnect attempt number to a delay.
// Attempt counts failures since the last confirmed open, starting at 0.
type Policy interface {
	NextDelay(attempt int) time.Duration
	ShouldRetry(attempt int) bool
}

// DialFailureDelayer is implemented by policies that wait differently when
// no connection attempt could be made because the endpoint was unusable.
type DialFailureDelayer interface {
	DialFailureDelay(attempt int) time.Duration
}

// Exponential doubles the delay from Base up to Max and stops after
// MaxAttempts failures. MaxAttempts <= 0 retries forever.
type Exponential struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

func (e Exponential) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	b := &backoff.Backoff{
		Min:    e.Base,
		Max:    e.Max,
		Factor: 2,
	}
	return b.ForAttempt(float64(attempt))
}

func (e Exponential) ShouldRetry(attempt int) bool {
	return e.MaxAttempts <= 0 || attempt < e.MaxAttempts
}

// Fixed waits the same Delay after every failure and never gives up.
// DialFailure, when set, replaces Delay for attempts that failed before a
// socket could be dialed. Refused connections and failed handshakes use Delay.
type Fixed struct {
	Delay       time.Duration
	DialFailure time.Duration
}

func (f Fixed) NextDelay(int) time.Duration {
	return f.Delay
}

func (f Fixed) ShouldRetry(int) bool {
	return true
}

func (f Fixed) DialFailureDelay(attempt int) time.Duration {
	if f.DialFailure > 0 {
		return f.DialFailure
	}
	return f.NextDelay(attempt)
}

// NotificationDefault is 1s doubling to 30s, ten attempts.
func NotificationDefault() Exponential {
	return Exponential{Base: time.Second, Max: 30 * time.Second, MaxAttempts: 10}
}

// MarketDefault is a flat 3s, or 5s when the dial itself failed.
func MarketDefault() Fixed {
	return Fixed{Delay: 3 * time.Second, DialFailure: 5 * time.Second}
}

// DelayFor picks the delay for a failure, honoring DialFailureDelayer.
func DelayFor(p Policy, attempt int, dialFailed bool) time.Duration {
	if dialFailed {
		if d, ok := p.(DialFailureDelayer); ok {
			return d.DialFailureDelay(attempt)
		}
	}
	return p.NextDelay(attempt)
}
