// Package backoff computes jittered exponential delays between reconnect
// attempts, following jpillora/backoff.
package backoff

import (
	"math"
	"math/rand"
	"sync/atomic"
	"time"
)

const factor = 2

// Backoff counts attempts and hands out delays that double from Min up to Max,
// each jittered uniformly between Min and the doubled value. It is safe for
// concurrent use.
type Backoff struct {
	min, max float64 // seconds
	attempt  atomic.Int32
}

// NewBackoff creates a backoff between min and max.
func NewBackoff(min, max time.Duration) Backoff {
	return Backoff{
		min: min.Seconds(),
		max: max.Seconds(),
	}
}

// Next returns the delay for the current attempt and counts it.
func (b *Backoff) Next() time.Duration {
	return b.ForAttempt(int(b.attempt.Add(1) - 1))
}

// Attempts returns how many delays Next has handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return int(b.attempt.Load())
}

// Reset starts counting from the first attempt again.
func (b *Backoff) Reset() {
	b.attempt.Store(0)
}

// ForAttempt returns the delay for the given zero-based attempt without
// counting it.
func (b *Backoff) ForAttempt(attempt int) time.Duration {
	if b.min >= b.max {
		return seconds(b.max)
	}

	if attempt < 0 || attempt > 62 {
		attempt = 62
	}

	ceil := b.min * math.Pow(factor, float64(attempt))
	d := b.min + rand.Float64()*(ceil-b.min)

	return seconds(math.Max(b.min, math.Min(d, b.max)))
}

func seconds(secs float64) time.Duration {
	whole, frac := math.Modf(secs)
	return time.Duration(whole)*time.Second + time.Duration(frac*float64(time.Second))
}
