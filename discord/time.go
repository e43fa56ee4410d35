package discord

import "time"

// Milliseconds is the millisecond duration type used by the voice gateway.
type Milliseconds float64

// DurationToMilliseconds converts a time.Duration to Milliseconds.
func DurationToMilliseconds(dura time.Duration) Milliseconds {
	return Milliseconds(dura.Milliseconds())
}

// Duration returns the Milliseconds as a time.Duration.
func (ms Milliseconds) Duration() time.Duration {
	return time.Duration(float64(ms) * float64(time.Millisecond))
}

func (ms Milliseconds) String() string {
	return ms.Duration().String()
}
