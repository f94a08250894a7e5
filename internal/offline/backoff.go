package offline

import "time"

// Backoff computes exponential retry delays: Base doubled per attempt,
// capped at Max. Delay(0) is the delay after the first failure.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff is used when no backoff is configured.
var DefaultBackoff = Backoff{Base: 2 * time.Second, Max: 5 * time.Minute}

// Delay returns the wait before retry number attempt+1.
// The result never decreases as attempt grows.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		b.Base = DefaultBackoff.Base
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff.Max
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
