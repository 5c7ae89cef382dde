package registry

import (
	"math/rand/v2"
	"time"
)

// defaultJitter draws uniformly from [0.8, 1.2).
func defaultJitter() float64 {
	return 0.8 + 0.4*rand.Float64()
}

// backoff yields the delays between send attempts. Each delay is the
// previous one times 2*jitter, capped. With jitter >= 0.8 the sequence never
// decreases and never exceeds the cap.
type backoff struct {
	delay  time.Duration
	cap    time.Duration
	jitter func() float64
}

func newBackoff(initial, limit time.Duration, jitter func() float64) *backoff {
	if jitter == nil {
		jitter = defaultJitter
	}
	if limit > 0 && initial > limit {
		initial = limit
	}
	return &backoff{delay: initial, cap: limit, jitter: jitter}
}

// next returns the delay to wait now and advances the sequence.
func (b *backoff) next() time.Duration {
	d := b.delay
	grown := time.Duration(float64(b.delay) * 2 * b.jitter())
	if grown < b.delay {
		// overflow or a jitter source outside its range
		grown = b.delay
		if b.cap > 0 {
			grown = b.cap
		}
	}
	if b.cap > 0 && grown > b.cap {
		grown = b.cap
	}
	b.delay = grown
	return d
}
