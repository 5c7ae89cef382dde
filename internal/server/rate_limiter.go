package server

import (
	"time"

	"golang.org/x/time/rate"
)

// newMessageLimiter returns a token bucket that allows burst messages and
// refills burst tokens every interval.
func newMessageLimiter(cfg RateLimitConfig) *rate.Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}

	return rate.NewLimiter(rate.Every(interval/time.Duration(burst)), burst)
}
