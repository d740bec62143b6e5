package engine

import (
	"time"

	"golang.org/x/time/rate"
)

// NewLimiter returns the submission limiter shared by every market:
// submissions permits per interval with the given burst.
func NewLimiter(submissions int, interval time.Duration, burst int) *rate.Limiter {
	if submissions <= 0 || interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	if burst <= 0 {
		burst = submissions
	}
	return rate.NewLimiter(rate.Every(interval/time.Duration(submissions)), burst)
}
