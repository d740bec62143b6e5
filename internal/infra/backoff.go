package infra

import (
	"math/rand"
	"sync"
	"time"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 60 * time.Second
)

// CalculateBackoff returns the reconnect delay for a websocket retry count.
func CalculateBackoff(retryCount int) time.Duration {
	// Cap retry count to prevent overflow (2^6 = 64 seconds > max 60s)
	if retryCount > 6 {
		return reconnectMaxDelay
	}
	delay := reconnectBaseDelay << uint(retryCount)
	if delay > reconnectMaxDelay {
		delay = reconnectMaxDelay
	}
	return delay
}

// Backoff produces exponential delays (base doubling, capped, plus jitter)
// for one retry sequence. Delays never decrease within a sequence, even when
// jitter is drawn at the cap. Not safe for concurrent use; create one per
// submission.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration

	rnd  func(int64) int64
	last time.Duration
}

var (
	jitterMu  sync.Mutex
	jitterRnd = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func defaultJitter(n int64) int64 {
	jitterMu.Lock()
	defer jitterMu.Unlock()
	return jitterRnd.Int63n(n)
}

// NewBackoff creates a backoff sequence.
func NewBackoff(base, max, jitter time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max, Jitter: jitter, rnd: defaultJitter}
}

// WithRand replaces the jitter source. Used by tests.
func (b *Backoff) WithRand(rnd func(int64) int64) *Backoff {
	b.rnd = rnd
	return b
}

// Next returns the delay before retry number attempt (1-based).
func (b *Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	max := b.Max
	if max < base {
		max = base
	}

	wait := max
	if shift := attempt - 1; shift < 32 {
		if d := base << uint(shift); d > 0 && d < max {
			wait = d
		}
	}
	if b.Jitter > 0 && b.rnd != nil {
		wait += time.Duration(b.rnd(int64(b.Jitter)))
	}
	if wait < b.last {
		wait = b.last
	}
	b.last = wait
	return wait
}

// Reset starts a new sequence.
func (b *Backoff) Reset() {
	b.last = 0
}
