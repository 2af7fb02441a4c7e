// Package backoff implements capped exponential backoff with full jitter,
// after https://www.awsarchitectureblog.com/2015/03/backoff.html.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

const defaultBase = 100 * time.Millisecond

// Backoff tracks retry attempts and sleeps a random duration bounded by an
// exponentially growing ceiling. The zero value is not usable; call New.
type Backoff struct {
	attempt uint32
	base    time.Duration
	cap     time.Duration
}

// New returns a Backoff whose sleep ceiling starts at 100ms and doubles per
// attempt up to cap.
func New(cap time.Duration) *Backoff {
	return &Backoff{base: defaultBase, cap: cap}
}

// Ceiling returns the maximum sleep for the given attempt:
// min(cap, base*2^attempt), saturating instead of overflowing.
func (b *Backoff) Ceiling(attempt uint32) time.Duration {
	shift := attempt
	if shift > 63 {
		shift = 63
	}
	max := b.base << shift
	if max < 0 || max>>shift != b.base { // overflowed
		max = time.Duration(math.MaxInt64)
	}
	if max > b.cap {
		max = b.cap
	}
	return max
}

// Wait sleeps for a uniformly random duration in [0, Ceiling(attempt)) and
// advances the attempt counter, which saturates instead of wrapping.
func (b *Backoff) Wait() {
	max := b.Ceiling(b.attempt)
	if max > 0 {
		time.Sleep(time.Duration(rand.Int64N(int64(max))))
	}
	if b.attempt < math.MaxUint32 {
		b.attempt++
	}
}

// Attempt returns the number of completed waits.
func (b *Backoff) Attempt() uint32 {
	return b.attempt
}
