package relay

import (
	"math/rand"
	"time"
)

// maxBackoffExponent caps the exponential component at 2^9 = 512 seconds.
const maxBackoffExponent = 9

// Backoff computes the delay before a reconnection attempt: an exponential
// component capped at 2^9 seconds plus a jitter that grows linearly with
// the attempt count.
type Backoff struct {
	// randInt returns a uniform random integer in [0, n).
	randInt func(n int) int
}

// NewBackoff returns a Backoff using math/rand as its randomness source.
func NewBackoff() *Backoff {
	return &Backoff{randInt: rand.Intn}
}

// NewBackoffWithRand returns a Backoff using the supplied randomness source.
// fn must return a uniform random integer in [0, n). Tests use this to pin
// the jitter.
func NewBackoffWithRand(fn func(n int) int) *Backoff {
	return &Backoff{randInt: fn}
}

// Next returns the delay before reconnection attempt number tries.
//
// The delay is 2^min(tries, 9) seconds plus a uniform random jitter of
// 0 to tries*3 seconds inclusive.
func (b *Backoff) Next(tries int) time.Duration {
	if tries < 0 {
		tries = 0
	}

	exp := tries
	if exp > maxBackoffExponent {
		exp = maxBackoffExponent
	}
	base := time.Duration(1<<uint(exp)) * time.Second

	jitter := time.Duration(b.randInt(tries*3+1)) * time.Second

	return base + jitter
}
