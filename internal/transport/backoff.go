package transport

import (
	"math/rand/v2"
	"time"
)

// backoff yields exponentially growing delays with jitter. Attempt n
// waits a random duration in [d/2, d] where d = base * 2^(n-1), capped at
// max.
type backoff struct {
	base, max time.Duration
	jitter    func() float64
}

func newBackoff(base, maxDelay time.Duration) backoff {
	return backoff{base: base, max: maxDelay, jitter: rand.Float64}
}

func (b backoff) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.base
	for i := 1; i < attempt && d < b.max; i++ {
		d *= 2
	}
	d = min(d, b.max)
	half := d / 2
	return half + time.Duration(b.jitter()*float64(d-half))
}
