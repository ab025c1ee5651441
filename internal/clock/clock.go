package clock

import "time"

// Clock abstracts the time operations used by the SDK.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once d has elapsed. If
	// d <= 0, the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// NewTimer returns a Timer that fires once after d.
	NewTimer(d time.Duration) *Timer

	// NewTicker returns a Ticker delivering ticks every d. Panics if
	// d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a one-shot event. Read from C; Stop releases it.
type Timer struct {
	C <-chan time.Time

	stopFunc func() bool
}

// Stop prevents the Timer from firing. It reports whether the call
// stopped an active timer.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Ticker delivers periodic ticks on C, which has capacity 1. Ticks are
// dropped when the reader falls behind.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. It does not close C.
func (t *Ticker) Stop() { t.stopFunc() }
