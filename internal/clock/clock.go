// Package clock abstracts the time source so session timers, TTL checks
// and event timestamps can be driven deterministically in tests.
// Production code injects Real(); tests inject a Fake and advance it.
package clock

import "time"

type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time

	// After behaves like time.After.
	After(d time.Duration) <-chan time.Time

	// AfterFunc behaves like time.AfterFunc. The returned stop function
	// reports whether the call was prevented from running.
	AfterFunc(d time.Duration, f func()) (stop func() bool)

	// NewTicker behaves like time.NewTicker. Ticks are dropped, not
	// queued, when the consumer falls behind.
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of time.Ticker the controller uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
	Reset(d time.Duration)
}

// Real returns the Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) func() bool {
	t := time.AfterFunc(d, f)
	return t.Stop
}

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (rt *realTicker) C() <-chan time.Time   { return rt.t.C }
func (rt *realTicker) Stop()                 { rt.t.Stop() }
func (rt *realTicker) Reset(d time.Duration) { rt.t.Reset(d) }
