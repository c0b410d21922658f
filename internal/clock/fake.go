package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock. Advance moves the fake time forward
// and fires, in chronological order, every timer and ticker that becomes
// due. Safe for concurrent use.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	at      time.Time
	period  time.Duration // 0 for one-shot
	ch      chan time.Time
	fn      func()
	stopped bool
	fired   bool
}

// NewFake returns a Fake starting at a fixed, arbitrary instant.
func NewFake() *Fake {
	return &Fake{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// NewFakeAt returns a Fake starting at t.
func NewFakeAt(t time.Time) *Fake { return &Fake{now: t} }

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{at: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.waiters = append(f.waiters, w)
	return w.ch
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) func() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{at: f.now.Add(d), fn: fn}
	f.waiters = append(f.waiters, w)
	return func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		prevented := !w.fired && !w.stopped
		w.stopped = true
		return prevented
	}
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{at: f.now.Add(d), period: d, ch: make(chan time.Time, 1)}
	f.waiters = append(f.waiters, w)
	return &fakeTicker{clk: f, w: w}
}

// Advance moves the clock forward by d, firing due waiters in order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	for {
		w := f.nextDueLocked(target)
		if w == nil {
			break
		}
		f.now = w.at
		f.fireLocked(w)
	}
	f.now = target
	f.mu.Unlock()
}

// nextDueLocked picks the earliest unstopped waiter due at or before
// target, or nil when none remain.
func (f *Fake) nextDueLocked(target time.Time) *fakeWaiter {
	sort.SliceStable(f.waiters, func(i, j int) bool {
		return f.waiters[i].at.Before(f.waiters[j].at)
	})
	for _, w := range f.waiters {
		if w.stopped || w.fired {
			continue
		}
		if !w.at.After(target) {
			return w
		}
	}
	return nil
}

func (f *Fake) fireLocked(w *fakeWaiter) {
	switch {
	case w.fn != nil:
		w.fired = true
		fn := w.fn
		// Run callbacks without the lock: they may re-arm timers.
		f.mu.Unlock()
		fn()
		f.mu.Lock()
	case w.period > 0:
		select {
		case w.ch <- w.at:
		default: // consumer is behind, drop the tick
		}
		w.at = w.at.Add(w.period)
	default:
		w.fired = true
		w.ch <- w.at
	}
}

type fakeTicker struct {
	clk *Fake
	w   *fakeWaiter
}

func (t *fakeTicker) C() <-chan time.Time { return t.w.ch }

func (t *fakeTicker) Stop() {
	t.clk.mu.Lock()
	t.w.stopped = true
	t.clk.mu.Unlock()
}

func (t *fakeTicker) Reset(d time.Duration) {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	t.clk.mu.Lock()
	t.w.period = d
	t.w.at = t.clk.now.Add(d)
	t.w.stopped = false
	t.clk.mu.Unlock()
}
