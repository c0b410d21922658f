package signaling

import "time"

// frameLimiter is a sliding-window limit on incoming client frames. A
// flooding client must not starve the exchange half of the select loop,
// so excess frames are rejected before dispatch.
type frameLimiter struct {
	history  []time.Time
	limit    int
	interval time.Duration
}

// newFrameLimiter returns nil when limit is zero; a nil limiter allows
// everything.
func newFrameLimiter(limit int, interval time.Duration) *frameLimiter {
	if limit <= 0 || interval <= 0 {
		return nil
	}
	return &frameLimiter{limit: limit, interval: interval}
}

func (l *frameLimiter) allow(now time.Time) bool {
	if l == nil {
		return true
	}
	windowStart := now.Add(-l.interval)

	fresh := l.history[:0]
	for _, t := range l.history {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	l.history = fresh

	if len(l.history) >= l.limit {
		return false
	}
	l.history = append(l.history, now)
	return true
}
