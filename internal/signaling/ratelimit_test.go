package signaling

import (
	"testing"
	"time"
)

func TestFrameLimiterWindow(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := newFrameLimiter(2, time.Second)

	if !l.allow(now) || !l.allow(now) {
		t.Fatal("frames under the limit were rejected")
	}
	if l.allow(now) {
		t.Fatal("frame over the limit was allowed")
	}
	// The window slides; old attempts age out.
	if !l.allow(now.Add(1100 * time.Millisecond)) {
		t.Fatal("frame after the window elapsed was rejected")
	}
}

func TestFrameLimiterDisabled(t *testing.T) {
	var l *frameLimiter
	for i := 0; i < 1000; i++ {
		if !l.allow(time.Now()) {
			t.Fatal("nil limiter rejected a frame")
		}
	}
	if newFrameLimiter(0, time.Second) != nil {
		t.Fatal("zero limit did not disable the limiter")
	}
}
