package clock

import (
	"testing"
	"time"
)

func TestFakeAfter(t *testing.T) {
	f := NewFake()
	ch := f.After(10 * time.Second)

	select {
	case <-ch:
		t.Fatal("channel fired before advance")
	default:
	}

	f.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("channel fired too early")
	default:
	}

	f.Advance(time.Second)
	select {
	case got := <-ch:
		want := NewFake().Now().Add(10 * time.Second)
		if !got.Equal(want) {
			t.Errorf("fired at %v, want %v", got, want)
		}
	default:
		t.Fatal("channel did not fire at deadline")
	}
}

func TestFakeAfterFuncStop(t *testing.T) {
	f := NewFake()
	fired := false
	stop := f.AfterFunc(5*time.Second, func() { fired = true })

	if !stop() {
		t.Error("stop before firing should report prevented")
	}
	f.Advance(10 * time.Second)
	if fired {
		t.Error("stopped timer still fired")
	}
	if stop() {
		t.Error("second stop should report false")
	}
}

func TestFakeTickerPeriodAndDrop(t *testing.T) {
	f := NewFake()
	tk := f.NewTicker(time.Second)

	// Three periods elapse but the buffer holds one tick: the rest drop.
	f.Advance(3 * time.Second)
	n := 0
	for {
		select {
		case <-tk.C():
			n++
			continue
		default:
		}
		break
	}
	if n != 1 {
		t.Fatalf("got %d buffered ticks, want 1", n)
	}

	tk.Stop()
	f.Advance(5 * time.Second)
	select {
	case <-tk.C():
		t.Error("stopped ticker still ticking")
	default:
	}
}

func TestFakeFiringOrder(t *testing.T) {
	f := NewFake()
	var order []int
	f.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	f.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	f.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	f.Advance(5 * time.Second)
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("fired in order %v, want [1 2 3]", order)
	}
}
