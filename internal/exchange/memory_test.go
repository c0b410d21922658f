package exchange

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/confab-dev/confab/internal/metrics"
)

func recvOne(t *testing.T, sub Subscription) Delivery {
	t.Helper()
	select {
	case d, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return Delivery{}
	}
}

func TestPublishReachesBoundKeysOnly(t *testing.T) {
	ctx := context.Background()
	ex := NewMemory(8, metrics.NewRegistry())
	defer ex.Close()

	sub, err := ex.Subscribe(ctx, "room=a")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	if err := ex.Publish(ctx, "room=b", []byte("other")); err != nil {
		t.Fatal(err)
	}
	if err := ex.Publish(ctx, "room=a", []byte("mine")); err != nil {
		t.Fatal(err)
	}

	d := recvOne(t, sub)
	if d.Key != "room=a" || string(d.Data) != "mine" {
		t.Fatalf("got %q on %q, want mine on room=a", d.Data, d.Key)
	}
	select {
	case d := <-sub.C():
		t.Fatalf("unexpected extra delivery: %+v", d)
	default:
	}
}

func TestBindUnbindDynamic(t *testing.T) {
	ctx := context.Background()
	ex := NewMemory(8, metrics.NewRegistry())
	defer ex.Close()

	sub, err := ex.Subscribe(ctx, "room=a")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	if err := sub.Bind(ctx, "room=a:breakout=b1"); err != nil {
		t.Fatal(err)
	}
	if err := ex.Publish(ctx, "room=a:breakout=b1", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if d := recvOne(t, sub); d.Key != "room=a:breakout=b1" {
		t.Fatalf("delivery key = %q", d.Key)
	}

	if err := sub.Unbind(ctx, "room=a:breakout=b1"); err != nil {
		t.Fatal(err)
	}
	if err := ex.Publish(ctx, "room=a:breakout=b1", []byte("y")); err != nil {
		t.Fatal(err)
	}
	select {
	case d := <-sub.C():
		t.Fatalf("delivery after unbind: %+v", d)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	ctx := context.Background()
	reg := metrics.NewRegistry()
	ex := NewMemory(2, reg)
	defer ex.Close()

	sub, err := ex.Subscribe(ctx, "room=a")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	for i := 0; i < 5; i++ {
		if err := ex.Publish(ctx, "room=a", []byte(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	// Only the newest two survive.
	if d := recvOne(t, sub); string(d.Data) != "m3" {
		t.Fatalf("first surviving = %q, want m3", d.Data)
	}
	if d := recvOne(t, sub); string(d.Data) != "m4" {
		t.Fatalf("second surviving = %q, want m4", d.Data)
	}
	if got := reg.Get(metrics.ExchangeDropped); got != 3 {
		t.Fatalf("dropped counter = %d, want 3", got)
	}
}

func TestPerPublisherFIFO(t *testing.T) {
	ctx := context.Background()
	ex := NewMemory(32, metrics.NewRegistry())
	defer ex.Close()

	sub, err := ex.Subscribe(ctx, "room=a")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	for i := 0; i < 10; i++ {
		if err := ex.Publish(ctx, "room=a", []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 10; i++ {
		if d := recvOne(t, sub); d.Data[0] != byte(i) {
			t.Fatalf("delivery %d out of order: %d", i, d.Data[0])
		}
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		Module:    "chat",
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload:   []byte(`{"message":"hi"}`),
	}
	b, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeEnvelope(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.Module != env.Module || !got.Timestamp.Equal(env.Timestamp) || string(got.Payload) != string(env.Payload) {
		t.Fatalf("round trip = %+v, want %+v", got, env)
	}
}

func TestSubscribeAfterCloseFails(t *testing.T) {
	ex := NewMemory(8, metrics.NewRegistry())
	sub, err := ex.Subscribe(context.Background(), "room=a")
	if err != nil {
		t.Fatal(err)
	}
	if err := ex.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-sub.C(); ok {
		t.Fatal("subscription channel still open after exchange close")
	}
	if _, err := ex.Subscribe(context.Background(), "room=a"); err != ErrClosed {
		t.Fatalf("subscribe after close = %v, want ErrClosed", err)
	}
}
