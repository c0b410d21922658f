package automod

import (
	"context"
	"errors"
	"testing"

	"github.com/confab-dev/confab/internal/clock"
	"github.com/confab-dev/confab/internal/domain"
	"github.com/confab-dev/confab/internal/storage"
)

func newEngine(t *testing.T) (*Engine, *storage.Memory, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake()
	store := storage.NewMemory(clk)
	// Always pick the first pool entry. The assertions below never
	// depend on which participant that is, only on pool membership.
	return NewEngine(store, func(int) int { return 0 }), store, clk
}

func participants(n int) []domain.ParticipantID {
	ps := make([]domain.ParticipantID, n)
	for i := range ps {
		ps[i] = domain.NewParticipantID()
	}
	return ps
}

func TestRandomSelectionExhaustsPool(t *testing.T) {
	ctx := context.Background()
	engine, store, clk := newEngine(t)
	room := domain.SignalingRoom{}
	pool := participants(2)
	if err := store.AllowListReplace(ctx, room, pool); err != nil {
		t.Fatal(err)
	}
	cfg := &domain.AutomodConfig{Strategy: domain.SelectionRandom}

	first, err := engine.Select(ctx, room, cfg, nil, clk.Now())
	if err != nil {
		t.Fatal(err)
	}
	if first == nil || first.Speaker == nil || first.Previous != nil {
		t.Fatalf("first transition %+v, want fresh speaker", first)
	}
	if len(first.Remaining) != 1 {
		t.Fatalf("remaining after first pick has %d entries, want 1", len(first.Remaining))
	}

	second, err := engine.Select(ctx, room, cfg, nil, clk.Now())
	if err != nil {
		t.Fatal(err)
	}
	if second.Speaker == nil || *second.Speaker == *first.Speaker {
		t.Fatalf("second pick %v repeats the first %v", second.Speaker, first.Speaker)
	}
	if second.Previous == nil || *second.Previous != *first.Speaker {
		t.Fatalf("second transition does not stop the first speaker: %+v", second)
	}
	if len(second.Remaining) != 0 {
		t.Fatalf("pool not consumed, %d remaining", len(second.Remaining))
	}

	// Empty pool ends the session: the running speaker is stopped and
	// no successor starts.
	third, err := engine.Select(ctx, room, cfg, nil, clk.Now())
	if err != nil {
		t.Fatal(err)
	}
	if third == nil || third.Speaker != nil || third.Previous == nil {
		t.Fatalf("exhausted pool transition %+v, want stop only", third)
	}

	history, err := store.AutomodHistory(ctx, room)
	if err != nil {
		t.Fatal(err)
	}
	var starts, stops int
	for _, e := range history {
		switch e.Kind {
		case domain.AutomodStart:
			starts++
		case domain.AutomodStop:
			stops++
		}
	}
	if starts != 2 || stops != 2 {
		t.Fatalf("history has %d starts and %d stops, want 2 and 2", starts, stops)
	}

	if speaker, err := store.Speaker(ctx, room); err != nil || speaker != nil {
		t.Fatalf("speaker not cleared after exhaustion (speaker=%v err=%v)", speaker, err)
	}
}

func TestRandomNoDoubleSelectionSkipsSpeaker(t *testing.T) {
	ctx := context.Background()
	engine, store, clk := newEngine(t)
	room := domain.SignalingRoom{}
	pool := participants(2)
	if err := store.AllowListReplace(ctx, room, pool); err != nil {
		t.Fatal(err)
	}
	cfg := &domain.AutomodConfig{Strategy: domain.SelectionRandom}

	first, err := engine.Select(ctx, room, cfg, nil, clk.Now())
	if err != nil {
		t.Fatal(err)
	}
	// Put the current speaker back; without double selection the draw
	// must still land on the other participant.
	if err := store.AllowListAdd(ctx, room, *first.Speaker); err != nil {
		t.Fatal(err)
	}
	second, err := engine.Select(ctx, room, cfg, nil, clk.Now())
	if err != nil {
		t.Fatal(err)
	}
	if second.Speaker == nil || *second.Speaker == *first.Speaker {
		t.Fatalf("draw repeated the current speaker %v", first.Speaker)
	}
}

func TestNominationRequiresAllowListMember(t *testing.T) {
	ctx := context.Background()
	engine, store, clk := newEngine(t)
	room := domain.SignalingRoom{}
	pool := participants(1)
	if err := store.AllowListReplace(ctx, room, pool); err != nil {
		t.Fatal(err)
	}
	cfg := &domain.AutomodConfig{Strategy: domain.SelectionNomination}

	outsider := domain.NewParticipantID()
	if _, err := engine.Select(ctx, room, cfg, &outsider, clk.Now()); !errors.Is(err, ErrInvalidSelection) {
		t.Fatalf("outsider nomination returned %v, want ErrInvalidSelection", err)
	}
	if _, err := engine.Select(ctx, room, cfg, nil, clk.Now()); !errors.Is(err, ErrInvalidSelection) {
		t.Fatalf("missing nomination returned %v, want ErrInvalidSelection", err)
	}

	sel, err := engine.Select(ctx, room, cfg, &pool[0], clk.Now())
	if err != nil {
		t.Fatal(err)
	}
	if sel.Speaker == nil || *sel.Speaker != pool[0] {
		t.Fatalf("nominated speaker %v, want %v", sel.Speaker, pool[0])
	}
}

func TestPlaylistPopsHeadFirst(t *testing.T) {
	ctx := context.Background()
	engine, store, clk := newEngine(t)
	room := domain.SignalingRoom{}
	order := participants(3)
	if err := store.PlaylistReplace(ctx, room, order); err != nil {
		t.Fatal(err)
	}
	cfg := &domain.AutomodConfig{Strategy: domain.SelectionPlaylist}

	for i, want := range order {
		sel, err := engine.Select(ctx, room, cfg, nil, clk.Now())
		if err != nil {
			t.Fatal(err)
		}
		if sel.Speaker == nil || *sel.Speaker != want {
			t.Fatalf("pop %d returned %v, want %v", i, sel.Speaker, want)
		}
		if len(sel.Remaining) != len(order)-i-1 {
			t.Fatalf("pop %d left %d entries, want %d", i, len(sel.Remaining), len(order)-i-1)
		}
	}
}

func TestPlaylistExhaustionSignalsAnimation(t *testing.T) {
	ctx := context.Background()
	engine, store, clk := newEngine(t)
	room := domain.SignalingRoom{}
	cfg := &domain.AutomodConfig{Strategy: domain.SelectionPlaylist}

	// Empty playlist, empty allow list: nothing to do.
	sel, err := engine.Select(ctx, room, cfg, nil, clk.Now())
	if err != nil {
		t.Fatal(err)
	}
	if sel != nil {
		t.Fatalf("empty session transition %+v, want nil", sel)
	}

	// A non-empty allow list turns exhaustion into the regeneration
	// animation instead of a silent no-op.
	if err := store.AllowListReplace(ctx, room, participants(2)); err != nil {
		t.Fatal(err)
	}
	sel, err = engine.Select(ctx, room, cfg, nil, clk.Now())
	if err != nil {
		t.Fatal(err)
	}
	if sel == nil || !sel.StartAnimation || sel.Speaker != nil {
		t.Fatalf("exhausted playlist transition %+v, want start animation", sel)
	}
}

func TestStopSpeaker(t *testing.T) {
	ctx := context.Background()
	engine, store, clk := newEngine(t)
	room := domain.SignalingRoom{}

	stopped, err := engine.StopSpeaker(ctx, room, clk.Now())
	if err != nil || stopped {
		t.Fatalf("stop without speaker reported %v, %v", stopped, err)
	}

	p := domain.NewParticipantID()
	if err := store.SetSpeakerAndHistory(ctx, room, &p, nil); err != nil {
		t.Fatal(err)
	}
	stopped, err = engine.StopSpeaker(ctx, room, clk.Now())
	if err != nil || !stopped {
		t.Fatalf("stop with speaker reported %v, %v", stopped, err)
	}
	if speaker, err := store.Speaker(ctx, room); err != nil || speaker != nil {
		t.Fatalf("speaker still set after stop (speaker=%v err=%v)", speaker, err)
	}
}
