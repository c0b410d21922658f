package automod

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/confab-dev/confab/internal/domain"
	"github.com/confab-dev/confab/internal/storage"
)

// ErrInvalidSelection is the user-visible failure of an explicit pick
// outside the configured pool.
var ErrInvalidSelection = errors.New("automod: invalid selection")

// Engine executes speaker transitions against the store. The random
// source is injectable for deterministic tests.
type Engine struct {
	store storage.Store
	// intn returns a uniform int in [0, n).
	intn func(n int) int
}

func NewEngine(store storage.Store, intn func(n int) int) *Engine {
	if intn == nil {
		intn = rand.Intn
	}
	return &Engine{store: store, intn: intn}
}

// Selection is one committed speaker transition.
type Selection struct {
	Previous *domain.ParticipantID
	Speaker  *domain.ParticipantID
	// Remaining is the pool left after the transition: the allow list,
	// or the playlist under the playlist strategy.
	Remaining []domain.ParticipantID
	// StartAnimation signals an exhausted playlist that could be
	// regenerated from a non-empty allow list.
	StartAnimation bool
}

// Select determines the next speaker under cfg and commits the
// transition: speaker swap and history entries land atomically. A nil
// return with nil error means nothing changed (no speaker before, none
// after).
func (e *Engine) Select(ctx context.Context, room domain.SignalingRoom, cfg *domain.AutomodConfig, explicit *domain.ParticipantID, now time.Time) (*Selection, error) {
	previous, err := e.store.Speaker(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("automod: read speaker: %w", err)
	}

	sel := &Selection{Previous: previous}
	switch cfg.Strategy {
	case domain.SelectionNone:
		// Moderator-driven explicit pick, no pool membership check.
		sel.Speaker = explicit

	case domain.SelectionNomination:
		if explicit == nil {
			return nil, ErrInvalidSelection
		}
		member, err := e.store.AllowListContains(ctx, room, *explicit)
		if err != nil {
			return nil, fmt.Errorf("automod: allow list lookup: %w", err)
		}
		if !member {
			return nil, ErrInvalidSelection
		}
		sel.Speaker = explicit

	case domain.SelectionRandom:
		next, err := e.drawRandom(ctx, room, cfg, previous)
		if err != nil {
			return nil, err
		}
		sel.Speaker = next

	case domain.SelectionPlaylist:
		head, ok, err := e.store.PlaylistPop(ctx, room)
		if err != nil {
			return nil, fmt.Errorf("automod: playlist pop: %w", err)
		}
		if ok {
			sel.Speaker = &head
		} else {
			pool, err := e.store.AllowList(ctx, room)
			if err != nil {
				return nil, fmt.Errorf("automod: read allow list: %w", err)
			}
			sel.StartAnimation = len(pool) > 0
		}

	default:
		return nil, fmt.Errorf("automod: unknown strategy %q", cfg.Strategy)
	}

	if previous == nil && sel.Speaker == nil {
		if sel.StartAnimation {
			return sel, nil
		}
		return nil, nil
	}

	var entries []domain.AutomodHistoryEntry
	if previous != nil {
		entries = append(entries, domain.AutomodHistoryEntry{
			Kind: domain.AutomodStop, Participant: *previous, Timestamp: now,
		})
	}
	if sel.Speaker != nil {
		entries = append(entries, domain.AutomodHistoryEntry{
			Kind: domain.AutomodStart, Participant: *sel.Speaker, Timestamp: now,
		})
	}
	if err := e.store.SetSpeakerAndHistory(ctx, room, sel.Speaker, entries); err != nil {
		return nil, fmt.Errorf("automod: commit transition: %w", err)
	}

	switch cfg.Strategy {
	case domain.SelectionPlaylist:
		sel.Remaining, err = e.store.Playlist(ctx, room)
	default:
		sel.Remaining, err = e.store.AllowList(ctx, room)
	}
	if err != nil {
		return nil, fmt.Errorf("automod: read remaining: %w", err)
	}
	return sel, nil
}

// drawRandom samples without replacement: the pick leaves the allow
// list. previous is excluded unless double selection is allowed.
func (e *Engine) drawRandom(ctx context.Context, room domain.SignalingRoom, cfg *domain.AutomodConfig, previous *domain.ParticipantID) (*domain.ParticipantID, error) {
	pool, err := e.store.AllowList(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("automod: read allow list: %w", err)
	}
	if cfg.ConsiderHandRaise {
		raised, err := e.store.RaisedHands(ctx, room)
		if err != nil {
			return nil, fmt.Errorf("automod: read raised hands: %w", err)
		}
		raisedSet := make(map[domain.ParticipantID]struct{}, len(raised))
		for _, p := range raised {
			raisedSet[p] = struct{}{}
		}
		filtered := pool[:0]
		for _, p := range pool {
			if _, ok := raisedSet[p]; ok {
				filtered = append(filtered, p)
			}
		}
		pool = filtered
	}
	if !cfg.AllowDoubleSelection && previous != nil {
		filtered := pool[:0]
		for _, p := range pool {
			if p != *previous {
				filtered = append(filtered, p)
			}
		}
		pool = filtered
	}
	if len(pool) == 0 {
		return nil, nil
	}
	pick := pool[e.intn(len(pool))]
	if err := e.store.AllowListRemove(ctx, room, pick); err != nil {
		return nil, fmt.Errorf("automod: consume pick: %w", err)
	}
	return &pick, nil
}

// StopSpeaker closes the current turn without starting a new one.
// Reports whether a speaker was actually stopped.
func (e *Engine) StopSpeaker(ctx context.Context, room domain.SignalingRoom, now time.Time) (bool, error) {
	previous, err := e.store.Speaker(ctx, room)
	if err != nil {
		return false, fmt.Errorf("automod: read speaker: %w", err)
	}
	if previous == nil {
		return false, nil
	}
	entries := []domain.AutomodHistoryEntry{{
		Kind: domain.AutomodStop, Participant: *previous, Timestamp: now,
	}}
	if err := e.store.SetSpeakerAndHistory(ctx, room, nil, entries); err != nil {
		return false, fmt.Errorf("automod: commit stop: %w", err)
	}
	return true, nil
}
