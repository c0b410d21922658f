// Package auth holds the seams to the external user directory and room
// service. The controller never stores credentials; it verifies bearer
// tokens through a Verifier and resolves rooms through a Directory.
// Static implementations backed by the config file serve development and
// tests; deployments plug real ones in at construction time.
package auth

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/confab-dev/confab/internal/config"
	"github.com/confab-dev/confab/internal/domain"
)

var (
	ErrInvalidToken = errors.New("auth: invalid bearer token")
	ErrUnknownRoom  = errors.New("auth: unknown room")
	ErrGuestsDenied = errors.New("auth: guests not allowed")
)

// Identity is the authenticated caller of the ticket endpoint.
type Identity struct {
	Kind        domain.ParticipantKind
	UserID      domain.UserID // zero for guests
	DisplayName string
	Tariff      domain.Tariff
}

// Verifier resolves a bearer token to an identity. An empty token is a
// guest attempt; implementations decide whether guests are admitted.
type Verifier interface {
	Verify(ctx context.Context, bearer string) (*Identity, error)
}

// Directory resolves room metadata from the external room service.
type Directory interface {
	Room(ctx context.Context, id domain.RoomID) (*domain.RoomMeta, error)
}

// StaticVerifier is the config-backed Verifier for development: a fixed
// token -> identity table plus an optional guest policy.
type StaticVerifier struct {
	users         map[string]Identity
	guestsAllowed bool
	guestTariff   domain.Tariff
}

var _ Verifier = (*StaticVerifier)(nil)

func NewStaticVerifier(cfg config.Auth, tariffs map[string]config.Tariff) (*StaticVerifier, error) {
	v := &StaticVerifier{
		users:         make(map[string]Identity, len(cfg.StaticUsers)),
		guestsAllowed: cfg.GuestsAllowed,
	}
	for token, u := range cfg.StaticUsers {
		id, err := uuid.Parse(u.ID)
		if err != nil {
			return nil, errors.New("auth: static user " + u.DisplayName + ": bad id")
		}
		v.users[token] = Identity{
			Kind:        domain.KindUser,
			UserID:      domain.UserID(id),
			DisplayName: u.DisplayName,
			Tariff:      tariffFor(u.Tariff, tariffs),
		}
	}
	return v, nil
}

func tariffFor(name string, tariffs map[string]config.Tariff) domain.Tariff {
	if t, ok := tariffs[name]; ok {
		return domain.Tariff{Name: name, EnabledModules: t.EnabledModules}
	}
	// Unknown tariff names degrade to an empty feature set rather than
	// failing the join.
	return domain.Tariff{Name: name}
}

func (v *StaticVerifier) Verify(ctx context.Context, bearer string) (*Identity, error) {
	if bearer == "" {
		if !v.guestsAllowed {
			return nil, ErrGuestsDenied
		}
		return &Identity{Kind: domain.KindGuest, Tariff: v.guestTariff}, nil
	}
	id, ok := v.users[bearer]
	if !ok {
		return nil, ErrInvalidToken
	}
	return &id, nil
}

// StaticDirectory is an in-memory Directory. Rooms are registered by
// tests and by the dev bootstrap; any id can also be auto-created on
// first sight when open mode is on.
type StaticDirectory struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*domain.RoomMeta
	open  bool
}

var _ Directory = (*StaticDirectory)(nil)

// NewStaticDirectory returns a Directory; with open true, unknown rooms
// spring into existence owned by nobody.
func NewStaticDirectory(open bool) *StaticDirectory {
	return &StaticDirectory{rooms: make(map[domain.RoomID]*domain.RoomMeta), open: open}
}

func (d *StaticDirectory) Add(meta *domain.RoomMeta) {
	d.mu.Lock()
	d.rooms[meta.ID] = meta
	d.mu.Unlock()
}

func (d *StaticDirectory) Room(ctx context.Context, id domain.RoomID) (*domain.RoomMeta, error) {
	d.mu.RLock()
	meta, ok := d.rooms[id]
	d.mu.RUnlock()
	if ok {
		return meta, nil
	}
	if !d.open {
		return nil, ErrUnknownRoom
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if meta, ok = d.rooms[id]; ok {
		return meta, nil
	}
	meta = &domain.RoomMeta{ID: id}
	d.rooms[id] = meta
	return meta, nil
}
