// Package signaling owns the per-participant session: the websocket
// transport, the module host contract, and the runner that multiplexes
// client messages, exchange deliveries, external event streams and the
// heartbeat over a single cooperative loop.
package signaling

import (
	"context"

	"github.com/confab-dev/confab/internal/domain"
)

// ModuleID is the namespace a feature module owns. It tags every client
// envelope and every exchange message of the module.
type ModuleID string

// ControlModuleID is the always-on module; it is initialized first and
// destroyed last, and its namespace carries the join handshake and the
// cross-runner lifecycle signals.
const ControlModuleID ModuleID = "control"

// Registration declares a module to the runner. Init returning
// (nil, nil) declines the session; the module is skipped until the next
// connect. An Init error aborts the whole session.
type Registration struct {
	ID   ModuleID
	Init func(ctx context.Context, mctx *ModuleContext, params Params) (Module, error)
}

// Params is what a module gets to decide whether and how to load.
type Params struct {
	RoomMeta *domain.RoomMeta
	Resuming bool
}

// Module is one loaded feature instance bound to one session. Handlers
// are never re-entered: the runner dispatches one event at a time.
type Module interface {
	OnEvent(ctx context.Context, mctx *ModuleContext, ev Event) error
	OnDestroy(ctx context.Context, dctx *DestroyContext) error
}

// FrontendDataProvider contributes this module's entry in the
// JoinSuccess module_data bag.
type FrontendDataProvider interface {
	FrontendData(ctx context.Context, mctx *ModuleContext) (any, error)
}

// PeerDataProvider contributes per-peer entries to the roster: a JSON
// value per participant under the module's namespace. Implementations
// read the store, never other modules.
type PeerDataProvider interface {
	PeerFrontendData(ctx context.Context, mctx *ModuleContext, peers []domain.ParticipantID) (map[domain.ParticipantID]any, error)
}

// CleanupScope tells OnDestroy how much room-scope state dies with this
// runner.
type CleanupScope int

const (
	// ScopeNone: other runners remain; only per-participant rows go.
	ScopeNone CleanupScope = iota
	// ScopeLocal: last runner of a breakout scope; breakout room-scope
	// state goes, the parent room lives on.
	ScopeLocal
	// ScopeGlobal: last runner of the whole room; everything goes.
	ScopeGlobal
)

// DestroyContext is the ModuleContext of the destroy phase plus the
// cleanup scope the runner decided under the room lock.
type DestroyContext struct {
	*ModuleContext
	Scope CleanupScope
}
