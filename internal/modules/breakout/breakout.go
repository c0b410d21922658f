// Package breakout manages breakout sessions of a parent room: a
// moderator starts a set of sub-rooms with an explicit or round-robin
// assignment and an optional duration, each live runner binds its
// assigned breakout key for the session, and cross-room presence is
// relayed over the parent-room key.
package breakout

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/confab-dev/confab/internal/domain"
	"github.com/confab-dev/confab/internal/exchange"
	"github.com/confab-dev/confab/internal/signaling"
)

const ModuleID signaling.ModuleID = "breakout"

type startCommand struct {
	Action string `json:"action"`

	// Rooms is how many breakout rooms to create.
	Rooms int `json:"rooms,omitempty"`
	// Assignments maps participants to a room index in [0, Rooms).
	Assignments []indexedAssignment `json:"assignments,omitempty"`
	// DurationSecs optionally bounds the session.
	DurationSecs int64 `json:"duration,omitempty"`
}

type indexedAssignment struct {
	Participant domain.ParticipantID `json:"participant"`
	Room        int                  `json:"room"`
}

type expiryFired struct{ startedAt time.Time }

const maxRooms = 64

type breakoutModule struct {
	stopExpiry func() bool
	// boundKey is the assigned breakout routing key while a session is
	// active; empty otherwise.
	boundKey string
}

// NewRegistration declares the breakout module; enabled gates it off
// entirely.
func NewRegistration(enabled bool) signaling.Registration {
	return signaling.Registration{
		ID: ModuleID,
		Init: func(ctx context.Context, mctx *signaling.ModuleContext, params signaling.Params) (signaling.Module, error) {
			if !enabled {
				return nil, nil
			}
			m := &breakoutModule{}
			// A session may already be running when this runner joins.
			cfg, err := mctx.Storage().BreakoutConfig(ctx, mctx.Room().Room)
			if err != nil {
				return nil, fmt.Errorf("breakout: read config: %w", err)
			}
			if cfg != nil {
				m.bindAssigned(mctx, cfg)
			}
			return m, nil
		},
	}
}

// bindAssigned adds the assigned breakout key to the runner's
// subscription. Sessions opened directly into a breakout scope already
// carry their key and are left alone.
func (m *breakoutModule) bindAssigned(mctx *signaling.ModuleContext, cfg *domain.BreakoutConfig) {
	if mctx.Room().InBreakout() {
		return
	}
	b, ok := cfg.RoomFor(mctx.ParticipantID())
	if !ok {
		return
	}
	key := exchange.RoomKey(domain.SignalingRoom{Room: mctx.Room().Room, Breakout: b})
	if err := mctx.BindKeys(key); err != nil {
		mctx.Logger().Error().Err(err).Msg("breakout key bind failed")
		return
	}
	m.boundKey = key
}

// unbindAssigned resets the subscription to the parent-room key set.
func (m *breakoutModule) unbindAssigned(mctx *signaling.ModuleContext) {
	if m.boundKey == "" {
		return
	}
	if err := mctx.UnbindKeys(m.boundKey); err != nil {
		mctx.Logger().Error().Err(err).Msg("breakout key unbind failed")
	}
	m.boundKey = ""
}

// FrontendData reports the active breakout session, if any.
func (m *breakoutModule) FrontendData(ctx context.Context, mctx *signaling.ModuleContext) (any, error) {
	cfg, err := mctx.Storage().BreakoutConfig(ctx, mctx.Room().Room)
	if err != nil {
		return nil, fmt.Errorf("breakout: read config: %w", err)
	}
	if cfg == nil {
		return map[string]any{"active": false}, nil
	}
	return map[string]any{"active": true, "config": cfg}, nil
}

func (m *breakoutModule) OnEvent(ctx context.Context, mctx *signaling.ModuleContext, ev signaling.Event) error {
	switch e := ev.(type) {
	case signaling.Joined:
		if mctx.Room().InBreakout() {
			mctx.ExchangePublishParent(map[string]any{
				"message":     "participant_joined",
				"participant": mctx.ParticipantID(),
				"breakout":    mctx.Room().Breakout,
			})
		}
		return nil
	case signaling.Leaving:
		if mctx.Room().InBreakout() {
			mctx.ExchangePublishParent(map[string]any{
				"message":     "participant_left",
				"participant": mctx.ParticipantID(),
				"breakout":    mctx.Room().Breakout,
			})
		}
		return nil
	case signaling.WsMessage:
		return m.handleCommand(ctx, mctx, e.Payload)
	case signaling.ExchangeMessage:
		return m.handleExchange(ctx, mctx, e.Payload)
	case signaling.ExtEvent:
		if fired, ok := e.Value.(expiryFired); ok {
			return m.expire(ctx, mctx, fired.startedAt)
		}
		return nil
	}
	return nil
}

func (m *breakoutModule) handleCommand(ctx context.Context, mctx *signaling.ModuleContext, payload json.RawMessage) error {
	var cmd startCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		mctx.WsSendError("bad_request")
		return nil
	}
	if !mctx.Role().IsModerator() {
		mctx.WsSendError("insufficient_permissions")
		return nil
	}
	switch cmd.Action {
	case "start":
		return m.start(ctx, mctx, cmd)
	case "stop":
		return m.stop(ctx, mctx)
	default:
		mctx.WsSendError("invalid_action")
		return nil
	}
}

func (m *breakoutModule) start(ctx context.Context, mctx *signaling.ModuleContext, cmd startCommand) error {
	if cmd.Rooms < 1 || cmd.Rooms > maxRooms {
		mctx.WsSendError("invalid_room_count")
		return nil
	}
	rooms := make([]domain.BreakoutRoomID, cmd.Rooms)
	for i := range rooms {
		rooms[i] = domain.NewBreakoutRoomID()
	}
	assignments := make([]domain.BreakoutAssignment, 0, len(cmd.Assignments))
	for _, a := range cmd.Assignments {
		if a.Room < 0 || a.Room >= len(rooms) {
			mctx.WsSendError("invalid_assignment")
			return nil
		}
		assignments = append(assignments, domain.BreakoutAssignment{
			Participant: a.Participant,
			Room:        rooms[a.Room],
		})
	}
	if len(assignments) == 0 {
		// No explicit list: deal the current participant set round-robin
		// across the rooms.
		present, err := mctx.Storage().Participants(ctx, mctx.Room())
		if err != nil {
			return fmt.Errorf("breakout: read participants: %w", err)
		}
		for i, p := range present {
			assignments = append(assignments, domain.BreakoutAssignment{
				Participant: p,
				Room:        rooms[i%len(rooms)],
			})
		}
	}

	cfg := &domain.BreakoutConfig{
		Rooms:       rooms,
		Assignments: assignments,
		StartedAt:   mctx.Timestamp(),
	}
	if cmd.DurationSecs > 0 {
		cfg.ExpiresAt = cfg.StartedAt.Add(time.Duration(cmd.DurationSecs) * time.Second)
	}

	created, err := mctx.Storage().SetBreakoutIfAbsent(ctx, mctx.Room().Room, cfg)
	if err != nil {
		return fmt.Errorf("breakout: store config: %w", err)
	}
	if !created {
		mctx.WsSendError("breakout_already_active")
		return nil
	}

	if cmd.DurationSecs > 0 {
		stream := make(chan any, 1)
		startedAt := cfg.StartedAt
		m.stopExpiry = mctx.Clock().AfterFunc(time.Duration(cmd.DurationSecs)*time.Second, func() {
			stream <- expiryFired{startedAt: startedAt}
			close(stream)
		})
		mctx.AddEventStream(stream)
	}

	mctx.ExchangePublishParent(map[string]any{"message": "started", "config": cfg})
	return nil
}

func (m *breakoutModule) stop(ctx context.Context, mctx *signaling.ModuleContext) error {
	cfg, err := mctx.Storage().BreakoutConfig(ctx, mctx.Room().Room)
	if err != nil {
		return fmt.Errorf("breakout: read config: %w", err)
	}
	if cfg == nil {
		mctx.WsSendError("no_breakout_active")
		return nil
	}
	if err := mctx.Storage().DeleteBreakout(ctx, mctx.Room().Room); err != nil {
		return fmt.Errorf("breakout: delete config: %w", err)
	}
	mctx.ExchangePublishParent(map[string]any{"message": "stopped"})
	return nil
}

// expire fires the duration timer; the CAS is the StartedAt comparison
// so a session started after a stop does not get torn down by a stale
// timer.
func (m *breakoutModule) expire(ctx context.Context, mctx *signaling.ModuleContext, startedAt time.Time) error {
	cfg, err := mctx.Storage().BreakoutConfig(ctx, mctx.Room().Room)
	if err != nil {
		return fmt.Errorf("breakout: read config: %w", err)
	}
	if cfg == nil || !cfg.StartedAt.Equal(startedAt) {
		return nil
	}
	if err := mctx.Storage().DeleteBreakout(ctx, mctx.Room().Room); err != nil {
		return fmt.Errorf("breakout: delete config: %w", err)
	}
	mctx.ExchangePublishParent(map[string]any{"message": "expired"})
	return nil
}

func (m *breakoutModule) handleExchange(ctx context.Context, mctx *signaling.ModuleContext, payload json.RawMessage) error {
	var head struct {
		Message     string                `json:"message"`
		Participant domain.ParticipantID  `json:"participant"`
		Breakout    domain.BreakoutRoomID `json:"breakout"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil
	}
	switch head.Message {
	case "started":
		var body struct {
			Config *domain.BreakoutConfig `json:"config"`
		}
		if err := json.Unmarshal(payload, &body); err == nil && body.Config != nil {
			m.bindAssigned(mctx, body.Config)
		}
		mctx.WsSend(json.RawMessage(payload))
	case "stopped", "expired":
		mctx.WsSend(json.RawMessage(payload))
		m.unbindAssigned(mctx)
		if mctx.Room().InBreakout() {
			// A session opened directly into the sub-room has nothing
			// left to route; the client reconnects into the parent room
			// on its own.
			mctx.Exit(signaling.ReasonRoomClosed)
		}
	case "participant_joined", "participant_left":
		// Cross-room presence is informational and only interesting for
		// participants in a different sub-room.
		if head.Participant == mctx.ParticipantID() || head.Breakout == mctx.Room().Breakout {
			return nil
		}
		mctx.WsSend(json.RawMessage(payload))
	}
	return nil
}

func (m *breakoutModule) OnDestroy(ctx context.Context, dctx *signaling.DestroyContext) error {
	if m.stopExpiry != nil {
		m.stopExpiry()
	}
	// The config lives at parent scope and dies with it.
	return nil
}
