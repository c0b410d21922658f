// Package timer runs the single meeting timer of a signaling room:
// countdown or stopwatch, optionally with a ready check. Expiry is
// scheduled on the starting runner and guarded by a CAS on the timer id.
package timer

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/confab-dev/confab/internal/domain"
	"github.com/confab-dev/confab/internal/signaling"
	"github.com/confab-dev/confab/internal/storage"
)

const ModuleID signaling.ModuleID = "timer"

const readyAttr = "ready"

type command struct {
	Action string `json:"action"`

	// start
	Kind         domain.TimerKind `json:"kind,omitempty"`
	DurationSecs int64            `json:"duration,omitempty"`
	Title        string           `json:"title,omitempty"`
	ReadyCheck   bool             `json:"ready_check,omitempty"`

	// update_ready_status
	Ready bool `json:"ready,omitempty"`
}

type expiryFired struct{ timerID string }

type timerModule struct {
	stopExpiry func() bool
}

// NewRegistration declares the timer module.
func NewRegistration(enabled bool) signaling.Registration {
	return signaling.Registration{
		ID: ModuleID,
		Init: func(ctx context.Context, mctx *signaling.ModuleContext, params signaling.Params) (signaling.Module, error) {
			if !enabled {
				return nil, nil
			}
			return &timerModule{}, nil
		},
	}
}

// FrontendData reports the running timer, if any.
func (m *timerModule) FrontendData(ctx context.Context, mctx *signaling.ModuleContext) (any, error) {
	t, err := mctx.Storage().Timer(ctx, mctx.Room())
	if err != nil {
		return nil, fmt.Errorf("timer: read state: %w", err)
	}
	if t == nil {
		return nil, nil
	}
	return t, nil
}

func (m *timerModule) OnEvent(ctx context.Context, mctx *signaling.ModuleContext, ev signaling.Event) error {
	switch e := ev.(type) {
	case signaling.WsMessage:
		return m.handleCommand(ctx, mctx, e.Payload)
	case signaling.ExchangeMessage:
		mctx.WsSend(json.RawMessage(e.Payload))
		return nil
	case signaling.ExtEvent:
		if fired, ok := e.Value.(expiryFired); ok {
			return m.expire(ctx, mctx, fired.timerID)
		}
		return nil
	}
	return nil
}

func (m *timerModule) handleCommand(ctx context.Context, mctx *signaling.ModuleContext, payload json.RawMessage) error {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		mctx.WsSendError("bad_request")
		return nil
	}
	switch cmd.Action {
	case "start":
		if !mctx.Role().IsModerator() {
			mctx.WsSendError("insufficient_permissions")
			return nil
		}
		return m.start(ctx, mctx, cmd)
	case "stop":
		if !mctx.Role().IsModerator() {
			mctx.WsSendError("insufficient_permissions")
			return nil
		}
		return m.stop(ctx, mctx)
	case "update_ready_status":
		return m.updateReady(ctx, mctx, cmd.Ready)
	default:
		mctx.WsSendError("invalid_action")
		return nil
	}
}

func (m *timerModule) start(ctx context.Context, mctx *signaling.ModuleContext, cmd command) error {
	switch cmd.Kind {
	case domain.TimerCountdown:
		if cmd.DurationSecs <= 0 {
			mctx.WsSendError("invalid_duration")
			return nil
		}
	case domain.TimerStopwatch:
	default:
		mctx.WsSendError("bad_request")
		return nil
	}

	state := &domain.TimerState{
		ID:         uuid.NewString(),
		Kind:       cmd.Kind,
		StartedAt:  mctx.Timestamp(),
		ReadyCheck: cmd.ReadyCheck,
		Title:      cmd.Title,
		IssuedBy:   mctx.ParticipantID(),
	}
	if cmd.Kind == domain.TimerCountdown {
		state.EndsAt = state.StartedAt.Add(time.Duration(cmd.DurationSecs) * time.Second)
	}

	created, err := mctx.Storage().SetTimerIfAbsent(ctx, mctx.Room(), state)
	if err != nil {
		return fmt.Errorf("timer: store state: %w", err)
	}
	if !created {
		mctx.WsSendError("timer_already_running")
		return nil
	}

	if cmd.Kind == domain.TimerCountdown {
		stream := make(chan any, 1)
		id := state.ID
		m.stopExpiry = mctx.Clock().AfterFunc(time.Duration(cmd.DurationSecs)*time.Second, func() {
			stream <- expiryFired{timerID: id}
			close(stream)
		})
		mctx.AddEventStream(stream)
	}

	mctx.ExchangePublishRoom(map[string]any{"message": "started", "timer": state})
	return nil
}

func (m *timerModule) stop(ctx context.Context, mctx *signaling.ModuleContext) error {
	t, err := mctx.Storage().Timer(ctx, mctx.Room())
	if err != nil {
		return fmt.Errorf("timer: read state: %w", err)
	}
	if t == nil {
		mctx.WsSendError("no_timer_running")
		return nil
	}
	deleted, err := mctx.Storage().DeleteTimerIfCurrent(ctx, mctx.Room(), t.ID)
	if err != nil {
		return fmt.Errorf("timer: delete state: %w", err)
	}
	if !deleted {
		mctx.WsSendError("no_timer_running")
		return nil
	}
	if m.stopExpiry != nil {
		m.stopExpiry()
		m.stopExpiry = nil
	}
	mctx.ExchangePublishRoom(map[string]any{"message": "stopped", "timer_id": t.ID, "reason": "stopped"})
	return nil
}

// expire fires the countdown deadline; the delete-if-current guard makes
// a stale timer for a stopped-and-restarted timer a no-op.
func (m *timerModule) expire(ctx context.Context, mctx *signaling.ModuleContext, timerID string) error {
	deleted, err := mctx.Storage().DeleteTimerIfCurrent(ctx, mctx.Room(), timerID)
	if err != nil {
		return fmt.Errorf("timer: delete state: %w", err)
	}
	if !deleted {
		return nil
	}
	mctx.ExchangePublishRoom(map[string]any{"message": "stopped", "timer_id": timerID, "reason": "expired"})
	return nil
}

func (m *timerModule) updateReady(ctx context.Context, mctx *signaling.ModuleContext, ready bool) error {
	t, err := mctx.Storage().Timer(ctx, mctx.Room())
	if err != nil {
		return fmt.Errorf("timer: read state: %w", err)
	}
	if t == nil || !t.ReadyCheck {
		mctx.WsSendError("no_timer_running")
		return nil
	}
	err = mctx.Storage().SetAttribute(ctx, mctx.Room(), mctx.ParticipantID(),
		string(ModuleID), readyAttr, storage.AttrVisible, ready)
	if err != nil {
		return fmt.Errorf("timer: set ready: %w", err)
	}
	mctx.InvalidateData()
	return nil
}

// PeerFrontendData surfaces each peer's ready state while a ready check
// runs.
func (m *timerModule) PeerFrontendData(ctx context.Context, mctx *signaling.ModuleContext, peers []domain.ParticipantID) (map[domain.ParticipantID]any, error) {
	bags, err := mctx.Storage().BulkAttributes(ctx, mctx.Room(), peers, []string{string(ModuleID)})
	if err != nil {
		return nil, fmt.Errorf("timer: bulk attributes: %w", err)
	}
	out := make(map[domain.ParticipantID]any)
	for p, modules := range bags {
		if attr, ok := modules[string(ModuleID)][readyAttr]; ok {
			out[p] = map[string]json.RawMessage{"ready": attr.Value}
		}
	}
	return out, nil
}

func (m *timerModule) OnDestroy(ctx context.Context, dctx *signaling.DestroyContext) error {
	if m.stopExpiry != nil {
		m.stopExpiry()
	}
	return nil
}
