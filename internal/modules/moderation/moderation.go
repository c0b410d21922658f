// Package moderation carries the moderator toolbox: waiting-room
// admission, bans, kicks, debrief, display-name changes and the raise
// hand toggle. Commands travel to their target as directed control
// signals; the target's runner executes them.
package moderation

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/confab-dev/confab/internal/domain"
	"github.com/confab-dev/confab/internal/exchange"
	"github.com/confab-dev/confab/internal/modules/control"
	"github.com/confab-dev/confab/internal/signaling"
	"github.com/confab-dev/confab/internal/storage"
)

const ModuleID signaling.ModuleID = "moderation"

// KickScope selects who a debrief removes from the room.
type KickScope string

const (
	KickGuests         KickScope = "guests"
	KickUsersAndGuests KickScope = "users_and_guests"
	KickAll            KickScope = "all_participants"
)

func (s KickScope) spares(role domain.Role, kind domain.ParticipantKind) bool {
	switch s {
	case KickGuests:
		return kind != domain.KindGuest
	case KickUsersAndGuests:
		return role.IsModerator()
	case KickAll:
		return false
	}
	return true
}

type command struct {
	Action string `json:"action"`

	Target      domain.ParticipantID `json:"target,omitempty"`
	DisplayName string               `json:"display_name,omitempty"`
	KickScope   KickScope            `json:"kick_scope,omitempty"`
}

type moderationModule struct{}

// NewRegistration declares the moderation module. Every session loads
// it; non-moderators only ever receive the relayed state events.
func NewRegistration() signaling.Registration {
	return signaling.Registration{
		ID: ModuleID,
		Init: func(ctx context.Context, mctx *signaling.ModuleContext, params signaling.Params) (signaling.Module, error) {
			return &moderationModule{}, nil
		},
	}
}

// FrontendData gives moderators the current admission state.
func (m *moderationModule) FrontendData(ctx context.Context, mctx *signaling.ModuleContext) (any, error) {
	if !mctx.Role().IsModerator() {
		return nil, nil
	}
	st := mctx.Storage()
	room := mctx.Room().Room
	waitingEnabled, err := st.WaitingRoomEnabled(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("moderation: waiting room flag: %w", err)
	}
	raiseEnabled, err := st.RaiseHandsEnabled(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("moderation: raise hands flag: %w", err)
	}
	waiting, err := st.WaitingMembers(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("moderation: waiting members: %w", err)
	}
	return map[string]any{
		"waiting_room_enabled": waitingEnabled,
		"raise_hands_enabled":  raiseEnabled,
		"waiting_participants": waiting,
	}, nil
}

func (m *moderationModule) OnEvent(ctx context.Context, mctx *signaling.ModuleContext, ev signaling.Event) error {
	switch e := ev.(type) {
	case signaling.WsMessage:
		return m.handleCommand(ctx, mctx, e.Payload)
	case signaling.ExchangeMessage:
		return m.handleExchange(ctx, mctx, e.Payload)
	}
	return nil
}

func (m *moderationModule) handleCommand(ctx context.Context, mctx *signaling.ModuleContext, payload json.RawMessage) error {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		mctx.WsSendError("bad_request")
		return nil
	}
	if !mctx.Role().IsModerator() {
		mctx.WsSendError("insufficient_permissions")
		return nil
	}

	switch cmd.Action {
	case "kick":
		return m.kick(mctx, cmd.Target)
	case "ban":
		return m.ban(ctx, mctx, cmd.Target)
	case "accept":
		return m.accept(ctx, mctx, cmd.Target)
	case "send_to_waiting_room":
		return m.sendToWaitingRoom(ctx, mctx, cmd.Target)
	case "debrief":
		return m.debrief(ctx, mctx, cmd.KickScope)
	case "change_display_name":
		return m.changeDisplayName(ctx, mctx, cmd.Target, cmd.DisplayName)
	case "enable_waiting_room", "disable_waiting_room":
		return m.setWaitingRoom(ctx, mctx, cmd.Action == "enable_waiting_room")
	case "enable_raise_hands", "disable_raise_hands":
		return m.setRaiseHands(ctx, mctx, cmd.Action == "enable_raise_hands")
	case "reset_raised_hands":
		mctx.ExchangePublishRoom(map[string]any{"message": "raised_hands_reset", "issued_by": mctx.ParticipantID()})
		return nil
	default:
		mctx.WsSendError("invalid_action")
		return nil
	}
}

func (m *moderationModule) kick(mctx *signaling.ModuleContext, target domain.ParticipantID) error {
	if target.IsNil() || target == mctx.ParticipantID() {
		mctx.WsSendError("invalid_target")
		return nil
	}
	mctx.SignalControl(exchange.ParticipantKey(mctx.Room().Room, target), signaling.ActionKicked, target)
	return nil
}

// ban needs a registered user behind the target; guests have no durable
// identity to ban.
func (m *moderationModule) ban(ctx context.Context, mctx *signaling.ModuleContext, target domain.ParticipantID) error {
	if target.IsNil() || target == mctx.ParticipantID() {
		mctx.WsSendError("invalid_target")
		return nil
	}
	var user domain.UserID
	found, err := mctx.Storage().GetAttribute(ctx, mctx.Room(), target,
		string(signaling.ControlModuleID), control.AttrUserID, &user)
	if err != nil {
		return fmt.Errorf("moderation: resolve target user: %w", err)
	}
	if !found || user.IsNil() {
		mctx.WsSendError("cannot_ban_guest")
		return nil
	}
	if err := mctx.Storage().BanUser(ctx, mctx.Room().Room, user); err != nil {
		return fmt.Errorf("moderation: ban user: %w", err)
	}
	mctx.SignalControl(exchange.ParticipantKey(mctx.Room().Room, target), signaling.ActionBanned, target)
	return nil
}

func (m *moderationModule) accept(ctx context.Context, mctx *signaling.ModuleContext, target domain.ParticipantID) error {
	room := mctx.Room().Room
	waiting, err := mctx.Storage().WaitingContains(ctx, room, target)
	if err != nil {
		return fmt.Errorf("moderation: waiting lookup: %w", err)
	}
	if !waiting {
		mctx.WsSendError("invalid_target")
		return nil
	}
	if err := mctx.Storage().AcceptedAdd(ctx, room, target); err != nil {
		return fmt.Errorf("moderation: accept: %w", err)
	}
	mctx.SignalControl(exchange.ParticipantKey(room, target), signaling.ActionAccepted, target)
	mctx.ExchangePublish(exchange.ParentRoomKey(room), map[string]any{"message": "waiting_room_changed"})
	return nil
}

// sendToWaitingRoom turns the waiting room on, revokes the target's
// admission and kicks them; the reconnect lands in the waiting room.
func (m *moderationModule) sendToWaitingRoom(ctx context.Context, mctx *signaling.ModuleContext, target domain.ParticipantID) error {
	if target.IsNil() || target == mctx.ParticipantID() {
		mctx.WsSendError("invalid_target")
		return nil
	}
	room := mctx.Room().Room
	if err := mctx.Storage().SetWaitingRoomEnabled(ctx, room, true); err != nil {
		return fmt.Errorf("moderation: enable waiting room: %w", err)
	}
	if err := mctx.Storage().AcceptedRemove(ctx, room, target); err != nil {
		return fmt.Errorf("moderation: revoke admission: %w", err)
	}
	mctx.SignalControl(exchange.ParticipantKey(room, target), signaling.ActionKicked, target)
	return nil
}

func (m *moderationModule) debrief(ctx context.Context, mctx *signaling.ModuleContext, scope KickScope) error {
	switch scope {
	case KickGuests, KickUsersAndGuests, KickAll:
	default:
		mctx.WsSendError("bad_request")
		return nil
	}
	st := mctx.Storage()
	room := mctx.Room()
	participants, err := st.Participants(ctx, room)
	if err != nil {
		return fmt.Errorf("moderation: list participants: %w", err)
	}
	bags, err := st.BulkAttributes(ctx, room, participants, []string{string(signaling.ControlModuleID)})
	if err != nil {
		return fmt.Errorf("moderation: participant roles: %w", err)
	}
	for _, p := range participants {
		if p == mctx.ParticipantID() {
			continue
		}
		var role domain.Role
		var kind domain.ParticipantKind
		attrs := bags[p][string(signaling.ControlModuleID)]
		if raw, ok := attrs[control.AttrRole]; ok {
			_ = json.Unmarshal(raw.Value, &role)
		}
		if raw, ok := attrs[control.AttrKind]; ok {
			_ = json.Unmarshal(raw.Value, &kind)
		}
		if scope.spares(role, kind) {
			continue
		}
		mctx.SignalControl(exchange.ParticipantKey(room.Room, p), signaling.ActionDebriefed, p)
	}
	mctx.WsSend(map[string]any{"message": "debriefed", "kick_scope": scope})
	return nil
}

func (m *moderationModule) changeDisplayName(ctx context.Context, mctx *signaling.ModuleContext, target domain.ParticipantID, name string) error {
	if err := domain.ValidateDisplayName(name); err != nil {
		mctx.WsSendError("invalid_display_name")
		return nil
	}
	if target.IsNil() {
		target = mctx.ParticipantID()
	}
	err := mctx.Storage().SetAttribute(ctx, mctx.Room(), target,
		string(signaling.ControlModuleID), control.AttrDisplayName, storage.AttrVisible, name)
	if err != nil {
		return fmt.Errorf("moderation: rename: %w", err)
	}
	mctx.SignalControl(exchange.RoomKey(mctx.Room()), signaling.ActionUpdate, target)
	return nil
}

func (m *moderationModule) setWaitingRoom(ctx context.Context, mctx *signaling.ModuleContext, enabled bool) error {
	room := mctx.Room().Room
	if err := mctx.Storage().SetWaitingRoomEnabled(ctx, room, enabled); err != nil {
		return fmt.Errorf("moderation: set waiting room: %w", err)
	}
	message := "waiting_room_disabled"
	if enabled {
		message = "waiting_room_enabled"
	}
	mctx.ExchangePublish(exchange.ParentRoomKey(room), map[string]any{"message": message})
	return nil
}

func (m *moderationModule) setRaiseHands(ctx context.Context, mctx *signaling.ModuleContext, enabled bool) error {
	room := mctx.Room().Room
	if err := mctx.Storage().SetRaiseHandsEnabled(ctx, room, enabled); err != nil {
		return fmt.Errorf("moderation: set raise hands: %w", err)
	}
	message := "raise_hands_disabled"
	if enabled {
		message = "raise_hands_enabled"
	}
	mctx.ExchangePublishRoom(map[string]any{"message": message})
	if !enabled {
		// Disabling lowers every hand.
		mctx.ExchangePublishRoom(map[string]any{"message": "raised_hands_reset", "issued_by": mctx.ParticipantID()})
	}
	return nil
}

func (m *moderationModule) handleExchange(ctx context.Context, mctx *signaling.ModuleContext, payload json.RawMessage) error {
	var head struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil
	}
	switch head.Message {
	case "waiting_room_changed":
		if !mctx.Role().IsModerator() {
			return nil
		}
		waiting, err := mctx.Storage().WaitingMembers(ctx, mctx.Room().Room)
		if err != nil {
			return fmt.Errorf("moderation: waiting members: %w", err)
		}
		mctx.WsSend(map[string]any{"message": "waiting_room_update", "participants": waiting})
	case "raised_hands_reset":
		st := mctx.Storage()
		room := mctx.Room()
		p := mctx.ParticipantID()
		if err := st.RaisedHandRemove(ctx, room, p); err != nil {
			return fmt.Errorf("moderation: lower hand: %w", err)
		}
		if err := st.SetAttribute(ctx, room, p, string(signaling.ControlModuleID),
			control.AttrHandRaised, storage.AttrVisible, false); err != nil {
			return fmt.Errorf("moderation: clear hand attribute: %w", err)
		}
		if err := st.DeleteAttribute(ctx, room, p, string(signaling.ControlModuleID), control.AttrHandRaisedAt); err != nil {
			return fmt.Errorf("moderation: clear hand timestamp: %w", err)
		}
		mctx.WsSend(json.RawMessage(payload))
		mctx.InvalidateData()
	case "waiting_room_enabled", "waiting_room_disabled", "raise_hands_enabled", "raise_hands_disabled":
		mctx.WsSend(json.RawMessage(payload))
	}
	return nil
}

func (m *moderationModule) OnDestroy(ctx context.Context, dctx *signaling.DestroyContext) error {
	// Waiting-room, accepted and ban sets live at parent scope; they die
	// with it during the control module's teardown.
	return nil
}
