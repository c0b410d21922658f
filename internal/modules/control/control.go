// Package control is the always-on module: it owns the participant set,
// the roster attributes, hand raises and the scheduled room close. It is
// initialized first and destroyed last; room-scope teardown happens here.
package control

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/confab-dev/confab/internal/domain"
	"github.com/confab-dev/confab/internal/exchange"
	"github.com/confab-dev/confab/internal/signaling"
	"github.com/confab-dev/confab/internal/storage"
)

const attrModule = string(signaling.ControlModuleID)

// Attribute names of the control namespace. Other modules read user_id
// and role through these.
const (
	AttrDisplayName  = "display_name"
	AttrRole         = "role"
	AttrKind         = "kind"
	AttrUserID       = "user_id"
	AttrJoinedAt     = "joined_at"
	AttrHandRaised   = "hand_raised"
	AttrHandRaisedAt = "hand_raised_at"
)

type closesAtFired struct{}

type controlModule struct {
	stopCloseTimer func() bool
}

// NewRegistration declares the control module. It never declines.
func NewRegistration() signaling.Registration {
	return signaling.Registration{
		ID:   signaling.ControlModuleID,
		Init: initModule,
	}
}

func initModule(ctx context.Context, mctx *signaling.ModuleContext, params signaling.Params) (signaling.Module, error) {
	st := mctx.Storage()
	room := mctx.Room()
	p := mctx.ParticipantID()
	ts := mctx.Timestamp()

	if _, err := st.AddParticipant(ctx, room, p); err != nil {
		return nil, fmt.Errorf("control: register participant: %w", err)
	}

	attrs := []struct {
		name  string
		vis   storage.AttrVisibility
		value any
	}{
		{AttrDisplayName, storage.AttrVisible, mctx.DisplayName()},
		{AttrRole, storage.AttrVisible, mctx.Role()},
		{AttrKind, storage.AttrVisible, mctx.Kind()},
		{AttrJoinedAt, storage.AttrVisible, ts},
		{AttrHandRaised, storage.AttrVisible, false},
	}
	for _, a := range attrs {
		if err := st.SetAttribute(ctx, room, p, attrModule, a.name, a.vis, a.value); err != nil {
			return nil, fmt.Errorf("control: seed attribute %s: %w", a.name, err)
		}
	}
	if !mctx.UserID().IsNil() {
		if err := st.SetAttribute(ctx, room, p, attrModule, AttrUserID, storage.AttrHidden, mctx.UserID()); err != nil {
			return nil, fmt.Errorf("control: seed attribute user_id: %w", err)
		}
	}

	m := &controlModule{}
	if closesAt := params.RoomMeta.ClosesAt; closesAt > 0 {
		until := time.Unix(closesAt, 0).Sub(mctx.Clock().Now())
		if until < 0 {
			until = 0
		}
		stream := make(chan any, 1)
		m.stopCloseTimer = mctx.Clock().AfterFunc(until, func() {
			stream <- closesAtFired{}
			close(stream)
		})
		mctx.AddEventStream(stream)
	}
	return m, nil
}

// rosterEvent is one participant lifecycle frame on the client channel.
type rosterEvent struct {
	Message string `json:"message"`
	signaling.PeerPayload
}

type leftEvent struct {
	Message string               `json:"message"`
	ID      domain.ParticipantID `json:"id"`
}

func (m *controlModule) OnEvent(ctx context.Context, mctx *signaling.ModuleContext, ev signaling.Event) error {
	switch e := ev.(type) {
	case signaling.Joined, signaling.Leaving:
		return nil

	case signaling.RaiseHand:
		return m.setHand(ctx, mctx, true)
	case signaling.LowerHand:
		return m.setHand(ctx, mctx, false)

	case signaling.ParticipantJoined:
		peer, err := mctx.CollectPeer(ctx, e.Participant)
		if err != nil {
			return fmt.Errorf("control: collect joined peer: %w", err)
		}
		mctx.WsSend(rosterEvent{Message: "joined", PeerPayload: peer})
		return nil

	case signaling.ParticipantUpdated:
		peer, err := mctx.CollectPeer(ctx, e.Participant)
		if err != nil {
			return fmt.Errorf("control: collect updated peer: %w", err)
		}
		mctx.WsSend(rosterEvent{Message: "update", PeerPayload: peer})
		return nil

	case signaling.ParticipantLeft:
		mctx.WsSend(leftEvent{Message: "left", ID: e.Participant})
		return nil

	case signaling.RoleUpdated:
		err := mctx.Storage().SetAttribute(ctx, mctx.Room(), mctx.ParticipantID(),
			attrModule, AttrRole, storage.AttrVisible, e.Role)
		if err != nil {
			return fmt.Errorf("control: update role attribute: %w", err)
		}
		mctx.WsSend(map[string]any{"message": "role_updated", "new_role": e.Role})
		mctx.InvalidateData()
		return nil

	case signaling.WsMessage:
		// join / raise_hand / lower_hand never reach the module; anything
		// else in the control namespace is unknown.
		mctx.WsSendError("invalid_action")
		return nil

	case signaling.ExtEvent:
		if _, ok := e.Value.(closesAtFired); ok {
			mctx.WsSend(map[string]any{"message": "time_limit_quota_elapsed"})
			mctx.Exit(signaling.ReasonRoomClosed)
		}
		return nil
	}
	return nil
}

func (m *controlModule) setHand(ctx context.Context, mctx *signaling.ModuleContext, raised bool) error {
	st := mctx.Storage()
	room := mctx.Room()
	p := mctx.ParticipantID()

	if err := st.SetAttribute(ctx, room, p, attrModule, AttrHandRaised, storage.AttrVisible, raised); err != nil {
		return fmt.Errorf("control: set hand_raised: %w", err)
	}
	if raised {
		if err := st.SetAttribute(ctx, room, p, attrModule, AttrHandRaisedAt, storage.AttrVisible, mctx.Timestamp()); err != nil {
			return fmt.Errorf("control: set hand_raised_at: %w", err)
		}
		if err := st.RaisedHandAdd(ctx, room, p); err != nil {
			return fmt.Errorf("control: raised hand add: %w", err)
		}
	} else {
		if err := st.DeleteAttribute(ctx, room, p, attrModule, AttrHandRaisedAt); err != nil {
			return fmt.Errorf("control: clear hand_raised_at: %w", err)
		}
		if err := st.RaisedHandRemove(ctx, room, p); err != nil {
			return fmt.Errorf("control: raised hand remove: %w", err)
		}
	}
	message := "hand_lowered"
	if raised {
		message = "hand_raised"
	}
	mctx.WsSend(map[string]any{"message": message})
	mctx.InvalidateData()
	return nil
}

// PeerFrontendData surfaces the visible control attributes of each peer.
func (m *controlModule) PeerFrontendData(ctx context.Context, mctx *signaling.ModuleContext, peers []domain.ParticipantID) (map[domain.ParticipantID]any, error) {
	bags, err := mctx.Storage().BulkAttributes(ctx, mctx.Room(), peers, []string{attrModule})
	if err != nil {
		return nil, fmt.Errorf("control: bulk attributes: %w", err)
	}
	out := make(map[domain.ParticipantID]any, len(peers))
	for p, modules := range bags {
		visible := make(map[string]json.RawMessage)
		for name, attr := range modules[attrModule] {
			if attr.Visibility == storage.AttrVisible {
				visible[name] = attr.Value
			}
		}
		out[p] = visible
	}
	return out, nil
}

func (m *controlModule) OnDestroy(ctx context.Context, dctx *signaling.DestroyContext) error {
	if m.stopCloseTimer != nil {
		m.stopCloseTimer()
	}
	st := dctx.Storage()
	room := dctx.Room()
	p := dctx.ParticipantID()

	if err := st.RaisedHandRemove(ctx, room, p); err != nil {
		dctx.Logger().Error().Err(err).Msg("raised hand cleanup failed")
	}
	if err := st.DeleteParticipantAttributes(ctx, room, p); err != nil {
		dctx.Logger().Error().Err(err).Msg("attribute cleanup failed")
	}
	if err := st.RemoveParticipant(ctx, room, p); err != nil {
		dctx.Logger().Error().Err(err).Msg("participant set cleanup failed")
	}

	switch dctx.Scope {
	case signaling.ScopeLocal:
		if err := st.DeleteRoomScope(ctx, room); err != nil {
			dctx.Logger().Error().Err(err).Msg("breakout scope teardown failed")
		}
	case signaling.ScopeGlobal:
		if err := st.DeleteRoomScope(ctx, room); err != nil {
			dctx.Logger().Error().Err(err).Msg("room scope teardown failed")
		}
		if room.InBreakout() {
			// Parent scope goes too; it carries bans, waiting room and
			// the breakout config.
			if err := st.DeleteRoomScope(ctx, room.Parent()); err != nil {
				dctx.Logger().Error().Err(err).Msg("parent scope teardown failed")
			}
		}
	}

	dctx.SignalControl(exchange.RoomKey(room), signaling.ActionLeft, p)
	return nil
}
