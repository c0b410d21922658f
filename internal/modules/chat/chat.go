// Package chat carries in-meeting text messages: room-global messages
// with a capped stored history, and unstored private messages relayed
// over the target's participant key.
package chat

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/confab-dev/confab/internal/domain"
	"github.com/confab-dev/confab/internal/signaling"
)

const ModuleID signaling.ModuleID = "chat"

const MaxMessageLen = 4096

type command struct {
	Action  string                `json:"action"`
	Scope   string                `json:"scope,omitempty"` // global | private
	Content string                `json:"content,omitempty"`
	Target  *domain.ParticipantID `json:"target,omitempty"`
}

type messageEvent struct {
	Message string               `json:"message"`
	ID      string               `json:"id"`
	Source  domain.ParticipantID `json:"source"`
	Scope   string               `json:"scope"`
	Content string               `json:"content"`
}

type chatModule struct {
	historyCap int64
}

// NewRegistration declares the chat module.
func NewRegistration(enabled bool, historyCap int) signaling.Registration {
	return signaling.Registration{
		ID: ModuleID,
		Init: func(ctx context.Context, mctx *signaling.ModuleContext, params signaling.Params) (signaling.Module, error) {
			if !enabled {
				return nil, nil
			}
			return &chatModule{historyCap: int64(historyCap)}, nil
		},
	}
}

// FrontendData hands joining clients the stored room history.
func (m *chatModule) FrontendData(ctx context.Context, mctx *signaling.ModuleContext) (any, error) {
	history, err := mctx.Storage().ChatHistory(ctx, mctx.Room())
	if err != nil {
		return nil, fmt.Errorf("chat: read history: %w", err)
	}
	return map[string]any{"enabled": true, "history": history}, nil
}

func (m *chatModule) OnEvent(ctx context.Context, mctx *signaling.ModuleContext, ev signaling.Event) error {
	switch e := ev.(type) {
	case signaling.WsMessage:
		return m.handleCommand(ctx, mctx, e.Payload)
	case signaling.ExchangeMessage:
		mctx.WsSend(json.RawMessage(e.Payload))
		return nil
	}
	return nil
}

func (m *chatModule) handleCommand(ctx context.Context, mctx *signaling.ModuleContext, payload json.RawMessage) error {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil || cmd.Action != "send" {
		mctx.WsSendError("invalid_action")
		return nil
	}
	if len(cmd.Content) == 0 {
		mctx.WsSendError("empty_message")
		return nil
	}
	if len(cmd.Content) > MaxMessageLen {
		mctx.WsSendError("message_too_long")
		return nil
	}

	out := messageEvent{
		Message: "message",
		ID:      uuid.NewString(),
		Source:  mctx.ParticipantID(),
		Scope:   cmd.Scope,
		Content: cmd.Content,
	}

	switch cmd.Scope {
	case "global":
		stored := &domain.ChatMessage{
			ID:        out.ID,
			Source:    out.Source,
			Content:   out.Content,
			Timestamp: mctx.Timestamp(),
		}
		if err := mctx.Storage().AppendChatMessage(ctx, mctx.Room(), stored, m.historyCap); err != nil {
			return fmt.Errorf("chat: append history: %w", err)
		}
		mctx.ExchangePublishRoom(out)
	case "private":
		if cmd.Target == nil || *cmd.Target == mctx.ParticipantID() {
			mctx.WsSendError("invalid_target")
			return nil
		}
		participants, err := mctx.Storage().Participants(ctx, mctx.Room())
		if err != nil {
			return fmt.Errorf("chat: list participants: %w", err)
		}
		present := false
		for _, p := range participants {
			if p == *cmd.Target {
				present = true
				break
			}
		}
		if !present {
			mctx.WsSendError("invalid_target")
			return nil
		}
		// Deliver to the target; echo to the sender so both transcripts
		// match. Private messages are never stored.
		mctx.ExchangePublishParticipant(*cmd.Target, out)
		mctx.WsSend(out)
	default:
		mctx.WsSendError("invalid_scope")
	}
	return nil
}

func (m *chatModule) OnDestroy(ctx context.Context, dctx *signaling.DestroyContext) error {
	// History lives at signaling-room scope and dies with it.
	return nil
}
