// Package recording controls the external recorder fleet: moderator
// start/stop flips the room's recording flag and enqueues a job for the
// recorders; participants flag their consent as a roster attribute.
package recording

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/confab-dev/confab/internal/domain"
	"github.com/confab-dev/confab/internal/signaling"
	"github.com/confab-dev/confab/internal/storage"
)

const ModuleID signaling.ModuleID = "recording"

// Task type names consumed by the recorder workers.
const (
	TaskStart = "recording:start"
	TaskStop  = "recording:stop"
)

const consentAttr = "consent"

// TaskPayload is the job body shared with the recorder fleet.
type TaskPayload struct {
	Room        domain.RoomID         `json:"room"`
	Breakout    domain.BreakoutRoomID `json:"breakout,omitempty"`
	RecordingID string                `json:"recording_id"`
}

type command struct {
	Action  string `json:"action"`
	Consent bool   `json:"consent,omitempty"`
}

type recordingModule struct {
	client *asynq.Client
	queue  string
}

// NewRegistration declares the recording module. Without an asynq client
// (no shared redis) the module declines every session.
func NewRegistration(enabled bool, client *asynq.Client, queue string) signaling.Registration {
	return signaling.Registration{
		ID: ModuleID,
		Init: func(ctx context.Context, mctx *signaling.ModuleContext, params signaling.Params) (signaling.Module, error) {
			if !enabled || client == nil {
				return nil, nil
			}
			return &recordingModule{client: client, queue: queue}, nil
		},
	}
}

// FrontendData reports the active recording, if any.
func (m *recordingModule) FrontendData(ctx context.Context, mctx *signaling.ModuleContext) (any, error) {
	r, err := mctx.Storage().Recording(ctx, mctx.Room())
	if err != nil {
		return nil, fmt.Errorf("recording: read state: %w", err)
	}
	if r == nil {
		return nil, nil
	}
	return r, nil
}

func (m *recordingModule) OnEvent(ctx context.Context, mctx *signaling.ModuleContext, ev signaling.Event) error {
	switch e := ev.(type) {
	case signaling.WsMessage:
		return m.handleCommand(ctx, mctx, e.Payload)
	case signaling.ExchangeMessage:
		mctx.WsSend(json.RawMessage(e.Payload))
		return nil
	}
	return nil
}

func (m *recordingModule) handleCommand(ctx context.Context, mctx *signaling.ModuleContext, payload json.RawMessage) error {
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
		return m.start(ctx, mctx)
	case "stop":
		if !mctx.Role().IsModerator() {
			mctx.WsSendError("insufficient_permissions")
			return nil
		}
		return m.stop(ctx, mctx)
	case "set_consent":
		return m.setConsent(ctx, mctx, cmd.Consent)
	default:
		mctx.WsSendError("invalid_action")
		return nil
	}
}

func (m *recordingModule) start(ctx context.Context, mctx *signaling.ModuleContext) error {
	state := &domain.RecordingState{
		ID:        uuid.NewString(),
		StartedAt: mctx.Timestamp(),
		IssuedBy:  mctx.UserID(),
	}
	created, err := mctx.Storage().SetRecordingIfAbsent(ctx, mctx.Room(), state)
	if err != nil {
		return fmt.Errorf("recording: store state: %w", err)
	}
	if !created {
		mctx.WsSendError("already_recording")
		return nil
	}
	if err := m.enqueue(ctx, mctx, TaskStart, state.ID); err != nil {
		// Roll the flag back so a later start can retry.
		if _, derr := mctx.Storage().DeleteRecordingIfCurrent(ctx, mctx.Room(), state.ID); derr != nil {
			mctx.Logger().Error().Err(derr).Msg("recording flag rollback failed")
		}
		return err
	}
	mctx.ExchangePublishRoom(map[string]any{"message": "started", "recording": state})
	return nil
}

func (m *recordingModule) stop(ctx context.Context, mctx *signaling.ModuleContext) error {
	r, err := mctx.Storage().Recording(ctx, mctx.Room())
	if err != nil {
		return fmt.Errorf("recording: read state: %w", err)
	}
	if r == nil {
		mctx.WsSendError("not_recording")
		return nil
	}
	deleted, err := mctx.Storage().DeleteRecordingIfCurrent(ctx, mctx.Room(), r.ID)
	if err != nil {
		return fmt.Errorf("recording: delete state: %w", err)
	}
	if !deleted {
		mctx.WsSendError("not_recording")
		return nil
	}
	if err := m.enqueue(ctx, mctx, TaskStop, r.ID); err != nil {
		return err
	}
	mctx.ExchangePublishRoom(map[string]any{"message": "stopped", "recording_id": r.ID})
	return nil
}

func (m *recordingModule) enqueue(ctx context.Context, mctx *signaling.ModuleContext, taskType, recordingID string) error {
	body, err := json.Marshal(TaskPayload{
		Room:        mctx.Room().Room,
		Breakout:    mctx.Room().Breakout,
		RecordingID: recordingID,
	})
	if err != nil {
		return fmt.Errorf("recording: encode task: %w", err)
	}
	task := asynq.NewTask(taskType, body)
	if _, err := m.client.EnqueueContext(ctx, task, asynq.Queue(m.queue)); err != nil {
		return fmt.Errorf("recording: enqueue %s: %w", taskType, err)
	}
	return nil
}

func (m *recordingModule) setConsent(ctx context.Context, mctx *signaling.ModuleContext, consent bool) error {
	err := mctx.Storage().SetAttribute(ctx, mctx.Room(), mctx.ParticipantID(),
		string(ModuleID), consentAttr, storage.AttrVisible, consent)
	if err != nil {
		return fmt.Errorf("recording: set consent: %w", err)
	}
	mctx.InvalidateData()
	return nil
}

// PeerFrontendData surfaces each peer's recording consent.
func (m *recordingModule) PeerFrontendData(ctx context.Context, mctx *signaling.ModuleContext, peers []domain.ParticipantID) (map[domain.ParticipantID]any, error) {
	bags, err := mctx.Storage().BulkAttributes(ctx, mctx.Room(), peers, []string{string(ModuleID)})
	if err != nil {
		return nil, fmt.Errorf("recording: bulk attributes: %w", err)
	}
	out := make(map[domain.ParticipantID]any)
	for p, modules := range bags {
		if attr, ok := modules[string(ModuleID)][consentAttr]; ok {
			out[p] = map[string]json.RawMessage{"consent": attr.Value}
		}
	}
	return out, nil
}

func (m *recordingModule) OnDestroy(ctx context.Context, dctx *signaling.DestroyContext) error {
	if dctx.Scope == signaling.ScopeNone {
		return nil
	}
	// Last runner out stops an orphaned recording; the flag itself dies
	// with the room scope.
	r, err := dctx.Storage().Recording(ctx, dctx.Room())
	if err != nil || r == nil {
		return err
	}
	if _, err := dctx.Storage().DeleteRecordingIfCurrent(ctx, dctx.Room(), r.ID); err != nil {
		return fmt.Errorf("recording: clear state: %w", err)
	}
	if err := m.enqueue(ctx, dctx.ModuleContext, TaskStop, r.ID); err != nil {
		dctx.Logger().Error().Err(err).Msg("recorder stop enqueue failed")
	}
	return nil
}
