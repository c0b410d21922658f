// Package automod is the speaker-selection module: a moderator starts a
// session with one of four strategies and the engine walks the room
// through speaking turns, with an optional per-speaker time limit.
package automod

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/confab-dev/confab/internal/domain"
	"github.com/confab-dev/confab/internal/signaling"
)

const ModuleID signaling.ModuleID = "automod"

type command struct {
	Action string `json:"action"`

	// start / edit
	Strategy             domain.SelectionStrategy `json:"selection_strategy,omitempty"`
	AllowDoubleSelection bool                     `json:"allow_double_selection,omitempty"`
	HistoryEnabled       bool                     `json:"history_enabled,omitempty"`
	ConsiderHandRaise    bool                     `json:"consider_hand_raise,omitempty"`
	TimeLimitSecs        int64                    `json:"time_limit,omitempty"`
	AllowList            []domain.ParticipantID   `json:"allow_list,omitempty"`
	Playlist             []domain.ParticipantID   `json:"playlist,omitempty"`

	// select / yield
	Participant *domain.ParticipantID `json:"participant,omitempty"`
}

type timeLimitFired struct{ speaker domain.ParticipantID }

type automodModule struct {
	engine        *Engine
	stopTimeLimit func() bool
}

// NewRegistration declares the automod module.
func NewRegistration(enabled bool) signaling.Registration {
	return signaling.Registration{
		ID: ModuleID,
		Init: func(ctx context.Context, mctx *signaling.ModuleContext, params signaling.Params) (signaling.Module, error) {
			if !enabled {
				return nil, nil
			}
			return &automodModule{engine: NewEngine(mctx.Storage(), nil)}, nil
		},
	}
}

// FrontendData snapshots the running automod session for a joining
// client.
func (m *automodModule) FrontendData(ctx context.Context, mctx *signaling.ModuleContext) (any, error) {
	st := mctx.Storage()
	room := mctx.Room()
	cfg, err := st.AutomodConfig(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("automod: read config: %w", err)
	}
	if cfg == nil {
		return nil, nil
	}
	speaker, err := st.Speaker(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("automod: read speaker: %w", err)
	}
	remaining, err := m.remaining(ctx, mctx, cfg)
	if err != nil {
		return nil, err
	}
	data := map[string]any{
		"config":    cfg,
		"speaker":   speaker,
		"remaining": remaining,
	}
	if cfg.HistoryEnabled {
		history, err := st.AutomodHistory(ctx, room)
		if err != nil {
			return nil, fmt.Errorf("automod: read history: %w", err)
		}
		data["history"] = history
	}
	return data, nil
}

func (m *automodModule) remaining(ctx context.Context, mctx *signaling.ModuleContext, cfg *domain.AutomodConfig) ([]domain.ParticipantID, error) {
	if cfg.Strategy == domain.SelectionPlaylist {
		out, err := mctx.Storage().Playlist(ctx, mctx.Room())
		if err != nil {
			return nil, fmt.Errorf("automod: read playlist: %w", err)
		}
		return out, nil
	}
	out, err := mctx.Storage().AllowList(ctx, mctx.Room())
	if err != nil {
		return nil, fmt.Errorf("automod: read allow list: %w", err)
	}
	return out, nil
}

func (m *automodModule) OnEvent(ctx context.Context, mctx *signaling.ModuleContext, ev signaling.Event) error {
	switch e := ev.(type) {
	case signaling.WsMessage:
		return m.handleCommand(ctx, mctx, e.Payload)
	case signaling.ExchangeMessage:
		return m.handleExchange(ctx, mctx, e.Payload)
	case signaling.ExtEvent:
		if fired, ok := e.Value.(timeLimitFired); ok {
			return m.timeLimitElapsed(ctx, mctx, fired.speaker)
		}
		return nil
	case signaling.RaiseHand:
		return m.handToggled(ctx, mctx, true)
	case signaling.LowerHand:
		return m.handToggled(ctx, mctx, false)
	case signaling.Leaving:
		return m.leaving(ctx, mctx)
	}
	return nil
}

func (m *automodModule) handleCommand(ctx context.Context, mctx *signaling.ModuleContext, payload json.RawMessage) error {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		mctx.WsSendError("bad_request")
		return nil
	}

	switch cmd.Action {
	case "start":
		return m.guarded(mctx, func() error { return m.start(ctx, mctx, cmd) })
	case "edit":
		return m.guarded(mctx, func() error { return m.edit(ctx, mctx, cmd) })
	case "stop":
		return m.guarded(mctx, func() error { return m.stop(ctx, mctx) })
	case "select":
		return m.guarded(mctx, func() error { return m.selectSpeaker(ctx, mctx, cmd.Participant) })
	case "next":
		return m.guarded(mctx, func() error { return m.selectSpeaker(ctx, mctx, nil) })
	case "yield":
		return m.yield(ctx, mctx, cmd.Participant)
	default:
		mctx.WsSendError("invalid_action")
		return nil
	}
}

func (m *automodModule) guarded(mctx *signaling.ModuleContext, f func() error) error {
	if !mctx.Role().IsModerator() {
		mctx.WsSendError("insufficient_permissions")
		return nil
	}
	return f()
}

func (m *automodModule) start(ctx context.Context, mctx *signaling.ModuleContext, cmd command) error {
	if !cmd.Strategy.Valid() {
		mctx.WsSendError("invalid_strategy")
		return nil
	}
	st := mctx.Storage()
	room := mctx.Room()

	existing, err := st.AutomodConfig(ctx, room)
	if err != nil {
		return fmt.Errorf("automod: read config: %w", err)
	}
	if existing != nil {
		mctx.WsSendError("session_already_running")
		return nil
	}

	cfg := &domain.AutomodConfig{
		Strategy:             cmd.Strategy,
		AllowDoubleSelection: cmd.AllowDoubleSelection,
		HistoryEnabled:       cmd.HistoryEnabled,
		ConsiderHandRaise:    cmd.ConsiderHandRaise,
		TimeLimit:            time.Duration(cmd.TimeLimitSecs) * time.Second,
		IssuedBy:             mctx.ParticipantID(),
	}

	pool := cmd.AllowList
	if len(pool) == 0 {
		pool, err = st.Participants(ctx, room)
		if err != nil {
			return fmt.Errorf("automod: list participants: %w", err)
		}
	}
	if err := st.AllowListReplace(ctx, room, pool); err != nil {
		return fmt.Errorf("automod: seed allow list: %w", err)
	}
	if err := st.PlaylistReplace(ctx, room, cmd.Playlist); err != nil {
		return fmt.Errorf("automod: seed playlist: %w", err)
	}
	if err := st.SetAutomodConfig(ctx, room, cfg); err != nil {
		return fmt.Errorf("automod: store config: %w", err)
	}

	remaining, err := m.remaining(ctx, mctx, cfg)
	if err != nil {
		return err
	}
	mctx.ExchangePublishRoom(map[string]any{
		"message":   "started",
		"config":    cfg,
		"remaining": remaining,
	})
	return nil
}

func (m *automodModule) edit(ctx context.Context, mctx *signaling.ModuleContext, cmd command) error {
	st := mctx.Storage()
	room := mctx.Room()
	cfg, err := st.AutomodConfig(ctx, room)
	if err != nil {
		return fmt.Errorf("automod: read config: %w", err)
	}
	if cfg == nil {
		mctx.WsSendError("session_not_running")
		return nil
	}
	if cmd.AllowList != nil {
		if err := st.AllowListReplace(ctx, room, cmd.AllowList); err != nil {
			return fmt.Errorf("automod: replace allow list: %w", err)
		}
	}
	if cmd.Playlist != nil {
		if err := st.PlaylistReplace(ctx, room, cmd.Playlist); err != nil {
			return fmt.Errorf("automod: replace playlist: %w", err)
		}
	}
	remaining, err := m.remaining(ctx, mctx, cfg)
	if err != nil {
		return err
	}
	mctx.ExchangePublishRoom(map[string]any{"message": "remaining_updated", "remaining": remaining})
	return nil
}

func (m *automodModule) stop(ctx context.Context, mctx *signaling.ModuleContext) error {
	st := mctx.Storage()
	room := mctx.Room()
	cfg, err := st.AutomodConfig(ctx, room)
	if err != nil {
		return fmt.Errorf("automod: read config: %w", err)
	}
	if cfg == nil {
		mctx.WsSendError("session_not_running")
		return nil
	}
	if _, err := m.engine.StopSpeaker(ctx, room, mctx.Timestamp()); err != nil {
		return err
	}
	if err := st.DeleteAutomodConfig(ctx, room); err != nil {
		return fmt.Errorf("automod: delete config: %w", err)
	}
	if err := st.DeleteAutomodState(ctx, room); err != nil {
		return fmt.Errorf("automod: delete state: %w", err)
	}
	mctx.ExchangePublishRoom(map[string]any{"message": "stopped", "issued_by": mctx.ParticipantID()})
	return nil
}

func (m *automodModule) selectSpeaker(ctx context.Context, mctx *signaling.ModuleContext, explicit *domain.ParticipantID) error {
	cfg, err := mctx.Storage().AutomodConfig(ctx, mctx.Room())
	if err != nil {
		return fmt.Errorf("automod: read config: %w", err)
	}
	if cfg == nil {
		mctx.WsSendError("session_not_running")
		return nil
	}
	sel, err := m.engine.Select(ctx, mctx.Room(), cfg, explicit, mctx.Timestamp())
	if errors.Is(err, ErrInvalidSelection) {
		mctx.WsSendError("invalid_selection")
		return nil
	}
	if err != nil {
		return err
	}
	m.publishSelection(ctx, mctx, cfg, sel)
	return nil
}

// yield lets the current speaker end (or pass on) their own turn.
func (m *automodModule) yield(ctx context.Context, mctx *signaling.ModuleContext, next *domain.ParticipantID) error {
	st := mctx.Storage()
	room := mctx.Room()
	cfg, err := st.AutomodConfig(ctx, room)
	if err != nil {
		return fmt.Errorf("automod: read config: %w", err)
	}
	if cfg == nil {
		mctx.WsSendError("session_not_running")
		return nil
	}
	speaker, err := st.Speaker(ctx, room)
	if err != nil {
		return fmt.Errorf("automod: read speaker: %w", err)
	}
	if speaker == nil || *speaker != mctx.ParticipantID() {
		mctx.WsSendError("insufficient_permissions")
		return nil
	}
	if cfg.Strategy != domain.SelectionNone {
		// Only the moderator-driven strategy admits a named successor.
		next = nil
	}
	sel, err := m.engine.Select(ctx, room, cfg, next, mctx.Timestamp())
	if errors.Is(err, ErrInvalidSelection) {
		mctx.WsSendError("invalid_selection")
		return nil
	}
	if err != nil {
		return err
	}
	m.publishSelection(ctx, mctx, cfg, sel)
	return nil
}

func (m *automodModule) publishSelection(ctx context.Context, mctx *signaling.ModuleContext, cfg *domain.AutomodConfig, sel *Selection) {
	if sel == nil {
		return
	}
	if sel.StartAnimation {
		mctx.ExchangePublishRoom(map[string]any{"message": "start_animation"})
		return
	}
	update := map[string]any{
		"message":   "speaker_updated",
		"speaker":   sel.Speaker,
		"remaining": sel.Remaining,
	}
	if cfg.HistoryEnabled {
		if history, err := mctx.Storage().AutomodHistory(ctx, mctx.Room()); err == nil {
			update["history"] = history
		}
	}
	mctx.ExchangePublishRoom(update)
}

func (m *automodModule) handleExchange(ctx context.Context, mctx *signaling.ModuleContext, payload json.RawMessage) error {
	var head struct {
		Message string                `json:"message"`
		Speaker *domain.ParticipantID `json:"speaker"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil
	}
	switch head.Message {
	case "started", "stopped", "remaining_updated", "start_animation", "speaker_updated":
		mctx.WsSend(json.RawMessage(payload))
	default:
		return nil
	}

	if head.Message == "speaker_updated" {
		m.rearmTimeLimit(ctx, mctx, head.Speaker)
	}
	if head.Message == "stopped" && m.stopTimeLimit != nil {
		m.stopTimeLimit()
		m.stopTimeLimit = nil
	}
	return nil
}

// rearmTimeLimit schedules the turn timeout on the speaker's own runner.
func (m *automodModule) rearmTimeLimit(ctx context.Context, mctx *signaling.ModuleContext, speaker *domain.ParticipantID) {
	if m.stopTimeLimit != nil {
		m.stopTimeLimit()
		m.stopTimeLimit = nil
	}
	if speaker == nil || *speaker != mctx.ParticipantID() {
		return
	}
	cfg, err := mctx.Storage().AutomodConfig(ctx, mctx.Room())
	if err != nil || cfg == nil || cfg.TimeLimit <= 0 {
		return
	}
	stream := make(chan any, 1)
	me := mctx.ParticipantID()
	m.stopTimeLimit = mctx.Clock().AfterFunc(cfg.TimeLimit, func() {
		stream <- timeLimitFired{speaker: me}
		close(stream)
	})
	mctx.AddEventStream(stream)
}

// timeLimitElapsed advances the session when this participant's turn ran
// out; the store read is the guard against a stale timer.
func (m *automodModule) timeLimitElapsed(ctx context.Context, mctx *signaling.ModuleContext, expected domain.ParticipantID) error {
	st := mctx.Storage()
	room := mctx.Room()
	cfg, err := st.AutomodConfig(ctx, room)
	if err != nil {
		return fmt.Errorf("automod: read config: %w", err)
	}
	if cfg == nil {
		return nil
	}
	speaker, err := st.Speaker(ctx, room)
	if err != nil {
		return fmt.Errorf("automod: read speaker: %w", err)
	}
	if speaker == nil || *speaker != expected {
		return nil
	}
	sel, err := m.engine.Select(ctx, room, cfg, nil, mctx.Timestamp())
	if errors.Is(err, ErrInvalidSelection) {
		sel, err = nil, nil
		if _, serr := m.engine.StopSpeaker(ctx, room, mctx.Timestamp()); serr != nil {
			return serr
		}
	}
	if err != nil {
		return err
	}
	if sel == nil {
		mctx.ExchangePublishRoom(map[string]any{"message": "speaker_updated", "speaker": nil})
		return nil
	}
	m.publishSelection(ctx, mctx, cfg, sel)
	return nil
}

// handToggled keeps the allow list in sync with raised hands when the
// session watches them.
func (m *automodModule) handToggled(ctx context.Context, mctx *signaling.ModuleContext, raised bool) error {
	st := mctx.Storage()
	room := mctx.Room()
	cfg, err := st.AutomodConfig(ctx, room)
	if err != nil {
		return fmt.Errorf("automod: read config: %w", err)
	}
	if cfg == nil || !cfg.ConsiderHandRaise {
		return nil
	}
	if raised {
		err = st.AllowListAdd(ctx, room, mctx.ParticipantID())
	} else {
		err = st.AllowListRemove(ctx, room, mctx.ParticipantID())
	}
	if err != nil {
		return fmt.Errorf("automod: sync allow list: %w", err)
	}
	remaining, err := m.remaining(ctx, mctx, cfg)
	if err != nil {
		return err
	}
	mctx.ExchangePublishRoom(map[string]any{"message": "remaining_updated", "remaining": remaining})
	return nil
}

// leaving closes this participant's turn and drops them from the pool.
func (m *automodModule) leaving(ctx context.Context, mctx *signaling.ModuleContext) error {
	st := mctx.Storage()
	room := mctx.Room()
	cfg, err := st.AutomodConfig(ctx, room)
	if err != nil || cfg == nil {
		return err
	}
	if err := st.AllowListRemove(ctx, room, mctx.ParticipantID()); err != nil {
		return fmt.Errorf("automod: leave pool: %w", err)
	}
	speaker, err := st.Speaker(ctx, room)
	if err != nil {
		return fmt.Errorf("automod: read speaker: %w", err)
	}
	if speaker != nil && *speaker == mctx.ParticipantID() {
		if _, err := m.engine.StopSpeaker(ctx, room, mctx.Timestamp()); err != nil {
			return err
		}
		mctx.ExchangePublishRoom(map[string]any{"message": "speaker_updated", "speaker": nil})
	}
	return nil
}

func (m *automodModule) OnDestroy(ctx context.Context, dctx *signaling.DestroyContext) error {
	if m.stopTimeLimit != nil {
		m.stopTimeLimit()
	}
	// Config and state live at signaling-room scope and die with it.
	return nil
}
