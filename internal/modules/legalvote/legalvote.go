// Package legalvote is the protocol-logged vote engine: a moderator
// starts a vote, eligible users each receive a single-use token, ballots
// and every state change land in an append-only protocol, and the vote
// terminates exactly once (stop, cancel, auto-close or expiry).
package legalvote

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/confab-dev/confab/internal/domain"
	"github.com/confab-dev/confab/internal/modules/control"
	"github.com/confab-dev/confab/internal/signaling"
	"github.com/confab-dev/confab/internal/storage"
)

const ModuleID signaling.ModuleID = "legal_vote"

// tokenAttr stores this participant's ballot token per vote, hidden from
// rosters; a resumed session finds its token again through it.
func tokenAttr(v domain.VoteID) string { return "token:" + v.String() }

type command struct {
	Action string `json:"action"`

	// start
	Name          string `json:"name,omitempty"`
	Subtitle      string `json:"subtitle,omitempty"`
	Topic         string `json:"topic,omitempty"`
	EnableAbstain bool   `json:"enable_abstain,omitempty"`
	AutoClose     bool   `json:"auto_close,omitempty"`
	DurationSecs  int64  `json:"duration,omitempty"`
	Secret        bool   `json:"secret,omitempty"`

	// vote / stop / cancel / report_issue
	Vote   domain.VoteID     `json:"vote_id,omitempty"`
	Choice domain.VoteChoice `json:"choice,omitempty"`
	Reason string            `json:"reason,omitempty"`
	Text   string            `json:"text,omitempty"`
}

type expiryFired struct{ vote domain.VoteID }

type voteModule struct {
	stopExpiry func() bool
}

// NewRegistration declares the legal-vote module.
func NewRegistration(enabled bool) signaling.Registration {
	return signaling.Registration{
		ID: ModuleID,
		Init: func(ctx context.Context, mctx *signaling.ModuleContext, params signaling.Params) (signaling.Module, error) {
			if !enabled {
				return nil, nil
			}
			return &voteModule{}, nil
		},
	}
}

// FrontendData reports the active vote plus this participant's token, so
// a reconnecting client can still cast.
func (m *voteModule) FrontendData(ctx context.Context, mctx *signaling.ModuleContext) (any, error) {
	st := mctx.Storage()
	room := mctx.Room()
	v, active, err := st.CurrentVote(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("legalvote: current vote: %w", err)
	}
	if !active {
		return nil, nil
	}
	params, err := st.VoteParameters(ctx, room, v)
	if err != nil {
		return nil, fmt.Errorf("legalvote: vote parameters: %w", err)
	}
	data := map[string]any{"vote_id": v, "parameters": params}
	var token domain.VoteToken
	found, err := st.GetAttribute(ctx, room, mctx.ParticipantID(), string(ModuleID), tokenAttr(v), &token)
	if err != nil {
		return nil, fmt.Errorf("legalvote: token attribute: %w", err)
	}
	if found {
		data["token"] = token
	}
	return data, nil
}

func (m *voteModule) OnEvent(ctx context.Context, mctx *signaling.ModuleContext, ev signaling.Event) error {
	switch e := ev.(type) {
	case signaling.Joined:
		return m.appendPresence(ctx, mctx, domain.ProtocolUserJoined)
	case signaling.Leaving:
		return m.appendPresence(ctx, mctx, domain.ProtocolUserLeft)
	case signaling.WsMessage:
		return m.handleCommand(ctx, mctx, e.Payload)
	case signaling.ExchangeMessage:
		return m.handleExchange(ctx, mctx, e.Payload)
	case signaling.ExtEvent:
		if fired, ok := e.Value.(expiryFired); ok {
			return m.expire(ctx, mctx, fired.vote)
		}
		return nil
	}
	return nil
}

// appendPresence logs joins and leaves of registered users while a vote
// is active; guests carry no user identity and are skipped.
func (m *voteModule) appendPresence(ctx context.Context, mctx *signaling.ModuleContext, kind domain.VoteProtocolKind) error {
	if mctx.UserID().IsNil() {
		return nil
	}
	st := mctx.Storage()
	room := mctx.Room()
	v, active, err := st.CurrentVote(ctx, room)
	if err != nil || !active {
		return err
	}
	err = st.AppendVoteEntry(ctx, room, v, domain.VoteProtocolEntry{
		Kind:      kind,
		Timestamp: mctx.Timestamp(),
		User:      mctx.UserID(),
	})
	if errors.Is(err, storage.ErrVoteInactive) {
		return nil
	}
	return err
}

func (m *voteModule) handleCommand(ctx context.Context, mctx *signaling.ModuleContext, payload json.RawMessage) error {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		mctx.WsSendError("bad_request")
		return nil
	}
	switch cmd.Action {
	case "start":
		return m.moderated(mctx, func() error { return m.start(ctx, mctx, cmd) })
	case "vote":
		return m.castBallot(ctx, mctx, cmd)
	case "stop":
		return m.moderated(mctx, func() error {
			return m.finish(ctx, mctx, cmd.Vote, domain.VoteProtocolEntry{
				Kind:      domain.ProtocolStop,
				Timestamp: mctx.Timestamp(),
				Issuer:    mctx.UserID(),
				StopKind:  domain.VoteStopByUser,
			}, false)
		})
	case "cancel":
		return m.moderated(mctx, func() error {
			return m.finish(ctx, mctx, cmd.Vote, domain.VoteProtocolEntry{
				Kind:      domain.ProtocolCancel,
				Timestamp: mctx.Timestamp(),
				Issuer:    mctx.UserID(),
				Reason:    cmd.Reason,
			}, true)
		})
	case "report_issue":
		return m.reportIssue(ctx, mctx, cmd)
	default:
		mctx.WsSendError("invalid_action")
		return nil
	}
}

func (m *voteModule) moderated(mctx *signaling.ModuleContext, f func() error) error {
	if !mctx.Role().IsModerator() {
		mctx.WsSendError("insufficient_permissions")
		return nil
	}
	return f()
}

func (m *voteModule) start(ctx context.Context, mctx *signaling.ModuleContext, cmd command) error {
	if cmd.Name == "" {
		mctx.WsSendError("bad_request")
		return nil
	}
	st := mctx.Storage()
	room := mctx.Room()

	params := &domain.VoteParameters{
		Name:          cmd.Name,
		Subtitle:      cmd.Subtitle,
		Topic:         cmd.Topic,
		EnableAbstain: cmd.EnableAbstain,
		AutoClose:     cmd.AutoClose,
		Duration:      time.Duration(cmd.DurationSecs) * time.Second,
		Secret:        cmd.Secret,
	}

	// Eligible voters are the registered users present right now; each
	// gets exactly one token.
	participants, err := st.Participants(ctx, room)
	if err != nil {
		return fmt.Errorf("legalvote: list participants: %w", err)
	}
	bags, err := st.BulkAttributes(ctx, room, participants, []string{string(signaling.ControlModuleID)})
	if err != nil {
		return fmt.Errorf("legalvote: participant identities: %w", err)
	}
	type eligible struct {
		participant domain.ParticipantID
		token       domain.VoteToken
	}
	var voters []eligible
	var tokens []domain.VoteToken
	for _, p := range participants {
		raw, ok := bags[p][string(signaling.ControlModuleID)][control.AttrUserID]
		if !ok {
			continue
		}
		var user domain.UserID
		if err := json.Unmarshal(raw.Value, &user); err != nil || user.IsNil() {
			continue
		}
		t := domain.NewVoteToken()
		voters = append(voters, eligible{participant: p, token: t})
		tokens = append(tokens, t)
	}
	if len(voters) == 0 {
		mctx.WsSendError("no_eligible_voters")
		return nil
	}

	v := domain.NewVoteID()
	err = st.StartVote(ctx, room, v, params, tokens, domain.VoteProtocolEntry{
		Kind:       domain.ProtocolStart,
		Timestamp:  mctx.Timestamp(),
		Issuer:     mctx.UserID(),
		Parameters: params,
	})
	if errors.Is(err, storage.ErrVoteActive) {
		mctx.WsSendError("vote_already_active")
		return nil
	}
	if err != nil {
		return fmt.Errorf("legalvote: start: %w", err)
	}

	if params.Duration > 0 {
		stream := make(chan any, 1)
		m.stopExpiry = mctx.Clock().AfterFunc(params.Duration, func() {
			stream <- expiryFired{vote: v}
			close(stream)
		})
		mctx.AddEventStream(stream)
	}

	// Tokens travel on each voter's participant key; everyone else only
	// learns that a vote started.
	for _, voter := range voters {
		mctx.ExchangePublishParticipant(voter.participant, map[string]any{
			"message":    "started",
			"vote_id":    v,
			"parameters": params,
			"token":      voter.token,
		})
	}
	mctx.ExchangePublishRoom(map[string]any{
		"message":    "started",
		"vote_id":    v,
		"parameters": params,
	})
	return nil
}

func (m *voteModule) castBallot(ctx context.Context, mctx *signaling.ModuleContext, cmd command) error {
	st := mctx.Storage()
	room := mctx.Room()

	v, active, err := st.CurrentVote(ctx, room)
	if err != nil {
		return fmt.Errorf("legalvote: current vote: %w", err)
	}
	if !active || (!cmd.Vote.IsNil() && cmd.Vote != v) {
		mctx.WsSendError("vote_inactive")
		return nil
	}
	params, err := st.VoteParameters(ctx, room, v)
	if err != nil {
		return fmt.Errorf("legalvote: vote parameters: %w", err)
	}
	if params == nil || !params.AllowsChoice(cmd.Choice) {
		mctx.WsSendError("invalid_choice")
		return nil
	}
	var token domain.VoteToken
	found, err := st.GetAttribute(ctx, room, mctx.ParticipantID(), string(ModuleID), tokenAttr(v), &token)
	if err != nil {
		return fmt.Errorf("legalvote: token attribute: %w", err)
	}
	if !found {
		mctx.WsSendError("invalid_token")
		return nil
	}

	entry := domain.VoteProtocolEntry{
		Kind:      domain.ProtocolVote,
		Timestamp: mctx.Timestamp(),
		Token:     token,
		Choice:    cmd.Choice,
	}
	if !params.Secret {
		entry.User = mctx.UserID()
	}
	result, err := st.CastVote(ctx, room, v, token, cmd.Choice, entry)
	switch {
	case errors.Is(err, storage.ErrVoteInactive):
		mctx.WsSendError("vote_inactive")
		return nil
	case errors.Is(err, storage.ErrInvalidToken):
		mctx.WsSendError("invalid_token")
		return nil
	case errors.Is(err, storage.ErrVoteTokenUsed):
		mctx.WsSendError("token_already_used")
		return nil
	case err != nil:
		return fmt.Errorf("legalvote: cast: %w", err)
	}

	mctx.WsSend(map[string]any{"message": "voted", "vote_id": v})
	tally, err := st.VoteTally(ctx, room, v)
	if err != nil {
		return fmt.Errorf("legalvote: tally: %w", err)
	}
	mctx.ExchangePublishRoom(map[string]any{
		"message": "updated",
		"vote_id": v,
		"tally":   tally,
	})

	if params.AutoClose && result.CastCount == result.AllowedCount {
		return m.finish(ctx, mctx, v, domain.VoteProtocolEntry{
			Kind:      domain.ProtocolStop,
			Timestamp: mctx.Timestamp(),
			StopKind:  domain.VoteStopAuto,
		}, false)
	}
	return nil
}

// finish terminates the vote: terminal protocol entry, results snapshot,
// history move and current-vote clear happen atomically in the store.
// The CAS on the current vote makes expiry and explicit stops race-safe.
func (m *voteModule) finish(ctx context.Context, mctx *signaling.ModuleContext, v domain.VoteID, terminal domain.VoteProtocolEntry, canceled bool) error {
	st := mctx.Storage()
	room := mctx.Room()
	if v.IsNil() {
		current, active, err := st.CurrentVote(ctx, room)
		if err != nil {
			return fmt.Errorf("legalvote: current vote: %w", err)
		}
		if !active {
			mctx.WsSendError("vote_inactive")
			return nil
		}
		v = current
	}
	params, err := st.VoteParameters(ctx, room, v)
	if err != nil {
		return fmt.Errorf("legalvote: vote parameters: %w", err)
	}
	tally, err := st.VoteTally(ctx, room, v)
	if err != nil {
		return fmt.Errorf("legalvote: tally: %w", err)
	}
	results := &domain.VoteResults{
		Vote:       v,
		Parameters: params,
		Tally:      tally,
		StopKind:   terminal.StopKind,
		Canceled:   canceled,
		Reason:     terminal.Reason,
		StoppedAt:  terminal.Timestamp,
	}
	err = st.EndVote(ctx, room, v, terminal, results)
	if errors.Is(err, storage.ErrVoteInactive) {
		mctx.WsSendError("vote_inactive")
		return nil
	}
	if err != nil {
		return fmt.Errorf("legalvote: end: %w", err)
	}
	if m.stopExpiry != nil {
		m.stopExpiry()
		m.stopExpiry = nil
	}
	message := "stopped"
	if canceled {
		message = "canceled"
	}
	mctx.ExchangePublishRoom(map[string]any{
		"message": message,
		"vote_id": v,
		"results": results,
	})
	return nil
}

// expire fires the duration timer on the runner that started the vote;
// the EndVote CAS swallows it when the vote already terminated.
func (m *voteModule) expire(ctx context.Context, mctx *signaling.ModuleContext, v domain.VoteID) error {
	st := mctx.Storage()
	room := mctx.Room()
	current, active, err := st.CurrentVote(ctx, room)
	if err != nil || !active || current != v {
		return err
	}
	return m.finish(ctx, mctx, v, domain.VoteProtocolEntry{
		Kind:      domain.ProtocolStop,
		Timestamp: mctx.Timestamp(),
		StopKind:  domain.VoteStopExpired,
	}, false)
}

func (m *voteModule) reportIssue(ctx context.Context, mctx *signaling.ModuleContext, cmd command) error {
	st := mctx.Storage()
	room := mctx.Room()
	v, active, err := st.CurrentVote(ctx, room)
	if err != nil {
		return fmt.Errorf("legalvote: current vote: %w", err)
	}
	if !active {
		mctx.WsSendError("vote_inactive")
		return nil
	}
	err = st.AppendVoteEntry(ctx, room, v, domain.VoteProtocolEntry{
		Kind:      domain.ProtocolReportedIssue,
		Timestamp: mctx.Timestamp(),
		User:      mctx.UserID(),
		Reason:    cmd.Text,
	})
	if errors.Is(err, storage.ErrVoteInactive) {
		mctx.WsSendError("vote_inactive")
		return nil
	}
	if err != nil {
		return fmt.Errorf("legalvote: report issue: %w", err)
	}
	mctx.WsSend(map[string]any{"message": "issue_reported", "vote_id": v})
	return nil
}

func (m *voteModule) handleExchange(ctx context.Context, mctx *signaling.ModuleContext, payload json.RawMessage) error {
	var head struct {
		Message string           `json:"message"`
		Vote    domain.VoteID    `json:"vote_id"`
		Token   domain.VoteToken `json:"token"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil
	}
	switch head.Message {
	case "started":
		if head.Token != "" {
			// The directed copy carries this participant's token; keep
			// it recoverable across a resume.
			err := mctx.Storage().SetAttribute(ctx, mctx.Room(), mctx.ParticipantID(),
				string(ModuleID), tokenAttr(head.Vote), storage.AttrSelf, head.Token)
			if err != nil {
				return fmt.Errorf("legalvote: store token: %w", err)
			}
		}
		mctx.WsSend(json.RawMessage(payload))
	case "updated", "stopped", "canceled":
		mctx.WsSend(json.RawMessage(payload))
	}
	return nil
}

func (m *voteModule) OnDestroy(ctx context.Context, dctx *signaling.DestroyContext) error {
	if m.stopExpiry != nil {
		m.stopExpiry()
	}
	if dctx.Scope != signaling.ScopeGlobal {
		return nil
	}
	// The room dies with an open vote: close the protocol with a cancel
	// entry so the terminal-entry invariant holds for archived state.
	st := dctx.Storage()
	room := dctx.Room()
	v, active, err := st.CurrentVote(ctx, room)
	if err != nil || !active {
		return err
	}
	terminal := domain.VoteProtocolEntry{
		Kind:      domain.ProtocolCancel,
		Timestamp: dctx.Timestamp(),
		Reason:    "room closed",
	}
	params, _ := st.VoteParameters(ctx, room, v)
	tally, _ := st.VoteTally(ctx, room, v)
	results := &domain.VoteResults{
		Vote:       v,
		Parameters: params,
		Tally:      tally,
		Canceled:   true,
		Reason:     terminal.Reason,
		StoppedAt:  terminal.Timestamp,
	}
	if err := st.EndVote(ctx, room, v, terminal, results); err != nil && !errors.Is(err, storage.ErrVoteInactive) {
		return fmt.Errorf("legalvote: close open vote: %w", err)
	}
	return nil
}
