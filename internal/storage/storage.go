// Package storage is the volatile state store backing signaling: tickets,
// resumption tokens, participant locks, per-room sets and attributes, and
// per-module room state. Two backends implement the same contract: an
// in-process map (single controller, tests) and redis (horizontally
// scaled controllers). Nothing in here is durable; TTLs and room teardown
// are the only garbage collection.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/confab-dev/confab/internal/domain"
)

// Store is the full surface the signaling core and its modules consume.
// Every mutation is serializable with respect to other mutations on the
// same key; the documented compare-and-swap operations are atomic on both
// backends.
type Store interface {
	TicketStore
	ResumptionStore
	ParticipantLockStore
	AttributeStore
	ControlStore
	ModerationStore
	AutomodStore
	LegalVoteStore
	ChatStore
	TimerStore
	RecordingStore
	BreakoutStore
	LockProvider

	Ping(ctx context.Context) error
	Close() error
}

// TicketStore holds one-time signaling tickets.
type TicketStore interface {
	// SetTicket binds data to an unconsumed ticket for ttl.
	SetTicket(ctx context.Context, token domain.TicketToken, data *domain.TicketData, ttl time.Duration) error
	// TakeTicket atomically consumes the ticket: after it returns, the
	// token is gone. Returns nil data when the ticket is absent or
	// expired.
	TakeTicket(ctx context.Context, token domain.TicketToken) (*domain.TicketData, error)
}

// ResumptionStore holds single-use session resumption tokens.
type ResumptionStore interface {
	GetResumption(ctx context.Context, token domain.ResumptionToken) (*domain.ResumptionData, error)
	// SetResumptionIfAbsent stores data unless the token is already
	// bound; it reports whether the write happened.
	SetResumptionIfAbsent(ctx context.Context, token domain.ResumptionToken, data *domain.ResumptionData, ttl time.Duration) (bool, error)
	// RefreshResumption extends an existing binding; it fails with
	// ErrResumptionTokenUsed when the token is gone.
	RefreshResumption(ctx context.Context, token domain.ResumptionToken, data *domain.ResumptionData, ttl time.Duration) error
	// DeleteResumption reports whether the token was present.
	DeleteResumption(ctx context.Context, token domain.ResumptionToken) (bool, error)
}

// ParticipantLockStore prevents two live runners from sharing one
// participant id. Release is owner-checked: a stale runner cannot free a
// reservation it no longer holds.
type ParticipantLockStore interface {
	TryAcquireParticipant(ctx context.Context, p domain.ParticipantID, r domain.RunnerID) (bool, error)
	ParticipantInUse(ctx context.Context, p domain.ParticipantID) (bool, error)
	// ReleaseParticipant releases the reservation when caller owns it.
	// It returns the owner at call time (zero when unheld) and whether
	// the release happened.
	ReleaseParticipant(ctx context.Context, p domain.ParticipantID, caller domain.RunnerID) (domain.RunnerID, bool, error)
}

// AttrVisibility masks who may see an attribute in rosters.
type AttrVisibility string

const (
	AttrVisible AttrVisibility = "visible" // everyone in the room
	AttrSelf    AttrVisibility = "self"    // only the owning participant
	AttrHidden  AttrVisibility = "hidden"  // modules only, never rosters
)

// AttrValue is one stored participant attribute.
type AttrValue struct {
	Visibility AttrVisibility  `json:"visibility"`
	Value      json.RawMessage `json:"value"`
}

// AttributeStore keeps per-(room, participant, module) attribute bags.
type AttributeStore interface {
	SetAttribute(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID, module, name string, vis AttrVisibility, value any) error
	// GetAttribute unmarshals into out and reports presence.
	GetAttribute(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID, module, name string, out any) (bool, error)
	DeleteAttribute(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID, module, name string) error
	// Attributes returns the full bag of one module for one participant.
	Attributes(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID, module string) (map[string]AttrValue, error)
	// BulkAttributes returns bags for several participants and modules
	// in one round trip: participant -> module -> name -> value.
	BulkAttributes(ctx context.Context, room domain.SignalingRoom, ps []domain.ParticipantID, modules []string) (map[domain.ParticipantID]map[string]map[string]AttrValue, error)
	DeleteParticipantAttributes(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID) error
}

// ControlStore owns the room participant set.
type ControlStore interface {
	// AddParticipant reports whether p was newly added.
	AddParticipant(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID) (bool, error)
	RemoveParticipant(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID) error
	Participants(ctx context.Context, room domain.SignalingRoom) ([]domain.ParticipantID, error)
	ParticipantCount(ctx context.Context, room domain.SignalingRoom) (int64, error)
	// DeleteRoomScope purges every key of the signaling room scope:
	// participant set, attributes, module state. Ban and waiting-room
	// sets die only with the parent scope.
	DeleteRoomScope(ctx context.Context, room domain.SignalingRoom) error
}

// ModerationStore keeps waiting-room admission, bans and raised hands.
// All of it lives at parent-room scope except raised hands, which follow
// the signaling room.
type ModerationStore interface {
	SetWaitingRoomEnabled(ctx context.Context, room domain.RoomID, enabled bool) error
	WaitingRoomEnabled(ctx context.Context, room domain.RoomID) (bool, error)

	WaitingAdd(ctx context.Context, room domain.RoomID, p domain.ParticipantID) error
	WaitingRemove(ctx context.Context, room domain.RoomID, p domain.ParticipantID) error
	WaitingContains(ctx context.Context, room domain.RoomID, p domain.ParticipantID) (bool, error)
	WaitingMembers(ctx context.Context, room domain.RoomID) ([]domain.ParticipantID, error)

	AcceptedAdd(ctx context.Context, room domain.RoomID, p domain.ParticipantID) error
	AcceptedRemove(ctx context.Context, room domain.RoomID, p domain.ParticipantID) error
	AcceptedContains(ctx context.Context, room domain.RoomID, p domain.ParticipantID) (bool, error)

	BanUser(ctx context.Context, room domain.RoomID, u domain.UserID) error
	IsBanned(ctx context.Context, room domain.RoomID, u domain.UserID) (bool, error)

	SetRaiseHandsEnabled(ctx context.Context, room domain.RoomID, enabled bool) error
	RaiseHandsEnabled(ctx context.Context, room domain.RoomID) (bool, error)

	RaisedHandAdd(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID) error
	RaisedHandRemove(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID) error
	RaisedHands(ctx context.Context, room domain.SignalingRoom) ([]domain.ParticipantID, error)
}

// AutomodStore keeps the speaker-selection state of a signaling room.
type AutomodStore interface {
	SetAutomodConfig(ctx context.Context, room domain.SignalingRoom, cfg *domain.AutomodConfig) error
	AutomodConfig(ctx context.Context, room domain.SignalingRoom) (*domain.AutomodConfig, error)
	DeleteAutomodConfig(ctx context.Context, room domain.SignalingRoom) error

	// SetSpeakerAndHistory atomically replaces the current speaker (nil
	// clears it) and appends the accompanying history entries.
	SetSpeakerAndHistory(ctx context.Context, room domain.SignalingRoom, speaker *domain.ParticipantID, entries []domain.AutomodHistoryEntry) error
	Speaker(ctx context.Context, room domain.SignalingRoom) (*domain.ParticipantID, error)

	AllowListAdd(ctx context.Context, room domain.SignalingRoom, ps ...domain.ParticipantID) error
	AllowListRemove(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID) error
	AllowListContains(ctx context.Context, room domain.SignalingRoom, p domain.ParticipantID) (bool, error)
	AllowList(ctx context.Context, room domain.SignalingRoom) ([]domain.ParticipantID, error)
	AllowListReplace(ctx context.Context, room domain.SignalingRoom, ps []domain.ParticipantID) error

	PlaylistReplace(ctx context.Context, room domain.SignalingRoom, ps []domain.ParticipantID) error
	PlaylistAppend(ctx context.Context, room domain.SignalingRoom, ps ...domain.ParticipantID) error
	// PlaylistPop removes and returns the head; ok is false on empty.
	PlaylistPop(ctx context.Context, room domain.SignalingRoom) (domain.ParticipantID, bool, error)
	Playlist(ctx context.Context, room domain.SignalingRoom) ([]domain.ParticipantID, error)

	AutomodHistory(ctx context.Context, room domain.SignalingRoom) ([]domain.AutomodHistoryEntry, error)
	// DeleteAutomodState clears speaker, allow list, playlist and
	// history, leaving the config to its own delete.
	DeleteAutomodState(ctx context.Context, room domain.SignalingRoom) error
}

// VoteCastResult reports cast progress so the caller can decide on
// auto-close.
type VoteCastResult struct {
	CastCount    int64
	AllowedCount int64
}

// LegalVoteStore keeps protocol-logged votes. The multi-step mutations
// (casting, terminating) are atomic on both backends.
type LegalVoteStore interface {
	// StartVote installs v as the current vote if none is active
	// (ErrVoteActive otherwise), writes parameters and allowed tokens,
	// and appends the start protocol entry.
	StartVote(ctx context.Context, room domain.SignalingRoom, v domain.VoteID, params *domain.VoteParameters, allowed []domain.VoteToken, start domain.VoteProtocolEntry) error
	CurrentVote(ctx context.Context, room domain.SignalingRoom) (domain.VoteID, bool, error)
	VoteParameters(ctx context.Context, room domain.SignalingRoom, v domain.VoteID) (*domain.VoteParameters, error)

	// CastVote atomically validates the token, records the ballot,
	// bumps the tally and appends the protocol entry. Fails with
	// ErrVoteInactive, ErrInvalidToken or ErrVoteTokenUsed.
	CastVote(ctx context.Context, room domain.SignalingRoom, v domain.VoteID, token domain.VoteToken, choice domain.VoteChoice, entry domain.VoteProtocolEntry) (*VoteCastResult, error)

	// EndVote atomically appends the terminal entry, snapshots results,
	// moves v into history and clears the current vote. Fails with
	// ErrVoteInactive when v is not the current vote (the auto-expire
	// guard).
	EndVote(ctx context.Context, room domain.SignalingRoom, v domain.VoteID, terminal domain.VoteProtocolEntry, results *domain.VoteResults) error

	// AppendVoteEntry adds a non-terminal protocol entry while v is the
	// current vote; ErrVoteInactive otherwise.
	AppendVoteEntry(ctx context.Context, room domain.SignalingRoom, v domain.VoteID, entry domain.VoteProtocolEntry) error

	VoteProtocol(ctx context.Context, room domain.SignalingRoom, v domain.VoteID) ([]domain.VoteProtocolEntry, error)
	VoteTally(ctx context.Context, room domain.SignalingRoom, v domain.VoteID) (domain.VoteTally, error)
	VoteResults(ctx context.Context, room domain.SignalingRoom, v domain.VoteID) (*domain.VoteResults, error)
	VoteHistory(ctx context.Context, room domain.SignalingRoom) ([]domain.VoteID, error)
	DeleteVoteState(ctx context.Context, room domain.SignalingRoom) error
}

// ChatStore keeps the capped room chat history.
type ChatStore interface {
	AppendChatMessage(ctx context.Context, room domain.SignalingRoom, msg *domain.ChatMessage, cap int64) error
	ChatHistory(ctx context.Context, room domain.SignalingRoom) ([]domain.ChatMessage, error)
	DeleteChatHistory(ctx context.Context, room domain.SignalingRoom) error
}

// TimerStore keeps the single active timer of a signaling room.
type TimerStore interface {
	// SetTimerIfAbsent reports false when a timer is already running.
	SetTimerIfAbsent(ctx context.Context, room domain.SignalingRoom, t *domain.TimerState) (bool, error)
	Timer(ctx context.Context, room domain.SignalingRoom) (*domain.TimerState, error)
	// DeleteTimerIfCurrent deletes only when the stored timer id still
	// matches; the expiry guard.
	DeleteTimerIfCurrent(ctx context.Context, room domain.SignalingRoom, id string) (bool, error)
}

// RecordingStore keeps the active recording marker.
type RecordingStore interface {
	SetRecordingIfAbsent(ctx context.Context, room domain.SignalingRoom, r *domain.RecordingState) (bool, error)
	Recording(ctx context.Context, room domain.SignalingRoom) (*domain.RecordingState, error)
	DeleteRecordingIfCurrent(ctx context.Context, room domain.SignalingRoom, id string) (bool, error)
}

// BreakoutStore keeps the breakout session config at parent-room scope.
type BreakoutStore interface {
	// SetBreakoutIfAbsent reports false when a session is already up.
	SetBreakoutIfAbsent(ctx context.Context, room domain.RoomID, cfg *domain.BreakoutConfig) (bool, error)
	BreakoutConfig(ctx context.Context, room domain.RoomID) (*domain.BreakoutConfig, error)
	DeleteBreakout(ctx context.Context, room domain.RoomID) error
}

// LockProvider hands out the named cross-runner room locks used only for
// the destroy-time "am I last?" decision.
type LockProvider interface {
	RoomLock(room domain.SignalingRoom) Lock
}

// Lock is a coarse mutex over one signaling-room scope.
type Lock interface {
	// Acquire blocks until the lock is held or ctx ends.
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}
