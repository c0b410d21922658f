// Package domain contains the identifiers and entities shared by every
// layer of the controller. No transport or storage logic lives here.
package domain

import "github.com/google/uuid"

type (
	// ParticipantID identifies one signaling session's participant.
	// Unique per live runner; reused across resumed sessions.
	ParticipantID uuid.UUID

	// RoomID identifies a conference room.
	RoomID uuid.UUID

	// BreakoutRoomID identifies a breakout room within a parent room.
	BreakoutRoomID uuid.UUID

	// RunnerID identifies a live runner instance. It is compared on
	// participant-lock release to detect stale owners.
	RunnerID uuid.UUID

	// UserID identifies a registered user in the external directory.
	UserID uuid.UUID

	// VoteID identifies one legal vote within a room.
	VoteID uuid.UUID
)

func NewParticipantID() ParticipantID { return ParticipantID(uuid.New()) }
func NewBreakoutRoomID() BreakoutRoomID {
	return BreakoutRoomID(uuid.New())
}
func NewRunnerID() RunnerID { return RunnerID(uuid.New()) }
func NewVoteID() VoteID     { return VoteID(uuid.New()) }

func (id ParticipantID) String() string  { return uuid.UUID(id).String() }
func (id RoomID) String() string         { return uuid.UUID(id).String() }
func (id BreakoutRoomID) String() string { return uuid.UUID(id).String() }
func (id RunnerID) String() string       { return uuid.UUID(id).String() }
func (id UserID) String() string         { return uuid.UUID(id).String() }
func (id VoteID) String() string         { return uuid.UUID(id).String() }

func (id ParticipantID) IsNil() bool  { return id == ParticipantID(uuid.Nil) }
func (id BreakoutRoomID) IsNil() bool { return id == BreakoutRoomID(uuid.Nil) }
func (id UserID) IsNil() bool         { return id == UserID(uuid.Nil) }
func (id VoteID) IsNil() bool         { return id == VoteID(uuid.Nil) }

func (id ParticipantID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id *ParticipantID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}
func (id RoomID) MarshalText() ([]byte, error)  { return uuid.UUID(id).MarshalText() }
func (id *RoomID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id BreakoutRoomID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}
func (id *BreakoutRoomID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}
func (id RunnerID) MarshalText() ([]byte, error)  { return uuid.UUID(id).MarshalText() }
func (id *RunnerID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id UserID) MarshalText() ([]byte, error)    { return uuid.UUID(id).MarshalText() }
func (id *UserID) UnmarshalText(b []byte) error   { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id VoteID) MarshalText() ([]byte, error)    { return uuid.UUID(id).MarshalText() }
func (id *VoteID) UnmarshalText(b []byte) error   { return (*uuid.UUID)(id).UnmarshalText(b) }

// ParseRoomID parses the canonical UUID form of a room id.
func ParseRoomID(s string) (RoomID, error) {
	u, err := uuid.Parse(s)
	return RoomID(u), err
}

// ParseParticipantID parses the canonical UUID form of a participant id.
func ParseParticipantID(s string) (ParticipantID, error) {
	u, err := uuid.Parse(s)
	return ParticipantID(u), err
}

// SignalingRoom is the scope most per-room state lives in: a parent room
// plus an optional breakout room. The zero Breakout value means the
// participant is in the parent room itself.
type SignalingRoom struct {
	Room     RoomID
	Breakout BreakoutRoomID
}

func (s SignalingRoom) InBreakout() bool { return !s.Breakout.IsNil() }

// Parent returns the same scope with the breakout stripped.
func (s SignalingRoom) Parent() SignalingRoom { return SignalingRoom{Room: s.Room} }

func (s SignalingRoom) String() string {
	if s.InBreakout() {
		return s.Room.String() + ":" + s.Breakout.String()
	}
	return s.Room.String()
}
