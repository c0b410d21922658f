package domain

import "time"

// ChatMessage is one stored room-scope chat message. Private messages are
// relayed only and never stored.
type ChatMessage struct {
	ID        string        `json:"id"`
	Source    ParticipantID `json:"source"`
	Content   string        `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
}

// TimerKind selects countdown or stopwatch behavior.
type TimerKind string

const (
	TimerCountdown TimerKind = "countdown"
	TimerStopwatch TimerKind = "stopwatch"
)

// TimerState is the single active timer of a signaling room.
type TimerState struct {
	ID         string        `json:"id"`
	Kind       TimerKind     `json:"kind"`
	StartedAt  time.Time     `json:"started_at"`
	EndsAt     time.Time     `json:"ends_at,omitempty"`
	ReadyCheck bool          `json:"ready_check"`
	Title      string        `json:"title,omitempty"`
	IssuedBy   ParticipantID `json:"issued_by"`
}

// RecordingState is the single active recording of a signaling room.
type RecordingState struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	IssuedBy  UserID    `json:"issued_by"`
}

// BreakoutAssignment fixes one participant to one breakout room.
type BreakoutAssignment struct {
	Participant ParticipantID  `json:"participant"`
	Room        BreakoutRoomID `json:"room"`
}

// BreakoutConfig is the active breakout session of a parent room.
type BreakoutConfig struct {
	Rooms       []BreakoutRoomID     `json:"rooms"`
	Assignments []BreakoutAssignment `json:"assignments,omitempty"`
	StartedAt   time.Time            `json:"started_at"`
	ExpiresAt   time.Time            `json:"expires_at,omitempty"`
}

// RoomFor returns the breakout the participant was assigned to, if any.
func (c *BreakoutConfig) RoomFor(p ParticipantID) (BreakoutRoomID, bool) {
	for _, a := range c.Assignments {
		if a.Participant == p {
			return a.Room, true
		}
	}
	return BreakoutRoomID{}, false
}
