package signaling

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/confab-dev/confab/internal/domain"
)

// ClientEnvelope is every inbound client frame: the target module and an
// opaque payload the module decodes itself.
type ClientEnvelope struct {
	Module  ModuleID        `json:"module"`
	Payload json.RawMessage `json:"payload"`
}

// ServerEnvelope is every outbound frame. The timestamp is the wall
// clock captured when the triggering input was dequeued, rendered
// RFC3339 only here at the boundary.
type ServerEnvelope struct {
	Module    ModuleID `json:"module"`
	Timestamp string   `json:"timestamp"`
	Payload   any      `json:"payload"`
}

func encodeServerEnvelope(module ModuleID, ts time.Time, payload any) ([]byte, error) {
	b, err := json.Marshal(ServerEnvelope{
		Module:    module,
		Timestamp: ts.Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("signaling: encode envelope: %w", err)
	}
	return b, nil
}

func decodeClientEnvelope(data []byte) (*ClientEnvelope, error) {
	var env ClientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("signaling: decode envelope: %w", err)
	}
	if env.Module == "" {
		return nil, fmt.Errorf("signaling: envelope without module")
	}
	return &env, nil
}

// ErrorPayload is the uniform user-visible failure frame; codes come
// from each module's closed set.
type ErrorPayload struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func errorPayload(code string) ErrorPayload {
	return ErrorPayload{Message: "error", Error: code}
}

// joinRequest is the reserved control payload that must arrive as the
// first client frame.
type joinRequest struct {
	Action string             `json:"action"`
	Ticket domain.TicketToken `json:"ticket"`
}

// ControlAction is one cross-runner control signal: lifecycle
// notifications on room keys, directed commands on participant keys.
// The runner interprets these itself; modules emit them through
// ModuleContext.SignalControl.
type ControlAction string

const (
	ActionJoined     ControlAction = "joined"
	ActionLeft       ControlAction = "left"
	ActionUpdate     ControlAction = "update"
	ActionKicked     ControlAction = "kicked"
	ActionBanned     ControlAction = "banned"
	ActionAccepted   ControlAction = "accepted"
	ActionDebriefed  ControlAction = "debriefed"
	ActionRoomClosed ControlAction = "room_closed"
)

type controlSignal struct {
	Action      ControlAction        `json:"action"`
	Participant domain.ParticipantID `json:"participant,omitempty"`
	Issuer      domain.ParticipantID `json:"issuer,omitempty"`
	Reason      string               `json:"reason,omitempty"`
}
