package signaling

import (
	"time"

	json "github.com/goccy/go-json"

	"github.com/confab-dev/confab/internal/domain"
)

// Event is the closed union a module's OnEvent handles. Lifecycle events
// fan out to every loaded module; WsMessage, ExchangeMessage and
// ExtEvent go to the owning module only.
type Event interface{ event() }

// Joined fires once after all modules initialized and the JoinSuccess
// payload went out.
type Joined struct{}

// Leaving fires when the runner starts its destroy sequence.
type Leaving struct{ Reason CloseReason }

// RaiseHand / LowerHand fan out when this participant toggles the hand.
type RaiseHand struct{}
type LowerHand struct{}

// ParticipantJoined / ParticipantLeft / ParticipantUpdated mirror other
// runners of the same room.
type ParticipantJoined struct{ Participant domain.ParticipantID }
type ParticipantLeft struct{ Participant domain.ParticipantID }
type ParticipantUpdated struct{ Participant domain.ParticipantID }

// RoleUpdated fires when this participant's role changed.
type RoleUpdated struct{ Role domain.Role }

// WsMessage is one client message addressed to this module.
type WsMessage struct{ Payload json.RawMessage }

// ExchangeMessage is one exchange delivery addressed to this module.
// The timestamp is the publisher's dequeue time.
type ExchangeMessage struct {
	Key       string
	Timestamp time.Time
	Payload   json.RawMessage
}

// ExtEvent is one value from a stream the module registered through
// AddEventStream.
type ExtEvent struct{ Value any }

func (Joined) event()             {}
func (Leaving) event()            {}
func (RaiseHand) event()          {}
func (LowerHand) event()          {}
func (ParticipantJoined) event()  {}
func (ParticipantLeft) event()    {}
func (ParticipantUpdated) event() {}
func (RoleUpdated) event()        {}
func (WsMessage) event()          {}
func (ExchangeMessage) event()    {}
func (ExtEvent) event()           {}
