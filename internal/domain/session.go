package domain

import (
	"crypto/rand"
	"encoding/hex"
)

type (
	// TicketToken authenticates exactly one attempt to open a signaling
	// channel. Consumed atomically on first use.
	TicketToken string

	// ResumptionToken lets a returning client reclaim its previous
	// participant identity. Valid at most once.
	ResumptionToken string
)

// NewTicketToken returns 32 random bytes, hex encoded.
func NewTicketToken() TicketToken { return TicketToken(randomToken()) }

// NewResumptionToken returns 32 random bytes, hex encoded.
func NewResumptionToken() ResumptionToken { return ResumptionToken(randomToken()) }

func randomToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms; if it does the
		// process cannot safely issue credentials at all.
		panic("domain: crypto/rand: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// TicketData is the state bound to an unconsumed ticket.
type TicketData struct {
	ParticipantID ParticipantID   `json:"participant_id"`
	Kind          ParticipantKind `json:"participant_kind"`
	UserID        UserID          `json:"user_id,omitempty"`
	DisplayName   string          `json:"display_name"`
	Room          RoomID          `json:"room"`
	Breakout      BreakoutRoomID  `json:"breakout,omitempty"`
	Resumption    ResumptionToken `json:"resumption_token"`
	Resuming      bool            `json:"resuming"`
}

// SignalingRoom returns the scope the ticket admits to.
func (t *TicketData) SignalingRoom() SignalingRoom {
	return SignalingRoom{Room: t.Room, Breakout: t.Breakout}
}

// ResumptionData is the state bound to an unused resumption token.
type ResumptionData struct {
	ParticipantID ParticipantID   `json:"participant_id"`
	Kind          ParticipantKind `json:"participant_kind"`
	UserID        UserID          `json:"user_id,omitempty"`
	DisplayName   string          `json:"display_name"`
	Room          RoomID          `json:"room"`
	Breakout      BreakoutRoomID  `json:"breakout,omitempty"`
}
