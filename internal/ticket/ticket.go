// Package ticket issues the one-time tickets that authenticate a
// signaling channel, and resumes prior sessions through single-use
// resumption tokens.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/confab-dev/confab/internal/auth"
	"github.com/confab-dev/confab/internal/domain"
	"github.com/confab-dev/confab/internal/metrics"
	"github.com/confab-dev/confab/internal/storage"
)

// ErrSessionRunning means the resumption target still has a live runner;
// the client must close its old session first.
var ErrSessionRunning = errors.New("ticket: session still running")

type Service struct {
	store      storage.Store
	reg        *metrics.Registry
	ticketTTL  time.Duration
	resumptTTL time.Duration
}

func NewService(store storage.Store, reg *metrics.Registry, ticketTTL, resumptionTTL time.Duration) *Service {
	return &Service{
		store:      store,
		reg:        reg,
		ticketTTL:  ticketTTL,
		resumptTTL: resumptionTTL,
	}
}

// Grant is what the ticket endpoint returns to the client.
type Grant struct {
	Ticket     domain.TicketToken
	Resumption domain.ResumptionToken
}

// StartOrContinue issues a ticket for identity to join room. With a
// resumption token the previous participant id is adopted when it
// matches this room and identity and no runner still holds it; the used
// token is deleted either way a session starts.
func (s *Service) StartOrContinue(ctx context.Context, identity *auth.Identity, room domain.RoomID, breakout domain.BreakoutRoomID, resumption domain.ResumptionToken) (*Grant, error) {
	data := &domain.TicketData{
		Kind:        identity.Kind,
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		Room:        room,
		Breakout:    breakout,
	}

	if resumption != "" {
		prev, err := s.store.GetResumption(ctx, resumption)
		if err != nil {
			return nil, fmt.Errorf("ticket: resumption lookup: %w", err)
		}
		if prev != nil && prev.Room == room && prev.UserID == identity.UserID {
			inUse, err := s.store.ParticipantInUse(ctx, prev.ParticipantID)
			if err != nil {
				return nil, fmt.Errorf("ticket: participant lookup: %w", err)
			}
			if inUse {
				return nil, ErrSessionRunning
			}
			data.ParticipantID = prev.ParticipantID
			data.Resuming = true
			if _, err := s.store.DeleteResumption(ctx, resumption); err != nil {
				return nil, fmt.Errorf("ticket: resumption delete: %w", err)
			}
			s.reg.Inc(metrics.TicketsResumed)
		}
	}

	if !data.Resuming {
		data.ParticipantID = domain.NewParticipantID()
	}
	data.Resumption = domain.NewResumptionToken()

	ticket := domain.NewTicketToken()
	if err := s.store.SetTicket(ctx, ticket, data, s.ticketTTL); err != nil {
		return nil, fmt.Errorf("ticket: store: %w", err)
	}
	s.reg.Inc(metrics.TicketsIssued)
	log.Debug().Str("module", "ticket").
		Str("room", room.String()).
		Str("participant", data.ParticipantID.String()).
		Bool("resuming", data.Resuming).
		Msg("ticket issued")
	return &Grant{Ticket: ticket, Resumption: data.Resumption}, nil
}
