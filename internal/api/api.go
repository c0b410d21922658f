// Package api is the HTTP surface of the controller: the ticket
// endpoint, the websocket upgrade into a runner, and liveness.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/confab-dev/confab/internal/auth"
	"github.com/confab-dev/confab/internal/config"
	"github.com/confab-dev/confab/internal/domain"
	"github.com/confab-dev/confab/internal/signaling"
	"github.com/confab-dev/confab/internal/ticket"
)

// Subprotocol is the websocket subprotocol clients must offer.
const Subprotocol = "confab-signaling-v1"

// Server wires the HTTP handlers to the signaling core.
type Server struct {
	cfg      *config.Config
	verifier auth.Verifier
	tickets  *ticket.Service
	deps     signaling.Deps

	// baseCtx outlives individual requests; runners are bound to it, not
	// to the hijacked request context.
	baseCtx context.Context

	upgrader websocket.Upgrader

	// runners tracks live sessions so shutdown can wait for them.
	runners sync.WaitGroup
}

func NewServer(ctx context.Context, cfg *config.Config, verifier auth.Verifier, tickets *ticket.Service, deps signaling.Deps) *Server {
	return &Server{
		cfg:      cfg,
		verifier: verifier,
		tickets:  tickets,
		deps:     deps,
		baseCtx:  ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{Subprotocol},
			// Ticket possession is the access control; the origin header
			// carries no trust.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	if s.cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealth)
	router.GET("/v1/signaling", s.handleSignaling)
	router.POST("/v1/services/signaling/start", s.handleStart)

	return router
}

// Wait blocks until every runner spawned by this server returned.
func (s *Server) Wait() { s.runners.Wait() }

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.deps.Store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "storage unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type startRequest struct {
	RoomID     string `json:"room_id" binding:"required,uuid"`
	Breakout   string `json:"breakout" binding:"omitempty,uuid"`
	Resumption string `json:"resumption" binding:"omitempty"`
	// DisplayName names guests; authenticated users carry their
	// directory name.
	DisplayName string `json:"display_name" binding:"omitempty,max=96"`
}

type startResponse struct {
	Ticket     domain.TicketToken     `json:"ticket"`
	Resumption domain.ResumptionToken `json:"resumption"`
}

func (s *Server) handleStart(c *gin.Context) {
	ctx := c.Request.Context()

	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	identity, err := s.verifier.Verify(ctx, bearerToken(c.Request))
	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		return
	case errors.Is(err, auth.ErrGuestsDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "guests_not_allowed"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	if identity.Kind == domain.KindGuest {
		identity.DisplayName = req.DisplayName
		if identity.DisplayName == "" {
			identity.DisplayName = "Guest"
		}
	}

	roomID, err := domain.ParseRoomID(req.RoomID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if _, err := s.deps.Directory.Room(ctx, roomID); err != nil {
		if errors.Is(err, auth.ErrUnknownRoom) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_room"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}

	if !identity.UserID.IsNil() {
		banned, err := s.deps.Store.IsBanned(ctx, roomID, identity.UserID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			return
		}
		if banned {
			c.JSON(http.StatusForbidden, gin.H{"error": "banned"})
			return
		}
	}

	var breakout domain.BreakoutRoomID
	if req.Breakout != "" {
		if err := breakout.UnmarshalText([]byte(req.Breakout)); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	grant, err := s.tickets.StartOrContinue(ctx, identity, roomID, breakout,
		domain.ResumptionToken(req.Resumption))
	if errors.Is(err, ticket.ErrSessionRunning) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_running"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("module", "api").Msg("ticket issuance failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}

	c.JSON(http.StatusCreated, startResponse{
		Ticket:     grant.Ticket,
		Resumption: grant.Resumption,
	})
}

// handleSignaling upgrades the connection and hands it to a fresh
// runner. Authentication happens inside the channel: the first frame
// must carry the ticket.
func (s *Server) handleSignaling(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	conn := signaling.NewWsConn(ws, s.cfg.Session.ReadLimit, s.cfg.Session.PongTimeout)
	runner := signaling.NewRunner(s.deps, conn)

	s.runners.Add(1)
	go func() {
		defer s.runners.Done()
		runner.Run(s.baseCtx)
	}()
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}
