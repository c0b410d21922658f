package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/confab-dev/confab/internal/auth"
	"github.com/confab-dev/confab/internal/clock"
	"github.com/confab-dev/confab/internal/config"
	"github.com/confab-dev/confab/internal/domain"
	"github.com/confab-dev/confab/internal/exchange"
	"github.com/confab-dev/confab/internal/metrics"
	"github.com/confab-dev/confab/internal/signaling"
	"github.com/confab-dev/confab/internal/storage"
	"github.com/confab-dev/confab/internal/ticket"
)

const aliceBearer = "tok-alice"

func newTestServer(t *testing.T) (*Server, *auth.StaticDirectory, *storage.Memory) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	clk := clock.NewFake()
	reg := metrics.NewRegistry()
	store := storage.NewMemory(clk)
	exch := exchange.NewMemory(16, reg)
	t.Cleanup(func() { _ = exch.Close() })
	directory := auth.NewStaticDirectory(false)

	cfg := &config.Config{
		Mode: "debug",
		Session: config.Session{
			TicketTTL:     30 * time.Second,
			ResumptionTTL: 120 * time.Second,
			PingInterval:  15 * time.Second,
			PongTimeout:   20 * time.Second,
			ReadLimit:     65536,
		},
	}

	verifier, err := auth.NewStaticVerifier(config.Auth{
		GuestsAllowed: true,
		StaticUsers: map[string]config.StaticUser{
			aliceBearer: {ID: uuid.NewString(), DisplayName: "Alice"},
		},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	deps := signaling.Deps{
		Store:     store,
		Exchange:  exch,
		Clock:     clk,
		Metrics:   reg,
		Config:    cfg,
		Directory: directory,
	}
	tickets := ticket.NewService(store, reg, cfg.Session.TicketTTL, cfg.Session.ResumptionTTL)
	return NewServer(ctx, cfg, verifier, tickets, deps), directory, store
}

func postStart(t *testing.T, s *Server, bearer string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/services/signaling/start", strings.NewReader(string(data)))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	return body.Error
}

func TestStartIssuesTicket(t *testing.T) {
	s, directory, _ := newTestServer(t)
	room := domain.RoomID(uuid.New())
	directory.Add(&domain.RoomMeta{ID: room})

	rec := postStart(t, s, aliceBearer, map[string]any{"room_id": room.String()})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d, want 201 (body %s)", rec.Code, rec.Body)
	}
	var resp struct {
		Ticket     string `json:"ticket"`
		Resumption string `json:"resumption"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Ticket == "" || resp.Resumption == "" {
		t.Fatalf("incomplete grant: %+v", resp)
	}
}

func TestStartGuestGetsDisplayName(t *testing.T) {
	s, directory, store := newTestServer(t)
	room := domain.RoomID(uuid.New())
	directory.Add(&domain.RoomMeta{ID: room})

	rec := postStart(t, s, "", map[string]any{
		"room_id": room.String(), "display_name": "Visitor",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d, want 201 (body %s)", rec.Code, rec.Body)
	}
	var resp struct {
		Ticket domain.TicketToken `json:"ticket"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	data, err := store.TakeTicket(context.Background(), resp.Ticket)
	if err != nil || data == nil {
		t.Fatalf("issued ticket not stored: %v", err)
	}
	if data.Kind != domain.KindGuest || data.DisplayName != "Visitor" {
		t.Fatalf("guest ticket data %+v", data)
	}
}

func TestStartRejectsBadBearer(t *testing.T) {
	s, directory, _ := newTestServer(t)
	room := domain.RoomID(uuid.New())
	directory.Add(&domain.RoomMeta{ID: room})

	rec := postStart(t, s, "tok-nobody", map[string]any{"room_id": room.String()})
	if rec.Code != http.StatusUnauthorized || decodeError(t, rec) != "invalid_token" {
		t.Fatalf("status %d error %q, want 401 invalid_token", rec.Code, decodeError(t, rec))
	}
}

func TestStartUnknownRoom(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := postStart(t, s, aliceBearer, map[string]any{"room_id": uuid.NewString()})
	if rec.Code != http.StatusNotFound || decodeError(t, rec) != "unknown_room" {
		t.Fatalf("status %d error %q, want 404 unknown_room", rec.Code, decodeError(t, rec))
	}
}

func TestStartRejectsBannedUser(t *testing.T) {
	s, directory, store := newTestServer(t)
	room := domain.RoomID(uuid.New())
	directory.Add(&domain.RoomMeta{ID: room})

	identity, err := s.verifier.Verify(context.Background(), aliceBearer)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.BanUser(context.Background(), room, identity.UserID); err != nil {
		t.Fatal(err)
	}

	rec := postStart(t, s, aliceBearer, map[string]any{"room_id": room.String()})
	if rec.Code != http.StatusForbidden || decodeError(t, rec) != "banned" {
		t.Fatalf("status %d error %q, want 403 banned", rec.Code, decodeError(t, rec))
	}
}

func TestStartValidatesRoomID(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := postStart(t, s, aliceBearer, map[string]any{"room_id": "not-a-uuid"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
}
