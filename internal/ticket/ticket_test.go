package ticket

import (
	"context"
	"testing"
	"time"

	"github.com/confab-dev/confab/internal/auth"
	"github.com/confab-dev/confab/internal/clock"
	"github.com/confab-dev/confab/internal/domain"
	"github.com/confab-dev/confab/internal/metrics"
	"github.com/confab-dev/confab/internal/storage"
)

func newService(t *testing.T) (*Service, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory(clock.NewFake())
	return NewService(store, metrics.NewRegistry(), 30*time.Second, 120*time.Second), store
}

func testIdentity() *auth.Identity {
	return &auth.Identity{
		Kind:        domain.KindUser,
		UserID:      domain.UserID(domain.NewParticipantID()),
		DisplayName: "alice",
	}
}

func TestStartIssuesConsumableTicket(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	room := domain.RoomID(domain.NewParticipantID())

	grant, err := svc.StartOrContinue(ctx, testIdentity(), room, domain.BreakoutRoomID{}, "")
	if err != nil {
		t.Fatal(err)
	}

	data, err := store.TakeTicket(ctx, grant.Ticket)
	if err != nil {
		t.Fatal(err)
	}
	if data == nil {
		t.Fatal("issued ticket not found")
	}
	if data.Resuming {
		t.Fatal("fresh session marked resuming")
	}
	if data.Room != room || data.Resumption != grant.Resumption {
		t.Fatalf("ticket data = %+v", data)
	}

	// Single use: a second take yields nothing.
	if again, _ := store.TakeTicket(ctx, grant.Ticket); again != nil {
		t.Fatal("ticket taken twice")
	}
}

func TestResumeAdoptsParticipantID(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	identity := testIdentity()
	room := domain.RoomID(domain.NewParticipantID())
	prev := domain.NewParticipantID()
	token := domain.NewResumptionToken()

	ok, err := store.SetResumptionIfAbsent(ctx, token, &domain.ResumptionData{
		ParticipantID: prev,
		Kind:          identity.Kind,
		UserID:        identity.UserID,
		Room:          room,
	}, time.Minute)
	if err != nil || !ok {
		t.Fatalf("seed resumption: %v, %v", ok, err)
	}

	grant, err := svc.StartOrContinue(ctx, identity, room, domain.BreakoutRoomID{}, token)
	if err != nil {
		t.Fatal(err)
	}
	data, err := store.TakeTicket(ctx, grant.Ticket)
	if err != nil || data == nil {
		t.Fatalf("take ticket: %v, %v", data, err)
	}
	if !data.Resuming || data.ParticipantID != prev {
		t.Fatalf("ticket = %+v, want resuming with participant %v", data, prev)
	}
	// The consumed resumption token is gone.
	if r, _ := store.GetResumption(ctx, token); r != nil {
		t.Fatal("resumption token survived resume")
	}
	// A fresh resumption token was issued.
	if grant.Resumption == token {
		t.Fatal("resumption token not rotated")
	}
}

func TestResumeWhileLiveFails(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	identity := testIdentity()
	room := domain.RoomID(domain.NewParticipantID())
	prev := domain.NewParticipantID()
	token := domain.NewResumptionToken()

	if _, err := store.SetResumptionIfAbsent(ctx, token, &domain.ResumptionData{
		ParticipantID: prev,
		UserID:        identity.UserID,
		Kind:          identity.Kind,
		Room:          room,
	}, time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := store.TryAcquireParticipant(ctx, prev, domain.NewRunnerID()); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.StartOrContinue(ctx, identity, room, domain.BreakoutRoomID{}, token); err != ErrSessionRunning {
		t.Fatalf("resume while live = %v, want ErrSessionRunning", err)
	}
	// The reservation and the token are untouched.
	if inUse, _ := store.ParticipantInUse(ctx, prev); !inUse {
		t.Fatal("participant reservation dropped")
	}
	if r, _ := store.GetResumption(ctx, token); r == nil {
		t.Fatal("resumption token consumed by failed resume")
	}
}

func TestResumeWrongRoomFallsBackToFreshID(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	identity := testIdentity()
	prev := domain.NewParticipantID()
	token := domain.NewResumptionToken()

	if _, err := store.SetResumptionIfAbsent(ctx, token, &domain.ResumptionData{
		ParticipantID: prev,
		UserID:        identity.UserID,
		Kind:          identity.Kind,
		Room:          domain.RoomID(domain.NewParticipantID()),
	}, time.Minute); err != nil {
		t.Fatal(err)
	}

	otherRoom := domain.RoomID(domain.NewParticipantID())
	grant, err := svc.StartOrContinue(ctx, identity, otherRoom, domain.BreakoutRoomID{}, token)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := store.TakeTicket(ctx, grant.Ticket)
	if data == nil || data.Resuming || data.ParticipantID == prev {
		t.Fatalf("ticket = %+v, want fresh identity", data)
	}
}
