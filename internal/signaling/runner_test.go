package signaling_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/confab-dev/confab/internal/auth"
	"github.com/confab-dev/confab/internal/clock"
	"github.com/confab-dev/confab/internal/config"
	"github.com/confab-dev/confab/internal/domain"
	"github.com/confab-dev/confab/internal/exchange"
	"github.com/confab-dev/confab/internal/metrics"
	"github.com/confab-dev/confab/internal/modules/automod"
	"github.com/confab-dev/confab/internal/modules/breakout"
	"github.com/confab-dev/confab/internal/modules/chat"
	"github.com/confab-dev/confab/internal/modules/control"
	"github.com/confab-dev/confab/internal/modules/legalvote"
	"github.com/confab-dev/confab/internal/modules/moderation"
	"github.com/confab-dev/confab/internal/modules/timer"
	"github.com/confab-dev/confab/internal/signaling"
	"github.com/confab-dev/confab/internal/storage"
	"github.com/confab-dev/confab/internal/ticket"
)

const waitFor = 2 * time.Second

// fakeConn drives a runner without a network. The test writes client
// frames into in and reads server frames from out.
type fakeConn struct {
	in  chan []byte
	out chan []byte

	mu     sync.Mutex
	reason signaling.CloseReason
	done   chan struct{}
	once   sync.Once
}

var _ signaling.Conn = (*fakeConn)(nil)

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:   make(chan []byte, 16),
		out:  make(chan []byte, 128),
		done: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return errors.New("closed")
	}
}

func (c *fakeConn) Ping(time.Time) error { return nil }

func (c *fakeConn) Close(reason signaling.CloseReason) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

// closeReason blocks until the runner closed the connection.
func (c *fakeConn) closeReason(t *testing.T) signaling.CloseReason {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(waitFor):
		t.Fatal("connection was not closed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

type frame struct {
	Module  string          `json:"module"`
	Payload json.RawMessage `json:"payload"`
}

// awaitFrame reads server frames until one matches module and message.
func awaitFrame(t *testing.T, conn *fakeConn, module, message string) json.RawMessage {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case data := <-conn.out:
			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				t.Fatalf("undecodable frame: %v", err)
			}
			if f.Module != module {
				continue
			}
			var head struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(f.Payload, &head)
			if head.Message == message {
				return f.Payload
			}
		case <-deadline:
			t.Fatalf("no %s %q frame arrived", module, message)
		}
	}
}

func joinFrame(t *testing.T, ticket domain.TicketToken) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"module":  "control",
		"payload": map[string]any{"action": "join", "ticket": ticket},
	})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func clientFrame(t *testing.T, module string, payload any) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{"module": module, "payload": payload})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

type harness struct {
	clk       *clock.Fake
	store     *storage.Memory
	deps      signaling.Deps
	directory *auth.StaticDirectory
	tickets   *ticket.Service
	ctx       context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	clk := clock.NewFake()
	reg := metrics.NewRegistry()
	store := storage.NewMemory(clk)
	exch := exchange.NewMemory(64, reg)
	t.Cleanup(func() { _ = exch.Close() })
	directory := auth.NewStaticDirectory(false)

	cfg := &config.Config{
		Session: config.Session{
			TicketTTL:     30 * time.Second,
			ResumptionTTL: 120 * time.Second,
			PingInterval:  15 * time.Second,
			PongTimeout:   20 * time.Second,
			ReadLimit:     65536,
		},
	}

	deps := signaling.Deps{
		Store:     store,
		Exchange:  exch,
		Clock:     clk,
		Metrics:   reg,
		Config:    cfg,
		Directory: directory,
		Modules: []signaling.Registration{
			control.NewRegistration(),
			moderation.NewRegistration(),
			breakout.NewRegistration(true),
			automod.NewRegistration(true),
			legalvote.NewRegistration(true),
			chat.NewRegistration(true, 16),
			timer.NewRegistration(true),
		},
	}

	return &harness{
		clk:       clk,
		store:     store,
		deps:      deps,
		directory: directory,
		tickets:   ticket.NewService(store, reg, cfg.Session.TicketTTL, cfg.Session.ResumptionTTL),
		ctx:       ctx,
	}
}

func userIdentity(name string) *auth.Identity {
	return &auth.Identity{
		Kind:        domain.KindUser,
		UserID:      domain.UserID(uuid.New()),
		DisplayName: name,
	}
}

// connect issues a ticket and opens a runner, returning before the join
// handshake completes.
func (h *harness) connect(t *testing.T, identity *auth.Identity, room domain.RoomID) (*fakeConn, *ticket.Grant) {
	t.Helper()
	grant, err := h.tickets.StartOrContinue(h.ctx, identity, room, domain.BreakoutRoomID{}, "")
	if err != nil {
		t.Fatalf("ticket issuance failed: %v", err)
	}
	conn := newFakeConn()
	runner := signaling.NewRunner(h.deps, conn)
	go runner.Run(h.ctx)
	conn.in <- joinFrame(t, grant.Ticket)
	return conn, grant
}

type joinSuccess struct {
	Message       string               `json:"message"`
	ParticipantID domain.ParticipantID `json:"participant_id"`
	Role          domain.Role          `json:"role"`
	DisplayName   string               `json:"display_name"`
}

// join connects and waits for the join handshake.
func (h *harness) join(t *testing.T, identity *auth.Identity, room domain.RoomID) (*fakeConn, joinSuccess) {
	t.Helper()
	conn, _ := h.connect(t, identity, room)
	payload := awaitFrame(t, conn, "control", "join_success")
	var js joinSuccess
	if err := json.Unmarshal(payload, &js); err != nil {
		t.Fatalf("bad join_success payload: %v", err)
	}
	return conn, js
}

func TestJoinHandshake(t *testing.T) {
	h := newHarness(t)
	alice := userIdentity("alice")
	room := domain.RoomID(uuid.New())
	h.directory.Add(&domain.RoomMeta{ID: room, Owner: alice.UserID})

	conn, js := h.join(t, alice, room)
	if js.Role != domain.RoleModerator {
		t.Fatalf("room owner joined with role %q, want moderator", js.Role)
	}
	if js.DisplayName != "alice" {
		t.Fatalf("display name %q, want alice", js.DisplayName)
	}

	inUse, err := h.store.ParticipantInUse(h.ctx, js.ParticipantID)
	if err != nil || !inUse {
		t.Fatalf("participant reservation missing (inUse=%v err=%v)", inUse, err)
	}

	close(conn.in)
	if got := conn.closeReason(t); got != signaling.ReasonLeft {
		t.Fatalf("close reason %q, want %q", got, signaling.ReasonLeft)
	}

	waitUntil(t, func() bool {
		inUse, err := h.store.ParticipantInUse(h.ctx, js.ParticipantID)
		return err == nil && !inUse
	}, "participant reservation not released")

	count, err := h.store.ParticipantCount(h.ctx, domain.SignalingRoom{Room: room})
	if err != nil || count != 0 {
		t.Fatalf("participant set not empty after destroy (count=%d err=%v)", count, err)
	}
}

func TestJoinInvalidTicket(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn()
	runner := signaling.NewRunner(h.deps, conn)
	go runner.Run(h.ctx)

	conn.in <- joinFrame(t, domain.TicketToken("bogus"))
	if got := conn.closeReason(t); got != signaling.ReasonInvalidTicket {
		t.Fatalf("close reason %q, want %q", got, signaling.ReasonInvalidTicket)
	}
}

func TestJoinParticipantInUse(t *testing.T) {
	h := newHarness(t)
	alice := userIdentity("alice")
	room := domain.RoomID(uuid.New())
	h.directory.Add(&domain.RoomMeta{ID: room, Owner: alice.UserID})

	grant, err := h.tickets.StartOrContinue(h.ctx, alice, room, domain.BreakoutRoomID{}, "")
	if err != nil {
		t.Fatal(err)
	}
	data, err := h.store.TakeTicket(h.ctx, grant.Ticket)
	if err != nil || data == nil {
		t.Fatalf("ticket missing: %v", err)
	}
	// Another runner already holds the reservation.
	if _, err := h.store.TryAcquireParticipant(h.ctx, data.ParticipantID, domain.NewRunnerID()); err != nil {
		t.Fatal(err)
	}
	if err := h.store.SetTicket(h.ctx, grant.Ticket, data, time.Minute); err != nil {
		t.Fatal(err)
	}

	conn := newFakeConn()
	runner := signaling.NewRunner(h.deps, conn)
	go runner.Run(h.ctx)
	conn.in <- joinFrame(t, grant.Ticket)
	if got := conn.closeReason(t); got != signaling.ReasonParticipantInUse {
		t.Fatalf("close reason %q, want %q", got, signaling.ReasonParticipantInUse)
	}
}

func TestRosterFanout(t *testing.T) {
	h := newHarness(t)
	alice := userIdentity("alice")
	bob := userIdentity("bob")
	room := domain.RoomID(uuid.New())
	h.directory.Add(&domain.RoomMeta{ID: room, Owner: alice.UserID})

	aliceConn, _ := h.join(t, alice, room)
	bobConn, bobJoin := h.join(t, bob, room)

	payload := awaitFrame(t, aliceConn, "control", "joined")
	var roster struct {
		ID domain.ParticipantID `json:"id"`
	}
	if err := json.Unmarshal(payload, &roster); err != nil {
		t.Fatal(err)
	}
	if roster.ID != bobJoin.ParticipantID {
		t.Fatalf("joined roster entry %s, want %s", roster.ID, bobJoin.ParticipantID)
	}

	close(bobConn.in)
	payload = awaitFrame(t, aliceConn, "control", "left")
	if err := json.Unmarshal(payload, &roster); err != nil {
		t.Fatal(err)
	}
	if roster.ID != bobJoin.ParticipantID {
		t.Fatalf("left roster entry %s, want %s", roster.ID, bobJoin.ParticipantID)
	}
}

func TestChatGlobalMessage(t *testing.T) {
	h := newHarness(t)
	alice := userIdentity("alice")
	bob := userIdentity("bob")
	room := domain.RoomID(uuid.New())
	h.directory.Add(&domain.RoomMeta{ID: room, Owner: alice.UserID})

	aliceConn, _ := h.join(t, alice, room)
	bobConn, bobJoin := h.join(t, bob, room)

	bobConn.in <- clientFrame(t, "chat", map[string]any{
		"action": "send", "scope": "global", "content": "hello",
	})

	payload := awaitFrame(t, aliceConn, "chat", "message")
	var msg struct {
		Source  domain.ParticipantID `json:"source"`
		Content string               `json:"content"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Source != bobJoin.ParticipantID || msg.Content != "hello" {
		t.Fatalf("unexpected chat relay: %+v", msg)
	}

	history, err := h.store.ChatHistory(h.ctx, domain.SignalingRoom{Room: room})
	if err != nil || len(history) != 1 {
		t.Fatalf("history not stored (len=%d err=%v)", len(history), err)
	}
}

func TestModerationKick(t *testing.T) {
	h := newHarness(t)
	alice := userIdentity("alice")
	bob := userIdentity("bob")
	room := domain.RoomID(uuid.New())
	h.directory.Add(&domain.RoomMeta{ID: room, Owner: alice.UserID})

	aliceConn, _ := h.join(t, alice, room)
	bobConn, bobJoin := h.join(t, bob, room)
	awaitFrame(t, aliceConn, "control", "joined")

	aliceConn.in <- clientFrame(t, "moderation", map[string]any{
		"action": "kick", "target": bobJoin.ParticipantID,
	})
	if got := bobConn.closeReason(t); got != signaling.ReasonKicked {
		t.Fatalf("close reason %q, want %q", got, signaling.ReasonKicked)
	}
}

func TestModerationKickRequiresModerator(t *testing.T) {
	h := newHarness(t)
	alice := userIdentity("alice")
	bob := userIdentity("bob")
	room := domain.RoomID(uuid.New())
	h.directory.Add(&domain.RoomMeta{ID: room, Owner: alice.UserID})

	aliceConn, aliceJoin := h.join(t, alice, room)
	bobConn, _ := h.join(t, bob, room)

	bobConn.in <- clientFrame(t, "moderation", map[string]any{
		"action": "kick", "target": aliceJoin.ParticipantID,
	})
	payload := awaitFrame(t, bobConn, "moderation", "error")
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &e); err != nil {
		t.Fatal(err)
	}
	if e.Error != "insufficient_permissions" {
		t.Fatalf("error code %q, want insufficient_permissions", e.Error)
	}
	select {
	case <-aliceConn.done:
		t.Fatal("moderator was kicked by a non-moderator")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWaitingRoomAdmission(t *testing.T) {
	h := newHarness(t)
	alice := userIdentity("alice")
	bob := userIdentity("bob")
	room := domain.RoomID(uuid.New())
	h.directory.Add(&domain.RoomMeta{
		ID: room, Owner: alice.UserID, WaitingRoomPolicy: true,
	})

	// The first arrival seeds the waiting-room flag; moderators pass.
	aliceConn, _ := h.join(t, alice, room)

	bobConn, _ := h.connect(t, bob, room)
	awaitFrame(t, bobConn, "moderation", "in_waiting_room")

	payload := awaitFrame(t, aliceConn, "moderation", "waiting_room_update")
	var update struct {
		Participants []domain.ParticipantID `json:"participants"`
	}
	if err := json.Unmarshal(payload, &update); err != nil {
		t.Fatal(err)
	}
	if len(update.Participants) != 1 {
		t.Fatalf("waiting set has %d entries, want 1", len(update.Participants))
	}

	aliceConn.in <- clientFrame(t, "moderation", map[string]any{
		"action": "accept", "target": update.Participants[0],
	})
	awaitFrame(t, bobConn, "control", "join_success")
}

func TestLegalVoteAutoClose(t *testing.T) {
	h := newHarness(t)
	alice := userIdentity("alice")
	bob := userIdentity("bob")
	room := domain.RoomID(uuid.New())
	h.directory.Add(&domain.RoomMeta{ID: room, Owner: alice.UserID})

	aliceConn, _ := h.join(t, alice, room)
	bobConn, _ := h.join(t, bob, room)
	awaitFrame(t, aliceConn, "control", "joined")

	aliceConn.in <- clientFrame(t, "legal_vote", map[string]any{
		"action": "start", "name": "adjourn", "auto_close": true,
	})

	type started struct {
		Vote  domain.VoteID    `json:"vote_id"`
		Token domain.VoteToken `json:"token"`
	}
	awaitToken := func(conn *fakeConn) started {
		t.Helper()
		deadline := time.After(waitFor)
		for {
			select {
			case data := <-conn.out:
				var f frame
				if err := json.Unmarshal(data, &f); err != nil {
					t.Fatal(err)
				}
				if f.Module != "legal_vote" {
					continue
				}
				var s struct {
					Message string `json:"message"`
					started
				}
				_ = json.Unmarshal(f.Payload, &s)
				if s.Message == "started" && s.Token != "" {
					return s.started
				}
			case <-deadline:
				t.Fatal("no token-bearing started frame arrived")
			}
		}
	}
	aliceVote := awaitToken(aliceConn)
	bobVote := awaitToken(bobConn)
	if aliceVote.Vote != bobVote.Vote {
		t.Fatalf("token frames disagree on the vote id")
	}

	aliceConn.in <- clientFrame(t, "legal_vote", map[string]any{
		"action": "vote", "vote_id": aliceVote.Vote, "choice": "yes",
	})
	awaitFrame(t, aliceConn, "legal_vote", "voted")
	bobConn.in <- clientFrame(t, "legal_vote", map[string]any{
		"action": "vote", "vote_id": bobVote.Vote, "choice": "no",
	})

	payload := awaitFrame(t, aliceConn, "legal_vote", "stopped")
	var stop struct {
		Results domain.VoteResults `json:"results"`
	}
	if err := json.Unmarshal(payload, &stop); err != nil {
		t.Fatal(err)
	}
	if stop.Results.StopKind != domain.VoteStopAuto {
		t.Fatalf("stop kind %q, want auto", stop.Results.StopKind)
	}
	if stop.Results.Tally[domain.VoteYes] != 1 || stop.Results.Tally[domain.VoteNo] != 1 {
		t.Fatalf("tally %v, want yes=1 no=1", stop.Results.Tally)
	}

	sroom := domain.SignalingRoom{Room: room}
	if _, active, err := h.store.CurrentVote(h.ctx, sroom); err != nil || active {
		t.Fatalf("vote still active after auto-close (err=%v)", err)
	}
	history, err := h.store.VoteHistory(h.ctx, sroom)
	if err != nil || len(history) != 1 || history[0] != aliceVote.Vote {
		t.Fatalf("vote history %v (err=%v), want [%s]", history, err, aliceVote.Vote)
	}
}

func TestDoubleVoteRejected(t *testing.T) {
	h := newHarness(t)
	alice := userIdentity("alice")
	room := domain.RoomID(uuid.New())
	h.directory.Add(&domain.RoomMeta{ID: room, Owner: alice.UserID})

	aliceConn, _ := h.join(t, alice, room)
	aliceConn.in <- clientFrame(t, "legal_vote", map[string]any{
		"action": "start", "name": "adjourn",
	})
	awaitFrame(t, aliceConn, "legal_vote", "started")

	vote := map[string]any{"action": "vote", "choice": "yes"}
	aliceConn.in <- clientFrame(t, "legal_vote", vote)
	awaitFrame(t, aliceConn, "legal_vote", "voted")
	aliceConn.in <- clientFrame(t, "legal_vote", vote)

	payload := awaitFrame(t, aliceConn, "legal_vote", "error")
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &e); err != nil {
		t.Fatal(err)
	}
	if e.Error != "token_already_used" {
		t.Fatalf("error code %q, want token_already_used", e.Error)
	}
}

// waitUntil polls cond; cross-runner effects land asynchronously.
func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
