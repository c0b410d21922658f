package storage

import (
	"context"
	"testing"
	"time"

	"github.com/confab-dev/confab/internal/clock"
	"github.com/confab-dev/confab/internal/domain"
)

func newTestStore(t *testing.T) (*Memory, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake()
	return NewMemory(clk), clk
}

func testRoom() domain.SignalingRoom {
	return domain.SignalingRoom{Room: domain.RoomID(mustUUID("11111111-1111-1111-1111-111111111111"))}
}

func mustUUID(s string) [16]byte {
	var p domain.ParticipantID
	if err := p.UnmarshalText([]byte(s)); err != nil {
		panic(err)
	}
	return p
}

func TestTakeTicketConsumesOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	token := domain.NewTicketToken()
	data := &domain.TicketData{ParticipantID: domain.NewParticipantID(), Room: testRoom().Room}
	if err := s.SetTicket(ctx, token, data, 30*time.Second); err != nil {
		t.Fatal(err)
	}

	got, err := s.TakeTicket(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ParticipantID != data.ParticipantID {
		t.Fatalf("first take = %+v, want stored data", got)
	}

	again, err := s.TakeTicket(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Fatalf("second take = %+v, want nil", again)
	}
}

func TestTicketExpiresAfterTTL(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	token := domain.NewTicketToken()
	if err := s.SetTicket(ctx, token, &domain.TicketData{}, 30*time.Second); err != nil {
		t.Fatal(err)
	}

	clk.Advance(30*time.Second + time.Millisecond)

	got, err := s.TakeTicket(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("take after TTL = %+v, want nil", got)
	}
}

func TestResumptionLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	token := domain.NewResumptionToken()
	data := &domain.ResumptionData{ParticipantID: domain.NewParticipantID()}

	ok, err := s.SetResumptionIfAbsent(ctx, token, data, time.Minute)
	if err != nil || !ok {
		t.Fatalf("SetResumptionIfAbsent = %v, %v", ok, err)
	}
	ok, err = s.SetResumptionIfAbsent(ctx, token, data, time.Minute)
	if err != nil || ok {
		t.Fatalf("second SetResumptionIfAbsent = %v, %v, want false", ok, err)
	}

	if err := s.RefreshResumption(ctx, token, data, time.Minute); err != nil {
		t.Fatalf("refresh existing: %v", err)
	}

	deleted, err := s.DeleteResumption(ctx, token)
	if err != nil || !deleted {
		t.Fatalf("DeleteResumption = %v, %v", deleted, err)
	}
	deleted, err = s.DeleteResumption(ctx, token)
	if err != nil || deleted {
		t.Fatalf("second DeleteResumption = %v, %v, want false", deleted, err)
	}

	if err := s.RefreshResumption(ctx, token, data, time.Minute); err != ErrResumptionTokenUsed {
		t.Fatalf("refresh deleted = %v, want ErrResumptionTokenUsed", err)
	}
}

func TestParticipantLockOwnerChecked(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	p := domain.NewParticipantID()
	owner := domain.NewRunnerID()
	stranger := domain.NewRunnerID()

	ok, err := s.TryAcquireParticipant(ctx, p, owner)
	if err != nil || !ok {
		t.Fatalf("acquire = %v, %v", ok, err)
	}
	ok, err = s.TryAcquireParticipant(ctx, p, stranger)
	if err != nil || ok {
		t.Fatalf("second acquire = %v, %v, want false", ok, err)
	}
	inUse, err := s.ParticipantInUse(ctx, p)
	if err != nil || !inUse {
		t.Fatalf("ParticipantInUse = %v, %v, want true", inUse, err)
	}

	// A non-owner release is a no-op that reports the real owner.
	got, released, err := s.ReleaseParticipant(ctx, p, stranger)
	if err != nil {
		t.Fatal(err)
	}
	if released || got != owner {
		t.Fatalf("stranger release = (%v, %v), want (owner, false)", got, released)
	}
	inUse, _ = s.ParticipantInUse(ctx, p)
	if !inUse {
		t.Fatal("lock dropped by non-owner release")
	}

	got, released, err = s.ReleaseParticipant(ctx, p, owner)
	if err != nil || !released || got != owner {
		t.Fatalf("owner release = (%v, %v, %v)", got, released, err)
	}
	inUse, _ = s.ParticipantInUse(ctx, p)
	if inUse {
		t.Fatal("lock still held after owner release")
	}
}

func TestAttributesRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	room := testRoom()
	p := domain.NewParticipantID()

	if err := s.SetAttribute(ctx, room, p, "control", "display_name", AttrVisible, "alice"); err != nil {
		t.Fatal(err)
	}
	var name string
	ok, err := s.GetAttribute(ctx, room, p, "control", "display_name", &name)
	if err != nil || !ok || name != "alice" {
		t.Fatalf("GetAttribute = (%v, %q, %v)", ok, name, err)
	}

	bags, err := s.BulkAttributes(ctx, room, []domain.ParticipantID{p}, []string{"control", "chat"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := bags[p]["control"]["display_name"]; !ok {
		t.Fatalf("bulk bags missing control attribute: %+v", bags)
	}

	if err := s.DeleteParticipantAttributes(ctx, room, p); err != nil {
		t.Fatal(err)
	}
	ok, _ = s.GetAttribute(ctx, room, p, "control", "display_name", &name)
	if ok {
		t.Fatal("attribute survived participant delete")
	}
}

func TestRoomScopeDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	room := testRoom()
	p := domain.NewParticipantID()

	if _, err := s.AddParticipant(ctx, room, p); err != nil {
		t.Fatal(err)
	}
	if err := s.SetAttribute(ctx, room, p, "control", "role", AttrVisible, "user"); err != nil {
		t.Fatal(err)
	}
	if err := s.BanUser(ctx, room.Room, domain.UserID(mustUUID("22222222-2222-2222-2222-222222222222"))); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteRoomScope(ctx, room); err != nil {
		t.Fatal(err)
	}
	n, _ := s.ParticipantCount(ctx, room)
	if n != 0 {
		t.Fatalf("participant count after scope delete = %d", n)
	}
	banned, _ := s.IsBanned(ctx, room.Room, domain.UserID(mustUUID("22222222-2222-2222-2222-222222222222")))
	if banned {
		t.Fatal("ban survived full-room scope delete")
	}
}

func TestBreakoutScopeDeleteLeavesParent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	parent := testRoom()
	breakout := domain.SignalingRoom{Room: parent.Room, Breakout: domain.NewBreakoutRoomID()}
	p := domain.NewParticipantID()

	if _, err := s.AddParticipant(ctx, parent, p); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddParticipant(ctx, breakout, p); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteRoomScope(ctx, breakout); err != nil {
		t.Fatal(err)
	}
	n, _ := s.ParticipantCount(ctx, breakout)
	if n != 0 {
		t.Fatalf("breakout participants after delete = %d", n)
	}
	n, _ = s.ParticipantCount(ctx, parent)
	if n != 1 {
		t.Fatalf("parent participants after breakout delete = %d, want 1", n)
	}
}

func TestVoteCastAndAutoCloseCounts(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	room := testRoom()
	v := domain.NewVoteID()
	tokens := []domain.VoteToken{domain.NewVoteToken(), domain.NewVoteToken()}

	params := &domain.VoteParameters{Name: "adjourn", AutoClose: true}
	start := domain.VoteProtocolEntry{Kind: domain.ProtocolStart, Timestamp: clk.Now(), Parameters: params}
	if err := s.StartVote(ctx, room, v, params, tokens, start); err != nil {
		t.Fatal(err)
	}

	if err := s.StartVote(ctx, room, domain.NewVoteID(), params, tokens, start); err != ErrVoteActive {
		t.Fatalf("second start = %v, want ErrVoteActive", err)
	}

	res, err := s.CastVote(ctx, room, v, tokens[0], domain.VoteYes,
		domain.VoteProtocolEntry{Kind: domain.ProtocolVote, Token: tokens[0], Choice: domain.VoteYes})
	if err != nil {
		t.Fatal(err)
	}
	if res.CastCount != 1 || res.AllowedCount != 2 {
		t.Fatalf("cast result = %+v", res)
	}

	// Double ballots are rejected without touching the tally.
	if _, err := s.CastVote(ctx, room, v, tokens[0], domain.VoteNo,
		domain.VoteProtocolEntry{Kind: domain.ProtocolVote}); err != ErrVoteTokenUsed {
		t.Fatalf("double cast = %v, want ErrVoteTokenUsed", err)
	}
	if _, err := s.CastVote(ctx, room, v, domain.NewVoteToken(), domain.VoteYes,
		domain.VoteProtocolEntry{Kind: domain.ProtocolVote}); err != ErrInvalidToken {
		t.Fatalf("unknown token = %v, want ErrInvalidToken", err)
	}

	res, err = s.CastVote(ctx, room, v, tokens[1], domain.VoteNo,
		domain.VoteProtocolEntry{Kind: domain.ProtocolVote, Token: tokens[1], Choice: domain.VoteNo})
	if err != nil {
		t.Fatal(err)
	}
	if res.CastCount != res.AllowedCount {
		t.Fatalf("cast result = %+v, want all tokens cast", res)
	}

	tally, err := s.VoteTally(ctx, room, v)
	if err != nil {
		t.Fatal(err)
	}
	if tally[domain.VoteYes] != 1 || tally[domain.VoteNo] != 1 || tally.Total() != 2 {
		t.Fatalf("tally = %+v", tally)
	}
}

func TestEndVoteIsTerminalAndGuarded(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	room := testRoom()
	v := domain.NewVoteID()
	params := &domain.VoteParameters{Name: "v"}
	if err := s.StartVote(ctx, room, v, params, []domain.VoteToken{domain.NewVoteToken()},
		domain.VoteProtocolEntry{Kind: domain.ProtocolStart, Parameters: params}); err != nil {
		t.Fatal(err)
	}

	results := &domain.VoteResults{Vote: v, Parameters: params, Tally: domain.VoteTally{}, StoppedAt: clk.Now()}
	terminal := domain.VoteProtocolEntry{Kind: domain.ProtocolStop, StopKind: domain.VoteStopByUser}
	if err := s.EndVote(ctx, room, v, terminal, results); err != nil {
		t.Fatal(err)
	}

	// The expiry timer firing after a manual stop must lose the CAS.
	if err := s.EndVote(ctx, room, v, terminal, results); err != ErrVoteInactive {
		t.Fatalf("second end = %v, want ErrVoteInactive", err)
	}
	if err := s.AppendVoteEntry(ctx, room, v, domain.VoteProtocolEntry{Kind: domain.ProtocolReportedIssue}); err != ErrVoteInactive {
		t.Fatalf("append after end = %v, want ErrVoteInactive", err)
	}

	protocol, err := s.VoteProtocol(ctx, room, v)
	if err != nil {
		t.Fatal(err)
	}
	if len(protocol) != 2 || protocol[len(protocol)-1].Kind != domain.ProtocolStop {
		t.Fatalf("protocol = %+v, want terminal stop entry last", protocol)
	}

	hist, err := s.VoteHistory(ctx, room)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0] != v {
		t.Fatalf("history = %v", hist)
	}
	if _, active, _ := s.CurrentVote(ctx, room); active {
		t.Fatal("vote still current after end")
	}
}

func TestAutomodPlaylistHeadFirst(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	room := testRoom()
	a, b := domain.NewParticipantID(), domain.NewParticipantID()

	if err := s.PlaylistReplace(ctx, room, []domain.ParticipantID{a}); err != nil {
		t.Fatal(err)
	}
	if err := s.PlaylistAppend(ctx, room, b); err != nil {
		t.Fatal(err)
	}

	head, ok, err := s.PlaylistPop(ctx, room)
	if err != nil || !ok || head != a {
		t.Fatalf("first pop = (%v, %v, %v), want a", head, ok, err)
	}
	head, ok, err = s.PlaylistPop(ctx, room)
	if err != nil || !ok || head != b {
		t.Fatalf("second pop = (%v, %v, %v), want b", head, ok, err)
	}
	_, ok, err = s.PlaylistPop(ctx, room)
	if err != nil || ok {
		t.Fatalf("empty pop = (%v, %v), want miss", ok, err)
	}
}

func TestSpeakerAndHistoryAtomic(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	room := testRoom()
	a := domain.NewParticipantID()

	err := s.SetSpeakerAndHistory(ctx, room, &a, []domain.AutomodHistoryEntry{
		{Kind: domain.AutomodStart, Participant: a, Timestamp: clk.Now()},
	})
	if err != nil {
		t.Fatal(err)
	}
	speaker, err := s.Speaker(ctx, room)
	if err != nil || speaker == nil || *speaker != a {
		t.Fatalf("speaker = %v, %v", speaker, err)
	}

	clk.Advance(time.Second)
	err = s.SetSpeakerAndHistory(ctx, room, nil, []domain.AutomodHistoryEntry{
		{Kind: domain.AutomodStop, Participant: a, Timestamp: clk.Now()},
	})
	if err != nil {
		t.Fatal(err)
	}
	speaker, _ = s.Speaker(ctx, room)
	if speaker != nil {
		t.Fatalf("speaker after clear = %v", speaker)
	}

	hist, err := s.AutomodHistory(ctx, room)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[0].Kind != domain.AutomodStart || hist[1].Kind != domain.AutomodStop {
		t.Fatalf("history = %+v", hist)
	}
	if !hist[0].Timestamp.Before(hist[1].Timestamp) {
		t.Fatal("history timestamps not monotonic")
	}
}

func TestChatHistoryCap(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	room := testRoom()
	src := domain.NewParticipantID()

	for i := 0; i < 5; i++ {
		msg := &domain.ChatMessage{ID: string(rune('a' + i)), Source: src, Content: "hi", Timestamp: clk.Now()}
		if err := s.AppendChatMessage(ctx, room, msg, 3); err != nil {
			t.Fatal(err)
		}
	}
	hist, err := s.ChatHistory(ctx, room)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 3 || hist[0].ID != "c" || hist[2].ID != "e" {
		t.Fatalf("capped history = %+v", hist)
	}
}

func TestTimerDeleteGuardedByID(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	room := testRoom()

	ok, err := s.SetTimerIfAbsent(ctx, room, &domain.TimerState{ID: "t1", Kind: domain.TimerCountdown, StartedAt: clk.Now()})
	if err != nil || !ok {
		t.Fatalf("set timer = %v, %v", ok, err)
	}
	ok, err = s.SetTimerIfAbsent(ctx, room, &domain.TimerState{ID: "t2"})
	if err != nil || ok {
		t.Fatalf("second set = %v, %v, want false", ok, err)
	}

	ok, err = s.DeleteTimerIfCurrent(ctx, room, "t2")
	if err != nil || ok {
		t.Fatalf("delete wrong id = %v, %v, want false", ok, err)
	}
	ok, err = s.DeleteTimerIfCurrent(ctx, room, "t1")
	if err != nil || !ok {
		t.Fatalf("delete current = %v, %v", ok, err)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	if err := s.SetTicket(ctx, domain.NewTicketToken(), &domain.TicketData{}, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTicket(ctx, domain.NewTicketToken(), &domain.TicketData{}, time.Hour); err != nil {
		t.Fatal(err)
	}

	clk.Advance(time.Minute)
	if n := s.Sweep(); n != 1 {
		t.Fatalf("sweep removed %d entries, want 1", n)
	}
}

func TestRoomLockSerializes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	room := testRoom()

	l1 := s.RoomLock(room)
	if err := l1.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	l2 := s.RoomLock(room)
	timeout, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if err := l2.Acquire(timeout); err == nil {
		t.Fatal("second acquire succeeded while lock held")
	}

	if err := l1.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if err := l2.Acquire(ctx); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	_ = l2.Release(ctx)
}
