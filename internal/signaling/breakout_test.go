package signaling_test

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/confab-dev/confab/internal/domain"
	"github.com/confab-dev/confab/internal/exchange"
)

type breakoutStarted struct {
	Message string                `json:"message"`
	Config  domain.BreakoutConfig `json:"config"`
}

// publishChat injects a chat-namespaced envelope on an arbitrary
// routing key, standing in for traffic from another controller.
func (h *harness) publishChat(t *testing.T, key, content string) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"message": "message", "id": uuid.NewString(),
		"scope": "global", "content": content,
	})
	if err != nil {
		t.Fatal(err)
	}
	data, err := exchange.EncodeEnvelope(&exchange.Envelope{
		Module:    "chat",
		Timestamp: h.clk.Now(),
		Payload:   raw,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.deps.Exchange.Publish(h.ctx, key, data); err != nil {
		t.Fatal(err)
	}
}

func expectNoFrame(t *testing.T, conn *fakeConn, module, message string) {
	t.Helper()
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case data := <-conn.out:
			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				t.Fatal(err)
			}
			var head struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(f.Payload, &head)
			if f.Module == module && head.Message == message {
				t.Fatalf("unexpected %s %q frame arrived", module, message)
			}
		case <-deadline:
			return
		}
	}
}

func TestBreakoutRehomesAssignedRunner(t *testing.T) {
	h := newHarness(t)
	alice := userIdentity("alice")
	bob := userIdentity("bob")
	room := domain.RoomID(uuid.New())
	h.directory.Add(&domain.RoomMeta{ID: room, Owner: alice.UserID})

	aliceConn, _ := h.join(t, alice, room)
	bobConn, bobJoin := h.join(t, bob, room)
	awaitFrame(t, aliceConn, "control", "joined")

	aliceConn.in <- clientFrame(t, "breakout", map[string]any{
		"action": "start", "rooms": 2,
		"assignments": []map[string]any{
			{"participant": bobJoin.ParticipantID, "room": 0},
		},
	})

	payload := awaitFrame(t, bobConn, "breakout", "started")
	var started breakoutStarted
	if err := json.Unmarshal(payload, &started); err != nil {
		t.Fatal(err)
	}
	if len(started.Config.Rooms) != 2 {
		t.Fatalf("session has %d rooms, want 2", len(started.Config.Rooms))
	}
	assigned, ok := started.Config.RoomFor(bobJoin.ParticipantID)
	if !ok {
		t.Fatal("bob missing from the assignment")
	}
	breakoutKey := exchange.RoomKey(domain.SignalingRoom{Room: room, Breakout: assigned})

	// Traffic on the assigned breakout key now reaches bob's runner.
	h.publishChat(t, breakoutKey, "hello sub-room")
	msg := awaitFrame(t, bobConn, "chat", "message")
	var chat struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(msg, &chat); err != nil {
		t.Fatal(err)
	}
	if chat.Content != "hello sub-room" {
		t.Fatalf("relayed content %q", chat.Content)
	}
	// Alice was not assigned to bob's room and must not see it.
	expectNoFrame(t, aliceConn, "chat", "message")

	aliceConn.in <- clientFrame(t, "breakout", map[string]any{"action": "stop"})
	awaitFrame(t, bobConn, "breakout", "stopped")
	awaitFrame(t, aliceConn, "breakout", "stopped")

	// The binding is gone with the session.
	h.publishChat(t, breakoutKey, "stale")
	expectNoFrame(t, bobConn, "chat", "message")

	cfg, err := h.store.BreakoutConfig(h.ctx, room)
	if err != nil || cfg != nil {
		t.Fatalf("config survived the stop (cfg=%v err=%v)", cfg, err)
	}
}

func TestBreakoutRoundRobinAssignment(t *testing.T) {
	h := newHarness(t)
	alice := userIdentity("alice")
	bob := userIdentity("bob")
	room := domain.RoomID(uuid.New())
	h.directory.Add(&domain.RoomMeta{ID: room, Owner: alice.UserID})

	aliceConn, aliceJoin := h.join(t, alice, room)
	bobConn, bobJoin := h.join(t, bob, room)
	awaitFrame(t, aliceConn, "control", "joined")

	aliceConn.in <- clientFrame(t, "breakout", map[string]any{
		"action": "start", "rooms": 2,
	})

	payload := awaitFrame(t, bobConn, "breakout", "started")
	var started breakoutStarted
	if err := json.Unmarshal(payload, &started); err != nil {
		t.Fatal(err)
	}
	if len(started.Config.Assignments) != 2 {
		t.Fatalf("round robin produced %d assignments, want 2", len(started.Config.Assignments))
	}
	aliceRoom, ok := started.Config.RoomFor(aliceJoin.ParticipantID)
	if !ok {
		t.Fatal("alice missing from the assignment")
	}
	bobRoom, ok := started.Config.RoomFor(bobJoin.ParticipantID)
	if !ok {
		t.Fatal("bob missing from the assignment")
	}
	if aliceRoom == bobRoom {
		t.Fatal("two participants and two rooms must not share a room")
	}

	// Each runner only hears its own sub-room.
	h.publishChat(t, exchange.RoomKey(domain.SignalingRoom{Room: room, Breakout: bobRoom}), "for bob")
	awaitFrame(t, bobConn, "chat", "message")
	expectNoFrame(t, aliceConn, "chat", "message")
}
