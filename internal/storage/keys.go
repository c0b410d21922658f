package storage

import (
	"github.com/confab-dev/confab/internal/domain"
)

// Key layout is shared verbatim by both backends so a mixed fleet (or a
// debugging redis-cli) sees one namespace. Tickets, resumption tokens and
// participant locks are keyed globally; everything else hangs off the
// signaling-room scope.
const keyPrefix = "opentalk-signaling:"

func ticketKey(t domain.TicketToken) string {
	return keyPrefix + "tickets/" + string(t)
}

func resumptionKey(t domain.ResumptionToken) string {
	return keyPrefix + "resumption/" + string(t)
}

func participantLockKey(p domain.ParticipantID) string {
	return keyPrefix + "participant=" + p.String() + ":runner"
}

// roomScope renders "room=<id>" or "room=<id>:breakout=<id>".
func roomScope(room domain.SignalingRoom) string {
	s := keyPrefix + "room=" + room.Room.String()
	if room.InBreakout() {
		s += ":breakout=" + room.Breakout.String()
	}
	return s
}

func roomKey(room domain.SignalingRoom, subscope string) string {
	return roomScope(room) + ":" + subscope
}

func parentKey(room domain.RoomID, subscope string) string {
	return roomKey(domain.SignalingRoom{Room: room}, subscope)
}

func participantsKey(room domain.SignalingRoom) string {
	return roomKey(room, "participants")
}

func attributesKey(room domain.SignalingRoom, p domain.ParticipantID, module string) string {
	return roomKey(room, "attributes:"+p.String()+":"+module)
}

// attributesPattern matches every attribute bag of one participant.
func attributesPattern(room domain.SignalingRoom, p domain.ParticipantID) string {
	return roomKey(room, "attributes:"+p.String()+":*")
}

// scopeAttributesPattern matches every attribute bag in the scope; scope
// teardown uses it to catch bags orphaned by crashed runners.
func scopeAttributesPattern(room domain.SignalingRoom) string {
	return roomKey(room, "attributes:*")
}

func waitingRoomKey(room domain.RoomID) string { return parentKey(room, "waiting_room") }
func acceptedKey(room domain.RoomID) string    { return parentKey(room, "waiting_room_accepted") }
func bansKey(room domain.RoomID) string        { return parentKey(room, "bans") }
func waitingFlagKey(room domain.RoomID) string { return parentKey(room, "waiting_room_enabled") }
func raiseFlagKey(room domain.RoomID) string   { return parentKey(room, "raise_hands_enabled") }
func breakoutKey(room domain.RoomID) string    { return parentKey(room, "breakout:config") }

func raisedHandsKey(room domain.SignalingRoom) string { return roomKey(room, "raised_hands") }

func automodConfigKey(room domain.SignalingRoom) string   { return roomKey(room, "automod:config") }
func automodSpeakerKey(room domain.SignalingRoom) string  { return roomKey(room, "automod:speaker") }
func automodAllowKey(room domain.SignalingRoom) string    { return roomKey(room, "automod:allow_list") }
func automodPlaylistKey(room domain.SignalingRoom) string { return roomKey(room, "automod:playlist") }
func automodHistoryKey(room domain.SignalingRoom) string  { return roomKey(room, "automod:history") }

func voteCurrentKey(room domain.SignalingRoom) string { return roomKey(room, "legal_vote:current") }
func voteHistoryKey(room domain.SignalingRoom) string { return roomKey(room, "legal_vote:history") }
func voteParamsKey(room domain.SignalingRoom, v domain.VoteID) string {
	return roomKey(room, "legal_vote:parameters/"+v.String())
}
func voteTokensKey(room domain.SignalingRoom, v domain.VoteID) string {
	return roomKey(room, "legal_vote:tokens/"+v.String())
}
func voteCastKey(room domain.SignalingRoom, v domain.VoteID) string {
	return roomKey(room, "legal_vote:cast/"+v.String())
}
func voteTallyKey(room domain.SignalingRoom, v domain.VoteID) string {
	return roomKey(room, "legal_vote:tally/"+v.String())
}
func voteProtocolKey(room domain.SignalingRoom, v domain.VoteID) string {
	return roomKey(room, "legal_vote:protocol/"+v.String())
}
func voteResultsKey(room domain.SignalingRoom, v domain.VoteID) string {
	return roomKey(room, "legal_vote:results/"+v.String())
}

func chatHistoryKey(room domain.SignalingRoom) string { return roomKey(room, "chat:history") }
func timerKey(room domain.SignalingRoom) string       { return roomKey(room, "timer") }
func recordingKey(room domain.SignalingRoom) string   { return roomKey(room, "recording") }
func roomLockKey(room domain.SignalingRoom) string    { return roomKey(room, "lock") }
