package exchange

import "github.com/confab-dev/confab/internal/domain"

// Routing keys mirror the store's scope layout: room-global, breakout
// and direct-to-participant. Participant keys hang off the parent room
// so a runner keeps receiving direct messages while it moves between
// breakouts.

func RoomKey(room domain.SignalingRoom) string {
	if room.InBreakout() {
		return "room=" + room.Room.String() + ":breakout=" + room.Breakout.String()
	}
	return "room=" + room.Room.String()
}

func ParentRoomKey(room domain.RoomID) string {
	return "room=" + room.String()
}

func ParticipantKey(room domain.RoomID, p domain.ParticipantID) string {
	return "room=" + room.String() + ":participant=" + p.String()
}
