package domain

// Tariff is the feature set the room owner's plan enables. The controller
// only ever checks module availability; quota accounting happens in the
// external billing service.
type Tariff struct {
	Name           string   `json:"name"`
	EnabledModules []string `json:"enabled_modules"`
}

func (t Tariff) ModuleEnabled(id string) bool {
	for _, m := range t.EnabledModules {
		if m == id {
			return true
		}
	}
	return false
}

// RoomMeta is what the controller consumes from the external room
// service: ownership, lifetime and admission policy. Everything else
// about a room (title, invites, SIP config) stays outside the core.
type RoomMeta struct {
	ID                RoomID
	Owner             UserID
	Tariff            Tariff
	ClosesAt          int64 // unix seconds, 0 = no scheduled close
	WaitingRoomPolicy bool  // waiting room enabled at creation
}
