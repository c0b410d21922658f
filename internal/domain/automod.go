package domain

import "time"

// SelectionStrategy decides how the automoderator picks the next speaker.
type SelectionStrategy string

const (
	// SelectionNone: the moderator names every speaker explicitly.
	SelectionNone SelectionStrategy = "none"
	// SelectionRandom: uniform sample from the allow list.
	SelectionRandom SelectionStrategy = "random"
	// SelectionNomination: explicit pick that must be in the allow list.
	SelectionNomination SelectionStrategy = "nomination"
	// SelectionPlaylist: speakers are consumed head-first from a list.
	SelectionPlaylist SelectionStrategy = "playlist"
)

func (s SelectionStrategy) Valid() bool {
	switch s {
	case SelectionNone, SelectionRandom, SelectionNomination, SelectionPlaylist:
		return true
	}
	return false
}

// AutomodConfig is the per-room speaker-selection configuration. It lives
// in the volatile store while an automod session is active.
type AutomodConfig struct {
	Strategy             SelectionStrategy `json:"selection_strategy"`
	AllowDoubleSelection bool              `json:"allow_double_selection"`
	HistoryEnabled       bool              `json:"history_enabled"`
	ConsiderHandRaise    bool              `json:"consider_hand_raise"`
	TimeLimit            time.Duration     `json:"time_limit,omitempty"`
	IssuedBy             ParticipantID     `json:"issued_by"`
}

// AutomodEntryKind tags automod history entries.
type AutomodEntryKind string

const (
	AutomodStart AutomodEntryKind = "start"
	AutomodStop  AutomodEntryKind = "stop"
)

// AutomodHistoryEntry records one speaking turn boundary. The history is
// append-only within an automod session and cleared on session reset.
type AutomodHistoryEntry struct {
	Kind        AutomodEntryKind `json:"kind"`
	Participant ParticipantID    `json:"participant"`
	Timestamp   time.Time        `json:"timestamp"`
}
