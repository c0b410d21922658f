package domain

import "time"

// VoteToken authorizes a single ballot in a single vote. Tokens are
// handed to eligible participants when the vote starts and are consumed
// by casting.
type VoteToken string

// NewVoteToken returns 32 random bytes, hex encoded.
func NewVoteToken() VoteToken { return VoteToken(randomToken()) }

// VoteChoice is a ballot option.
type VoteChoice string

const (
	VoteYes     VoteChoice = "yes"
	VoteNo      VoteChoice = "no"
	VoteAbstain VoteChoice = "abstain"
)

// VoteParameters configure one legal vote.
type VoteParameters struct {
	Name          string        `json:"name"`
	Subtitle      string        `json:"subtitle,omitempty"`
	Topic         string        `json:"topic,omitempty"`
	EnableAbstain bool          `json:"enable_abstain"`
	AutoClose     bool          `json:"auto_close"`
	Duration      time.Duration `json:"duration,omitempty"`
	// Secret suppresses the caster identity in protocol vote entries.
	Secret bool `json:"secret"`
}

// AllowsChoice reports whether the parameters admit the given ballot.
func (p *VoteParameters) AllowsChoice(c VoteChoice) bool {
	switch c {
	case VoteYes, VoteNo:
		return true
	case VoteAbstain:
		return p.EnableAbstain
	}
	return false
}

// VoteStopKind says why a vote reached its terminal state.
type VoteStopKind string

const (
	VoteStopByUser  VoteStopKind = "by_user"
	VoteStopAuto    VoteStopKind = "auto"
	VoteStopExpired VoteStopKind = "expired"
)

// VoteProtocolKind tags protocol entries.
type VoteProtocolKind string

const (
	ProtocolStart         VoteProtocolKind = "start"
	ProtocolVote          VoteProtocolKind = "vote"
	ProtocolStop          VoteProtocolKind = "stop"
	ProtocolCancel        VoteProtocolKind = "cancel"
	ProtocolReportedIssue VoteProtocolKind = "reported_issue"
	ProtocolUserJoined    VoteProtocolKind = "user_joined"
	ProtocolUserLeft      VoteProtocolKind = "user_left"
)

// VoteProtocolEntry is one line of the append-only vote protocol. Exactly
// one Stop or Cancel entry terminates it; afterwards the protocol is
// immutable.
type VoteProtocolEntry struct {
	Kind      VoteProtocolKind `json:"kind"`
	Timestamp time.Time        `json:"timestamp"`

	// Start
	Issuer     UserID          `json:"issuer,omitempty"`
	Parameters *VoteParameters `json:"parameters,omitempty"`

	// Vote
	Token  VoteToken  `json:"token,omitempty"`
	Choice VoteChoice `json:"choice,omitempty"`
	User   UserID     `json:"user,omitempty"`

	// Stop / Cancel
	StopKind VoteStopKind `json:"stop_kind,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}

// VoteTally counts ballots per choice.
type VoteTally map[VoteChoice]int64

// Total is the number of ballots counted, which must equal the number of
// Vote entries in the protocol.
func (t VoteTally) Total() int64 {
	var n int64
	for _, c := range t {
		n += c
	}
	return n
}

// VoteResults is the snapshot taken when a vote terminates.
type VoteResults struct {
	Vote       VoteID          `json:"vote"`
	Parameters *VoteParameters `json:"parameters"`
	Tally      VoteTally       `json:"tally"`
	StopKind   VoteStopKind    `json:"stop_kind,omitempty"`
	Canceled   bool            `json:"canceled"`
	Reason     string          `json:"reason,omitempty"`
	StoppedAt  time.Time       `json:"stopped_at"`
}
