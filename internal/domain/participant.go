package domain

import "errors"

const MaxDisplayNameLen = 96

var (
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrDisplayNameTooLong = errors.New("display name too long")
)

// ParticipantKind says how the participant authenticated.
type ParticipantKind string

const (
	KindUser  ParticipantKind = "user"
	KindGuest ParticipantKind = "guest"
)

// Role is the participant's permission level inside a room. Moderator is
// granted to the room owner and to users the owner promotes; guests can
// never exceed RoleGuest.
type Role string

const (
	RoleGuest     Role = "guest"
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
)

func (r Role) IsModerator() bool { return r == RoleModerator }

// ValidateDisplayName enforces the roster name constraints shared by the
// join path and the moderation rename operation.
func ValidateDisplayName(name string) error {
	if len(name) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	return nil
}
