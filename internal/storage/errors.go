package storage

import "errors"

// Contention failures surfaced to callers as typed values; everything
// else is a transport problem wrapped in a StorageError.
var (
	ErrResumptionTokenUsed = errors.New("storage: resumption token already used")
	ErrParticipantInUse    = errors.New("storage: participant id already in use")

	ErrVoteInactive  = errors.New("storage: vote is not active")
	ErrVoteActive    = errors.New("storage: a vote is already active")
	ErrVoteTokenUsed = errors.New("storage: vote token already used")
	ErrInvalidToken  = errors.New("storage: vote token not allowed")
)

// StorageError wraps backend transport failures so callers can separate
// them from the typed contention errors above. A missing key on a read is
// never an error; reads report absence through their ok/zero returns.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "storage: " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// IsTransport reports whether err is a backend transport failure rather
// than a contention result.
func IsTransport(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
