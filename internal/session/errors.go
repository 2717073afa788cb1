package session

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound indicates the requested session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// ErrStageNotFound indicates the requested stage is not part of the session.
var ErrStageNotFound = errors.New("stage not found")

// InvalidTransitionError reports a control signal that is illegal in the
// session's current state. Session state is left unchanged.
type InvalidTransitionError struct {
	SessionID string
	StageID   string
	Requested string
	Current   string
}

func (e *InvalidTransitionError) Error() string {
	if e.StageID == "" {
		return fmt.Sprintf("session %s: cannot %s while %s", e.SessionID, e.Requested, e.Current)
	}
	return fmt.Sprintf("session %s stage %s: cannot %s while %s", e.SessionID, e.StageID, e.Requested, e.Current)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var target *InvalidTransitionError
	return errors.As(err, &target)
}
