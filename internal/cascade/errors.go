package cascade

import (
	"errors"
	"fmt"

	"geo-cascade/internal/hierarchy"
)

var (
	// ErrInvalidTransition matches every rejected state transition.
	ErrInvalidTransition = errors.New("cascade: invalid transition")
	ErrLocked            = errors.New("cascade: selection is locked")
	ErrParentNotSelected = errors.New("cascade: parent level has no selection")
	ErrUnknownLevel      = errors.New("cascade: unknown level")
	ErrLevelLoading      = errors.New("cascade: level options still loading")
	ErrClosed            = errors.New("cascade: closed")
)

// TransitionError reports a synchronously rejected operation. The cascade
// state is unchanged when it is returned.
type TransitionError struct {
	Op    string
	Level hierarchy.Level
	Err   error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cascade: %s level %d: %v", e.Op, e.Level, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
