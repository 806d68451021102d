package session

import (
	"errors"
	"fmt"
)

var (
	// ErrRoomChanged is returned for work that completed after the session
	// moved to another room. Its result was discarded.
	ErrRoomChanged = errors.New("session: room changed")
	ErrNotSynced   = errors.New("session: no synced room")
)

// SendError reports a rolled back send. The draft is kept so the user can
// retry it; sends are never retried automatically.
type SendError struct {
	TempID string
	Draft  Draft
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s: %v", e.TempID, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
