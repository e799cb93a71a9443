package chat

import (
	"errors"
	"fmt"
)

var (
	ErrNotAuthenticated = errors.New("chat: not authenticated")
	ErrBackend          = errors.New("chat: backend error")
	ErrJoinUnavailable  = errors.New("chat: sender join unavailable")
	ErrEmptyMessage     = errors.New("chat: message is empty")
	ErrMessageTooLong   = fmt.Errorf("chat: message exceeds %d character limit", MaxContentChars)
	ErrInvalidMessage   = errors.New("chat: message contains invalid UTF-8")
	ErrRateLimited      = errors.New("chat: sending too fast")
	ErrSessionClosed    = errors.New("chat: session closed")
	ErrChannelHeld      = errors.New("chat: channel already held")
	ErrNotFound         = errors.New("chat: message not found")
)

// BackendError is returned when a message table operation fails. It matches
// ErrBackend with errors.Is and unwraps to the underlying cause.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("chat: %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func (e *BackendError) Is(target error) bool { return target == ErrBackend }
