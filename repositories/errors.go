package repositories

import (
	"errors"
	"fmt"
)

// NotFoundError reports that a session has no stored row of some kind yet.
type NotFoundError struct {
	Entity    string
	SessionID string
}

func NewNotFoundError(entity, sessionID string) *NotFoundError {
	return &NotFoundError{Entity: entity, SessionID: sessionID}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s for session %s not found", e.Entity, e.SessionID)
}

// Is matches any *NotFoundError, so errors.Is(err, &NotFoundError{}) works for every entity.
func (e *NotFoundError) Is(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// IsNotFound reports whether a session simply has nothing stored yet.
func IsNotFound(err error) bool {
	return errors.Is(err, &NotFoundError{})
}
