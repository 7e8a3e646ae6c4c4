package session

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrActive is returned by Start when the manager already runs a session.
	ErrActive = errors.New("session: already active")

	// ErrNotFailed is returned by ForceRetry outside the Error state.
	ErrNotFailed = errors.New("session: force retry only available in error state")

	// ErrUnavailable is returned by Start when the session ended in Error
	// before becoming ready. The snapshot carries the details.
	ErrUnavailable = errors.New("session: upstream unavailable")
)

// ValidationError is a local input error. It is returned before any channel
// or device is touched.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("session: invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// ValidateConversationID checks that id is a version 4 UUID.
func ValidateConversationID(id string) error {
	if id == "" {
		return &ValidationError{Field: "conversation id", Reason: "must not be empty"}
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return &ValidationError{Field: "conversation id", Value: id, Reason: "not a UUID"}
	}
	if len(id) != 36 {
		return &ValidationError{Field: "conversation id", Value: id, Reason: "not in canonical UUID form"}
	}
	if u.Version() != 4 || u.Variant() != uuid.RFC4122 {
		return &ValidationError{Field: "conversation id", Value: id, Reason: "not a version 4 UUID"}
	}
	return nil
}
