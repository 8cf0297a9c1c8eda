package claim

import (
	"errors"
	"fmt"
)

// ErrNoRecognizer is returned when a document arrives but no recognition
// service is configured.
var ErrNoRecognizer = errors.New("no text recognizer configured")

// NotFoundError indicates a claim or payment does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// InputError indicates operator input that cannot be stored.
type InputError struct {
	Field   string
	Message string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

// TransitionError reports an attempt to move a claim through a transition
// its lifecycle does not allow.
type TransitionError struct {
	ClaimID string
	From    Status
	Event   Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("claim %s: cannot %s while %s", e.ClaimID, e.Event, e.From)
}
