package livefeed

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrAlreadySubscribed = errors.New("feed is already subscribed")
	ErrNotSubscribed     = errors.New("feed is not subscribed")
	ErrMissingId         = errors.New("message has no id")
)

// SubscriptionError indicates that the feed's listener could not be registered or stopped
// delivering.
type SubscriptionError struct {
	Collection string
	cause      error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription to %q failed: %v", e.Collection, e.cause)
}

func (e *SubscriptionError) Unwrap() error {
	return e.cause
}

// WriteError indicates that a create, edit, or delete was not applied by the backend.
type WriteError struct {
	Op  string
	Key string

	cause error
}

func (e *WriteError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s failed: %v", e.Op, e.cause)
	}
	return fmt.Sprintf("%s of %q failed: %v", e.Op, e.Key, e.cause)
}

func (e *WriteError) Unwrap() error {
	return e.cause
}

// MalformedSnapshotError indicates a notification entry that could not be decoded into a message.
type MalformedSnapshotError struct {
	Key string

	cause error
}

func (e *MalformedSnapshotError) Error() string {
	return fmt.Sprintf("malformed record %q: %v", e.Key, e.cause)
}

func (e *MalformedSnapshotError) Unwrap() error {
	return e.cause
}
