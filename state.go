package livefeed

import (
	"github.com/ccbrown/livefeed/model"
)

// Status is the lifecycle position of a Feed.
type Status int

const (
	StatusUnsubscribed Status = iota
	StatusLoading
	StatusReady
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusUnsubscribed:
		return "unsubscribed"
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusErrored:
		return "errored"
	}
	return "unknown"
}

// State is the observable state of a Feed.
type State struct {
	Status Status

	// Messages is nil if the collection is empty or hasn't been received yet. Otherwise it is
	// ordered ascending by creation time.
	Messages []model.Message

	// Err is the most recent subscription failure while Status is StatusErrored.
	Err error
}

// Loading returns true between subscribing and processing the first notification.
func (s State) Loading() bool {
	return s.Status == StatusLoading
}

func (s State) clone() State {
	ret := s
	if s.Messages != nil {
		ret.Messages = make([]model.Message, len(s.Messages))
		copy(ret.Messages, s.Messages)
	}
	return ret
}
