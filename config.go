package livefeed

import (
	"github.com/sirupsen/logrus"

	"github.com/ccbrown/livefeed/backend"
	"github.com/ccbrown/livefeed/model"
)

const (
	DefaultCollection = "messages"
	DefaultOrderKey   = model.FieldCreatedAt
)

// Config defines the backend and other parameters for a Feed.
type Config struct {
	Backend backend.Backend
	Logger  logrus.FieldLogger

	// The collection to watch. If empty, DefaultCollection is used.
	Collection string

	// The record field the backend orders by. If empty, DefaultOrderKey is used.
	OrderKey string

	// If given, this is invoked with a copy of the state after every change. Invocations are
	// sequential and come from the feed's delivery goroutine, so the callback must not block for
	// long. It may call Unsubscribe.
	OnChange func(State)
}

func (cfg *Config) collection() string {
	if cfg.Collection == "" {
		return DefaultCollection
	}
	return cfg.Collection
}

func (cfg *Config) orderKey() string {
	if cfg.OrderKey == "" {
		return DefaultOrderKey
	}
	return cfg.OrderKey
}
