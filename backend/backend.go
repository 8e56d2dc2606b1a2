// Package backend defines the contract between a synchronized feed and the service that stores
// and fans out its collection.
package backend

import (
	"context"
)

// Backend is an ordered, push-based collection store. Implementations must be safe for concurrent
// use.
type Backend interface {
	// SubscribeOrdered registers a listener for the given collection. The subscription delivers
	// the full collection state, ordered ascending by orderKey, once immediately and again after
	// every change. The context only bounds registration; use Subscription.Stop to cancel.
	SubscribeOrdered(ctx context.Context, collection, orderKey string) (*Subscription, error)

	// Append adds a record under a new backend-assigned key and returns the key. Fields set to
	// ServerTimestamp are resolved to the backend's clock.
	Append(ctx context.Context, collection string, record Record) (string, error)

	// Overwrite replaces the entire record at key, creating it if absent. Fields set to
	// ServerTimestamp are resolved to the backend's clock.
	Overwrite(ctx context.Context, collection, key string, record Record) error

	// Remove deletes the record at key. Removing an absent key is not an error.
	Remove(ctx context.Context, collection, key string) error
}
