// Package livefeed keeps an ordered, in-memory copy of a remote message collection in sync with
// its backend and writes mutations through to it.
//
// The feed never modifies its list directly. Creates, edits, and deletes go to the backend, and
// the list only changes when the backend's snapshot stream reflects them.
package livefeed

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ccbrown/livefeed/backend"
	"github.com/ccbrown/livefeed/model"
)

// Feed is a synchronized view of one message collection. It is safe for concurrent use.
type Feed struct {
	config *Config
	logger logrus.FieldLogger

	mu           sync.Mutex
	state        State
	generation   uint64
	subscribing  bool
	subscription *backend.Subscription
	cancel       context.CancelFunc
	done         chan struct{}

	// notifying counts OnChange calls in progress.
	notifying int
}

// New creates an unsubscribed feed. The config's Backend is required.
func New(cfg *Config) (*Feed, error) {
	if cfg.Backend == nil {
		return nil, errors.New("a backend is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Feed{
		config: cfg,
		logger: logger.WithField("collection", cfg.collection()),
	}, nil
}

// State returns a copy of the current state.
func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.clone()
}

// Subscribe starts listening to the collection. The feed is loading until the first notification
// arrives. If the listener can't be registered, the feed becomes errored and a *SubscriptionError
// is returned. If Unsubscribe is called before the listener is registered, the listener is stopped
// and ErrNotSubscribed is returned.
func (f *Feed) Subscribe(ctx context.Context) error {
	f.mu.Lock()
	if f.subscription != nil || f.subscribing {
		f.mu.Unlock()
		return ErrAlreadySubscribed
	}

	f.generation++
	generation := f.generation
	f.subscribing = true
	f.state = State{
		Status: StatusLoading,
	}
	f.mu.Unlock()

	sub, err := f.config.Backend.SubscribeOrdered(ctx, f.config.collection(), f.config.orderKey())

	f.mu.Lock()
	if generation != f.generation {
		f.mu.Unlock()
		if sub != nil {
			sub.Stop()
		}
		return ErrNotSubscribed
	}
	f.subscribing = false

	if err != nil {
		subscriptionErr := &SubscriptionError{
			Collection: f.config.collection(),
			cause:      err,
		}
		f.state = State{
			Status: StatusErrored,
			Err:    subscriptionErr,
		}
		state := f.state.clone()
		f.mu.Unlock()
		f.logger.WithField("error", err.Error()).Error("unable to subscribe")
		f.notify(state)
		return subscriptionErr
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	f.subscription = sub
	f.cancel = cancel
	f.done = done
	f.mu.Unlock()

	go func() {
		defer close(done)

		f.update(generation, func(*State) {})

		err := sub.Run(runCtx, func(snapshot *backend.Snapshot) {
			f.apply(generation, snapshot)
		})
		if runCtx.Err() != nil {
			return
		} else if err == nil {
			err = backend.ErrSubscriptionCompleted
		}
		f.logger.WithField("error", err.Error()).Error("subscription ended")
		f.update(generation, func(state *State) {
			state.Status = StatusErrored
			state.Err = &SubscriptionError{
				Collection: f.config.collection(),
				cause:      err,
			}
		})
	}()

	return nil
}

// Unsubscribe stops listening. Once it returns, no notification will modify the feed. It is safe
// to call at any time and any number of times.
//
// Unsubscribe normally waits for the delivery goroutine to exit. While an OnChange callback is
// running it returns without waiting, so OnChange may call it.
func (f *Feed) Unsubscribe() {
	f.mu.Lock()
	sub, cancel, done := f.subscription, f.cancel, f.done
	if sub == nil {
		if f.state.Status != StatusUnsubscribed || f.subscribing {
			f.generation++
			f.subscribing = false
			f.state = State{}
		}
		f.mu.Unlock()
		return
	}
	f.generation++
	f.subscription, f.cancel, f.done = nil, nil, nil
	f.state = State{}
	wait := f.notifying == 0
	f.mu.Unlock()

	sub.Stop()
	cancel()
	if wait {
		<-done
	}
}

// update mutates the state if the given subscription generation is still current, then notifies
// the change callback.
func (f *Feed) update(generation uint64, mutate func(*State)) {
	f.mu.Lock()
	if generation != f.generation {
		f.mu.Unlock()
		return
	}
	mutate(&f.state)
	state := f.state.clone()
	f.mu.Unlock()
	f.notify(state)
}

func (f *Feed) notify(state State) {
	if f.config.OnChange == nil {
		return
	}

	f.mu.Lock()
	f.notifying++
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.notifying--
		f.mu.Unlock()
	}()

	f.config.OnChange(state)
}

// apply replaces the feed's messages with the snapshot's contents. A malformed snapshot is
// skipped and the previous messages are kept.
func (f *Feed) apply(generation uint64, snapshot *backend.Snapshot) {
	messages, err := decodeSnapshot(snapshot)
	if err != nil {
		f.logger.WithField("error", err.Error()).Error("skipping malformed snapshot")
		f.update(generation, func(state *State) {
			state.Status = StatusErrored
			state.Err = &SubscriptionError{
				Collection: f.config.collection(),
				cause:      err,
			}
		})
		return
	}
	f.update(generation, func(state *State) {
		state.Status = StatusReady
		state.Messages = messages
		state.Err = nil
	})
}

func decodeSnapshot(snapshot *backend.Snapshot) ([]model.Message, error) {
	if snapshot.IsEmpty() {
		return nil, nil
	}
	messages := make([]model.Message, len(snapshot.Entries))
	seen := make(map[string]struct{}, len(snapshot.Entries))
	for i := range snapshot.Entries {
		entry := &snapshot.Entries[i]
		if _, ok := seen[entry.Key]; ok || entry.Key == "" {
			return nil, &MalformedSnapshotError{
				Key:   entry.Key,
				cause: errors.New("missing or duplicate key"),
			}
		}
		seen[entry.Key] = struct{}{}
		if err := entry.Decode(&messages[i]); err != nil {
			return nil, &MalformedSnapshotError{
				Key:   entry.Key,
				cause: err,
			}
		}
		messages[i].Id = entry.Key
	}
	return messages, nil
}

func (f *Feed) checkSubscribed() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.Status == StatusUnsubscribed {
		return ErrNotSubscribed
	}
	return nil
}

func (f *Feed) writeError(op, key string, err error) error {
	f.logger.WithFields(logrus.Fields{
		"op":    op,
		"key":   key,
		"error": err.Error(),
	}).Debug("write failed")
	return &WriteError{
		Op:    op,
		Key:   key,
		cause: err,
	}
}

// Create appends a new message authored by the given identity. The message appears in the feed
// once the backend's notification includes it. Empty text is allowed.
func (f *Feed) Create(ctx context.Context, text string, author model.Identity) error {
	if err := f.checkSubscribed(); err != nil {
		return err
	}
	key, err := f.config.Backend.Append(ctx, f.config.collection(), backend.Record{
		model.FieldText:       text,
		model.FieldAuthorId:   author.Id,
		model.FieldAuthorName: author.Name,
		model.FieldCreatedAt:  backend.ServerTimestamp,
	})
	if err != nil {
		return f.writeError("create", "", err)
	}
	f.logger.WithField("key", key).Debug("message created")
	return nil
}

// Edit replaces the text of an existing message. The stored record is overwritten entirely: the
// author and creation time are carried over from the given message, and the edit time is set by
// the backend. No authorization is performed.
func (f *Feed) Edit(ctx context.Context, message model.Message, newText string) error {
	if err := f.checkSubscribed(); err != nil {
		return err
	} else if message.Id == "" {
		return ErrMissingId
	}
	if err := f.config.Backend.Overwrite(ctx, f.config.collection(), message.Id, backend.Record{
		model.FieldText:       newText,
		model.FieldAuthorId:   message.AuthorId,
		model.FieldAuthorName: message.AuthorName,
		model.FieldCreatedAt:  int64(message.CreatedAt),
		model.FieldEditedAt:   backend.ServerTimestamp,
	}); err != nil {
		return f.writeError("edit", message.Id, err)
	}
	f.logger.WithField("key", message.Id).Debug("message edited")
	return nil
}

// Delete permanently removes a message. Deleting a message that doesn't exist is not an error.
// No authorization is performed.
func (f *Feed) Delete(ctx context.Context, id string) error {
	if err := f.checkSubscribed(); err != nil {
		return err
	} else if id == "" {
		return ErrMissingId
	}
	if err := f.config.Backend.Remove(ctx, f.config.collection(), id); err != nil {
		return f.writeError("delete", id, err)
	}
	f.logger.WithField("key", id).Debug("message deleted")
	return nil
}
