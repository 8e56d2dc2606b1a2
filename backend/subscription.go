package backend

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrSubscriptionCompleted is the reason given when the source ends a subscription that nobody
// stopped.
var ErrSubscriptionCompleted = errors.New("subscription completed by source")

// Subscription is a live stream of snapshots for one collection.
//
// Producers call Publish and Fail; consumers receive from Snapshots (or use Run) and call Stop.
// Publishing never blocks. If the consumer falls behind, undelivered snapshots are replaced by
// newer ones, which is safe because every snapshot is a complete state.
type Subscription struct {
	snapshots chan *Snapshot
	wake      chan struct{}
	stopped   chan struct{}
	onStop    func()
	stopOnce  sync.Once

	mu         sync.Mutex
	pending    *Snapshot
	hasPending bool
	ending     bool
	err        error
}

// NewSubscription creates a subscription. onStop, if given, is invoked once when the consumer
// stops the subscription and is typically used to unregister the listener at the source.
func NewSubscription(onStop func()) *Subscription {
	s := &Subscription{
		snapshots: make(chan *Snapshot),
		wake:      make(chan struct{}, 1),
		stopped:   make(chan struct{}),
		onStop:    onStop,
	}
	go s.pump()
	return s
}

// Publish queues a snapshot for delivery. It has no effect once the subscription is ending.
func (s *Subscription) Publish(snapshot *Snapshot) {
	if snapshot == nil {
		snapshot = &Snapshot{}
	}
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return
	}
	s.pending = snapshot
	s.hasPending = true
	s.mu.Unlock()
	s.signal()
}

// Fail ends the subscription after any pending snapshot is delivered. The snapshot channel is then
// closed and Err returns err.
func (s *Subscription) Fail(err error) {
	if err == nil {
		err = ErrSubscriptionCompleted
	}
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return
	}
	s.ending = true
	s.err = err
	s.mu.Unlock()
	s.signal()
}

// Stop cancels delivery. Undelivered snapshots are discarded. Stop is idempotent.
func (s *Subscription) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.ending = true
		s.pending, s.hasPending = nil, false
		s.mu.Unlock()
		close(s.stopped)
		if s.onStop != nil {
			s.onStop()
		}
	})
}

// Snapshots returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) Snapshots() <-chan *Snapshot {
	return s.snapshots
}

// Err returns the reason the subscription failed, or nil if it is live or was stopped.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Run drives the subscription until it ends or until the given context is cancelled.
func (s *Subscription) Run(ctx context.Context, onSnapshot func(*Snapshot)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snapshot, ok := <-s.snapshots:
			if !ok {
				return s.Err()
			}
			onSnapshot(snapshot)
		}
	}
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.snapshots)

	for {
		s.mu.Lock()
		snapshot, ok, ending := s.pending, s.hasPending, s.ending
		s.pending, s.hasPending = nil, false
		s.mu.Unlock()

		if ok {
			select {
			case s.snapshots <- snapshot:
			case <-s.stopped:
				return
			}
			continue
		} else if ending {
			return
		}

		select {
		case <-s.wake:
		case <-s.stopped:
			return
		}
	}
}
