package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ccbrown/keyvaluestore"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ccbrown/livefeed/backend"
)

// Store implements backend.Backend on top of a key-value store. Writes are serialized and every
// subscriber in this process receives the resulting snapshot in write order.
type Store struct {
	Backend keyvaluestore.Backend

	// If nil, logrus.StandardLogger() is used.
	Logger logrus.FieldLogger

	// If nil, time.Now is used.
	Now func() time.Time

	mu            sync.Mutex
	clockLoaded   bool
	lastTimestamp int64
	subscribers   map[string]map[*subscriber]struct{}
}

var _ backend.Backend = (*Store)(nil)

type subscriber struct {
	orderKey     string
	subscription *backend.Subscription
}

var (
	ErrInvalidCollection = errors.New("invalid collection name")
	ErrInvalidKey        = errors.New("invalid key")
	ErrNilRecord         = errors.New("record is required")
)

func recordKey(collection, key string) string {
	return "record:" + collection + ":" + key
}

// clockKey holds the last server timestamp issued by any store sharing the backend.
const clockKey = "clock"

func membersKey(collection string) string {
	return "members:" + collection
}

func validateCollection(collection string) error {
	if collection == "" || strings.Contains(collection, ":") {
		return errors.Wrapf(ErrInvalidCollection, "%q", collection)
	}
	return nil
}

func validateKey(key string) error {
	if key == "" || strings.Contains(key, ":") {
		return errors.Wrapf(ErrInvalidKey, "%q", key)
	}
	return nil
}

func (s *Store) logger() logrus.FieldLogger {
	if s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}

// serverTimestamp returns the backend clock in milliseconds. Successive calls always return
// strictly increasing values, including across restarts, because every write persists the value
// it used. Must be called with s.mu held.
func (s *Store) serverTimestamp() (int64, error) {
	if !s.clockLoaded {
		v, err := s.Backend.Get(clockKey)
		if err != nil {
			return 0, errors.Wrap(err, "error reading clock")
		} else if v != nil {
			last, err := strconv.ParseInt(*v, 10, 64)
			if err != nil {
				return 0, errors.Wrap(err, "malformed clock")
			}
			if last > s.lastTimestamp {
				s.lastTimestamp = last
			}
		}
		s.clockLoaded = true
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	ts := now().UnixNano() / int64(time.Millisecond)
	if ts <= s.lastTimestamp {
		ts = s.lastTimestamp + 1
	}
	s.lastTimestamp = ts
	return ts, nil
}

// Append writes the record under a new, lexically increasing key and returns the key.
func (s *Store) Append(ctx context.Context, collection string, record backend.Record) (string, error) {
	if err := validateCollection(collection); err != nil {
		return "", err
	} else if record == nil {
		return "", ErrNilRecord
	} else if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := ulid.Make().String()
	if err := s.put(collection, key, record); err != nil {
		return "", err
	}
	s.publish(collection)
	return key, nil
}

// Overwrite replaces the record stored under key, creating it if it doesn't exist.
func (s *Store) Overwrite(ctx context.Context, collection, key string, record backend.Record) error {
	if err := validateCollection(collection); err != nil {
		return err
	} else if err := validateKey(key); err != nil {
		return err
	} else if record == nil {
		return ErrNilRecord
	} else if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.put(collection, key, record); err != nil {
		return err
	}
	s.publish(collection)
	return nil
}

func (s *Store) put(collection, key string, record backend.Record) error {
	ts, err := s.serverTimestamp()
	if err != nil {
		return err
	}
	resolved, err := record.Resolve(ts)
	if err != nil {
		return err
	}
	serialized, err := backend.EncodeRecord(resolved)
	if err != nil {
		return err
	}

	tx := s.Backend.AtomicWrite()
	tx.Set(recordKey(collection, key), string(serialized))
	tx.SAdd(membersKey(collection), key)
	tx.Set(clockKey, ts)
	if _, err := tx.Exec(); err != nil {
		return errors.Wrap(err, "error writing record")
	}
	return nil
}

// Remove deletes the record. Removing a key that doesn't exist is not an error, but subscribers
// are still notified.
func (s *Store) Remove(ctx context.Context, collection, key string) error {
	if err := validateCollection(collection); err != nil {
		return err
	} else if err := validateKey(key); err != nil {
		return err
	} else if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.Backend.AtomicWrite()
	tx.Delete(recordKey(collection, key))
	tx.SRem(membersKey(collection), key)
	if _, err := tx.Exec(); err != nil {
		return errors.Wrap(err, "error removing record")
	}
	s.publish(collection)
	return nil
}

// SubscribeOrdered registers a listener for the collection. The current contents are delivered
// first, followed by a snapshot after every write.
func (s *Store) SubscribeOrdered(ctx context.Context, collection, orderKey string) (*backend.Subscription, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, err := s.snapshot(collection, orderKey)
	if err != nil {
		return nil, err
	}

	sub := &subscriber{
		orderKey: orderKey,
	}
	sub.subscription = backend.NewSubscription(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers[collection], sub)
		if len(s.subscribers[collection]) == 0 {
			delete(s.subscribers, collection)
		}
	})

	if s.subscribers == nil {
		s.subscribers = map[string]map[*subscriber]struct{}{}
	}
	if s.subscribers[collection] == nil {
		s.subscribers[collection] = map[*subscriber]struct{}{}
	}
	s.subscribers[collection][sub] = struct{}{}

	sub.subscription.Publish(snapshot)
	return sub.subscription, nil
}

// publish sends the current state of the collection to its subscribers. Must be called with s.mu
// held.
func (s *Store) publish(collection string) {
	subscribers := s.subscribers[collection]
	if len(subscribers) == 0 {
		return
	}

	snapshots := map[string]*backend.Snapshot{}
	for sub := range subscribers {
		snapshot, ok := snapshots[sub.orderKey]
		if !ok {
			var err error
			snapshot, err = s.snapshot(collection, sub.orderKey)
			if err != nil {
				// the next write will try again
				s.logger().WithFields(logrus.Fields{
					"collection": collection,
					"error":      err.Error(),
				}).Error("unable to build snapshot")
				return
			}
			snapshots[sub.orderKey] = snapshot
		}
		sub.subscription.Publish(snapshot)
	}
}

type orderedEntry struct {
	entry    backend.Entry
	hasOrder bool
	order    float64
}

// snapshot reads the full collection ordered ascending by orderKey. Records without a numeric
// orderKey come first. Ties are broken by key, which for appended records is creation order.
func (s *Store) snapshot(collection, orderKey string) (*backend.Snapshot, error) {
	keys, err := s.Backend.SMembers(membersKey(collection))
	if err != nil {
		return nil, errors.Wrap(err, "error reading collection members")
	}

	batch := s.Backend.Batch()
	gets := make([]keyvaluestore.GetResult, len(keys))
	for i, key := range keys {
		gets[i] = batch.Get(recordKey(collection, key))
	}
	if err := batch.Exec(); err != nil {
		return nil, errors.Wrap(err, "error reading collection records")
	}

	entries := make([]orderedEntry, 0, len(keys))
	for i, get := range gets {
		v, err := get.Result()
		if err != nil {
			return nil, errors.Wrap(err, "error reading collection record")
		} else if v == nil {
			continue
		}
		e := orderedEntry{
			entry: backend.Entry{
				Key:   keys[i],
				Value: []byte(*v),
			},
		}
		if record, err := backend.DecodeRecord(e.entry.Value); err == nil {
			e.order, e.hasOrder = record.Number(orderKey)
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.hasOrder != b.hasOrder {
			return !a.hasOrder
		} else if a.order != b.order {
			return a.order < b.order
		}
		return a.entry.Key < b.entry.Key
	})

	ret := &backend.Snapshot{
		Entries: make([]backend.Entry, len(entries)),
	}
	for i, e := range entries {
		ret.Entries[i] = e.entry
	}
	return ret, nil
}
