package backend

import (
	"github.com/vmihailenco/msgpack"
)

// Entry is one keyed record within a snapshot.
type Entry struct {
	Key string `json:"key"`

	// Value is the record as encoded by EncodeRecord.
	Value []byte `json:"value"`
}

// Decode unmarshals the entry's record into dest, which is typically a pointer to a struct with
// msgpack tags.
func (e *Entry) Decode(dest interface{}) error {
	return msgpack.Unmarshal(e.Value, dest)
}

// Snapshot is the complete, ordered state of a collection at one point in time. It is never a
// delta.
type Snapshot struct {
	Entries []Entry `json:"entries,omitempty"`
}

// IsEmpty returns true if the snapshot is the empty marker.
func (s *Snapshot) IsEmpty() bool {
	return s == nil || len(s.Entries) == 0
}
