package model

import "time"

// Timestamp is a server-assigned point in time, in milliseconds since the Unix epoch.
type Timestamp int64

func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixNano() / int64(time.Millisecond))
}

func (t Timestamp) Time() time.Time {
	return time.Unix(0, int64(t)*int64(time.Millisecond))
}

func (t Timestamp) Before(other Timestamp) bool {
	return t < other
}

// Identity is the acting user. It is passed explicitly wherever authorship matters.
type Identity struct {
	Id   string
	Name string
}
