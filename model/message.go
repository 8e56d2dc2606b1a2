package model

// Field names used for messages within stored records.
const (
	FieldText       = "text"
	FieldAuthorId   = "authorId"
	FieldAuthorName = "authorName"
	FieldCreatedAt  = "createdAt"
	FieldEditedAt   = "editedAt"
)

type Message struct {
	// Id is the backend key. It is never part of the stored record.
	Id string `msgpack:"-"`

	Text       string     `msgpack:"text"`
	AuthorId   string     `msgpack:"authorId"`
	AuthorName string     `msgpack:"authorName"`
	CreatedAt  Timestamp  `msgpack:"createdAt"`
	EditedAt   *Timestamp `msgpack:"editedAt,omitempty"`
}

// IsEdited returns true if the message has been edited at least once.
func (m *Message) IsEdited() bool {
	return m.EditedAt != nil
}

// IsAuthoredBy returns true if the given identity created the message.
func (m *Message) IsAuthoredBy(identity Identity) bool {
	return identity.Id != "" && identity.Id == m.AuthorId
}
