// Package feedws carries the backend contract over a WebSocket so that feeds in other processes can
// share one store. The framing is modeled on graphql-ws: every frame is a JSON object with an id,
// a type, and an optional payload.
package feedws

import (
	"encoding/json"

	jsoniter "github.com/json-iterator/go"

	"github.com/ccbrown/livefeed/backend"
)

// Subprotocol is negotiated during the WebSocket handshake.
const Subprotocol = "livefeed-ws"

// MessageType represents a feedws message type.
type MessageType string

const (
	MessageTypeConnectionInit      MessageType = "connection_init"
	MessageTypeConnectionAck       MessageType = "connection_ack"
	MessageTypeConnectionError     MessageType = "connection_error"
	MessageTypeConnectionKeepAlive MessageType = "ka"
	MessageTypeConnectionTerminate MessageType = "connection_terminate"

	// Subscriptions: the client starts and stops them, the server sends data until an error or
	// complete ends them.
	MessageTypeStart    MessageType = "start"
	MessageTypeStop     MessageType = "stop"
	MessageTypeData     MessageType = "data"
	MessageTypeError    MessageType = "error"
	MessageTypeComplete MessageType = "complete"

	// Writes: every write is answered by exactly one result with the same id.
	MessageTypeWrite  MessageType = "write"
	MessageTypeResult MessageType = "result"
)

// Message represents a feedws message. This can be used for both client and server messages.
type Message struct {
	Id      string          `json:"id,omitempty"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type StartPayload struct {
	Collection string `json:"collection"`
	OrderKey   string `json:"orderKey"`
}

type WriteOp string

const (
	WriteOpAppend    WriteOp = "append"
	WriteOpOverwrite WriteOp = "overwrite"
	WriteOpRemove    WriteOp = "remove"
)

// WritePayload describes a single mutation. Server values within Record are sent as
// {".sv": "<name>"}.
type WritePayload struct {
	Op         WriteOp        `json:"op"`
	Collection string         `json:"collection"`
	Key        string         `json:"key,omitempty"`
	Record     backend.Record `json:"record"`
}

// ResultPayload answers a write. Key is the assigned key for appends.
type ResultPayload struct {
	Key   string `json:"key,omitempty"`
	Error string `json:"error,omitempty"`
}

// ErrorPayload is the payload of connection_error and error messages.
type ErrorPayload struct {
	Message string `json:"message"`
}

// DataPayload is the payload of data messages.
type DataPayload = backend.Snapshot

// Numbers are decoded as json.Number so that record fields keep their integer precision.
var jsonAPI = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

func newMessage(id string, t MessageType, payload interface{}) (*Message, error) {
	msg := &Message{
		Id:   id,
		Type: t,
	}
	if payload != nil {
		buf, err := jsonAPI.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = buf
	}
	return msg, nil
}
