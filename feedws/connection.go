package feedws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ccbrown/livefeed/backend"
)

// Connection represents a server-side feedws connection.
type Connection struct {
	Logger  logrus.FieldLogger
	Handler ConnectionHandler

	conn              *websocket.Conn
	readLoopDone      chan struct{}
	writeLoopDone     chan struct{}
	outgoing          chan *websocket.PreparedMessage
	close             chan struct{}
	beginClosingOnce  sync.Once
	finishClosingOnce sync.Once
	didInit           bool
}

// ConnectionHandler methods may be invoked on a separate goroutine, but invocations will never be
// made concurrently.
type ConnectionHandler interface {
	// Called when the server receives the init message. If an error is returned, it will be sent to
	// the client and the connection will be closed.
	HandleInit(parameters json.RawMessage) error

	// Called when the client wants to subscribe to a collection. The handler should call SendData
	// for every snapshot and SendError if the subscription fails.
	HandleStart(id string, payload *StartPayload)

	// Called when the client wants to stop a subscription.
	HandleStop(id string)

	// Called when the client wants to mutate a collection. The handler must eventually call
	// SendResult exactly once for the id.
	HandleWrite(id string, payload *WritePayload)

	// Called when the connection is closed.
	HandleClose()
}

const (
	connectionSendBufferSize = 100
	keepAliveInterval        = 15 * time.Second
	writeTimeout             = 5 * time.Second
)

var errConnectionClosed = errors.New("connection closed")

// Serve takes ownership of the given connection and begins reading / writing to it.
func (c *Connection) Serve(conn *websocket.Conn) {
	c.conn = conn
	c.readLoopDone = make(chan struct{})
	c.writeLoopDone = make(chan struct{})
	c.outgoing = make(chan *websocket.PreparedMessage, connectionSendBufferSize)
	c.close = make(chan struct{})
	go c.readLoop()
	go c.writeLoop()
}

// SendData sends a snapshot for the given subscription. It blocks while the send buffer is full,
// so a subscription feeding a slow client falls back to its own coalescing.
func (c *Connection) SendData(id string, snapshot *backend.Snapshot) error {
	return c.send(id, MessageTypeData, snapshot)
}

// SendError ends the given subscription with an error.
func (c *Connection) SendError(id string, err error) error {
	return c.send(id, MessageTypeError, &ErrorPayload{
		Message: err.Error(),
	})
}

// SendComplete ends the given subscription without an error.
func (c *Connection) SendComplete(id string) error {
	return c.send(id, MessageTypeComplete, nil)
}

// SendResult answers the given write. If err is non-nil, key is ignored.
func (c *Connection) SendResult(id string, key string, err error) error {
	payload := &ResultPayload{
		Key: key,
	}
	if err != nil {
		payload = &ResultPayload{
			Error: err.Error(),
		}
	}
	return c.send(id, MessageTypeResult, payload)
}

// Close closes the connection. This must not be called from handler functions.
func (c *Connection) Close() error {
	c.beginClosing()
	c.finishClosing()
	return nil
}

func (c *Connection) send(id string, t MessageType, payload interface{}) error {
	msg, err := newMessage(id, t, payload)
	if err != nil {
		return errors.Wrapf(err, "error marshaling %v payload", t)
	}
	return c.sendMessage(msg)
}

func (c *Connection) sendMessage(msg *Message) error {
	data, err := jsonAPI.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "error marshaling message")
	}
	prepared, err := websocket.NewPreparedMessage(websocket.TextMessage, data)
	if err != nil {
		return errors.Wrap(err, "error preparing message")
	}
	select {
	case c.outgoing <- prepared:
	case <-c.close:
		return errConnectionClosed
	}
	return nil
}

func (c *Connection) readLoop() {
	defer close(c.readLoopDone)
	defer c.beginClosing()

	for {
		_, p, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure, websocket.CloseGoingAway) {
				select {
				case <-c.close:
				default:
					c.Logger.Error(errors.Wrap(err, "websocket read error"))
				}
			}
			return
		}

		c.handleMessage(p)
	}
}

func (c *Connection) logSendError(err error, what string) {
	if err != errConnectionClosed {
		c.Logger.Error(errors.Wrap(err, "unable to send feedws "+what))
	}
}

func (c *Connection) handleMessage(data []byte) {
	var msg Message
	if err := jsonAPI.Unmarshal(data, &msg); err != nil {
		c.Logger.WithField("error", err.Error()).Info("malformed feedws message received")
		return
	}

	switch msg.Type {
	case MessageTypeConnectionInit:
		if err := c.Handler.HandleInit(msg.Payload); err != nil {
			if err := c.send(msg.Id, MessageTypeConnectionError, &ErrorPayload{
				Message: err.Error(),
			}); err != nil {
				c.logSendError(err, "connection error")
			}
			c.beginClosing()
			return
		}

		c.didInit = true
		if err := c.sendMessage(&Message{
			Id:   msg.Id,
			Type: MessageTypeConnectionAck,
		}); err != nil {
			c.logSendError(err, "connection ack")
			c.beginClosing()
		}
	case MessageTypeStart:
		if !c.didInit {
			return
		}

		var payload StartPayload
		if err := jsonAPI.Unmarshal(msg.Payload, &payload); err != nil {
			c.Logger.WithField("error", err.Error()).Info("malformed feedws start payload received")
			return
		}
		c.Handler.HandleStart(msg.Id, &payload)
	case MessageTypeStop:
		if !c.didInit {
			return
		}

		c.Handler.HandleStop(msg.Id)
		if err := c.SendComplete(msg.Id); err != nil {
			c.logSendError(err, "stop response")
		}
	case MessageTypeWrite:
		if !c.didInit {
			return
		}

		var payload WritePayload
		if err := jsonAPI.Unmarshal(msg.Payload, &payload); err != nil {
			if err := c.SendResult(msg.Id, "", errors.Wrap(err, "malformed write payload")); err != nil {
				c.logSendError(err, "result")
			}
			return
		}
		c.Handler.HandleWrite(msg.Id, &payload)
	case MessageTypeConnectionTerminate:
		c.beginClosing()
	default:
		c.Logger.WithField("type", msg.Type).Info("unknown feedws message type received")
	}
}

var keepAlivePreparedMessage *websocket.PreparedMessage

func init() {
	data, err := jsonAPI.Marshal(&Message{
		Type: MessageTypeConnectionKeepAlive,
	})
	if err != nil {
		panic(errors.Wrap(err, "error marshaling message"))
	}
	prepared, err := websocket.NewPreparedMessage(websocket.TextMessage, data)
	if err != nil {
		panic(errors.Wrap(err, "error preparing message"))
	}
	keepAlivePreparedMessage = prepared
}

func (c *Connection) writeLoop() {
	defer c.finishClosing()
	defer close(c.writeLoopDone)

	defer c.conn.Close()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	for {
		var msg *websocket.PreparedMessage
		select {
		case outgoing := <-c.outgoing:
			msg = outgoing
		case <-keepAliveTicker.C:
			msg = keepAlivePreparedMessage
		case <-c.close:
			return
		}

		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))

		if err := c.conn.WritePreparedMessage(msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseAbnormalClosure, websocket.CloseGoingAway) && err != websocket.ErrCloseSent {
				c.Logger.Error(errors.Wrap(err, "websocket write error"))
			}
			return
		}
	}
}

func (c *Connection) beginClosing() {
	c.beginClosingOnce.Do(func() {
		close(c.close)
	})
}

func (c *Connection) finishClosing() {
	<-c.readLoopDone
	<-c.writeLoopDone
	invokeHandler := false
	c.finishClosingOnce.Do(func() {
		invokeHandler = true
	})
	if invokeHandler {
		c.Handler.HandleClose()
	}
}
