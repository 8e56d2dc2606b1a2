package feedws

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ccbrown/livefeed/backend"
)

// DialOptions configures a Client. The zero value is usable.
type DialOptions struct {
	// If nil, websocket.DefaultDialer is used.
	Dialer *websocket.Dialer

	// Additional headers for the handshake request, such as Authorization.
	Header http.Header

	// Sent as the connection_init payload.
	InitPayload interface{}

	// If nil, logrus.StandardLogger() is used.
	Logger logrus.FieldLogger

	// If nothing, not even a keep-alive, is received for this long, the connection is considered
	// lost. If zero, three keep-alive intervals are used.
	ReadTimeout time.Duration
}

// ErrClientClosed is returned by operations on a client that was closed with Close.
var ErrClientClosed = errors.New("feedws client closed")

// Client implements backend.Backend for a remote feedws server. If the connection is lost, every
// live subscription fails and every pending write returns an error. A client never reconnects.
type Client struct {
	logger       logrus.FieldLogger
	conn         *websocket.Conn
	readTimeout  time.Duration
	writeMutex   sync.Mutex
	readLoopDone chan struct{}

	mu            sync.Mutex
	subscriptions map[string]*backend.Subscription
	pending       map[string]chan *ResultPayload
	err           error
}

var _ backend.Backend = (*Client)(nil)

// Dial connects to a feedws server and waits for it to acknowledge the connection.
func Dial(ctx context.Context, url string, opts *DialOptions) (*Client, error) {
	if opts == nil {
		opts = &DialOptions{}
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	d := *dialer
	d.Subprotocols = []string{Subprotocol}

	conn, resp, err := d.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "unable to connect (%v)", resp.Status)
		}
		return nil, errors.Wrap(err, "unable to connect")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	readTimeout := opts.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 3 * keepAliveInterval
	}

	c := &Client{
		logger:        logger,
		conn:          conn,
		readTimeout:   readTimeout,
		readLoopDone:  make(chan struct{}),
		subscriptions: map[string]*backend.Subscription{},
		pending:       map[string]chan *ResultPayload{},
	}

	if err := c.init(ctx, opts.InitPayload); err != nil {
		conn.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

func (c *Client) init(ctx context.Context, payload interface{}) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}

	if err := c.send(ctx, "", MessageTypeConnectionInit, payload); err != nil {
		return errors.Wrap(err, "unable to send init message")
	}

	for {
		var msg Message
		if err := c.readMessage(&msg); err != nil {
			return errors.Wrap(err, "unable to read init response")
		}
		switch msg.Type {
		case MessageTypeConnectionAck:
			return nil
		case MessageTypeConnectionError:
			var payload ErrorPayload
			if err := jsonAPI.Unmarshal(msg.Payload, &payload); err != nil {
				return errors.Wrap(err, "malformed connection error")
			}
			return errors.Errorf("connection refused: %v", payload.Message)
		case MessageTypeConnectionKeepAlive:
		default:
			return errors.Errorf("unexpected %v message during init", msg.Type)
		}
	}
}

func (c *Client) readMessage(msg *Message) error {
	_, p, err := c.conn.ReadMessage()
	if err != nil {
		return err
	}
	return jsonAPI.Unmarshal(p, msg)
}

func (c *Client) send(ctx context.Context, id string, t MessageType, payload interface{}) error {
	msg, err := newMessage(id, t, payload)
	if err != nil {
		return errors.Wrapf(err, "error marshaling %v payload", t)
	}
	data, err := jsonAPI.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "error marshaling message")
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop() {
	defer close(c.readLoopDone)

	for {
		c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		_, p, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(errors.Wrap(err, "feedws connection lost"))
			c.conn.Close()
			return
		}

		var msg Message
		if err := jsonAPI.Unmarshal(p, &msg); err != nil {
			c.logger.WithField("error", err.Error()).Warn("malformed feedws message received")
			continue
		}
		c.handleMessage(&msg)
	}
}

func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypeData:
		var snapshot DataPayload
		if err := jsonAPI.Unmarshal(msg.Payload, &snapshot); err != nil {
			c.failSubscription(msg.Id, errors.Wrap(err, "malformed snapshot"))
			return
		}
		c.mu.Lock()
		sub := c.subscriptions[msg.Id]
		c.mu.Unlock()
		if sub != nil {
			sub.Publish(&snapshot)
		}
	case MessageTypeError:
		var payload ErrorPayload
		if err := jsonAPI.Unmarshal(msg.Payload, &payload); err != nil {
			payload.Message = "unknown subscription error"
		}
		c.failSubscription(msg.Id, errors.New(payload.Message))
	case MessageTypeComplete:
		// this is also the answer to our own stop messages, in which case the subscription is
		// already gone
		c.failSubscription(msg.Id, backend.ErrSubscriptionCompleted)
	case MessageTypeResult:
		var payload ResultPayload
		if err := jsonAPI.Unmarshal(msg.Payload, &payload); err != nil {
			payload.Error = "malformed write result"
		}
		c.mu.Lock()
		ch, ok := c.pending[msg.Id]
		delete(c.pending, msg.Id)
		c.mu.Unlock()
		if ok {
			ch <- &payload
		}
	case MessageTypeConnectionKeepAlive:
	default:
		c.logger.WithField("type", msg.Type).Info("unknown feedws message type received")
	}
}

func (c *Client) failSubscription(id string, err error) {
	c.mu.Lock()
	sub, ok := c.subscriptions[id]
	delete(c.subscriptions, id)
	c.mu.Unlock()
	if ok {
		sub.Fail(err)
	}
}

// shutdown fails everything in flight. Only the first call has any effect, and it returns true.
func (c *Client) shutdown(err error) bool {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return false
	}
	c.err = err
	subscriptions, pending := c.subscriptions, c.pending
	c.subscriptions, c.pending = nil, nil
	c.mu.Unlock()

	for _, sub := range subscriptions {
		sub.Fail(err)
	}
	for _, ch := range pending {
		close(ch)
	}
	return true
}

// Err returns the reason the client stopped working, or nil if it is still connected.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close terminates the connection. Live subscriptions fail with ErrClientClosed.
func (c *Client) Close() error {
	if c.shutdown(ErrClientClosed) {
		if err := c.send(context.Background(), "", MessageTypeConnectionTerminate, nil); err != nil {
			c.logger.WithField("error", err.Error()).Debug("unable to send terminate message")
		}
	}
	err := c.conn.Close()
	<-c.readLoopDone
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return errors.Wrap(err, "error closing connection")
	}
	return nil
}

// SubscribeOrdered sends a start message and returns once it is written. If the server rejects the
// subscription, the returned subscription fails with the server's error.
func (c *Client) SubscribeOrdered(ctx context.Context, collection, orderKey string) (*backend.Subscription, error) {
	id := uuid.NewString()
	sub := backend.NewSubscription(func() {
		c.stop(id)
	})

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		sub.Fail(err)
		return nil, err
	}
	c.subscriptions[id] = sub
	c.mu.Unlock()

	if err := c.send(ctx, id, MessageTypeStart, &StartPayload{
		Collection: collection,
		OrderKey:   orderKey,
	}); err != nil {
		c.mu.Lock()
		delete(c.subscriptions, id)
		c.mu.Unlock()
		sub.Fail(err)
		return nil, errors.Wrap(err, "unable to send start message")
	}
	return sub, nil
}

func (c *Client) stop(id string) {
	c.mu.Lock()
	_, ok := c.subscriptions[id]
	delete(c.subscriptions, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := c.send(context.Background(), id, MessageTypeStop, nil); err != nil {
		c.logger.WithFields(logrus.Fields{
			"subscription": id,
			"error":        err.Error(),
		}).Debug("unable to send stop message")
	}
}

func (c *Client) write(ctx context.Context, payload *WritePayload) (string, error) {
	id := uuid.NewString()
	ch := make(chan *ResultPayload, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return "", err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.send(ctx, id, MessageTypeWrite, payload); err != nil {
		forget()
		return "", errors.Wrap(err, "unable to send write message")
	}

	select {
	case result, ok := <-ch:
		if !ok {
			return "", c.Err()
		} else if result.Error != "" {
			return "", errors.New(result.Error)
		}
		return result.Key, nil
	case <-ctx.Done():
		forget()
		return "", ctx.Err()
	}
}

// Append waits for the server to apply the write and returns the new key.
func (c *Client) Append(ctx context.Context, collection string, record backend.Record) (string, error) {
	return c.write(ctx, &WritePayload{
		Op:         WriteOpAppend,
		Collection: collection,
		Record:     record,
	})
}

// Overwrite waits for the server to replace the record.
func (c *Client) Overwrite(ctx context.Context, collection, key string, record backend.Record) error {
	_, err := c.write(ctx, &WritePayload{
		Op:         WriteOpOverwrite,
		Collection: collection,
		Key:        key,
		Record:     record,
	})
	return err
}

// Remove waits for the server to remove the record.
func (c *Client) Remove(ctx context.Context, collection, key string) error {
	_, err := c.write(ctx, &WritePayload{
		Op:         WriteOpRemove,
		Collection: collection,
		Key:        key,
	})
	return err
}
