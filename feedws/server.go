package feedws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ccbrown/livefeed/backend"
)

// Server serves a backend.Backend to feedws clients.
type Server struct {
	Backend backend.Backend

	// If nil, logrus.StandardLogger() is used.
	Logger logrus.FieldLogger

	// When calling ServeHTTP, the request's origin is checked using this function. If nil, the
	// gorilla/websocket default is used, which rejects cross-origin requests.
	WebSocketOriginCheck func(r *http.Request) bool

	// If given, this is invoked when the client sends its init message. The returned context is
	// used for the connection's subsequent operations. If an error is returned, the connection is
	// refused.
	HandleInit func(ctx context.Context, parameters json.RawMessage) (context.Context, error)

	connectionsMutex sync.Mutex
	connections      map[*Connection]struct{}
}

const maxPendingWrites = 100

func (s *Server) logger() logrus.FieldLogger {
	if s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}

// ServeHTTP serves a feedws WebSocket connection. This method hijacks connections. To gracefully
// close them, use CloseHijackedConnections.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "not a websocket upgrade", http.StatusBadRequest)
		return
	}

	var upgrader = websocket.Upgrader{
		CheckOrigin:       s.WebSocketOriginCheck,
		EnableCompression: true,
		Subprotocols:      []string{Subprotocol},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the response
		return
	}

	connection := &Connection{
		Logger: s.logger().WithField("connection", uuid.NewString()),
	}

	s.connectionsMutex.Lock()
	if s.connections == nil {
		s.connections = map[*Connection]struct{}{}
	}
	s.connections[connection] = struct{}{}
	s.connectionsMutex.Unlock()

	// The request context is cancelled once a hijacked connection's handler returns, so only its
	// values are kept.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	handler := &connectionHandler{
		Server:        s,
		Connection:    connection,
		Context:       ctx,
		cancel:        cancel,
		done:          ctx.Done(),
		subscriptions: map[string]*backend.Subscription{},
		writes:        make(chan writeRequest, maxPendingWrites),
	}
	connection.Handler = handler
	go handler.writeLoop()
	connection.Serve(conn)
}

// CloseHijackedConnections closes connections hijacked by ServeHTTP.
func (s *Server) CloseHijackedConnections() {
	s.connectionsMutex.Lock()
	connections := make([]*Connection, 0, len(s.connections))
	for connection := range s.connections {
		connections = append(connections, connection)
	}
	s.connections = map[*Connection]struct{}{}
	s.connectionsMutex.Unlock()

	for _, connection := range connections {
		if err := connection.Close(); err != nil {
			connection.Logger.Error(errors.Wrap(err, "error closing connection"))
		}
	}
}

func (s *Server) removeConnection(connection *Connection) {
	s.connectionsMutex.Lock()
	defer s.connectionsMutex.Unlock()
	delete(s.connections, connection)
}

type writeRequest struct {
	id      string
	payload *WritePayload
}

type connectionHandler struct {
	Server     *Server
	Connection *Connection
	Context    context.Context

	cancel        context.CancelFunc
	done          <-chan struct{}
	subscriptions map[string]*backend.Subscription
	writes        chan writeRequest
}

func (h *connectionHandler) HandleInit(parameters json.RawMessage) error {
	if f := h.Server.HandleInit; f != nil {
		ctx, err := f(h.Context, parameters)
		if err != nil {
			return err
		}
		h.Context = ctx
	}
	return nil
}

func (h *connectionHandler) HandleStart(id string, payload *StartPayload) {
	if _, ok := h.subscriptions[id]; ok {
		return
	}

	logger := h.Connection.Logger.WithFields(logrus.Fields{
		"subscription": id,
		"collection":   payload.Collection,
	})

	sub, err := h.Server.Backend.SubscribeOrdered(h.Context, payload.Collection, payload.OrderKey)
	if err != nil {
		logger.WithField("error", err.Error()).Info("unable to subscribe")
		if err := h.Connection.SendError(id, err); err != nil {
			h.Connection.logSendError(err, "error")
		}
		return
	}
	h.subscriptions[id] = sub

	go func() {
		// Run only ends with an error if the backend fails the subscription. If we stopped it, the
		// stop message has already been answered.
		if err := sub.Run(context.Background(), func(snapshot *backend.Snapshot) {
			if err := h.Connection.SendData(id, snapshot); err != nil {
				h.Connection.logSendError(err, "data")
			}
		}); err != nil {
			logger.WithField("error", err.Error()).Warn("subscription failed")
			if err := h.Connection.SendError(id, err); err != nil {
				h.Connection.logSendError(err, "error")
			}
		}
	}()
}

func (h *connectionHandler) HandleStop(id string) {
	if sub, ok := h.subscriptions[id]; ok {
		sub.Stop()
		delete(h.subscriptions, id)
	}
}

func (h *connectionHandler) HandleWrite(id string, payload *WritePayload) {
	select {
	case h.writes <- writeRequest{id, payload}:
	default:
		if err := h.Connection.SendResult(id, "", errors.New("too many pending writes")); err != nil {
			h.Connection.logSendError(err, "result")
		}
	}
}

func (h *connectionHandler) HandleClose() {
	for _, sub := range h.subscriptions {
		sub.Stop()
	}
	h.subscriptions = nil
	h.cancel()
	h.Server.removeConnection(h.Connection)
}

// writeLoop applies the connection's writes one at a time, in the order they were received.
func (h *connectionHandler) writeLoop() {
	for {
		select {
		case req := <-h.writes:
			key, err := h.write(req.payload)
			if err != nil {
				h.Connection.Logger.WithFields(logrus.Fields{
					"op":         req.payload.Op,
					"collection": req.payload.Collection,
					"key":        req.payload.Key,
					"error":      err.Error(),
				}).Info("write failed")
			}
			if err := h.Connection.SendResult(req.id, key, err); err != nil {
				h.Connection.logSendError(err, "result")
			}
		case <-h.done:
			return
		}
	}
}

func (h *connectionHandler) write(payload *WritePayload) (string, error) {
	var record backend.Record
	if payload.Op != WriteOpRemove {
		if payload.Record == nil {
			return "", errors.New("a record is required")
		}
		normalized, err := backend.NormalizeJSON(payload.Record)
		if err != nil {
			return "", errors.Wrap(err, "invalid record")
		}
		record = normalized
	}

	switch payload.Op {
	case WriteOpAppend:
		return h.Server.Backend.Append(h.Context, payload.Collection, record)
	case WriteOpOverwrite:
		return payload.Key, h.Server.Backend.Overwrite(h.Context, payload.Collection, payload.Key, record)
	case WriteOpRemove:
		return payload.Key, h.Server.Backend.Remove(h.Context, payload.Collection, payload.Key)
	}
	return "", errors.Errorf("unknown write op %q", payload.Op)
}
