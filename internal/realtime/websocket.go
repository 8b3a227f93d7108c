package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 45 * time.Second
	sendBufferSize = 32
)

var errSendBufferFull = errors.New("realtime: send buffer full")

// CredentialValidator authenticates a realtime client's token.
type CredentialValidator interface {
	Validate(token string) (userID string, role Role, err error)
}

// WebsocketHandler upgrades HTTP requests into gateway connections.
type WebsocketHandler struct {
	gateway   *Gateway
	validator CredentialValidator
	logger    *zap.Logger
	upgrader  websocket.Upgrader
	newConnID func() string
}

// NewWebsocketHandler wires the websocket endpoint.
func NewWebsocketHandler(gateway *Gateway, validator CredentialValidator, logger *zap.Logger) *WebsocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebsocketHandler{
		gateway:   gateway,
		validator: validator,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		newConnID: uuid.NewString,
	}
}

type inboundMessage struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type outboundMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Handle authenticates, upgrades, registers the connection, and runs the read
// loop until the socket closes.
func (h *WebsocketHandler) Handle(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = bearerToken(c.Request)
	}
	userID, role, err := h.validator.Validate(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connectionID := h.newConnID()
	sender := newWebsocketSender(socket)
	go sender.writePump()

	if err := h.gateway.Connect(c.Request.Context(), connectionID, userID, role, sender); err != nil {
		h.logger.Warn("websocket registration failed",
			zap.String("connection_id", connectionID),
			zap.Error(err))
		_ = sender.Close()
		return
	}

	h.readLoop(connectionID, socket)
}

func (h *WebsocketHandler) readLoop(connectionID string, socket *websocket.Conn) {
	defer h.gateway.Disconnect(connectionID)

	_ = socket.SetReadDeadline(time.Now().Add(pongWait))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := socket.ReadMessage()
		if err != nil {
			return
		}
		h.gateway.Touch(connectionID)

		var inbound inboundMessage
		if err := json.Unmarshal(raw, &inbound); err != nil {
			h.logger.Debug("discarding malformed client message",
				zap.String("connection_id", connectionID),
				zap.Error(err))
			continue
		}
		h.dispatch(connectionID, inbound)
	}
}

func (h *WebsocketHandler) dispatch(connectionID string, inbound inboundMessage) {
	ctx := context.Background()
	_, sender, ok := h.gateway.registry.Snapshot(connectionID)
	if !ok {
		return
	}

	switch inbound.Action {
	case ActionSubscribe:
		var sub Subscription
		if err := json.Unmarshal(inbound.Data, &sub); err != nil {
			h.reply(sender, "subscribe_result", gin.H{"error": "invalid subscription payload"})
			return
		}
		ack, err := h.gateway.HandleSubscribe(ctx, connectionID, sub)
		if err != nil {
			h.reply(sender, "subscribe_result", gin.H{"error": err.Error()})
			return
		}
		h.reply(sender, "subscribe_result", ack)

	case ActionUnsubscribe:
		var request UnsubscribeRequest
		if err := json.Unmarshal(inbound.Data, &request); err != nil {
			h.reply(sender, "unsubscribe_result", gin.H{"error": "invalid unsubscribe payload"})
			return
		}
		ack, err := h.gateway.HandleUnsubscribe(ctx, connectionID, request)
		if err != nil {
			h.reply(sender, "unsubscribe_result", gin.H{"error": err.Error()})
			return
		}
		h.reply(sender, "unsubscribe_result", ack)

	case ActionStatus:
		var request StatusRequest
		if err := json.Unmarshal(inbound.Data, &request); err != nil {
			h.reply(sender, "config_status", gin.H{"error": "invalid status payload"})
			return
		}
		response, err := h.gateway.HandleStatus(ctx, connectionID, request)
		if err != nil {
			h.reply(sender, "config_status", gin.H{"error": err.Error()})
			return
		}
		h.reply(sender, "config_status", response)

	default:
		h.reply(sender, "error", gin.H{"error": "unknown action: " + inbound.Action})
	}
}

func (h *WebsocketHandler) reply(sender Sender, messageType string, payload any) {
	if err := sender.Send(messageType, payload); err != nil {
		h.logger.Debug("reply dropped", zap.String("message_type", messageType), zap.Error(err))
	}
}

// websocketSender serializes outbound messages onto one socket. Send enqueues
// without blocking; the pump owns all writes.
type websocketSender struct {
	socket *websocket.Conn
	stream chan outboundMessage

	closeOnce sync.Once
	closed    chan struct{}
}

func newWebsocketSender(socket *websocket.Conn) *websocketSender {
	return &websocketSender{
		socket: socket,
		stream: make(chan outboundMessage, sendBufferSize),
		closed: make(chan struct{}),
	}
}

func (s *websocketSender) Send(messageType string, payload any) error {
	select {
	case <-s.closed:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case s.stream <- outboundMessage{Type: messageType, Data: payload}:
		return nil
	default:
		return errSendBufferFull
	}
}

func (s *websocketSender) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *websocketSender) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.socket.Close()
	}()

	for {
		select {
		case <-s.closed:
			_ = s.socket.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.socket.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-s.stream:
			_ = s.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.socket.WriteJSON(message); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
