package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codefionn/go-ble-central/internal/logger"
	"github.com/codefionn/go-ble-central/internal/models"
)

const (
	// WebSocket configuration
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB
	sendBuffer     = 256
)

var errConnectionClosed = errors.New("connection closed")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow connections from any origin
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Handler manages WebSocket connections and message routing
type Handler struct {
	server        Server
	logger        *logger.Logger
	connections   map[string]*Connection
	connectionsMu sync.RWMutex
}

// Server interface defines the methods the WebSocket handler needs
type Server interface {
	HandleCommand(ctx context.Context, cmd models.CommandMessage) (interface{}, error)
	Subscribe(callback models.EventCallback) func()
	GetServerInfo() models.ServerInfoMessage
}

// Connection represents a WebSocket client connection
type Connection struct {
	id          string
	conn        *websocket.Conn
	handler     *Handler
	send        chan []byte
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *logger.Logger
	unsubscribe func()
	pumping     bool
	closeOnce   sync.Once
}

// NewHandler creates a new WebSocket handler
func NewHandler(server Server, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Discard()
	}
	return &Handler{
		server:      server,
		logger:      log.WithName("websocket"),
		connections: make(map[string]*Connection),
	}
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", logger.ErrorField(err))
		return
	}

	connID := models.GenerateMessageID()
	// The request context ends when the handler returns, so the connection
	// gets its own.
	ctx, cancel := context.WithCancel(context.Background())

	client := &Connection{
		id:      connID,
		conn:    conn,
		handler: h,
		send:    make(chan []byte, sendBuffer),
		ctx:     ctx,
		cancel:  cancel,
		logger:  h.logger.With(logger.String("connection", connID)),
	}

	// Server info goes out before any event can be queued.
	data, err := json.Marshal(h.server.GetServerInfo())
	if err != nil {
		client.logger.Error("Failed to marshal server info", logger.ErrorField(err))
		client.close()
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		client.logger.Error("Failed to send server info", logger.ErrorField(err))
		client.close()
		return
	}

	client.pumping = true
	client.unsubscribe = h.server.Subscribe(client.handleEvent)

	h.connectionsMu.Lock()
	h.connections[connID] = client
	h.connectionsMu.Unlock()

	client.logger.Info("WebSocket connection established",
		logger.String("remote_addr", r.RemoteAddr),
	)

	go client.writePump()
	go client.readPump()
}

// GetConnectionCount returns the number of active connections
func (h *Handler) GetConnectionCount() int {
	h.connectionsMu.RLock()
	defer h.connectionsMu.RUnlock()
	return len(h.connections)
}

// Shutdown closes all connections
func (h *Handler) Shutdown() {
	h.connectionsMu.Lock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, conn := range h.connections {
		conns = append(conns, conn)
	}
	h.connections = make(map[string]*Connection)
	h.connectionsMu.Unlock()

	for _, conn := range conns {
		conn.close()
	}
	h.logger.Info("WebSocket handler shutdown", logger.Int("closed", len(conns)))
}

// Connection methods

func (c *Connection) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", logger.ErrorField(err))
			}
			return
		}

		var cmd models.CommandMessage
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.logger.Warn("Failed to unmarshal command", logger.ErrorField(err))
			c.sendError(models.GenerateMessageID(), models.ErrorCodeInvalidArguments, "Invalid message format")
			continue
		}
		if cmd.Command == "" {
			c.sendError(cmd.MessageID, models.ErrorCodeInvalidArguments, "Missing command")
			continue
		}

		go c.handleCommand(cmd)
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.flush()
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush writes what is still queued, then a close frame.
func (c *Connection) flush() {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	for {
		select {
		case message := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Connection) handleCommand(cmd models.CommandMessage) {
	c.logger.Debug("Handling command",
		logger.String("command", cmd.Command),
		logger.String("message_id", cmd.MessageID),
	)

	result, err := c.handler.server.HandleCommand(c.ctx, cmd)
	if err != nil {
		code := models.ErrorCode(err)
		if code == models.ErrorCodeInternal {
			c.logger.Error("Command failed",
				logger.String("command", cmd.Command),
				logger.ErrorField(err),
			)
		} else {
			c.logger.Debug("Command rejected",
				logger.String("command", cmd.Command),
				logger.Int("code", code),
				logger.ErrorField(err),
			)
		}
		c.sendError(cmd.MessageID, code, err.Error())
		return
	}

	response := models.SuccessResultMessage{
		ResultMessageBase: models.ResultMessageBase{
			MessageID: cmd.MessageID,
		},
		Result: result,
	}

	if err := c.sendMessage(response); err != nil {
		c.logger.Error("Failed to send command response", logger.ErrorField(err))
	}
}

// handleEvent runs on the server's event goroutine and must not block.
func (c *Connection) handleEvent(eventType models.EventType, data interface{}) {
	event := models.EventMessage{
		Event: eventType,
		Data:  data,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("Failed to marshal event",
			logger.String("event", string(eventType)),
			logger.ErrorField(err),
		)
		return
	}
	if !c.enqueue(payload) {
		c.logger.Warn("Event queue full, closing connection",
			logger.String("event", string(eventType)),
		)
		go c.close()
	}
}

// enqueue queues data without blocking. It reports false if the queue is
// full; a closed connection silently drops data.
func (c *Connection) enqueue(data []byte) bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Connection) sendMessage(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return errConnectionClosed
	case <-time.After(1 * time.Second):
		return fmt.Errorf("send timeout")
	}
}

func (c *Connection) sendError(messageID string, code int, details string) {
	errorMsg := models.ErrorResultMessage{
		ResultMessageBase: models.ResultMessageBase{
			MessageID: messageID,
		},
		ErrorCode: code,
		Details:   &details,
	}

	if err := c.sendMessage(errorMsg); err != nil && !errors.Is(err, errConnectionClosed) {
		c.logger.Error("Failed to send error message", logger.ErrorField(err))
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		c.cancel()

		c.handler.connectionsMu.Lock()
		delete(c.handler.connections, c.id)
		c.handler.connectionsMu.Unlock()

		// The write pump owns the socket once started and closes it after
		// flushing.
		if !c.pumping {
			c.conn.Close()
		}
		c.logger.Info("WebSocket connection closed")
	})
}
