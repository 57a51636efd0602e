package websockets

import (
	"context"
	"sync/atomic"
	"time"

	"catalogsync/internal/events"
	"catalogsync/internal/types"
	"catalogsync/internal/utils"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

const (
	MESSAGE_TYPE_PING          = "ping"
	MESSAGE_TYPE_PONG          = "pong"
	MESSAGE_TYPE_ERROR         = "error"
	MESSAGE_TYPE_AUTH_REQUEST  = "auth_request"
	MESSAGE_TYPE_AUTH_RESPONSE = "auth_response"
	MESSAGE_TYPE_AUTH_SUCCESS  = "auth_success"
	MESSAGE_TYPE_AUTH_FAILURE  = "auth_failure"
	PING_INTERVAL              = 30 * time.Second
	PONG_TIMEOUT               = 60 * time.Second
	WRITE_TIMEOUT              = 10 * time.Second
	MAX_MESSAGE_SIZE           = 64 * 1024
	SEND_CHANNEL_SIZE          = 64
	SYSTEM_CHANNEL             = "system"
)

type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Channel   string         `json:"channel,omitempty"`
	Action    string         `json:"action,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func newMessage(messageType, channel, action string, data map[string]any) Message {
	return Message{
		ID:        uuid.New().String(),
		Type:      messageType,
		Channel:   channel,
		Action:    action,
		Data:      data,
		Timestamp: utils.Now(),
	}
}

// TokenValidator checks the token a client presents in its auth response.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*types.TokenInfo, error)
}

type Client struct {
	ID         string
	Subject    string
	Connection *websocket.Conn
	Manager    *Manager
	status     atomic.Int32
	send       chan Message
}

func (c *Client) Status() int32 {
	return c.status.Load()
}

// Manager relays change-feed and sync events to authenticated websocket
// clients.
type Manager struct {
	hub      *Hub
	tokens   TokenValidator
	log      logger.Logger
	eventBus *events.EventBus
}

func New(eventBus *events.EventBus, tokens TokenValidator) (*Manager, error) {
	log := logger.New("websockets")

	manager := &Manager{
		hub:      newHub(),
		tokens:   tokens,
		log:      log,
		eventBus: eventBus,
	}

	log.Function("New").Info("Starting websocket hub")
	go manager.hub.run(manager)

	if eventBus != nil {
		if err := manager.subscribe(events.CATALOG_CHANNEL); err != nil {
			manager.Close()
			return nil, err
		}
		if err := manager.subscribe(events.SYNC_CHANNEL); err != nil {
			manager.Close()
			return nil, err
		}
	}

	return manager, nil
}

func (m *Manager) Close() {
	m.hub.stop()
}

func (m *Manager) HandleWebSocket(c *websocket.Conn) {
	log := m.log.Function("HandleWebSocket")

	client := &Client{
		ID:         uuid.New().String(),
		Connection: c,
		Manager:    m,
		send:       make(chan Message, SEND_CHANNEL_SIZE),
	}
	client.status.Store(STATUS_UNAUTHENTICATED)

	if err := client.sendAuthRequest(); err != nil {
		if err := c.Close(); err != nil {
			log.Er("failed to close connection", err)
		}
		return
	}

	if !m.hub.add(client) {
		_ = c.Close()
		return
	}
	defer func() {
		m.hub.remove(client)
		if err := c.Close(); err != nil {
			log.Debug("connection already closed", "clientID", client.ID)
		}
	}()

	client.startAuthTimeout()
	go client.readPump()
	client.writePump()
}

func (c *Client) readPump() {
	log := c.Manager.log.Function("readPump")
	defer func() {
		c.Manager.hub.remove(c)
		_ = c.Connection.Close()
	}()

	c.Connection.SetReadLimit(MAX_MESSAGE_SIZE)
	if err := c.Connection.SetReadDeadline(time.Now().Add(PONG_TIMEOUT)); err != nil {
		log.Er("failed to set read deadline", err, "clientID", c.ID)
	}
	c.Connection.SetPongHandler(func(string) error {
		return c.Connection.SetReadDeadline(time.Now().Add(PONG_TIMEOUT))
	})

	for {
		var message Message
		if err := c.Connection.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
			) {
				log.Er("Unexpected close error", err, "clientID", c.ID)
			}
			return
		}

		c.routeMessage(message)
	}
}

func (c *Client) routeMessage(message Message) {
	log := c.Manager.log.Function("routeMessage")

	if message.Type == MESSAGE_TYPE_AUTH_RESPONSE {
		c.handleAuthResponse(message)
		return
	}

	if c.Status() != STATUS_AUTHENTICATED {
		c.handleUnauthenticatedMessage(message)
		return
	}

	switch message.Type {
	case MESSAGE_TYPE_PING:
		c.enqueue(newMessage(MESSAGE_TYPE_PONG, SYSTEM_CHANNEL, "", nil))
	default:
		log.Warn("Unknown message type", "type", message.Type, "clientID", c.ID)
		c.enqueue(newMessage(MESSAGE_TYPE_ERROR, SYSTEM_CHANNEL, "unknown_type", map[string]any{
			"type": message.Type,
		}))
	}
}

// enqueue hands a message to the write pump without blocking the caller.
// Messages for a client the hub already removed are dropped.
func (c *Client) enqueue(message Message) bool {
	hub := c.Manager.hub
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()

	if hub.clients[c.ID] != c {
		return false
	}

	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *Client) writePump() {
	log := c.Manager.log.Function("writePump")

	ticker := time.NewTicker(PING_INTERVAL)
	defer func() {
		ticker.Stop()
		_ = c.Connection.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.Connection.SetWriteDeadline(time.Now().Add(WRITE_TIMEOUT)); err != nil {
				log.Er("failed to set write deadline", err, "clientID", c.ID)
			}
			if !ok {
				_ = c.Connection.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Connection.WriteJSON(message); err != nil {
				log.Er("WebSocket write error", err, "clientID", c.ID, "messageType", message.Type)
				return
			}

		case <-ticker.C:
			if err := c.Connection.SetWriteDeadline(time.Now().Add(WRITE_TIMEOUT)); err != nil {
				log.Er("failed to set write deadline for ping", err, "clientID", c.ID)
			}
			if err := c.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// subscribe forwards every event on channel to authenticated clients.
func (m *Manager) subscribe(channel events.Channel) error {
	log := m.log.Function("subscribe")

	err := m.eventBus.Subscribe(channel, func(event events.Event) error {
		m.Broadcast(Message{
			ID:        event.ID,
			Type:      string(event.Type),
			Channel:   channel.String(),
			Data:      event.Data,
			Timestamp: event.Timestamp,
		})
		return nil
	})
	if err != nil {
		return log.Err("failed to subscribe to events", err, "channel", channel)
	}
	return nil
}

// Broadcast queues a message for every authenticated client.
func (m *Manager) Broadcast(message Message) {
	log := m.log.Function("Broadcast")

	select {
	case m.hub.broadcast <- message:
	case <-m.hub.done:
	default:
		log.Warn("Broadcast channel is full, dropping message", "messageID", message.ID)
	}
}
